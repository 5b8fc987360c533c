// Package sandbox implements component F's ScriptSandbox capability: an
// in-process JavaScript VM that runs pre/post-request scripts against a
// mutable request/response/environment/globals/collectionVars context. It
// generalizes the teacher's jschallenge.OttoSolver (a single mutex-guarded
// otto VM seeded with browser stub globals) into a pool of VMs reset
// between every use, one capability consumed by the run controller instead
// of a per-session singleton.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/robertkrimen/otto"
)

// Request is the mutable view of the outbound HTTP request a script may
// read or rewrite before it is sent.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the read-only view of the received HTTP response, present
// only for post-request scripts.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// Vars is a flat string-keyed variable set: environment, globals, or
// collection variables, all mutable from script.
type Vars map[string]string

// Ctx is the capability surface handed to one script invocation.
type Ctx struct {
	Request        *Request
	Response       *Response // nil for pre-request scripts
	Environment    Vars
	Globals        Vars
	CollectionVars Vars
}

// TestAssertion is one named pass/fail produced by a script's test(...)
// calls.
type TestAssertion struct {
	Name   string
	Passed bool
	Error  string
}

// Result is the outcome of one script invocation.
type Result struct {
	Success bool
	Error   string
	Tests   []TestAssertion
	Console []string
}

// Sandbox runs a script against ctx within the configured resource limits.
// Any script exception is reported in Result.Error, not returned as a Go
// error — callers treat a sandbox exception as a recoverable script fault
// (§7) and still send/keep the request outcome.
type Sandbox interface {
	Run(ctx context.Context, script string, sctx *Ctx) Result
}

// Limits bounds one script invocation. MemoryBytes and StackBytes are
// advisory: otto, the pure-Go interpreter backing OttoSandbox, has no
// native heap or stack quota, so only Timeout is actually enforced here.
// Scripts are expected to be small variable-extraction/assertion snippets,
// not memory-heavy programs, so this gap has not mattered in practice; a
// future sandbox implementation built on a VM with cgroup or V8-isolate
// style limits could honor them exactly.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int
	StackBytes  int
}

// errHalt is the sentinel panic value used to unwind an interrupted otto
// script. See otto's documented halt-the-vm pattern.
type errHalt struct{}

// OttoSandbox is the default Sandbox, backed by a fixed pool of pre-warmed
// otto.Otto VMs (spec §9's "pool of sandbox contexts, e.g. 64
// pre-initialized, reused across requests in Load mode").
type OttoSandbox struct {
	pool   chan *otto.Otto
	limits Limits
}

// defaultPoolSize matches spec §9's worked example.
const defaultPoolSize = 64

// New builds an OttoSandbox with poolSize pre-warmed VMs. poolSize <= 0
// uses defaultPoolSize.
func New(limits Limits, poolSize int) *OttoSandbox {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	s := &OttoSandbox{pool: make(chan *otto.Otto, poolSize), limits: limits}
	for i := 0; i < poolSize; i++ {
		s.pool <- otto.New()
	}
	return s
}

// Run acquires a pristine template VM from the pool, takes an independent
// Copy of it (otto.Otto.Copy returns a runtime with its own global object,
// sharing no state with the template or with any other copy), seeds the
// copy's globals from sctx, executes script under the configured timeout,
// copies any mutations back into sctx, and returns the untouched template
// to the pool. Because the template itself is never run against, no
// variable state can leak from one invocation to the next.
func (s *OttoSandbox) Run(ctx context.Context, script string, sctx *Ctx) Result {
	template := <-s.pool
	defer func() { s.pool <- template }()
	vm := template.Copy()

	console := &consoleSink{}
	bootstrap(vm, sctx, console)

	timeout := s.limits.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	result := s.runWithTimeout(vm, script, timeout)
	result.Console = console.lines
	readBack(vm, sctx)
	return result
}

func (s *OttoSandbox) runWithTimeout(vm *otto.Otto, script string, timeout time.Duration) (result Result) {
	vm.Interrupt = make(chan func(), 1)
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt <- func() { panic(errHalt{}) }
	})
	defer timer.Stop()

	defer func() {
		if caught := recover(); caught != nil {
			if _, ok := caught.(errHalt); ok {
				result = Result{Success: false, Error: "script timed out"}
				return
			}
			result = Result{Success: false, Error: fmt.Sprintf("script panic: %v", caught)}
		}
	}()

	assertions := runTests(vm)

	if _, err := vm.Run(script); err != nil {
		return Result{Success: false, Error: err.Error(), Tests: assertions()}
	}
	return Result{Success: true, Tests: assertions()}
}

// consoleSink backs the injected console.log(...) global, accumulating
// string-formatted arguments per call.
type consoleSink struct {
	lines []string
}

func (c *consoleSink) log(call otto.FunctionCall) otto.Value {
	parts := make([]string, len(call.ArgumentList))
	for i, a := range call.ArgumentList {
		parts[i] = a.String()
	}
	line := ""
	for i, p := range parts {
		if i > 0 {
			line += " "
		}
		line += p
	}
	c.lines = append(c.lines, line)
	return otto.Value{}
}

// bootstrap seeds vm's globals from sctx and installs console.log and
// test(name, fn) helpers. Called fresh for every Run so no state survives
// from a previous script.
func bootstrap(vm *otto.Otto, sctx *Ctx, console *consoleSink) {
	vm.Set("console", map[string]interface{}{})
	consoleObj, _ := vm.Get("console")
	consoleObj.Object().Set("log", console.log)

	vm.Set("request", toJSObject(requestToMap(sctx.Request)))
	if sctx.Response != nil {
		vm.Set("response", toJSObject(responseToMap(sctx.Response)))
	} else {
		vm.Set("response", nil)
	}
	vm.Set("environment", toJSObject(sctx.Environment))
	vm.Set("globals", toJSObject(sctx.Globals))
	vm.Set("collectionVars", toJSObject(sctx.CollectionVars))

	vm.Set("__tests", map[string]interface{}{})
}

// runTests installs the test(name, fn) global and returns a closure that
// collects the recorded assertions after the script runs.
func runTests(vm *otto.Otto) func() []TestAssertion {
	var assertions []TestAssertion
	_ = vm.Set("test", func(call otto.FunctionCall) otto.Value {
		name, _ := call.Argument(0).ToString()
		fn := call.Argument(1)
		a := TestAssertion{Name: name, Passed: true}
		if fn.IsFunction() {
			if _, err := fn.Call(otto.NullValue()); err != nil {
				a.Passed = false
				a.Error = err.Error()
			}
		}
		assertions = append(assertions, a)
		return otto.Value{}
	})
	return func() []TestAssertion { return assertions }
}

func requestToMap(r *Request) map[string]interface{} {
	if r == nil {
		return map[string]interface{}{}
	}
	headers := map[string]interface{}{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"method":  r.Method,
		"url":     r.URL,
		"headers": headers,
		"body":    r.Body,
	}
}

func responseToMap(r *Response) map[string]interface{} {
	headers := map[string]interface{}{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"statusCode": r.StatusCode,
		"headers":    headers,
		"body":       r.Body,
	}
}

func toJSObject(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// readBack copies any mutations a script made to request/environment/
// globals/collectionVars back into sctx. Response is never written back:
// it is read-only per the capability contract.
func readBack(vm *otto.Otto, sctx *Ctx) {
	if v, err := vm.Get("request"); err == nil && v.IsObject() {
		readRequestBack(v, sctx.Request)
	}
	readVarsBack(vm, "environment", sctx.Environment)
	readVarsBack(vm, "globals", sctx.Globals)
	readVarsBack(vm, "collectionVars", sctx.CollectionVars)
}

func readRequestBack(v otto.Value, r *Request) {
	if r == nil {
		return
	}
	obj := v.Object()
	if m, err := obj.Get("method"); err == nil {
		r.Method = m.String()
	}
	if u, err := obj.Get("url"); err == nil {
		r.URL = u.String()
	}
	if b, err := obj.Get("body"); err == nil {
		r.Body = b.String()
	}
	if h, err := obj.Get("headers"); err == nil && h.IsObject() {
		hobj := h.Object()
		for _, key := range hobj.Keys() {
			if val, err := hobj.Get(key); err == nil {
				if r.Headers == nil {
					r.Headers = map[string]string{}
				}
				r.Headers[key] = val.String()
			}
		}
	}
}

func readVarsBack(vm *otto.Otto, name string, vars Vars) {
	if vars == nil {
		return
	}
	v, err := vm.Get(name)
	if err != nil || !v.IsObject() {
		return
	}
	obj := v.Object()
	for _, key := range obj.Keys() {
		if val, err := obj.Get(key); err == nil {
			vars[key] = val.String()
		}
	}
}
