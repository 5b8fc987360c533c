package control

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/eventloop"
	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/ratelimit"
	"github.com/firasghr/loadengine/internal/sandbox"
	"github.com/firasghr/loadengine/internal/varsub"
	"github.com/firasghr/loadengine/internal/worker"
)

// designRequestBody mirrors RunSpec's request-shaped fields; POST /request
// ignores the strategy fields entirely (mode/duration/concurrency/...), per
// spec §6's Design-mode contract.
type designRequestBody struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body"`
	Auth              *designAuth       `json:"auth"`
	PreRequestScript  string            `json:"preRequestScript"`
	PostRequestScript string            `json:"postRequestScript"`
	RequestID         string            `json:"requestId"`
	EnvironmentID     string            `json:"environmentId"`
	TimeoutMs         int               `json:"timeout_ms"`
}

type designAuth struct {
	Kind     string `json:"kind"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// designResponse is the combined response+test-results body named in spec
// §6's POST /request entry.
type designResponse struct {
	RunID           string                  `json:"runId"`
	StatusCode      int                     `json:"statusCode"`
	Headers         map[string]string       `json:"headers"`
	Body            string                  `json:"body"`
	LatencyMs       float64                 `json:"latencyMs"`
	Error           string                  `json:"error,omitempty"`
	PreScriptError  string                  `json:"preScriptError,omitempty"`
	PostScriptError string                  `json:"postScriptError,omitempty"`
	Tests           []sandbox.TestAssertion `json:"tests"`
	Console         []string                `json:"console"`
}

// handleDesignRequest executes spec §4.K's POST /request: create a Run,
// resolve {{var}} substitutions, run the pre-script, send the one request,
// run the post-script, store a single Result, and return the combined
// outcome. Script variable mutations ARE persisted back to the named
// environment and the globals singleton here (spec §8 scenario 6: a
// Design-mode postScript that sets an environment variable is reflected by
// a subsequent GET /environments/{id}); Load mode discards them instead,
// since a run-wide strategy mutating shared state concurrently from many
// in-flight scripts would race.
func (s *Server) handleDesignRequest(w http.ResponseWriter, r *http.Request) {
	var body designRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Method == "" || body.URL == "" {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "method and url are required"))
		return
	}
	if _, ok := model.ValidMethods[body.Method]; !ok {
		writeError(w, engineerr.New(engineerr.InvalidMethod, "unrecognized HTTP method: "+body.Method))
		return
	}

	ctx := r.Context()
	vs, err := s.loadVarSources(ctx, body.EnvironmentID, body.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}

	runID := model.NewRunID()
	run := &model.Run{
		ID:             runID,
		Type:           model.RunTypeDesign,
		Status:         model.RunRunning,
		RequestID:      body.RequestID,
		EnvironmentID:  body.EnvironmentID,
		ConfigSnapshot: "{}",
		StartTime:      time.Now().UnixMilli(),
	}
	if err := s.Store.CreateRun(ctx, run); err != nil {
		writeError(w, err)
		return
	}

	resp, outcomeErr := s.runDesignTransfer(ctx, body, vs)
	resp.RunID = runID

	status := model.RunCompleted
	if outcomeErr != nil {
		status = model.RunFailed
	}
	if err := s.Store.UpdateRunStatus(runID, status, time.Now().UnixMilli()); err != nil && s.Log != nil {
		s.Log.Errorf("design run %s: mark terminal: %v", runID, err)
	}

	if err := s.persistVarSources(ctx, vs); err != nil && s.Log != nil {
		s.Log.Errorf("design run %s: persist script variable writes: %v", runID, err)
	}

	result := model.Result{
		RunID:      runID,
		Timestamp:  time.Now().UnixMilli(),
		StatusCode: resp.StatusCode,
		LatencyMs:  resp.LatencyMs,
		Error:      resp.Error,
	}
	if err := s.Store.AddResult(ctx, result); err != nil && s.Log != nil {
		s.Log.Errorf("design run %s: store result: %v", runID, err)
	}

	if outcomeErr != nil {
		writeJSON(w, engineerr.StatusFor(outcomeErr), resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// varSource pairs a variable map a script may mutate with the persisted
// entity it was loaded from.
type varSource struct {
	env     *model.Environment
	envVars map[string]string

	globals    *model.Globals
	globalVars map[string]string

	// collectionVars is a read-only resolution of the owning request's
	// Collection chain (spec §4.H); script mutations to it are visible to
	// the running script via sandbox.Ctx.CollectionVars but are never
	// persisted back — only Environment and Globals writes are.
	collectionVars map[string]string
}

// loadVarSources loads the named environment (if any) and the globals
// singleton, each flattened to its enabled entries into a plain string map
// a script can mutate in place; the originating entities are kept so
// mutations can be written back afterward.
func (s *Server) loadVarSources(ctx context.Context, environmentID, requestID string) (*varSource, error) {
	vs := &varSource{}
	if environmentID != "" {
		e, err := s.Store.GetEnvironment(ctx, environmentID)
		if err != nil {
			return nil, err
		}
		vs.env = e
		vs.envVars = varsub.Flatten(e.Variables)
	}
	g, err := s.Store.GetGlobals(ctx)
	if err != nil {
		return nil, err
	}
	vs.globals = g
	vs.globalVars = varsub.Flatten(g.Variables)

	cv, err := s.collectionVarsForRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	vs.collectionVars = cv
	return vs, nil
}

// persistVarSources writes any script-made changes in vs.envVars/globalVars
// back onto their originating Environment/Globals rows, preserving each
// variable's enabled/secret flags.
func (s *Server) persistVarSources(ctx context.Context, vs *varSource) error {
	if vs.env != nil {
		applyVarWrites(vs.env.Variables, vs.envVars)
		vs.env.UpdatedAt = time.Now().UnixMilli()
		if err := s.Store.SaveEnvironment(ctx, vs.env); err != nil {
			return err
		}
	}
	applyVarWrites(vs.globals.Variables, vs.globalVars)
	vs.globals.UpdatedAt = time.Now().UnixMilli()
	return s.Store.SaveGlobals(ctx, vs.globals)
}

// secretVarNames returns the set of variable names flagged secret across
// vs's environment and globals sources, so a logged request can redact
// them (spec §8 testable property 8) while the real substitution used to
// build the outbound request still gets the plaintext value.
func secretVarNames(vs *varSource) map[string]bool {
	out := map[string]bool{}
	addSecrets := func(vm model.VariableMap) {
		for k, v := range vm {
			if v.Enabled && v.Secret {
				out[k] = true
			}
		}
	}
	if vs.env != nil {
		addSecrets(vs.env.Variables)
	}
	if vs.globals != nil {
		addSecrets(vs.globals.Variables)
	}
	return out
}

// applyVarWrites copies every value in flat back into vm, creating a new
// (enabled, non-secret) entry for any name a script introduced that wasn't
// already present.
func applyVarWrites(vm model.VariableMap, flat map[string]string) {
	for k, v := range flat {
		entry, existed := vm[k]
		if !existed {
			entry = model.Variable{Enabled: true}
		}
		entry.Value = v
		vm[k] = entry
	}
}

// runDesignTransfer builds one worker.Transfer, runs it through a
// single-use, single-worker EventLoop, and runs the pre/post scripts around
// it exactly as runcontroller.Controller.buildTransfer/recordOutcome do for
// one Load-mode submission — except the sandbox.Ctx here is backed by
// vs.envVars/globalVars directly, so mutations are visible to the caller
// once runDesignTransfer returns.
func (s *Server) runDesignTransfer(ctx context.Context, body designRequestBody, vs *varSource) (designResponse, error) {
	cfg := s.Config.Get()
	timeout := time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	layers := varsub.Layers{vs.envVars, vs.globalVars, vs.collectionVars}
	headers := varsub.SubstituteMap(body.Headers, layers)
	if body.Auth != nil {
		if headers == nil {
			headers = map[string]string{}
		}
		applyDesignAuth(headers, body.Auth, layers)
	}

	sreq := &sandbox.Request{
		Method:  body.Method,
		URL:     varsub.Substitute(body.URL, layers),
		Headers: headers,
		Body:    varsub.Substitute(body.Body, layers),
	}

	if s.Log != nil && s.Log.DebugEnabled() {
		secrets := secretVarNames(vs)
		loggedURL := varsub.SubstituteWith(body.URL, layers, func(name, v string) string {
			return logger.Redact(v, secrets[name])
		})
		s.Log.Debugf("design request %s %s", body.Method, loggedURL)
	}

	resp := designResponse{}
	if body.PreRequestScript != "" && s.Sandbox != nil {
		sctx := &sandbox.Ctx{
			Request:        sreq,
			Environment:    sandbox.Vars(vs.envVars),
			Globals:        sandbox.Vars(vs.globalVars),
			CollectionVars: sandbox.Vars(vs.collectionVars),
		}
		result := s.Sandbox.Run(ctx, body.PreRequestScript, sctx)
		if !result.Success {
			resp.PreScriptError = result.Error
		}
	}

	handles := handlepool.New(s.TransportCfg(), timeout, cfg.MaxPerHost)
	w := worker.New(0, 1, cfg.MaxConcurrent, cfg.MaxPerHost, handles, ratelimit.New(0, 0), s.DNS, time.Duration(cfg.PollTimeoutMs)*time.Millisecond, s.Log)
	el := eventloop.New(ctx, []*worker.Worker{w})
	defer el.Stop()

	transfer := &worker.Transfer{
		ID:      model.NewID(),
		Method:  sreq.Method,
		URL:     sreq.URL,
		Headers: sreq.Headers,
		Body:    []byte(sreq.Body),
		Timeout: timeout,
	}
	out := <-el.SubmitAsync(transfer)

	resp.StatusCode = out.StatusCode
	resp.LatencyMs = out.LatencyMs
	resp.Error = out.Error
	resp.Headers = flattenHeaders(out.ResponseHeaders)
	resp.Body = string(out.ResponseSample)

	if body.PostRequestScript != "" && s.Sandbox != nil {
		sctx := &sandbox.Ctx{
			Request:        sreq,
			Response:       &sandbox.Response{StatusCode: out.StatusCode, Headers: resp.Headers, Body: resp.Body},
			Environment:    sandbox.Vars(vs.envVars),
			Globals:        sandbox.Vars(vs.globalVars),
			CollectionVars: sandbox.Vars(vs.collectionVars),
		}
		result := s.Sandbox.Run(ctx, body.PostRequestScript, sctx)
		if !result.Success {
			resp.PostScriptError = result.Error
		}
		resp.Tests = result.Tests
		resp.Console = result.Console
	}

	var err error
	if out.StatusCode == 0 {
		err = engineerr.New(classifyOutcomeCode(out.Error), "request failed: "+out.Error)
	}
	return resp, err
}

func applyDesignAuth(headers map[string]string, auth *designAuth, layers varsub.Layers) {
	switch auth.Kind {
	case "bearer":
		headers["Authorization"] = "Bearer " + varsub.Substitute(auth.Token, layers)
	case "basic":
		user := varsub.Substitute(auth.Username, layers)
		pass := varsub.Substitute(auth.Password, layers)
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// classifyOutcomeCode maps the worker's client-side error taxonomy (spec
// §7) onto the nearest wire error code for a Design-mode error response;
// the request still "succeeds" at the HTTP layer in the sense that its
// outcome is fully reported, but a caller whose connection never completed
// is told why via the error envelope's code.
func classifyOutcomeCode(errStr string) engineerr.Code {
	switch errStr {
	case "Timeout":
		return engineerr.Timeout
	case "DnsError":
		return engineerr.DNSError
	case "ConnectionFailed":
		return engineerr.ConnectionFailed
	case "TlsError":
		return engineerr.SSLError
	default:
		return engineerr.InternalError
	}
}
