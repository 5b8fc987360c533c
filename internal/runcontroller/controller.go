package runcontroller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/eventloop"
	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/metrics"
	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/ratelimit"
	"github.com/firasghr/loadengine/internal/sandbox"
	"github.com/firasghr/loadengine/internal/transport"
	"github.com/firasghr/loadengine/internal/varsub"
	"github.com/firasghr/loadengine/internal/worker"
)

// Store is the narrow persistence capability the run controller needs: the
// hot-path metrics.Store plus a run status update. Declared locally, like
// metrics.Store, to keep this package free of a direct dependency on
// internal/store; main.go wires a concrete *store.DB into it.
type Store interface {
	metrics.Store
	UpdateRunStatus(runID string, status model.RunStatus, endTime int64) error
}

// Deps bundles the process-wide and engine-tunable resources a Controller
// needs to build a fresh, per-run EventLoop. DNS is shared process-wide
// (component A's cache benefits from cross-run reuse); everything else is
// constructed fresh per run.
type Deps struct {
	DNS     *dnscache.Cache
	Sandbox sandbox.Sandbox
	Store   Store
	Log     *logger.Logger

	// Secrets names the env/globals variables flagged secret (spec §8
	// testable property 8); buildTransfer's debug log redacts these
	// through logger.Redact instead of the resolved plaintext. Nil is
	// equivalent to no secret-flagged variables.
	Secrets map[string]bool

	TransportCfg transport.Config

	WorkerCount    int
	QueueCap       int
	MaxConcurrent  int
	MaxPerHost     int
	PollTimeout    time.Duration
	DefaultTimeout time.Duration
	HandlePoolCap  int

	StatsInterval time.Duration
	GracefulStop  time.Duration
}

// Controller drives one Load-mode run: it owns a per-run EventLoop and
// Collector, a strategy driver matching spec.Mode, and cooperative
// should_stop cancellation.
type Controller struct {
	runID string
	spec  RunSpec
	deps  Deps

	envVars    map[string]string
	globalVars map[string]string

	el        *eventloop.EventLoop
	collector *metrics.Collector

	shouldStop       atomic.Bool
	requestsSent     atomic.Int64
	requestsExpected atomic.Int64

	start time.Time
}

// New builds a Controller for one run. It does not start anything; call Run
// to drive the workload.
func New(runID string, spec RunSpec, envVars, globalVars map[string]string, deps Deps) (*Controller, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	sampleRate := spec.SuccessSampleRate
	if sampleRate == 0 {
		sampleRate = 100
	}
	slowThreshold := float64(spec.SlowThresholdMs)
	if slowThreshold == 0 {
		slowThreshold = 1000
	}

	c := &Controller{
		runID:      runID,
		spec:       spec,
		deps:       deps,
		envVars:    envVars,
		globalVars: globalVars,
		collector:  metrics.New(runID, metrics.Sampling{SuccessSampleRate: sampleRate, SlowThresholdMs: slowThreshold}),
	}
	c.requestsExpected.Store(spec.ExpectedRequests())
	return c, nil
}

// buildWorkers constructs workerCount Workers, each with its own handle
// pool, and a rate-limiter share appropriate to the run's strategy: workers
// pace themselves for constant+targetRps (component C's steady-state
// contract); every other mode disables the worker-level limiter and paces
// submissions from the Controller instead (ramp-up reconfigures its pacing
// limiter between stages, which a static per-worker share cannot do).
func (c *Controller) buildWorkers() []*worker.Worker {
	n := c.deps.WorkerCount
	if n <= 0 {
		n = 1
	}

	var limiters []*ratelimit.Limiter
	if c.spec.Mode == ModeConstant && c.spec.TargetRPS > 0 {
		burst := 2 * int(c.spec.TargetRPS)
		limiters = ratelimit.Share(c.spec.TargetRPS, burst, n)
	} else {
		limiters = make([]*ratelimit.Limiter, n)
		for i := range limiters {
			limiters[i] = ratelimit.New(0, 0)
		}
	}

	workers := make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		handles := handlepool.New(c.deps.TransportCfg, c.timeout(), c.deps.HandlePoolCap)
		workers[i] = worker.New(i, c.deps.QueueCap, c.deps.MaxConcurrent, c.deps.MaxPerHost, handles, limiters[i], c.deps.DNS, c.deps.PollTimeout, c.deps.Log)
	}
	return workers
}

func (c *Controller) timeout() time.Duration {
	if c.spec.TimeoutMs > 0 {
		return time.Duration(c.spec.TimeoutMs) * time.Millisecond
	}
	if c.deps.DefaultTimeout > 0 {
		return c.deps.DefaultTimeout
	}
	return 30 * time.Second
}

// Stop requests cooperative cancellation; observed at every submission
// boundary and at the metrics tick (spec §5).
func (c *Controller) Stop() { c.shouldStop.Store(true) }

// RequestsSent returns the monotonically non-decreasing submission counter
// (spec §8 invariant 6).
func (c *Controller) RequestsSent() int64 { return c.requestsSent.Load() }

// RequestsExpected returns the strategy's up-front estimate.
func (c *Controller) RequestsExpected() int64 { return c.requestsExpected.Load() }

// Collector exposes the run's metrics collector for the live stats/SSE
// endpoints.
func (c *Controller) Collector() *metrics.Collector { return c.collector }

// ActiveCount returns in-flight transfers summed across every worker.
func (c *Controller) ActiveCount() int64 {
	if c.el == nil {
		return 0
	}
	return c.el.ActiveCount()
}

// Run executes the full per-run lifecycle named in spec §4.H: builds the
// EventLoop, marks the run Running, starts the metrics thread, drives the
// strategy, then tears down and finalizes. It blocks until the run reaches
// a terminal state and returns the status reached.
func (c *Controller) Run(ctx context.Context) (model.RunStatus, error) {
	c.start = time.Now()

	workers := c.buildWorkers()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.el = eventloop.New(runCtx, workers)

	if err := c.deps.Store.UpdateRunStatus(c.runID, model.RunRunning, 0); err != nil {
		c.el.Stop()
		return model.RunFailed, engineerr.Wrap(engineerr.DatabaseError, "mark run running", err)
	}

	metricsStopped := make(chan struct{})
	go c.runMetricsThread(runCtx, metricsStopped)

	strategyErr := c.driveStrategy(runCtx)
	stopRequested := c.shouldStop.Load()

	c.shouldStop.Store(true)
	cancel()
	<-metricsStopped

	c.stopEventLoopWithGrace()

	status := model.RunCompleted
	if strategyErr != nil {
		status = model.RunFailed
	} else if stopRequested || ctx.Err() != nil {
		status = model.RunStopped
	}

	c.writeTerminalSnapshots(status)
	if err := c.collector.FlushToStore(c.deps.Store); err != nil && c.deps.Log != nil {
		c.deps.Log.Errorf("run %s: flush to store: %v", c.runID, err)
	}
	if err := c.deps.Store.UpdateRunStatus(c.runID, status, time.Now().UnixMilli()); err != nil {
		return status, engineerr.Wrap(engineerr.DatabaseError, "mark run terminal", err)
	}
	return status, strategyErr
}

// stopEventLoopWithGrace stops the event loop, bounding the wait to
// graceful_stop_ms (spec §8 invariant 9); any transfer still outstanding
// past that bound is left to finish in the background and is reported as
// Cancelled once it does, since the loop's context is already cancelled.
func (c *Controller) stopEventLoopWithGrace() {
	grace := c.deps.GracefulStop
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		c.el.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (c *Controller) runMetricsThread(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	interval := c.deps.StatsInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.shouldStop.Load() {
				return
			}
			elapsed := time.Since(c.start).Seconds()
			entries := c.collector.Tick(c.el.ActiveCount(), elapsed)
			if err := c.deps.Store.SaveMetricSnapshots(c.runID, entries); err != nil && c.deps.Log != nil {
				c.deps.Log.Errorf("run %s: metrics tick flush: %v", c.runID, err)
			}
		}
	}
}

// writeTerminalSnapshots emits the final percentile/status/test summary
// named in spec §4.H step 6.
func (c *Controller) writeTerminalSnapshots(status model.RunStatus) {
	totals := c.collector.Snapshot()
	elapsed := time.Since(c.start).Seconds()
	now := time.Now().UnixMilli()

	labels, _ := json.Marshal(totals.StatusCodes)
	completed := 0.0
	if status == model.RunCompleted {
		completed = 1
	}

	snaps := []model.MetricSnapshot{
		{RunID: c.runID, Timestamp: now, Name: model.MetricTotalRequests, Value: float64(totals.TotalRequests)},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP50, Value: totals.Latency.P50},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP75, Value: totals.Latency.P75},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP90, Value: totals.Latency.P90},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP95, Value: totals.Latency.P95},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP99, Value: totals.Latency.P99},
		{RunID: c.runID, Timestamp: now, Name: model.MetricLatencyP999, Value: totals.Latency.P999},
		{RunID: c.runID, Timestamp: now, Name: model.MetricTestDuration, Value: elapsed},
		{RunID: c.runID, Timestamp: now, Name: model.MetricStatusCodes, Value: 0, Labels: string(labels)},
		{RunID: c.runID, Timestamp: now, Name: model.MetricTestsPassed, Value: float64(totals.TestsPassed)},
		{RunID: c.runID, Timestamp: now, Name: model.MetricTestsFailed, Value: float64(totals.TestsFailed)},
		{RunID: c.runID, Timestamp: now, Name: model.MetricCompleted, Value: completed},
	}
	if err := c.deps.Store.SaveMetricSnapshots(c.runID, snaps); err != nil && c.deps.Log != nil {
		c.deps.Log.Errorf("run %s: terminal snapshots: %v", c.runID, err)
	}
}

// driveStrategy dispatches to the strategy driver matching spec.Mode and
// returns a non-nil error only on an unrecoverable controller fault (spec
// §7's "Controller fault" class); ordinary per-request failures never
// surface here.
func (c *Controller) driveStrategy(ctx context.Context) error {
	switch c.spec.Mode {
	case ModeConstant:
		deadline := time.Now().Add(time.Duration(*c.spec.Duration))
		if c.spec.TargetRPS > 0 {
			c.runConstantRate(ctx, deadline)
		} else {
			concurrency := c.spec.Concurrency
			if concurrency <= 0 {
				// targetRps = 0 disables pacing entirely: saturate at
				// max_concurrent rather than falling back to sequential.
				concurrency = c.deps.MaxConcurrent
			}
			if concurrency <= 0 {
				concurrency = 1
			}
			c.runConstantConcurrency(ctx, deadline, concurrency)
		}
		return nil
	case ModeIterations:
		c.runIterations(ctx, c.spec.Iterations, c.spec.Concurrency)
		return nil
	case ModeRampUp:
		c.runRampUp(ctx, c.spec.Stages)
		return nil
	default:
		return fmt.Errorf("runcontroller: unrecognized mode %q", c.spec.Mode)
	}
}

func (c *Controller) runConstantRate(ctx context.Context, deadline time.Time) {
	for time.Now().Before(deadline) {
		if c.shouldStop.Load() || ctx.Err() != nil {
			return
		}
		c.submitAsync(ctx)
	}
}

func (c *Controller) runConstantConcurrency(ctx context.Context, deadline time.Time, concurrency int) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if c.shouldStop.Load() || ctx.Err() != nil {
					return
				}
				t := c.buildTransfer(ctx)
				c.requestsSent.Add(1)
				out := <-c.el.SubmitAsync(t)
				c.recordOutcome(t, out)
			}
		}()
	}
	wg.Wait()
}

func (c *Controller) runIterations(ctx context.Context, iterations, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	remaining := iterations
	for remaining > 0 {
		if c.shouldStop.Load() || ctx.Err() != nil {
			return
		}
		batch := concurrency
		if batch > remaining {
			batch = remaining
		}
		transfers := make([]*worker.Transfer, batch)
		for i := range transfers {
			transfers[i] = c.buildTransfer(ctx)
		}
		c.requestsSent.Add(int64(batch))
		outcomes := c.el.ExecuteBatch(transfers)
		for i, out := range outcomes {
			c.recordOutcome(transfers[i], out)
		}
		remaining -= batch
	}
}

func (c *Controller) runRampUp(ctx context.Context, stages []Stage) {
	for _, st := range stages {
		if c.shouldStop.Load() || ctx.Err() != nil {
			return
		}
		limiter := ratelimit.New(st.TargetRPS, 0)
		stageDeadline := time.Now().Add(time.Duration(st.DurationS))
		for time.Now().Before(stageDeadline) {
			if c.shouldStop.Load() || ctx.Err() != nil {
				return
			}
			if err := limiter.AcquireBlocking(ctx); err != nil {
				return
			}
			c.submitAsync(ctx)
		}
	}
}

// submitAsync builds and submits one transfer without blocking the calling
// strategy loop; its outcome is recorded by a short-lived goroutine.
func (c *Controller) submitAsync(ctx context.Context) {
	t := c.buildTransfer(ctx)
	c.requestsSent.Add(1)
	ch := c.el.SubmitAsync(t)
	go func() {
		out := <-ch
		c.recordOutcome(t, out)
	}()
}

// buildTransfer resolves {{var}} substitutions (environment shadows
// globals, per DESIGN.md's Open Question resolution), runs the pre-request
// script if configured, and returns the worker.Transfer ready for
// submission. Pre-script variable mutations are applied only to this one
// transfer's request, never written back to the shared environment/globals
// maps: spec §4.F requires Load-mode script writes to be discarded.
func (c *Controller) buildTransfer(ctx context.Context) *worker.Transfer {
	layers := varsub.Layers{c.envVars, c.globalVars}

	headers := varsub.SubstituteMap(c.spec.Headers, layers)
	if c.spec.Auth != nil {
		if headers == nil {
			headers = map[string]string{}
		}
		applyAuth(headers, c.spec.Auth, layers)
	}

	sreq := &sandbox.Request{
		Method:  c.spec.Method,
		URL:     varsub.Substitute(c.spec.URL, layers),
		Headers: headers,
		Body:    varsub.Substitute(c.spec.Body, layers),
	}

	if c.deps.Log != nil && c.deps.Log.DebugEnabled() {
		loggedURL := varsub.SubstituteWith(c.spec.URL, layers, func(name, v string) string {
			return logger.Redact(v, c.deps.Secrets[name])
		})
		c.deps.Log.Debugf("run %s: dispatch %s %s", c.runID, c.spec.Method, loggedURL)
	}

	if c.spec.PreRequestScript != "" && c.deps.Sandbox != nil {
		sctx := &sandbox.Ctx{
			Request:     sreq,
			Environment: sandbox.Vars{},
			Globals:     sandbox.Vars{},
		}
		c.deps.Sandbox.Run(ctx, c.spec.PreRequestScript, sctx)
	}

	return &worker.Transfer{
		ID:      model.NewID(),
		Method:  sreq.Method,
		URL:     sreq.URL,
		Headers: sreq.Headers,
		Body:    []byte(sreq.Body),
		Timeout: c.timeout(),
	}
}

func applyAuth(headers map[string]string, auth *AuthSpec, layers varsub.Layers) {
	switch auth.Kind {
	case "bearer":
		headers["Authorization"] = "Bearer " + varsub.Substitute(auth.Token, layers)
	case "basic":
		user := varsub.Substitute(auth.Username, layers)
		pass := varsub.Substitute(auth.Password, layers)
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
}

// recordOutcome feeds a completed transfer's Outcome into the collector and
// runs the post-request script (if configured) against it, sampled the
// same way Load-mode requires: test assertions feed the collector's
// pass/fail counters, but variable writes are discarded.
func (c *Controller) recordOutcome(t *worker.Transfer, out worker.Outcome) {
	var traceData string
	if c.spec.SaveTimingBreakdown {
		if b, err := json.Marshal(out.Timing); err == nil {
			traceData = string(b)
		}
	}
	c.collector.RecordResult(t.ID, out.StatusCode, out.LatencyMs, out.Error, out.BytesIn, out.BytesOut, traceData)

	if c.spec.PostRequestScript == "" || c.deps.Sandbox == nil {
		return
	}
	sctx := &sandbox.Ctx{
		Request: &sandbox.Request{Method: t.Method, URL: t.URL, Headers: t.Headers, Body: string(t.Body)},
		Response: &sandbox.Response{
			StatusCode: out.StatusCode,
			Headers:    flattenHeader(out.ResponseHeaders),
			Body:       string(out.ResponseSample),
		},
		Environment: sandbox.Vars{},
		Globals:     sandbox.Vars{},
	}
	result := c.deps.Sandbox.Run(context.Background(), c.spec.PostRequestScript, sctx)
	for _, assertion := range result.Tests {
		c.collector.RecordTest(assertion.Passed)
	}
}

func flattenHeader(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
