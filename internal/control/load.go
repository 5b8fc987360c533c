package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/firasghr/loadengine/internal/config"
	"github.com/firasghr/loadengine/internal/metrics"
	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/runcontroller"
	"github.com/firasghr/loadengine/internal/runmanager"
	"github.com/firasghr/loadengine/internal/varsub"
)

// handleStartRun implements spec §4.K / §6's POST /run: validate the
// RunSpec, create a Pending Run row, start it under the run manager, and
// return 202 immediately — the strategy itself runs in the background.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var spec runcontroller.RunSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if err := spec.Validate(); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	env, globals, secrets, err := s.loadVarSourcesForLoad(ctx, spec.EnvironmentID, spec.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg := s.Config.Get()
	runID := model.NewRunID()
	run := &model.Run{
		ID:             runID,
		Type:           model.RunTypeLoad,
		Status:         model.RunPending,
		RequestID:      spec.RequestID,
		EnvironmentID:  spec.EnvironmentID,
		ConfigSnapshot: configSnapshotJSON(cfg),
		StartTime:      time.Now().UnixMilli(),
	}
	if err := s.Store.CreateRun(ctx, run); err != nil {
		writeError(w, err)
		return
	}

	deps := s.buildDeps(spec, secrets)
	// Started against context.Background(), not the request's context:
	// the run must keep running after this HTTP response returns (spec
	// §4.I — a run outlives the request that started it). Stop is the only
	// supported way to end it early.
	if _, err := s.Runs.Start(context.Background(), runID, spec, env, globals, deps); err != nil {
		_ = s.Store.UpdateRunStatus(runID, model.RunFailed, time.Now().UnixMilli())
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":   runID,
		"status":  string(model.RunPending),
		"message": "run started",
	})
}

// loadVarSourcesForLoad loads the flattened environment/globals variable
// maps for a new Load-mode run, plus the set of variable names flagged
// secret across both sources (spec §8 testable property 8 — redacted in
// the controller's debug request log). The Secret flags of collection
// variables are not read, so a collection variable's value is logged
// unredacted even when it is flagged secret. Unlike Design mode, these maps
// are never written back (spec §4.F discards Load-mode script mutations),
// so no originating entity needs to be retained.
//
// runcontroller.Controller only accepts an environment layer and a globals
// layer (no third collection layer), so the collection variables spec §4.H
// names as a third resolution source are folded into env here, in the
// control surface, before the RunSpec reaches the controller — with the
// named environment's own variables taking precedence over the collection's
// on overlap.
func (s *Server) loadVarSourcesForLoad(ctx context.Context, environmentID, requestID string) (env, globals map[string]string, secrets map[string]bool, err error) {
	merged, err := s.collectionVarsForRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if merged == nil {
		merged = map[string]string{}
	}

	secrets = map[string]bool{}

	if environmentID != "" {
		e, err := s.Store.GetEnvironment(ctx, environmentID)
		if err != nil {
			return nil, nil, nil, err
		}
		for k, v := range varsub.Flatten(e.Variables) {
			merged[k] = v
		}
		for k, v := range e.Variables {
			if v.Enabled && v.Secret {
				secrets[k] = true
			}
		}
	}
	env = merged

	g, err := s.Store.GetGlobals(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	for k, v := range g.Variables {
		if v.Enabled && v.Secret {
			secrets[k] = true
		}
	}
	return env, varsub.Flatten(g.Variables), secrets, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Runs.IsActive(id) {
		s.Runs.Stop(id, 5*time.Second)
	}
	if err := s.Store.DeleteRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStopRun implements POST /run/{id}/stop: cooperative stop via the
// run manager, bounded by graceful_stop_ms + 1s (spec §8 invariant 9).
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Runs.IsActive(id) {
		run, err := s.Store.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if run.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]any{"status": "already_stopped"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_running"})
		return
	}

	cfg := s.Config.Get()
	wait := time.Duration(cfg.GracefulStopMs)*time.Millisecond + time.Second
	result := s.Runs.Stop(id, wait)

	run, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	switch result {
	case runmanager.StopSucceeded:
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "run": run})
	case runmanager.StopTimedOut:
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopping", "run": run})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_running"})
	}
}

// runReport is the full report body named in spec §6's GET /run/{id}/report.
type runReport struct {
	Run              *model.Run          `json:"run"`
	Summary          reportSummary       `json:"summary"`
	Latency          metrics.Percentiles `json:"latency"`
	StatusCodeCounts map[int]int64       `json:"statusCodeCounts"`
	ErrorsByType     map[string]int64    `json:"errorsByType"`
	ErrorsByStatus   map[int]int64       `json:"errorsByStatusCode"`
	SlowRequestCount int64               `json:"slowRequestCount"`
	TestsPassed      int64               `json:"testsPassed"`
	TestsFailed      int64               `json:"testsFailed"`
	SampledResults   []model.Result      `json:"sampledResults"`
}

type reportSummary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalSuccess  int64   `json:"totalSuccess"`
	TotalFailed   int64   `json:"totalFailed"`
	ErrorRate     float64 `json:"errorRate"`
	DurationS     float64 `json:"durationS"`
	RequestsSent  int64   `json:"requestsSent"`
	BytesIn       int64   `json:"bytesIn"`
	BytesOut      int64   `json:"bytesOut"`
}

// handleRunReport implements GET /run/{id}/report. For a still-active run
// it reads live state off the in-memory Controller/Collector; for a
// terminal run it reconstructs the same shape from the persisted
// MetricSnapshot series and sampled Results, since the collector itself is
// gone once the run deregisters.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	run, err := s.Store.GetRun(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if rc, ok := s.Runs.Get(id); ok {
		writeJSON(w, http.StatusOK, reportFromCollector(run, rc))
		return
	}

	report, err := s.reportFromStore(ctx, run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func reportFromCollector(run *model.Run, rc *runmanager.RunContext) runReport {
	totals := rc.Controller.Collector().Snapshot()
	elapsed := time.Since(rc.StartedAt).Seconds()
	var errorRate float64
	if totals.TotalRequests > 0 {
		errorRate = float64(totals.TotalFailed) / float64(totals.TotalRequests) * 100
	}

	errorsByType := map[string]int64{}
	for k, v := range totals.ErrorKinds {
		errorsByType[string(k)] = v
	}
	errorsByStatus := map[int]int64{}
	for code, count := range totals.StatusCodes {
		if code >= 400 {
			errorsByStatus[code] = count
		}
	}

	sampled := rc.Controller.Collector().SampledResults(0, 100)

	return runReport{
		Run: run,
		Summary: reportSummary{
			TotalRequests: totals.TotalRequests,
			TotalSuccess:  totals.TotalSuccess,
			TotalFailed:   totals.TotalFailed,
			ErrorRate:     errorRate,
			DurationS:     elapsed,
			RequestsSent:  totals.RequestsSent,
			BytesIn:       totals.BytesIn,
			BytesOut:      totals.BytesOut,
		},
		Latency:          totals.Latency,
		StatusCodeCounts: totals.StatusCodes,
		ErrorsByType:     errorsByType,
		ErrorsByStatus:   errorsByStatus,
		TestsPassed:      totals.TestsPassed,
		TestsFailed:      totals.TestsFailed,
		SampledResults:   sampled,
	}
}

// reportFromStore reconstructs a runReport for a terminal run entirely from
// persisted state: the last MetricSnapshot of each kind (the terminal
// snapshots runcontroller.Controller.writeTerminalSnapshots wrote) plus up
// to 100 stored Results.
func (s *Server) reportFromStore(ctx context.Context, run *model.Run) (runReport, error) {
	const pageSize = 10000
	var all []model.MetricSnapshot
	for offset := 0; ; offset += pageSize {
		page, err := s.Store.GetMetricsPaginated(ctx, run.ID, pageSize, offset)
		if err != nil {
			return runReport{}, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}

	latest := map[model.MetricName]model.MetricSnapshot{}
	for _, m := range all {
		if prev, ok := latest[m.Name]; !ok || m.ID > prev.ID {
			latest[m.Name] = m
		}
	}

	results, err := s.Store.ListResults(ctx, run.ID, 100, 0)
	if err != nil {
		return runReport{}, err
	}

	statusCodeCounts := map[int]int64{}
	errorsByType := map[string]int64{}
	errorsByStatus := map[int]int64{}
	var slowCount int64
	for _, res := range results {
		statusCodeCounts[res.StatusCode]++
		if res.Error != "" {
			errorsByType[res.Error]++
		}
		if res.StatusCode >= 400 {
			errorsByStatus[res.StatusCode]++
		}
	}

	val := func(name model.MetricName) float64 { return latest[name].Value }

	return runReport{
		Run: run,
		Summary: reportSummary{
			TotalRequests: int64(val(model.MetricTotalRequests)),
			ErrorRate:     0,
			DurationS:     val(model.MetricTestDuration),
			RequestsSent:  int64(val(model.MetricRequestsSent)),
		},
		Latency: metrics.Percentiles{
			P50: val(model.MetricLatencyP50), P75: val(model.MetricLatencyP75),
			P90: val(model.MetricLatencyP90), P95: val(model.MetricLatencyP95),
			P99: val(model.MetricLatencyP99), P999: val(model.MetricLatencyP999),
			Avg: val(model.MetricLatencyAvg),
		},
		StatusCodeCounts: statusCodeCounts,
		ErrorsByType:     errorsByType,
		ErrorsByStatus:   errorsByStatus,
		SlowRequestCount: slowCount,
		TestsPassed:      int64(val(model.MetricTestsPassed)),
		TestsFailed:      int64(val(model.MetricTestsFailed)),
		SampledResults:   results,
	}, nil
}

// configSnapshotJSON renders cfg as the JSON blob stored in
// Run.ConfigSnapshot — the tunables in effect when this run was started.
func configSnapshotJSON(cfg config.Config) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
