package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/firasghr/loadengine/internal/engineerr"
)

// sseKeepAliveInterval bounds the gap between writes on an SSE stream (spec
// §6: a keep-alive comment at least every 500ms), matching the teacher's
// metricsTicker cadence generalized from a fixed 100ms poll. Every tick writes
// a "metrics" event while the run is active, or the "complete" event once it
// is not, so no separate keep-alive comment line is written.
const sseKeepAliveInterval = 500 * time.Millisecond

// sseWrite frames v as one SSE "event: name\ndata: json\n\n" record,
// generalizing the teacher's dashboard.sseWrite (which only ever wrote a
// bare "data:" line) to also carry the named event types spec §6 requires
// ("metrics", "complete").
func sseWrite(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleStats implements GET /stats/{id}: by default an SSE stream of the
// run's aggregated metrics (live while active; once the run is no longer
// active, one "complete" event, then closed; stored snapshots are not
// replayed on the stream); with ?format=json it
// instead returns one page of the paginated snapshot history directly,
// using limit/offset query parameters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("format") == "json" {
		s.handleStatsJSON(w, r, id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, engineerr.New(engineerr.InternalError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	var lastID int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats, active := s.Runs.LiveStats(id); active {
				if err := sseWrite(w, "metrics", stats); err != nil {
					return
				}
				flusher.Flush()
				continue
			}

			// Run is no longer active: snapshots persisted after lastID are
			// read only to advance lastID (they are not written to the
			// stream), then the terminal event is sent and the stream stops.
			fresh, err := s.Store.GetMetricsSince(ctx, id, lastID)
			if err == nil && len(fresh) > 0 {
				for _, m := range fresh {
					if m.ID > lastID {
						lastID = m.ID
					}
				}
			}
			run, err := s.Store.GetRun(ctx, id)
			status := "unknown"
			if err == nil {
				status = string(run.Status)
			}
			_ = sseWrite(w, "complete", map[string]any{
				"event":  "complete",
				"runId":  id,
				"status": status,
			})
			flusher.Flush()
			return
		}
	}
}

// handleStatsJSON serves GET /stats/{id}?format=json&limit=&offset=: a
// single paginated page of the persisted MetricSnapshot series.
func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request, id string) {
	limit := 100
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	snapshots, err := s.Store.GetMetricsPaginated(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.Store.CountMetrics(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snapshots,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// handleLiveMetrics implements GET /metrics/live/{id}: an SSE stream
// bypassing the Store entirely, reading the instantaneous stats object
// straight off the active run's Collector (runmanager.Manager.LiveStats).
// A run that is not currently active 404s: there is nothing "live" to
// stream once it has deregistered.
func (s *Server) handleLiveMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.Runs.IsActive(id) {
		writeError(w, engineerr.New(engineerr.RunNotFound, "run is not currently active: "+id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, engineerr.New(engineerr.InternalError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, active := s.Runs.LiveStats(id)
			if !active {
				_ = sseWrite(w, "complete", map[string]any{"event": "complete", "runId": id})
				flusher.Flush()
				return
			}
			if err := sseWrite(w, "metrics", stats); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
