// Package control implements component K: the control surface named in
// spec §4.K. It is a pure translation layer over components A-J — every
// handler reads its inputs from the request, calls into the Store/run
// manager/sandbox/event loop, and writes either a JSON body or an SSE
// stream. It never holds engine state of its own.
//
// The router is built with go-chi/chi and go-chi/cors, generalizing
// squat-collective-rat's internal/api/router.go (CORS setup, middleware
// chain, path-parameter routes) to this engine's much smaller surface; the
// SSE handlers in stream.go instead generalize the teacher's own
// dashboard.handleMetricsStream/handleLogsStream.
package control

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/firasghr/loadengine/internal/config"
	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/runcontroller"
	"github.com/firasghr/loadengine/internal/runmanager"
	"github.com/firasghr/loadengine/internal/sandbox"
	"github.com/firasghr/loadengine/internal/store"
	"github.com/firasghr/loadengine/internal/transport"
)

// maxJSONBodySize bounds request bodies the same way squat-collective-rat's
// router does, sized up from its 1 MiB default since a Design-mode request
// body can itself carry an arbitrary payload.
const maxJSONBodySize = 4 << 20

// Server bundles every dependency a handler needs. One Server is built in
// main.go and shared across the process's lifetime.
type Server struct {
	Store   *store.DB
	Config  *config.Store
	Runs    *runmanager.Manager
	Sandbox sandbox.Sandbox
	DNS     *dnscache.Cache
	Log     *logger.Logger

	// TransportCfg and the worker-shape tunables are read fresh from Config
	// for every run/request so a live /config update takes effect on the
	// next one, per spec §4.K's "pure function over (request, A-J)".
	TransportCfg func() transport.Config

	Version string

	// Shutdown is called once, from the POST /shutdown handler, 100ms after
	// the response is written (spec §6).
	Shutdown func()
}

// NewRouter builds the chi.Router serving every endpoint in spec §6's
// authoritative list.
func NewRouter(s *Server) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// The control surface is loopback-only (spec §1 Non-goal); CORS
		// exists solely so the desktop GUI, served from its own origin, can
		// reach it.
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(limitJSONBody)

	r.Get("/health", s.handleHealth)
	r.Post("/shutdown", s.handleShutdown)

	r.Get("/config", s.handleGetConfig)
	r.Post("/config", s.handlePostConfig)

	r.Get("/collections", s.handleListCollections)
	r.Post("/collections", s.handleSaveCollection)
	r.Delete("/collections/{id}", s.handleDeleteCollection)

	r.Get("/requests", s.handleListRequests)
	r.Post("/requests", s.handleSaveRequest)
	r.Delete("/requests/{id}", s.handleDeleteRequest)

	r.Get("/environments", s.handleListEnvironments)
	r.Post("/environments", s.handleSaveEnvironment)
	r.Delete("/environments/{id}", s.handleDeleteEnvironment)

	r.Get("/globals", s.handleGetGlobals)
	r.Post("/globals", s.handleSaveGlobals)

	r.Post("/request", s.handleDesignRequest)

	r.Post("/run", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/run/{id}", s.handleGetRun)
	r.Delete("/run/{id}", s.handleDeleteRun)
	r.Post("/run/{id}/stop", s.handleStopRun)
	r.Get("/run/{id}/report", s.handleRunReport)

	r.Get("/stats/{id}", s.handleStats)
	r.Get("/metrics/live/{id}", s.handleLiveMetrics)

	r.Get("/scripting/completions", s.handleScriptingCompletions)

	return r
}

func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if log != nil {
				log.Infof("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
			}
		})
	}
}

// errorBody is spec §6's exact two-field error envelope:
// {"error":{"code":"<SYMBOL>","message":"<human>"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON marshals v as the response body at the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates err into spec §6's error envelope, defaulting
// opaque errors to INTERNAL_ERROR via engineerr.StatusFor/CodeFor.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, engineerr.StatusFor(err), errorBody{
		Error: errorDetail{Code: string(engineerr.CodeFor(err)), Message: engineerr.MessageFor(err)},
	})
}

// decodeJSON decodes r's body into dst, reporting a wire-level decode
// failure as INVALID_JSON (spec §6's error taxonomy). Unknown fields are
// ignored per spec §6 ("Unknown fields on inbound JSON are ignored").
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return engineerr.Wrap(engineerr.InvalidJSON, "malformed JSON body", err)
	}
	return nil
}

func (s *Server) buildDeps(spec runcontroller.RunSpec, secrets map[string]bool) runcontroller.Deps {
	cfg := s.Config.Get()
	timeout := time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return runcontroller.Deps{
		DNS:            s.DNS,
		Sandbox:        s.Sandbox,
		Store:          s.Store,
		Log:            s.Log,
		Secrets:        secrets,
		TransportCfg:   s.TransportCfg(),
		WorkerCount:    workers,
		QueueCap:       1024,
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxPerHost:     cfg.MaxPerHost,
		PollTimeout:    time.Duration(cfg.PollTimeoutMs) * time.Millisecond,
		DefaultTimeout: timeout,
		HandlePoolCap:  cfg.MaxPerHost,
		StatsInterval:  time.Duration(cfg.StatsIntervalMs) * time.Millisecond,
		GracefulStop:   time.Duration(cfg.GracefulStopMs) * time.Millisecond,
	}
}
