package control

import (
	"net/http"
	"runtime"
	"time"

	"github.com/firasghr/loadengine/internal/engineerr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.Version,
		"workers": runtime.GOMAXPROCS(0),
	})
}

// handleShutdown schedules a graceful shutdown 100ms after this response is
// written (spec §6), so the HTTP response itself reaches the caller first.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	if s.Shutdown != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.Shutdown()
		}()
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.Config.Entries()})
}

// postConfigBody accepts either of spec §6's two POST /config shapes:
// {entries:{k:v,...}} or {key,value}.
type postConfigBody struct {
	Entries map[string]any `json:"entries"`
	Key     string         `json:"key"`
	Value   any            `json:"value"`
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body postConfigBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	updates := body.Entries
	if updates == nil {
		updates = map[string]any{}
	}
	if body.Key != "" {
		updates[body.Key] = body.Value
	}
	if len(updates) == 0 {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "no entries or key/value given"))
		return
	}

	if err := s.Config.Set(updates); err != nil {
		writeError(w, engineerr.Wrap(engineerr.InvalidRequest, "config update rejected", err))
		return
	}

	entries := s.Config.Entries()
	if err := s.Store.SaveConfigEntries(r.Context(), entries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// scriptingCompletion is one static autocomplete entry served by
// GET /scripting/completions.
type scriptingCompletion struct {
	Label  string `json:"label"`
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

// scriptingCompletions is the fixed catalog matching the globals the
// sandbox bootstraps into every script invocation (request, response,
// environment, globals, collectionVars, console, test).
var scriptingCompletions = []scriptingCompletion{
	{Label: "request", Detail: "Mutable outbound request (method, url, headers, body)", Kind: "object"},
	{Label: "response", Detail: "Received response, post-request scripts only (statusCode, headers, body)", Kind: "object"},
	{Label: "environment", Detail: "Active environment's variables", Kind: "object"},
	{Label: "globals", Detail: "Globals singleton's variables", Kind: "object"},
	{Label: "collectionVars", Detail: "Owning collection's variables", Kind: "object"},
	{Label: "console.log(...)", Detail: "Append to the script's console output", Kind: "function"},
	{Label: "test(name, fn)", Detail: "Record a named pass/fail assertion", Kind: "function"},
}

// handleScriptingCompletions serves the static, cacheable autocomplete
// catalog. The catalog never changes at runtime, so it is safe to mark
// immutable for a short max-age.
func (s *Server) handleScriptingCompletions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, scriptingCompletions)
}
