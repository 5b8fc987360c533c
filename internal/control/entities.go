package control

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/model"
)

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.Store.ListCollections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleSaveCollection(w http.ResponseWriter, r *http.Request) {
	var c model.Collection
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UnixMilli()
	if c.ID == "" {
		c.ID = model.NewID()
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Variables == nil {
		c.Variables = model.VariableMap{}
	}
	if err := s.Store.SaveCollection(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteCollection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	collectionID := r.URL.Query().Get("collectionId")
	reqs, err := s.Store.ListRequests(r.Context(), collectionID)
	if err != nil {
		writeError(w, err)
		return
	}

	// spec §6: "GET streams an array using chunked JSON" — encode directly
	// to the (unbuffered, flushed-per-write) response instead of building
	// the whole array in memory first.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	streamJSONArray(w, reqs)
}

func (s *Server) handleSaveRequest(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Method != "" {
		if _, ok := model.ValidMethods[req.Method]; !ok {
			writeError(w, engineerr.New(engineerr.InvalidMethod, "unrecognized HTTP method: "+req.Method))
			return
		}
	}
	now := time.Now().UnixMilli()
	if req.ID == "" {
		req.ID = model.NewID()
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	if err := s.Store.SaveRequest(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteRequest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.Store.ListEnvironments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleSaveEnvironment(w http.ResponseWriter, r *http.Request) {
	var e model.Environment
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, err)
		return
	}
	if e.ID == "" {
		e.ID = model.NewID()
	}
	e.UpdatedAt = time.Now().UnixMilli()
	if e.Variables == nil {
		e.Variables = model.VariableMap{}
	}
	if err := s.Store.SaveEnvironment(r.Context(), &e); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteEnvironment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGlobals(w http.ResponseWriter, r *http.Request) {
	g, err := s.Store.GetGlobals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSaveGlobals(w http.ResponseWriter, r *http.Request) {
	var g model.Globals
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, err)
		return
	}
	g.ID = model.GlobalsID
	g.UpdatedAt = time.Now().UnixMilli()
	if g.Variables == nil {
		g.Variables = model.VariableMap{}
	}
	if err := s.Store.SaveGlobals(r.Context(), &g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
