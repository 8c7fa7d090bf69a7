package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/workd/internal/engine"
	"github.com/roach88/workd/internal/persistence"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
)

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	nodes, err := s.store.ListProcesses(r.Context(), limit)
	if err != nil {
		s.logger.Error("list processes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}
	s.writeJSON(w, http.StatusOK, summaries(nodes))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	if s.daemon == nil {
		s.writeError(w, http.StatusServiceUnavailable, "daemon not configured")
		return
	}
	nodes, err := s.daemon.PendingCalculations(r.Context())
	if err != nil {
		s.logger.Error("list pending", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pending processes")
		return
	}
	s.writeJSON(w, http.StatusOK, summaries(nodes))
}

func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	pids := s.engine.Running()
	slices.Sort(pids)
	s.writeJSON(w, http.StatusOK, map[string]any{"running": pids})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	pid := process.PID(chi.URLParam(r, "pid"))
	v, err := Describe(r.Context(), s.store, s.persister, pid)
	if err != nil {
		s.writeLookupError(w, pid, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	pid := process.PID(chi.URLParam(r, "pid"))
	if s.persister == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persister not configured")
		return
	}
	if _, err := strconv.ParseInt(string(pid), 10, 64); err != nil {
		s.writeError(w, http.StatusNotFound, "process not found")
		return
	}
	b, err := s.persister.LoadCheckpoint(r.Context(), pid, "")
	if err != nil {
		s.writeLookupError(w, pid, err)
		return
	}
	data, err := persistence.CanonicalJSON(b)
	if err != nil {
		s.logger.Error("encode checkpoint", "pid", pid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode checkpoint")
		return
	}
	s.writeJSON(w, http.StatusOK, json.RawMessage(data))
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	pid := process.PID(chi.URLParam(r, "pid"))
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "stopped via api"
	}
	if err := s.engine.Stop(pid, req.Reason); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "process is not running on this node")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"pid": string(pid), "status": "stopping"})
}

func (s *Server) writeLookupError(w http.ResponseWriter, pid process.PID, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNotProcess):
		s.writeError(w, http.StatusNotFound, "process not found")
	case errors.Is(err, persistence.ErrNoCheckpoint):
		s.writeError(w, http.StatusNotFound, "no checkpoint")
	default:
		s.logger.Error("load process", "pid", pid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load process")
	}
}

func summaries(nodes []*store.Node) []Summary {
	out := make([]Summary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Summarize(n))
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
