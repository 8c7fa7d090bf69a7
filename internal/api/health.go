package api

import "net/http"

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	resp := healthResponse{Status: "ok"}
	if s.engine != nil {
		resp.Running = len(s.engine.Running())
	}
	s.writeJSON(w, http.StatusOK, resp)
}
