package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	RunnerID string `json:"runner_id"`
	Backend  string `json:"backend"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		RunnerID: s.runner.ID(),
		Backend:  s.runner.Capabilities().Name,
	})
}
