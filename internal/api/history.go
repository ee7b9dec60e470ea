package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// historyResponse wraps the paginated journal listing.
type historyResponse struct {
	Jobs   []*model.JobRecord `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	RunnerID string          `json:"runner_id"`
	Live     liveStats       `json:"live"`
	Journal  *model.JobStats `json:"journal,omitempty"`
}

// liveStats counts the jobs currently in the runner's table.
type liveStats struct {
	Jobs     int                     `json:"jobs"`
	ByStatus map[model.JobStatus]int `json:"by_status"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job journal is disabled")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	filter := store.ListFilter{
		RunnerID: q.Get("runner_id"),
		Status:   model.JobStatus(q.Get("status")),
		Mode:     q.Get("mode"),
	}

	jobs, total, err := s.store.ListJobs(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.JobRecord{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetHistoryJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job journal is disabled")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	rec, err := s.store.GetJob(r.Context(), chi.URLParam(r, "runner"), uint32(id))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get journal job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		RunnerID: s.runner.ID(),
		Live:     liveStats{ByStatus: make(map[model.JobStatus]int)},
	}
	for _, j := range s.runner.Jobs() {
		resp.Live.Jobs++
		resp.Live.ByStatus[j.Status]++
	}

	if s.store != nil {
		stats, err := s.store.GetJobStats(r.Context())
		if err != nil {
			s.logger.Error("get job stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Journal = stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}
