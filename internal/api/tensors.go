package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

type modelResponse struct {
	RunnerID     string               `json:"runner_id"`
	Capabilities backend.Capabilities `json:"capabilities"`
	Model        *model.Manifest      `json:"model"`
}

// tensorEntry is one slot of the tensor contract.
type tensorEntry struct {
	Direction tensor.Direction `json:"direction"`
	Index     int              `json:"index"`
	Type      tensor.Type      `json:"type"`
	tensor.Info
}

func (s *Server) handleGetModel(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, modelResponse{
		RunnerID:     s.runner.ID(),
		Capabilities: s.runner.Capabilities(),
		Model:        s.runner.Model(),
	})
}

func (s *Server) handleListTensors(w http.ResponseWriter, r *http.Request) {
	typ, ok := s.tensorType(w, r)
	if !ok {
		return
	}
	dirs := []tensor.Direction{tensor.DirectionInput, tensor.DirectionOutput}
	if v := r.URL.Query().Get("direction"); v != "" {
		dir, err := tensor.ParseDirection(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dirs = []tensor.Direction{dir}
	}

	entries := []tensorEntry{}
	for _, dir := range dirs {
		for i, info := range s.runner.TensorsInfo(dir, typ) {
			entries = append(entries, tensorEntry{Direction: dir, Index: i, Type: typ, Info: info})
		}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetTensor(w http.ResponseWriter, r *http.Request) {
	typ, ok := s.tensorType(w, r)
	if !ok {
		return
	}
	info, err := s.runner.TensorInfoByName(chi.URLParam(r, "name"), typ)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetQuant(w http.ResponseWriter, r *http.Request) {
	q, err := s.runner.QuantParameters(chi.URLParam(r, "name"))
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("get quant parameters", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get quant parameters")
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// tensorType parses the type query parameter, defaulting to CPU.
func (s *Server) tensorType(w http.ResponseWriter, r *http.Request) (tensor.Type, bool) {
	v := r.URL.Query().Get("type")
	if v == "" {
		return tensor.TypeCPU, true
	}
	typ, err := tensor.ParseType(v)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return typ, true
}
