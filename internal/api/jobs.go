package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

const (
	maxBodySize     = 64 << 20
	maxWait         = time.Minute
	callbackTimeout = 10 * time.Second
)

// tensorPayload carries one tensor. Data is base64 in JSON. Name is optional
// on input; when set, it selects the tensor by name instead of by slot.
type tensorPayload struct {
	Name string      `json:"name,omitempty"`
	Type tensor.Type `json:"type"`
	Data []byte      `json:"data"`
}

// executeRequest is the JSON body for POST /v1/execute and POST /v1/jobs.
// Inputs are indexed [batch][tensor].
type executeRequest struct {
	Inputs     [][]tensorPayload `json:"inputs"`
	OutputType tensor.Type       `json:"output_type"`

	// Mode selects poll (default) or callback completion for /v1/jobs. A
	// callback job POSTs its executeResponse to CallbackURL.
	Mode        string `json:"mode,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	Status  engine.StatusCode `json:"status"`
	JobID   uint32            `json:"job_id,omitempty"`
	Error   string            `json:"error,omitempty"`
	Outputs [][]tensorPayload `json:"outputs,omitempty"`
}

type jobResponse struct {
	engine.JobInfo
	Outputs [][]tensorPayload `json:"outputs,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	st := newStaging(s.runner.Arena())
	defer st.release()

	inputs, outputs, ok := s.prepare(w, req, st)
	if !ok {
		return
	}
	code := s.runner.Execute(inputs, outputs)
	resp := executeResponse{Status: code}
	if code == engine.Success {
		resp.Outputs = payloadsOf(outputs)
	}
	s.writeJSON(w, httpStatusFor(code), resp)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	var target *url.URL
	switch req.Mode {
	case "", model.ModePoll:
	case model.ModeCallback:
		var err error
		target, err = url.Parse(req.CallbackURL)
		if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
			s.writeStatus(w, engine.InvalidInput, "callback mode needs an http(s) callback_url")
			return
		}
	default:
		s.writeStatus(w, engine.InvalidInput, fmt.Sprintf("unknown mode %q (want poll or callback)", req.Mode))
		return
	}

	s.pruneJobs()
	st := newStaging(s.runner.Arena())
	inputs, outputs, ok := s.prepare(w, req, st)
	if !ok {
		st.release()
		return
	}

	if target == nil {
		h := s.runner.ExecuteAsync(inputs, outputs)
		if h.Status != engine.Success {
			st.release()
			s.writeJSON(w, httpStatusFor(h.Status), executeResponse{Status: h.Status, JobID: h.JobID})
			return
		}
		s.mu.Lock()
		s.jobs[h.JobID] = &heldJob{outputs: outputs, staging: st}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusAccepted, executeResponse{Status: h.Status, JobID: h.JobID})
		return
	}

	// The callback fires exactly once, including for submission failures.
	cb := func(code engine.StatusCode) {
		resp := executeResponse{Status: code}
		if code == engine.Success {
			resp.Outputs = payloadsOf(outputs)
		}
		st.release()
		go s.notify(target.String(), resp)
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	code := s.runner.ExecuteAsyncCallback(inputs, outputs, cb, timeout)
	status := http.StatusAccepted
	if code != engine.Success {
		status = httpStatusFor(code)
	}
	s.writeJSON(w, status, executeResponse{Status: code})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Jobs())
}

// handleGetJob reports a job, waiting up to wait_ms for it to finish.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	wait := time.Duration(parseIntQuery(r, "wait_ms", 0)) * time.Millisecond
	wait = min(max(wait, 0), maxWait)

	s.runner.Wait(engine.JobHandle{JobID: id}, wait)
	info, found := s.runner.Job(id)
	if !found {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := jobResponse{JobInfo: info}
	if info.Status == model.JobSucceeded {
		s.mu.Lock()
		if held, ok := s.jobs[id]; ok {
			resp.Outputs = payloadsOf(held.outputs)
		}
		s.mu.Unlock()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if !s.runner.Release(id) {
		if _, found := s.runner.Job(id); found {
			s.writeError(w, http.StatusConflict, "job is not finished")
			return
		}
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.dropJob(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeExecute(w http.ResponseWriter, r *http.Request) (executeRequest, bool) {
	var req executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, engine.InvalidInput, "invalid JSON body")
		return req, false
	}
	return req, true
}

// prepare builds the input and output tensors of a request. A failure has
// already been written to w.
func (s *Server) prepare(w http.ResponseWriter, req executeRequest, st *staging) (inputs, outputs [][]*tensor.Tensor, ok bool) {
	inputs, err := s.buildInputs(req.Inputs, st)
	if err == nil {
		outputs, err = s.allocOutputs(len(inputs), req.OutputType, st)
	}
	if err != nil {
		code := engine.InvalidInput
		if errors.Is(err, device.ErrOutOfMemory) {
			code = engine.OutOfMemory
		}
		s.writeStatus(w, code, err.Error())
		return nil, nil, false
	}
	return inputs, outputs, true
}

// buildInputs wraps request payloads in tensors. A named payload goes to the
// slot of that input; an unnamed one to its position in the row. CPU payloads
// are used in place as HOST buffers; HW payloads are copied into device
// memory. The engine validates both against the contract.
func (s *Server) buildInputs(rows [][]tensorPayload, st *staging) ([][]*tensor.Tensor, error) {
	inputs := make([][]*tensor.Tensor, len(rows))
	for b, row := range rows {
		want := s.runner.NumInputTensors()
		inputs[b] = make([]*tensor.Tensor, want)
		for i, p := range row {
			infos := s.runner.TensorsInfo(tensor.DirectionInput, p.Type)
			slot := i
			if p.Name != "" {
				slot = slices.IndexFunc(infos, func(info tensor.Info) bool { return info.Name == p.Name })
				if slot < 0 {
					if _, err := s.runner.TensorInfoByName(p.Name, p.Type); err != nil {
						return nil, err
					}
					return nil, fmt.Errorf("batch %d: tensor %q is not an input", b, p.Name)
				}
			}
			if slot >= len(infos) {
				return nil, fmt.Errorf("batch %d: %d input tensors, model has %d", b, len(row), len(infos))
			}
			if inputs[b][slot] != nil {
				return nil, fmt.Errorf("batch %d: input %q given twice", b, infos[slot].Name)
			}
			info := infos[slot]

			if p.Type != tensor.TypeHW {
				inputs[b][slot] = tensor.New(info, p.Data, tensor.MemoryHost, p.Type)
				continue
			}
			if uint64(len(p.Data)) < info.SizeInBytes {
				return nil, fmt.Errorf("batch %d: tensor %q holds %d bytes, need %d", b, info.Name, len(p.Data), info.SizeInBytes)
			}
			buf, err := st.device(info.SizeInBytes)
			if err != nil {
				return nil, err
			}
			copy(buf, p.Data)
			inputs[b][slot] = tensor.New(info, buf, tensor.MemoryDevice, p.Type)
		}
		for i, t := range inputs[b] {
			if t == nil {
				name := s.runner.TensorsInfo(tensor.DirectionInput, tensor.TypeCPU)[i].Name
				return nil, fmt.Errorf("batch %d: no payload for input %q", b, name)
			}
		}
	}
	return inputs, nil
}

func (s *Server) allocOutputs(batch int, typ tensor.Type, st *staging) ([][]*tensor.Tensor, error) {
	infos := s.runner.TensorsInfo(tensor.DirectionOutput, typ)
	outputs := make([][]*tensor.Tensor, batch)
	for b := range outputs {
		for _, info := range infos {
			if typ != tensor.TypeHW {
				outputs[b] = append(outputs[b], tensor.New(info, make([]byte, info.SizeInBytes), tensor.MemoryHost, typ))
				continue
			}
			buf, err := st.device(info.SizeInBytes)
			if err != nil {
				return nil, err
			}
			outputs[b] = append(outputs[b], tensor.New(info, buf, tensor.MemoryDevice, typ))
		}
	}
	return outputs, nil
}

// pruneJobs drops the tensors of jobs the runner has evicted.
func (s *Server) pruneJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, held := range s.jobs {
		if _, ok := s.runner.Job(id); !ok {
			held.staging.release()
			delete(s.jobs, id)
		}
	}
}

func (s *Server) dropJob(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.jobs[id]; ok {
		held.staging.release()
		delete(s.jobs, id)
	}
}

// notify POSTs a callback result. Failures are logged only.
func (s *Server) notify(target string, resp executeResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode callback", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("build callback request", "url", target, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("callback delivery failed", "url", target, "status", resp.Status, "error", err)
		return
	}
	res.Body.Close()
	s.logger.Debug("callback delivered", "url", target, "status", resp.Status, "http_status", res.StatusCode)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return uint32(n), true
}

func payloadsOf(rows [][]*tensor.Tensor) [][]tensorPayload {
	if rows == nil {
		return nil
	}
	out := make([][]tensorPayload, len(rows))
	for b, row := range rows {
		for _, t := range row {
			out[b] = append(out[b], tensorPayload{
				Name: t.Info().Name,
				Type: t.TensorType(),
				Data: bytes.Clone(t.Buffer(t.MemoryType())),
			})
		}
	}
	return out
}
