package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/npurt/internal/backend/reference"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

func echoRequest(rows ...[]byte) executeRequest {
	var req executeRequest
	for _, data := range rows {
		req.Inputs = append(req.Inputs, []tensorPayload{{Data: data}})
	}
	return req
}

func TestExecuteSync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var got executeResponse
	resp := postJSON(t, ts.URL+"/v1/execute", echoRequest(f32Bytes(1, 2, 3, 4), f32Bytes(-1, 0, 0.5, 8)), &got)
	if resp.StatusCode != http.StatusOK || got.Status != engine.Success {
		t.Fatalf("status = %d %s (%s)", resp.StatusCode, got.Status, got.Error)
	}
	if len(got.Outputs) != 2 {
		t.Fatalf("outputs = %d rows, want 2", len(got.Outputs))
	}
	if out := got.Outputs[1][0]; out.Name != "y" || !bytes.Equal(out.Data, f32Bytes(-1, 0, 0.5, 8)) {
		t.Errorf("row 1 = %+v", out)
	}
}

func TestExecuteHWInputByName(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := executeRequest{Inputs: [][]tensorPayload{{{Name: "x", Type: tensor.TypeHW, Data: []byte{2, 4, 0xFA, 8}}}}}
	var got executeResponse
	postJSON(t, ts.URL+"/v1/execute", req, &got)
	if got.Status != engine.Success {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if out := got.Outputs[0][0].Data; !bytes.Equal(out, f32Bytes(1, 2, -3, 4)) {
		t.Errorf("output = %x", out)
	}
}

const pairYAML = `
name: pair
batch_size: 1
inputs:
  - cpu:
      name: a
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 4]
  - cpu:
      name: b
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 2]
outputs:
  - cpu:
      name: ya
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 4]
    source: a
  - cpu:
      name: yb
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 2]
    source: b
`

func TestExecuteNamedInputsOutOfOrder(t *testing.T) {
	srv := newServerForModel(t, nil, pairYAML, reference.Config{MaxConcurrency: 1})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := executeRequest{Inputs: [][]tensorPayload{{
		{Name: "b", Data: f32Bytes(7, 8)},
		{Name: "a", Data: f32Bytes(1, 2, 3, 4)},
	}}}
	var got executeResponse
	postJSON(t, ts.URL+"/v1/execute", req, &got)
	if got.Status != engine.Success {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if out := got.Outputs[0][0]; out.Name != "ya" || !bytes.Equal(out.Data, f32Bytes(1, 2, 3, 4)) {
		t.Errorf("ya = %+v", out)
	}
	if out := got.Outputs[0][1]; out.Name != "yb" || !bytes.Equal(out.Data, f32Bytes(7, 8)) {
		t.Errorf("yb = %+v", out)
	}

	for name, row := range map[string][]tensorPayload{
		"duplicate":     {{Name: "a", Data: f32Bytes(1, 2, 3, 4)}, {Name: "a", Data: f32Bytes(1, 2, 3, 4)}},
		"missing":       {{Name: "b", Data: f32Bytes(7, 8)}},
		"output name":   {{Name: "ya", Data: f32Bytes(1, 2, 3, 4)}, {Name: "b", Data: f32Bytes(7, 8)}},
		"slot and name": {{Data: f32Bytes(1, 2, 3, 4)}, {Name: "a", Data: f32Bytes(1, 2, 3, 4)}},
	} {
		var got executeResponse
		postJSON(t, ts.URL+"/v1/execute", executeRequest{Inputs: [][]tensorPayload{row}}, &got)
		if got.Status != engine.InvalidInput {
			t.Errorf("%s: status = %s, want INVALID_INPUT", name, got.Status)
		}
	}
}

func TestExecuteRejects(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body any
		want engine.StatusCode
	}{
		{name: "short buffer", body: echoRequest(f32Bytes(1, 2)), want: engine.InvalidInput},
		{name: "empty batch", body: executeRequest{}, want: engine.InvalidInput},
		{name: "batch too large", body: echoRequest(f32Bytes(1, 2, 3, 4), f32Bytes(1, 2, 3, 4), f32Bytes(1, 2, 3, 4)), want: engine.InvalidInput},
		{name: "unknown tensor", body: executeRequest{Inputs: [][]tensorPayload{{{Name: "z", Data: f32Bytes(1, 2, 3, 4)}}}}, want: engine.InvalidInput},
		{name: "extra tensor", body: executeRequest{Inputs: [][]tensorPayload{{{Data: f32Bytes(1, 2, 3, 4)}, {Data: f32Bytes(1, 2, 3, 4)}}}}, want: engine.InvalidInput},
		{name: "not json", body: "inputs", want: engine.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got executeResponse
			resp := postJSON(t, ts.URL+"/v1/execute", tt.body, &got)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("HTTP status = %d, want 400", resp.StatusCode)
			}
			if got.Status != tt.want || len(got.Outputs) != 0 {
				t.Errorf("response = %+v, want %s without outputs", got, tt.want)
			}
		})
	}
}

func TestExecuteBackendFailure(t *testing.T) {
	srv := newTestServer(t, reference.Config{FailEvery: 1})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var got executeResponse
	resp := postJSON(t, ts.URL+"/v1/execute", echoRequest(f32Bytes(1, 2, 3, 4)), &got)
	if resp.StatusCode != http.StatusInternalServerError || got.Status != engine.RuntimeError {
		t.Errorf("response = %d %+v, want 500 RUNTIME_ERROR", resp.StatusCode, got)
	}
}

func TestSubmitAndWaitForJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub executeResponse
	resp := postJSON(t, ts.URL+"/v1/jobs", echoRequest(f32Bytes(5, 6, 7, 8)), &sub)
	if resp.StatusCode != http.StatusAccepted || sub.Status != engine.Success || sub.JobID == 0 {
		t.Fatalf("submit = %d %+v", resp.StatusCode, sub)
	}

	var job jobResponse
	resp = getJSON(t, fmt.Sprintf("%s/v1/jobs/%d?wait_ms=5000", ts.URL, sub.JobID), &job)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d", resp.StatusCode)
	}
	if job.Status != model.JobSucceeded || job.Result != engine.Success || job.Mode != model.ModePoll {
		t.Errorf("job = %+v", job.JobInfo)
	}
	if len(job.Outputs) != 1 || !bytes.Equal(job.Outputs[0][0].Data, f32Bytes(5, 6, 7, 8)) {
		t.Errorf("outputs = %+v", job.Outputs)
	}

	var jobs []engine.JobInfo
	getJSON(t, ts.URL+"/v1/jobs", &jobs)
	if len(jobs) != 1 || jobs[0].ID != sub.JobID {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestGetJobPollsWithoutWait(t *testing.T) {
	srv := newTestServer(t, reference.Config{Latency: 2 * time.Second})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub executeResponse
	postJSON(t, ts.URL+"/v1/jobs", echoRequest(f32Bytes(1, 2, 3, 4)), &sub)

	start := time.Now()
	var job jobResponse
	getJSON(t, fmt.Sprintf("%s/v1/jobs/%d", ts.URL, sub.JobID), &job)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("poll took %v", elapsed)
	}
	if job.Status.Terminal() || len(job.Outputs) != 0 {
		t.Errorf("job = %+v, want an unfinished job without outputs", job)
	}
}

func TestSubmitRejectedJobIsQueryable(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub executeResponse
	resp := postJSON(t, ts.URL+"/v1/jobs", echoRequest(f32Bytes(1)), &sub)
	if resp.StatusCode != http.StatusBadRequest || sub.Status != engine.InvalidInput || sub.JobID == 0 {
		t.Fatalf("submit = %d %+v", resp.StatusCode, sub)
	}

	var job jobResponse
	getJSON(t, fmt.Sprintf("%s/v1/jobs/%d", ts.URL, sub.JobID), &job)
	if job.Status != model.JobSubmitFailed || job.Result != engine.InvalidInput {
		t.Errorf("job = %+v", job.JobInfo)
	}
}

func TestReleaseJob(t *testing.T) {
	srv := newTestServer(t, reference.Config{Latency: 300 * time.Millisecond})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var sub executeResponse
	postJSON(t, ts.URL+"/v1/jobs", echoRequest(f32Bytes(1, 2, 3, 4)), &sub)
	url := fmt.Sprintf("%s/v1/jobs/%d", ts.URL, sub.JobID)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del(); got != http.StatusConflict {
		t.Errorf("DELETE running job = %d, want 409", got)
	}
	getJSON(t, url+"?wait_ms=5000", nil)
	if got := del(); got != http.StatusNoContent {
		t.Errorf("DELETE finished job = %d, want 204", got)
	}
	if got := del(); got != http.StatusNotFound {
		t.Errorf("DELETE released job = %d, want 404", got)
	}
	if resp := getJSON(t, url, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET released job = %d, want 404", resp.StatusCode)
	}
}

func TestJobIDValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if resp := getJSON(t, ts.URL+"/v1/jobs/abc", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /v1/jobs/abc = %d, want 400", resp.StatusCode)
	}
	if resp := getJSON(t, ts.URL+"/v1/jobs/99", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /v1/jobs/99 = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitCallbackJob(t *testing.T) {
	results := make(chan executeResponse, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got executeResponse
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		results <- got
	}))
	defer hook.Close()

	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := echoRequest(f32Bytes(4, 3, 2, 1))
	req.Mode = model.ModeCallback
	req.CallbackURL = hook.URL
	req.TimeoutMS = 5000

	var sub executeResponse
	resp := postJSON(t, ts.URL+"/v1/jobs", req, &sub)
	if resp.StatusCode != http.StatusAccepted || sub.Status != engine.Success {
		t.Fatalf("submit = %d %+v", resp.StatusCode, sub)
	}

	select {
	case got := <-results:
		if got.Status != engine.Success || len(got.Outputs) != 1 || !bytes.Equal(got.Outputs[0][0].Data, f32Bytes(4, 3, 2, 1)) {
			t.Errorf("callback = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestSubmitCallbackTimeout(t *testing.T) {
	results := make(chan executeResponse, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got executeResponse
		json.NewDecoder(r.Body).Decode(&got)
		results <- got
	}))
	defer hook.Close()

	srv := newTestServer(t, reference.Config{Latency: 5 * time.Second})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := echoRequest(f32Bytes(1, 2, 3, 4))
	req.Mode = model.ModeCallback
	req.CallbackURL = hook.URL
	req.TimeoutMS = 50
	postJSON(t, ts.URL+"/v1/jobs", req, nil)

	select {
	case got := <-results:
		if got.Status != engine.Timeout || len(got.Outputs) != 0 {
			t.Errorf("callback = %+v, want TIMEOUT without outputs", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback not delivered")
	}
}

func TestSubmitBadMode(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, req := range []executeRequest{
		{Inputs: echoRequest(f32Bytes(1, 2, 3, 4)).Inputs, Mode: "push"},
		{Inputs: echoRequest(f32Bytes(1, 2, 3, 4)).Inputs, Mode: model.ModeCallback},
		{Inputs: echoRequest(f32Bytes(1, 2, 3, 4)).Inputs, Mode: model.ModeCallback, CallbackURL: "ftp://host/x"},
	} {
		var got executeResponse
		resp := postJSON(t, ts.URL+"/v1/jobs", req, &got)
		if resp.StatusCode != http.StatusBadRequest || got.Status != engine.InvalidInput {
			t.Errorf("mode %q url %q = %d %+v", req.Mode, req.CallbackURL, resp.StatusCode, got)
		}
	}
}

func TestHWJobHoldsDeviceMemoryUntilReleased(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	arena := srv.runner.Arena()

	req := executeRequest{
		Inputs:     [][]tensorPayload{{{Type: tensor.TypeHW, Data: []byte{2, 4, 0xFA, 8}}}},
		OutputType: tensor.TypeHW,
	}
	var sub executeResponse
	if resp := postJSON(t, ts.URL+"/v1/jobs", req, &sub); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d %+v", resp.StatusCode, sub)
	}

	var job jobResponse
	getJSON(t, fmt.Sprintf("%s/v1/jobs/%d?wait_ms=5000", ts.URL, sub.JobID), &job)
	if job.Status != model.JobSucceeded {
		t.Fatalf("job = %+v", job.JobInfo)
	}
	if len(job.Outputs) != 1 || !bytes.Equal(job.Outputs[0][0].Data, f32Bytes(1, 2, -3, 4)) {
		t.Errorf("outputs = %+v", job.Outputs)
	}
	if arena.Used() == 0 {
		t.Error("device buffers freed before release")
	}

	del, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/jobs/%d", ts.URL, sub.JobID), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if used := arena.Used(); used != 0 {
		t.Errorf("arena still holds %d bytes after release", used)
	}
}

func TestExecuteHWFreesDeviceMemory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := executeRequest{Inputs: [][]tensorPayload{{{Type: tensor.TypeHW, Data: []byte{2, 4, 6, 8}}}}}
	var got executeResponse
	postJSON(t, ts.URL+"/v1/execute", req, &got)
	if got.Status != engine.Success {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if used := srv.runner.Arena().Used(); used != 0 {
		t.Errorf("arena holds %d bytes after a sync execution", used)
	}

	short := executeRequest{Inputs: [][]tensorPayload{{{Type: tensor.TypeHW, Data: []byte{2}}}}}
	resp := postJSON(t, ts.URL+"/v1/execute", short, &got)
	if resp.StatusCode != http.StatusBadRequest || got.Status != engine.InvalidInput {
		t.Errorf("short HW input = %d %+v", resp.StatusCode, got)
	}
}
