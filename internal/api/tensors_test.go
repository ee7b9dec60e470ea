package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/npurt/internal/quant"
	"github.com/seantiz/npurt/internal/tensor"
)

func TestGetModel(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body struct {
		RunnerID     string `json:"runner_id"`
		Capabilities struct {
			Name           string `json:"name"`
			ZeroCopy       bool   `json:"zero_copy"`
			MaxConcurrency int    `json:"max_concurrency"`
		} `json:"capabilities"`
		Model struct {
			Name      string `json:"name"`
			BatchSize int    `json:"batch_size"`
		} `json:"model"`
	}
	resp := getJSON(t, ts.URL+"/v1/model", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(body.RunnerID) != 26 {
		t.Errorf("runner_id = %q, want a ULID", body.RunnerID)
	}
	if body.Capabilities.Name != "reference" || !body.Capabilities.ZeroCopy {
		t.Errorf("capabilities = %+v", body.Capabilities)
	}
	if body.Model.Name != "echo" || body.Model.BatchSize != 2 {
		t.Errorf("model = %+v", body.Model)
	}
}

func TestListTensors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query     string
		wantNames []string
		wantType  tensor.DataType
	}{
		{query: "", wantNames: []string{"x", "y"}, wantType: tensor.DataTypeFloat32},
		{query: "?direction=OUTPUT", wantNames: []string{"y"}, wantType: tensor.DataTypeFloat32},
		{query: "?direction=INPUT&type=HW", wantNames: []string{"x"}, wantType: tensor.DataTypeInt8},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var entries []tensorEntry
			resp := getJSON(t, ts.URL+"/v1/tensors"+tt.query, &entries)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var names []string
			for _, e := range entries {
				names = append(names, e.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.wantNames, ",") {
				t.Errorf("names = %v, want %v", names, tt.wantNames)
			}
			if len(entries) > 0 && entries[0].DataType != tt.wantType {
				t.Errorf("data type = %s, want %s", entries[0].DataType, tt.wantType)
			}
		})
	}
}

func TestListTensorsBadQuery(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, q := range []string{"?type=GPU", "?direction=SIDEWAYS"} {
		resp := getJSON(t, ts.URL+"/v1/tensors"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET /v1/tensors%s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestGetTensor(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var info tensor.Info
	resp := getJSON(t, ts.URL+"/v1/tensors/x?type=HW", &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if info.Name != "x" || info.DataType != tensor.DataTypeInt8 || info.SizeInBytes != 4 {
		t.Errorf("info = %+v", info)
	}
}

func TestGetTensorNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tensors/xx")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `did you mean`) {
		t.Errorf("body = %s, want a suggestion", body)
	}
}

func TestGetQuant(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var q quant.Params
	resp := getJSON(t, ts.URL+"/v1/tensors/x/quant", &q)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if q.Scale != 0.5 || q.ZeroPoint != 0 || q.RoundingMode != quant.RoundToNearestEven {
		t.Errorf("quant = %+v", q)
	}

	for _, name := range []string{"y", "missing"} {
		resp := getJSON(t, ts.URL+"/v1/tensors/"+name+"/quant", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("quant of %q status = %d, want 404", name, resp.StatusCode)
		}
	}
}

func TestTensorEntryJSON(t *testing.T) {
	e := tensorEntry{Direction: tensor.DirectionOutput, Index: 0, Type: tensor.TypeHW, Info: tensor.Info{Name: "y", DataType: tensor.DataTypeInt8}}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"direction":"OUTPUT"`, `"type":"HW"`, `"name":"y"`, `"data_type":"INT8"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("%s missing %s", data, want)
		}
	}
}
