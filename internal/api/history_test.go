package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/store"
)

// waitForJournal polls the store until the runner's journal holds n
// finished rows. The engine writes the final row after the job is terminal.
func waitForJournal(t *testing.T, s store.Store, runnerID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, _, err := s.ListJobs(context.Background(), store.ListFilter{RunnerID: runnerID}, 100, 0)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		done := 0
		for _, r := range recs {
			if r.Status.Terminal() {
				done++
			}
		}
		if done >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("journal did not reach %d finished jobs", n)
}

func TestHistoryAndStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/execute", echoRequest(f32Bytes(1, 2, 3, 4)), nil)
	postJSON(t, ts.URL+"/v1/execute", echoRequest(f32Bytes(1)), nil)
	var sub executeResponse
	postJSON(t, ts.URL+"/v1/jobs", echoRequest(f32Bytes(1, 2, 3, 4)), &sub)
	getJSON(t, fmt.Sprintf("%s/v1/jobs/%d?wait_ms=5000", ts.URL, sub.JobID), nil)
	waitForJournal(t, srv.store, srv.runner.ID(), 3)

	var hist historyResponse
	resp := getJSON(t, ts.URL+"/v1/history", &hist)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if hist.Total != 3 || len(hist.Jobs) != 3 || hist.Limit != defaultListLimit {
		t.Errorf("history = total %d, %d jobs, limit %d", hist.Total, len(hist.Jobs), hist.Limit)
	}

	getJSON(t, ts.URL+"/v1/history?mode=poll", &hist)
	if hist.Total != 1 || hist.Jobs[0].JobID != sub.JobID {
		t.Errorf("poll history = %+v", hist)
	}
	getJSON(t, ts.URL+"/v1/history?status=SUBMIT_FAILED", &hist)
	if hist.Total != 1 || hist.Jobs[0].Result != model.InvalidInput {
		t.Errorf("rejected history = %+v", hist)
	}

	var rec model.JobRecord
	resp = getJSON(t, fmt.Sprintf("%s/v1/history/%s/%d", ts.URL, srv.runner.ID(), sub.JobID), &rec)
	if resp.StatusCode != http.StatusOK || rec.Status != model.JobSucceeded || rec.Model != "echo" {
		t.Errorf("history job = %d %+v", resp.StatusCode, rec)
	}
	if resp := getJSON(t, ts.URL+"/v1/history/nobody/1", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown history job = %d, want 404", resp.StatusCode)
	}

	var stats statsResponse
	getJSON(t, ts.URL+"/v1/stats", &stats)
	if stats.Journal == nil || stats.Journal.Total != 3 || stats.Journal.ByMode[model.ModeSync] != 2 {
		t.Errorf("journal stats = %+v", stats.Journal)
	}
	// Sync executions retire on return; only the poll job stays live.
	if stats.Live.Jobs != 1 || stats.Live.ByStatus[model.JobSucceeded] != 1 {
		t.Errorf("live stats = %+v", stats.Live)
	}
}

func TestHistoryPaginationBounds(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var hist historyResponse
	getJSON(t, ts.URL+"/v1/history?limit=1000&offset=-4", &hist)
	if hist.Limit != defaultListLimit || hist.Offset != 0 {
		t.Errorf("limit, offset = %d, %d", hist.Limit, hist.Offset)
	}
	if hist.Jobs == nil {
		t.Error("jobs should be an empty array, not null")
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	srv := newServerWithStore(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/history", "/v1/history/r/1"} {
		if resp := getJSON(t, ts.URL+path, nil); resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, resp.StatusCode)
		}
	}

	var stats statsResponse
	if resp := getJSON(t, ts.URL+"/v1/stats", &stats); resp.StatusCode != http.StatusOK || stats.Journal != nil {
		t.Errorf("stats without journal = %d %+v", resp.StatusCode, stats)
	}
}
