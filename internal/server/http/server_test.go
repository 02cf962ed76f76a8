package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "conveyor/internal/config"
	"conveyor/internal/runtime"
	logpkg "conveyor/pkg/log"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Fsync = "never"
	cfg.Blob.Root = filepath.Join(dir, "blobs")
	cfg.Site.Root = filepath.Join(dir, "site")
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 10 * time.Millisecond

	rt, err := runtime.Open(cfg, logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)))
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	ts := httptest.NewServer(New(rt).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status body = %v", body)
	}
}

func TestEnqueueThenStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/enqueue", map[string]interface{}{
		"operation": "wake_up",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	var accepted struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.CorrelationID == "" {
		t.Fatal("no correlation id returned")
	}

	stResp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer stResp.Body.Close()
	var st struct {
		QueueDepth      int `json:"queue_depth"`
		DesiredReplicas int `json:"desired_replicas"`
	}
	if err := json.NewDecoder(stResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.QueueDepth != 1 {
		t.Fatalf("queue_depth = %d, want 1", st.QueueDepth)
	}
	if st.DesiredReplicas < 1 {
		t.Fatalf("desired_replicas = %d, want >= 1", st.DesiredReplicas)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	if resp := postJSON(t, ts.URL+"/v1/enqueue", map[string]interface{}{
		"operation": "mystery",
	}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown op status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/v1/enqueue", map[string]interface{}{
		"operation": "process",
		"payload":   map[string]interface{}{"item_id": "x"},
	}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing locator status = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/enqueue")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET enqueue status = %d", resp.StatusCode)
	}
}

func TestReprocessAccepted(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/reprocess", map[string]interface{}{
		"blob_path": "collections/2025-10-06/item-1.json",
		"item_id":   "item-1",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reprocess status = %d", resp.StatusCode)
	}

	if resp := postJSON(t, ts.URL+"/v1/reprocess", map[string]interface{}{
		"item_id": "item-1",
	}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty blob_path status = %d", resp.StatusCode)
	}
}

func TestDeadLettersEmpty(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/deadletters?queue=process")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	missing, err := http.Get(ts.URL + "/v1/deadletters")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing queue param status = %d", missing.StatusCode)
	}
}
