package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/edgemesh/coordinator/internal/api"
	"github.com/edgemesh/coordinator/internal/eventbus"
	"github.com/edgemesh/coordinator/internal/ingest"
	"github.com/edgemesh/coordinator/internal/policy"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/internal/store"
	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

func newTestServer(t *testing.T, opts api.Options) *httptest.Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgemesh.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	repo := repository.New(db, bus, 15, 30)
	svc := ingest.New(repo, policy.SeedConfig{})
	srv := api.NewServer(svc, repo, bus, opts)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, secret string, body any, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-EdgeMesh-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func registerAgent(t *testing.T, ts *httptest.Server, secret, nodeID string) edgemeshapi.NodeDTO {
	t.Helper()
	var out edgemeshapi.NodeDTO
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/agent/register", secret, edgemeshapi.RegisterRequest{
		NodeID:      nodeID,
		DisplayName: nodeID,
		IP:          "127.0.0.1",
		Port:        9000,
		Capabilities: edgemeshapi.CapabilitiesDTO{
			TaskTypes: []string{"EMBEDDINGS"},
			CPUCores:  4,
		},
	}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAgentRoutesRejectMissingSecret(t *testing.T) {
	ts := newTestServer(t, api.Options{SharedSecret: "topsecret"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/agent/register", "", edgemeshapi.RegisterRequest{
		NodeID: "node-1",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/agent/register", "wrong", edgemeshapi.RegisterRequest{
		NodeID: "node-1",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", resp.StatusCode)
	}
}

func TestAgentRoutesAllowCorrectSecret(t *testing.T) {
	ts := newTestServer(t, api.Options{SharedSecret: "topsecret"})
	node := registerAgent(t, ts, "topsecret", "node-1")
	if node.NodeID != "node-1" {
		t.Fatalf("expected node-1, got %+v", node)
	}
}

func TestUnguardedRoutesIgnoreSecret(t *testing.T) {
	ts := newTestServer(t, api.Options{SharedSecret: "topsecret"})
	resp, err := http.Get(ts.URL + "/v1/nodes")
	if err != nil {
		t.Fatalf("get /v1/nodes: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unguarded route without secret, got %d", resp.StatusCode)
	}
}

func TestPullTaskReturnsEmptyResponseWhenNoTaskAvailable(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	registerAgent(t, ts, "", "node-1")

	var out edgemeshapi.PullTaskResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/pull", "", edgemeshapi.PullTaskRequest{NodeID: "node-1"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if out.Task != nil {
		t.Fatalf("expected no task, got %+v", out.Task)
	}
}

func TestCreateJobPullAndSubmitResultEndToEnd(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	registerAgent(t, ts, "", "node-1")

	var job edgemeshapi.JobDTO
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "", edgemeshapi.CreateJobRequest{
		Type:      "EMBEDDINGS",
		TaskCount: 1,
	}, &job)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}
	if job.TotalTasks != 1 {
		t.Fatalf("expected 1 task, got %+v", job)
	}

	var pulled edgemeshapi.PullTaskResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/pull", "", edgemeshapi.PullTaskRequest{NodeID: "node-1"}, &pulled)
	if resp.StatusCode != http.StatusOK || pulled.Task == nil {
		t.Fatalf("expected a task to be pulled, status=%d pulled=%+v", resp.StatusCode, pulled)
	}

	var result edgemeshapi.SubmitResultResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+pulled.Task.ID+"/result", "", edgemeshapi.SubmitResultRequest{
		NodeID:     "node-1",
		Success:    true,
		DurationMS: 5,
	}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit result status = %d", resp.StatusCode)
	}
	if result.Acceptance != string(repository.AcceptedActive) {
		t.Fatalf("expected active acceptance, got %s", result.Acceptance)
	}

	var fetched edgemeshapi.JobDTO
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+job.ID, "", nil, &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job status = %d", resp.StatusCode)
	}
	if fetched.Status != "COMPLETED" {
		t.Fatalf("expected job completed, got %s", fetched.Status)
	}
}

func TestJobStatusOnlyAcceptsCancelled(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	var job edgemeshapi.JobDTO
	doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "", edgemeshapi.CreateJobRequest{
		Type:      "EMBEDDINGS",
		TaskCount: 1,
	}, &job)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+job.ID+"/status", "", edgemeshapi.SetJobStatusRequest{Status: "RUNNING"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-CANCELLED status, got %d", resp.StatusCode)
	}

	var cancelled edgemeshapi.JobDTO
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+job.ID+"/status", "", edgemeshapi.SetJobStatusRequest{Status: "CANCELLED"}, &cancelled)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for CANCELLED, got %d", resp.StatusCode)
	}
	if cancelled.Status != "CANCELLED" {
		t.Fatalf("expected cancelled job, got %s", cancelled.Status)
	}
}

func TestDemoEmbedBurstCreatesJobs(t *testing.T) {
	ts := newTestServer(t, api.Options{})

	var out edgemeshapi.CreateEmbedBurstResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/demo/jobs/create-embed-burst?count=3&tasks_per_job=2", "", nil, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(out.JobIDs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(out.JobIDs))
	}
}

func TestSimulateScheduleRequiresTaskType(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/simulate/schedule", "", edgemeshapi.SimulateScheduleRequest{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when task_type missing, got %d", resp.StatusCode)
	}
}

func TestNodeNotFoundReturns404(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	resp, err := http.Get(ts.URL + "/v1/nodes/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestNodeDetailWithMetricsHistory(t *testing.T) {
	ts := newTestServer(t, api.Options{})
	registerAgent(t, ts, "", "node-1")

	for i := 1; i <= 3; i++ {
		resp := doJSON(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", "", edgemeshapi.HeartbeatRequest{
			NodeID:  "node-1",
			Metrics: edgemeshapi.MetricsDTO{CPUPercent: float64(i * 10)},
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("heartbeat %d status = %d", i, resp.StatusCode)
		}
	}

	var plain edgemeshapi.NodeDTO
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/nodes/node-1", "", nil, &plain)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plain get status = %d", resp.StatusCode)
	}
	if plain.MetricsHistory != nil {
		t.Fatalf("expected no history without include_metrics_history, got %+v", plain.MetricsHistory)
	}

	var withHistory edgemeshapi.NodeDTO
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/nodes/node-1?include_metrics_history=true&history_limit=2", "", nil, &withHistory)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history get status = %d", resp.StatusCode)
	}
	if len(withHistory.MetricsHistory) != 2 {
		t.Fatalf("expected 2 history samples, got %+v", withHistory.MetricsHistory)
	}
	if withHistory.MetricsHistory[0].CPUPercent != 20 || withHistory.MetricsHistory[1].CPUPercent != 30 {
		t.Fatalf("expected most recent 2 samples in chronological order, got %+v", withHistory.MetricsHistory)
	}
}

func TestPullRateLimitRejectsBurst(t *testing.T) {
	ts := newTestServer(t, api.Options{PullRatePerSec: 0.001, PullRateBurst: 1})
	registerAgent(t, ts, "", "node-1")

	first := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/pull", "", edgemeshapi.PullTaskRequest{NodeID: "node-1"}, nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first pull to succeed, got %d", first.StatusCode)
	}
	second := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/pull", "", edgemeshapi.PullTaskRequest{NodeID: "node-1"}, nil)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected second pull to be rate limited, got %d", second.StatusCode)
	}
}
