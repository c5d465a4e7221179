// Package api is the HTTP transport adapter for the coordination engine: it
// decodes requests, calls internal/ingest, and encodes responses. It holds
// no scheduling or persistence logic of its own.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/edgemesh/coordinator/internal/apierr"
	"github.com/edgemesh/coordinator/internal/eventbus"
	"github.com/edgemesh/coordinator/internal/ingest"
	"github.com/edgemesh/coordinator/internal/model"
	"github.com/edgemesh/coordinator/internal/observability"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

type Server struct {
	svc  *ingest.Services
	repo *repository.Repository
	bus  *eventbus.Bus
	gate *secretGate

	pullLimiter      *nodeLimiter
	heartbeatLimiter *nodeLimiter
}

// Options configures a Server beyond its required collaborators.
type Options struct {
	SharedSecret   string
	PullRatePerSec float64
	PullRateBurst  int
}

func NewServer(svc *ingest.Services, repo *repository.Repository, bus *eventbus.Bus, opts Options) *Server {
	rps := opts.PullRatePerSec
	burst := opts.PullRateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		svc:              svc,
		repo:             repo,
		bus:              bus,
		gate:             newSecretGate(opts.SharedSecret),
		pullLimiter:      newNodeLimiter(rps, burst),
		heartbeatLimiter: newNodeLimiter(rps, burst),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/nodes", s.handleNodes)
	mux.HandleFunc("/v1/nodes/", s.handleNodeByID)
	mux.HandleFunc("/v1/cluster/summary", s.handleClusterSummary)
	mux.HandleFunc("/v1/simulate/schedule", s.handleSimulateSchedule)
	mux.HandleFunc("/v1/agent/register", s.handleAgentRegister)
	mux.HandleFunc("/v1/agent/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("/v1/tasks/pull", s.handleTasksPull)
	mux.HandleFunc("/v1/tasks/", s.handleTaskResult)
	mux.HandleFunc("/v1/metrics/execution", s.handleExecutionMetrics)
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/jobs/", s.handleJobSubresource)
	mux.HandleFunc("/v1/demo/jobs/create-embed-burst", s.handleDemoEmbedBurst)
	mux.HandleFunc("/v1/stream/nodes", s.streamTopic(eventbus.TopicNodeUpdate, "node_update"))
	mux.HandleFunc("/v1/stream/jobs", s.streamTopic(eventbus.TopicJobUpdate, "job_update"))

	return withTracing(withLogging(s.gate.wrap(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodes, err := s.repo.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]edgemeshapi.NodeDTO, 0, len(nodes))
	for _, n := range nodes {
		dtos = append(dtos, ingest.NodeToDTO(n))
	}
	writeJSON(w, http.StatusOK, edgemeshapi.NodeListResponse{Nodes: dtos})
}

// handleNodeByID dispatches GET /v1/nodes/{id} and PUT /v1/nodes/{id}/policy.
func (s *Server) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/nodes/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeAPIError(w, http.StatusNotFound, "node id is required")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	nodeID := parts[0]

	if len(parts) == 2 && parts[1] == "policy" {
		s.handleSetPolicy(w, r, nodeID)
		return
	}
	if len(parts) != 1 {
		writeAPIError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, found, err := s.repo.GetNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeAPIError(w, http.StatusNotFound, "node not found")
		return
	}
	dto := ingest.NodeToDTO(n)
	if boolQueryParam(r, "include_metrics_history") {
		limit := intQueryParam(r, "history_limit", defaultMetricsHistoryLimit)
		if limit <= 0 {
			limit = defaultMetricsHistoryLimit
		}
		if limit > maxMetricsHistoryLimit {
			limit = maxMetricsHistoryLimit
		}
		history, err := s.repo.GetMetricsHistory(r.Context(), nodeID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		dto.MetricsHistory = ingest.MetricsHistoryToDTO(history)
	}
	writeJSON(w, http.StatusOK, dto)
}

const (
	defaultMetricsHistoryLimit = 20
	maxMetricsHistoryLimit     = 200
)

func boolQueryParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPut {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.SetPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := s.svc.SetPolicy(r.Context(), nodeID, req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.NodeToDTO(n))
}

func (s *Server) handleClusterSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.repo.ClusterSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.ClusterSummaryToDTO(summary))
}

func (s *Server) handleSimulateSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.SimulateScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TaskType) == "" {
		writeAPIError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	evals, err := s.repo.SimulateSchedule(r.Context(), req.TaskType, req.RequiresGPU)
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]edgemeshapi.EvaluationDTO, 0, len(evals))
	for _, e := range evals {
		dtos = append(dtos, ingest.EvaluationToDTO(e))
	}
	writeJSON(w, http.StatusOK, edgemeshapi.SimulateScheduleResponse{TaskType: req.TaskType, Nodes: dtos})
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := s.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.NodeToDTO(n))
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.heartbeatLimiter.allow(req.NodeID) {
		writeAPIError(w, http.StatusTooManyRequests, "heartbeat rate limit exceeded")
		return
	}
	n, err := s.svc.Heartbeat(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.NodeToDTO(n))
}

// handleTasksPull returns HTTP 200 with an empty JSON object ({}) when no
// task is available — spec §7 is explicit that "no work" is not an error.
func (s *Server) handleTasksPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.PullTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.pullLimiter.allow(req.NodeID) {
		writeAPIError(w, http.StatusTooManyRequests, "pull rate limit exceeded")
		return
	}
	task, found, err := s.svc.PullTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, edgemeshapi.PullTaskResponse{})
		return
	}
	dto := ingest.TaskToDTO(task)
	writeJSON(w, http.StatusOK, edgemeshapi.PullTaskResponse{Task: &dto})
}

// handleTaskResult dispatches POST /v1/tasks/{id}/result.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "result" {
		writeAPIError(w, http.StatusNotFound, "not found")
		return
	}
	taskID := parts[0]

	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.SubmitResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, _, acceptance, err := s.svc.SubmitResult(r.Context(), taskID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edgemeshapi.SubmitResultResponse{
		Acceptance: string(acceptance),
		Task:       ingest.TaskToDTO(task),
	})
}

func (s *Server) handleExecutionMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics, err := s.repo.ExecutionMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.ExecutionMetricsToDTO(metrics))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req edgemeshapi.CreateJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.svc.CreateJob(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ingest.JobToDTO(job))
	case http.MethodGet:
		filter := repository.JobFilter{
			Status:   r.URL.Query().Get("status"),
			TaskType: r.URL.Query().Get("task_type"),
			NodeID:   r.URL.Query().Get("node_id"),
		}
		jobs, err := s.repo.ListJobs(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		dtos := make([]edgemeshapi.JobDTO, 0, len(jobs))
		for _, j := range jobs {
			dtos = append(dtos, ingest.JobToDTO(j))
		}
		writeJSON(w, http.StatusOK, edgemeshapi.JobListResponse{Jobs: dtos})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobSubresource dispatches GET /v1/jobs/{id}, GET /v1/jobs/{id}/tasks,
// and POST /v1/jobs/{id}/status.
func (s *Server) handleJobSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeAPIError(w, http.StatusNotFound, "job id is required")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "tasks":
			s.handleJobTasks(w, r, jobID)
		case "status":
			s.handleJobStatus(w, r, jobID)
		default:
			writeAPIError(w, http.StatusNotFound, "not found")
		}
		return
	}

	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, found, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeAPIError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, ingest.JobToDTO(job))
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tasks, err := s.repo.GetJobTasks(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]edgemeshapi.TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		dtos = append(dtos, ingest.TaskToDTO(t))
	}
	writeJSON(w, http.StatusOK, edgemeshapi.JobTasksResponse{JobID: jobID, Tasks: dtos})
}

// handleJobStatus is the operator-driven cancel endpoint; see spec §9 open
// question (b) — CANCELLED is reachable only from here.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req edgemeshapi.SetJobStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.ToUpper(strings.TrimSpace(req.Status)) != string(model.JobCancelled) {
		writeAPIError(w, http.StatusBadRequest, "only CANCELLED is supported")
		return
	}
	job, err := s.svc.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.JobToDTO(job))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func apiErrorStatus(kind apierr.Kind) int {
	switch kind {
	case apierr.BadRequest:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeAPIError(w, apiErrorStatus(kind), err.Error())
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
