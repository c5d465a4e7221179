// Package edgemeshapi holds the wire-level request/response DTOs shared by
// the coordinator's HTTP handlers and any Go client (the demo agent, tests).
// Types here are intentionally flat JSON shapes, not domain types: the
// domain types live in internal/model.
package edgemeshapi

import "encoding/json"

type CapabilitiesDTO struct {
	TaskTypes   []string `json:"task_types"`
	Labels      []string `json:"labels,omitempty"`
	HasGPU      bool     `json:"has_gpu"`
	CPUCores    int      `json:"cpu_cores,omitempty"`
	RAMTotalGB  float64  `json:"ram_total_gb,omitempty"`
	GPUName     string   `json:"gpu_name,omitempty"`
	VRAMTotalGB float64  `json:"vram_total_gb,omitempty"`
	OS          string   `json:"os,omitempty"`
	Arch        string   `json:"arch,omitempty"`
}

type PolicyDTO struct {
	Enabled           bool     `json:"enabled"`
	AcceptedTaskTypes []string `json:"accepted_task_types"`
	MaxConcurrent     int      `json:"max_concurrent"`
	CPUCeiling        float64  `json:"cpu_ceiling"`
	RAMCeiling        float64  `json:"ram_ceiling"`
	GPUCapPercent     *float64 `json:"gpu_cap_percent,omitempty"`
	RolePreference    string   `json:"role_preference,omitempty"`
}

type MetricsDTO struct {
	CPUPercent float64  `json:"cpu_percent"`
	RAMPercent float64  `json:"ram_percent"`
	GPUPercent *float64 `json:"gpu_percent,omitempty"`
	Inflight   int      `json:"inflight"`
}

type RegisterRequest struct {
	NodeID       string          `json:"node_id"`
	DisplayName  string          `json:"display_name"`
	IP           string          `json:"ip"`
	Port         int             `json:"port"`
	Capabilities CapabilitiesDTO `json:"capabilities"`
	Policy       *PolicyDTO      `json:"policy,omitempty"`
}

type HeartbeatRequest struct {
	NodeID  string     `json:"node_id"`
	Metrics MetricsDTO `json:"metrics"`
}

type PullTaskRequest struct {
	NodeID string `json:"node_id"`
}

type TaskDTO struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	AssignedNodeID string          `json:"assigned_node_id,omitempty"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	LeaseExpiresAt string          `json:"lease_expires_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type PullTaskResponse struct {
	Task *TaskDTO `json:"task,omitempty"`
}

type SubmitResultRequest struct {
	NodeID     string          `json:"node_id"`
	Success    bool            `json:"success"`
	DurationMS int             `json:"duration_ms"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type SubmitResultResponse struct {
	Acceptance string  `json:"acceptance"`
	Task       TaskDTO `json:"task"`
}

type TaskSeed struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

type CreateJobRequest struct {
	Type      string     `json:"type"`
	TaskCount int        `json:"task_count,omitempty"`
	Tasks     []TaskSeed `json:"tasks,omitempty"`
}

type JobDTO struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	Error          string   `json:"error,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	StartedAt      string   `json:"started_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
	TotalTasks     int      `json:"total_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	TotalRetries   int      `json:"total_retries"`
	AssignedNodes  []string `json:"assigned_nodes"`
}

type JobListResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type JobTasksResponse struct {
	JobID string    `json:"job_id"`
	Tasks []TaskDTO `json:"tasks"`
}

type SetJobStatusRequest struct {
	Status string `json:"status"`
}

type SetPolicyRequest struct {
	Policy PolicyDTO `json:"policy"`
}

type NodeDTO struct {
	NodeID       string          `json:"node_id"`
	DisplayName  string          `json:"display_name"`
	IP           string          `json:"ip"`
	Port         int             `json:"port"`
	Status       string          `json:"status"`
	Capabilities CapabilitiesDTO `json:"capabilities"`
	Metrics      MetricsDTO      `json:"metrics"`
	Policy       PolicyDTO       `json:"policy"`
	LastSeen     string          `json:"last_seen"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`

	// MetricsHistory is populated only when the caller asked for it via
	// ?include_metrics_history=true; it is nil, not an empty slice, on a
	// plain node lookup.
	MetricsHistory []MetricsDTO `json:"metrics_history,omitempty"`
}

type NodeListResponse struct {
	Nodes []NodeDTO `json:"nodes"`
}

type SimulateScheduleRequest struct {
	TaskType    string `json:"task_type"`
	RequiresGPU bool   `json:"requires_gpu,omitempty"`
}

type EvaluationDTO struct {
	NodeID       string   `json:"node_id"`
	Eligible     bool     `json:"eligible"`
	Reasons      []string `json:"reasons,omitempty"`
	AdvisoryScore float64 `json:"advisory_score"`
}

type SimulateScheduleResponse struct {
	TaskType string          `json:"task_type"`
	Nodes    []EvaluationDTO `json:"nodes"`
}

type ClusterSummaryResponse struct {
	ByStatus       map[string]int `json:"by_status"`
	InflightTotal  int            `json:"inflight_total"`
	EligibleByType map[string]int `json:"eligible_by_type"`
}

type DurationAggregateDTO struct {
	MeanMS   float64 `json:"mean_ms"`
	MedianMS float64 `json:"median_ms"`
	P95MS    float64 `json:"p95_ms"`
	Count    int     `json:"count"`
}

type ExecutionMetricsResponse struct {
	SuccessCount int                             `json:"success_count"`
	FailureCount int                             `json:"failure_count"`
	Overall      DurationAggregateDTO            `json:"overall"`
	ByTaskType   map[string]DurationAggregateDTO `json:"by_task_type"`
}

type CreateEmbedBurstResponse struct {
	JobIDs []string `json:"job_ids"`
}
