// Package model defines the core domain types shared by the repository,
// scheduler policy, and ingest layers.
package model

import "time"

type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeStale   NodeStatus = "STALE"
	NodeOffline NodeStatus = "OFFLINE"
	NodeUnknown NodeStatus = "UNKNOWN"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// RolePreference is an advisory hint an operator can set on a node's policy.
// It never affects dispatch order, only the advisory score surfaced to
// dashboards and the simulator.
type RolePreference string

const (
	RolePreferAuto        RolePreference = "AUTO"
	RolePreferInference   RolePreference = "PREFER_INFERENCE"
	RolePreferEmbeddings  RolePreference = "PREFER_EMBEDDINGS"
	RolePreferPreprocess  RolePreference = "PREFER_PREPROCESS"
)

const DefaultMaxRetries = 2

// Capabilities are declared static facts about a node.
type Capabilities struct {
	TaskTypes  []string `json:"task_types"`
	Labels     []string `json:"labels,omitempty"`
	HasGPU     bool     `json:"has_gpu"`
	CPUCores   int      `json:"cpu_cores,omitempty"`
	RAMTotalGB float64  `json:"ram_total_gb,omitempty"`
	GPUName    string   `json:"gpu_name,omitempty"`
	VRAMTotalGB float64 `json:"vram_total_gb,omitempty"`
	OS         string   `json:"os,omitempty"`
	Arch       string   `json:"arch,omitempty"`
}

// Metrics are the last reported dynamic sample from a node.
type Metrics struct {
	CPUPercent   float64   `json:"cpu_percent"`
	RAMPercent   float64   `json:"ram_percent"`
	GPUPercent   *float64  `json:"gpu_percent,omitempty"`
	Inflight     int       `json:"inflight"`
	HeartbeatTS  time.Time `json:"heartbeat_ts"`
}

// Policy holds operator-controlled caps that narrow scheduling eligibility.
type Policy struct {
	Enabled          bool           `json:"enabled"`
	AcceptedTaskTypes []string      `json:"accepted_task_types"`
	MaxConcurrent    int            `json:"max_concurrent"`
	CPUCeiling       float64        `json:"cpu_ceiling"`
	RAMCeiling       float64        `json:"ram_ceiling"`
	GPUCapPercent    *float64       `json:"gpu_cap_percent,omitempty"`
	RolePreference   RolePreference `json:"role_preference,omitempty"`
}

// DefaultPolicy is applied when a registration omits one explicitly.
func DefaultPolicy(acceptAll []string) Policy {
	return Policy{
		Enabled:           true,
		AcceptedTaskTypes: acceptAll,
		MaxConcurrent:     1,
		CPUCeiling:        100,
		RAMCeiling:        100,
		RolePreference:    RolePreferAuto,
	}
}

// Validate checks the cap invariants from the scheduling contract.
func (p Policy) Validate() error {
	if p.MaxConcurrent < 0 {
		return ErrInvalidPolicy("max_concurrent must be >= 0")
	}
	if p.CPUCeiling < 0 || p.CPUCeiling > 100 {
		return ErrInvalidPolicy("cpu_ceiling must be within [0,100]")
	}
	if p.RAMCeiling < 0 || p.RAMCeiling > 100 {
		return ErrInvalidPolicy("ram_ceiling must be within [0,100]")
	}
	if p.GPUCapPercent != nil && (*p.GPUCapPercent < 0 || *p.GPUCapPercent > 100) {
		return ErrInvalidPolicy("gpu_cap_percent must be within [0,100]")
	}
	return nil
}

type ErrInvalidPolicy string

func (e ErrInvalidPolicy) Error() string { return string(e) }

// Node is the full record for a worker node.
type Node struct {
	NodeID       string       `json:"node_id"`
	DisplayName  string       `json:"display_name"`
	IP           string       `json:"ip"`
	Port         int          `json:"port"`
	Status       NodeStatus   `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Metrics      Metrics      `json:"metrics"`
	Policy       Policy       `json:"policy"`
	LastSeen     time.Time    `json:"last_seen"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NodeSnapshot is the subset of Node state the scheduler policy consumes.
// Kept distinct from Node so policy.go has no dependency on storage concerns.
type NodeSnapshot struct {
	NodeID   string
	Status   NodeStatus
	Policy   Policy
	Metrics  Metrics
	HasGPU   bool
}

func (n Node) Snapshot() NodeSnapshot {
	return NodeSnapshot{
		NodeID:  n.NodeID,
		Status:  n.Status,
		Policy:  n.Policy,
		Metrics: n.Metrics,
		HasGPU:  n.Capabilities.HasGPU,
	}
}

// Job is a user-submitted unit of work of one task type.
type Job struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Status    JobStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Derived, computed on read, never stored.
	TotalTasks     int      `json:"total_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	TotalRetries   int      `json:"total_retries"`
	AssignedNodes  []string `json:"assigned_nodes"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Task is the smallest unit the scheduler dispatches.
type Task struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	Type            string     `json:"type"`
	Payload         []byte     `json:"payload,omitempty"`
	Status          TaskStatus `json:"status"`
	AssignedNodeID  string     `json:"assigned_node_id,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// RequiresGPU reports whether the task payload declares requires_gpu=true.
// Payload is an opaque blob to the repository; only this accessor, which the
// dispatcher calls to build its policy query, inspects its shape.
func (t Task) RequiresGPU() bool {
	return requiresGPU(t.Payload)
}

// Result is an append-only execution report.
type Result struct {
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	Success    bool      `json:"success"`
	Output     []byte    `json:"output,omitempty"`
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClusterSummary aggregates counts across all nodes.
type ClusterSummary struct {
	ByStatus          map[NodeStatus]int `json:"by_status"`
	InflightTotal     int                `json:"inflight_total"`
	EligibleByType    map[string]int     `json:"eligible_by_type"`
}

// ExecutionMetrics aggregates from results.
type ExecutionMetrics struct {
	SuccessCount int                        `json:"success_count"`
	FailureCount int                        `json:"failure_count"`
	Overall      DurationAggregate          `json:"overall"`
	ByTaskType   map[string]DurationAggregate `json:"by_task_type"`
}

type DurationAggregate struct {
	MeanMS   float64 `json:"mean_ms"`
	MedianMS float64 `json:"median_ms"`
	P95MS    float64 `json:"p95_ms"`
	Count    int     `json:"count"`
}
