// Package ingest holds the stateless validating handlers described in
// spec §4.6: thin wrappers that check input shape, call the repository, and
// let the repository publish events. HTTP concerns (status codes, routing,
// auth) live in internal/api; this package knows nothing about net/http.
package ingest

import (
	"time"

	"github.com/edgemesh/coordinator/internal/model"
	"github.com/edgemesh/coordinator/internal/policy"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func CapabilitiesFromDTO(d edgemeshapi.CapabilitiesDTO) model.Capabilities {
	return model.Capabilities{
		TaskTypes:   d.TaskTypes,
		Labels:      d.Labels,
		HasGPU:      d.HasGPU,
		CPUCores:    d.CPUCores,
		RAMTotalGB:  d.RAMTotalGB,
		GPUName:     d.GPUName,
		VRAMTotalGB: d.VRAMTotalGB,
		OS:          d.OS,
		Arch:        d.Arch,
	}
}

func CapabilitiesToDTO(c model.Capabilities) edgemeshapi.CapabilitiesDTO {
	return edgemeshapi.CapabilitiesDTO{
		TaskTypes:   c.TaskTypes,
		Labels:      c.Labels,
		HasGPU:      c.HasGPU,
		CPUCores:    c.CPUCores,
		RAMTotalGB:  c.RAMTotalGB,
		GPUName:     c.GPUName,
		VRAMTotalGB: c.VRAMTotalGB,
		OS:          c.OS,
		Arch:        c.Arch,
	}
}

func PolicyFromDTO(d edgemeshapi.PolicyDTO) model.Policy {
	return model.Policy{
		Enabled:           d.Enabled,
		AcceptedTaskTypes: d.AcceptedTaskTypes,
		MaxConcurrent:     d.MaxConcurrent,
		CPUCeiling:        d.CPUCeiling,
		RAMCeiling:        d.RAMCeiling,
		GPUCapPercent:     d.GPUCapPercent,
		RolePreference:    model.RolePreference(d.RolePreference),
	}
}

func PolicyToDTO(p model.Policy) edgemeshapi.PolicyDTO {
	return edgemeshapi.PolicyDTO{
		Enabled:           p.Enabled,
		AcceptedTaskTypes: p.AcceptedTaskTypes,
		MaxConcurrent:     p.MaxConcurrent,
		CPUCeiling:        p.CPUCeiling,
		RAMCeiling:        p.RAMCeiling,
		GPUCapPercent:     p.GPUCapPercent,
		RolePreference:    string(p.RolePreference),
	}
}

func MetricsFromDTO(d edgemeshapi.MetricsDTO) model.Metrics {
	return model.Metrics{
		CPUPercent: d.CPUPercent,
		RAMPercent: d.RAMPercent,
		GPUPercent: d.GPUPercent,
		Inflight:   d.Inflight,
	}
}

func MetricsToDTO(m model.Metrics) edgemeshapi.MetricsDTO {
	return edgemeshapi.MetricsDTO{
		CPUPercent: m.CPUPercent,
		RAMPercent: m.RAMPercent,
		GPUPercent: m.GPUPercent,
		Inflight:   m.Inflight,
	}
}

// MetricsHistoryToDTO converts a chronological metrics sample list. Returns
// nil (not an empty slice) for no history, so it round-trips through the
// NodeDTO's omitempty tag cleanly.
func MetricsHistoryToDTO(history []model.Metrics) []edgemeshapi.MetricsDTO {
	if len(history) == 0 {
		return nil
	}
	out := make([]edgemeshapi.MetricsDTO, 0, len(history))
	for _, m := range history {
		out = append(out, MetricsToDTO(m))
	}
	return out
}

func NodeToDTO(n model.Node) edgemeshapi.NodeDTO {
	return edgemeshapi.NodeDTO{
		NodeID:       n.NodeID,
		DisplayName:  n.DisplayName,
		IP:           n.IP,
		Port:         n.Port,
		Status:       string(n.Status),
		Capabilities: CapabilitiesToDTO(n.Capabilities),
		Metrics:      MetricsToDTO(n.Metrics),
		Policy:       PolicyToDTO(n.Policy),
		LastSeen:     formatTime(n.LastSeen),
		CreatedAt:    formatTime(n.CreatedAt),
		UpdatedAt:    formatTime(n.UpdatedAt),
	}
}

func TaskToDTO(t model.Task) edgemeshapi.TaskDTO {
	return edgemeshapi.TaskDTO{
		ID:             t.ID,
		JobID:          t.JobID,
		Type:           t.Type,
		Payload:        t.Payload,
		Status:         string(t.Status),
		AssignedNodeID: t.AssignedNodeID,
		Retries:        t.Retries,
		MaxRetries:     t.MaxRetries,
		LeaseExpiresAt: formatTimePtr(t.LeaseExpiresAt),
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
		StartedAt:      formatTimePtr(t.StartedAt),
		CompletedAt:    formatTimePtr(t.CompletedAt),
		Error:          t.Error,
	}
}

func JobToDTO(j model.Job) edgemeshapi.JobDTO {
	return edgemeshapi.JobDTO{
		ID:             j.ID,
		Type:           j.Type,
		Status:         string(j.Status),
		Error:          j.Error,
		CreatedAt:      formatTime(j.CreatedAt),
		UpdatedAt:      formatTime(j.UpdatedAt),
		StartedAt:      formatTimePtr(j.StartedAt),
		CompletedAt:    formatTimePtr(j.CompletedAt),
		TotalTasks:     j.TotalTasks,
		CompletedTasks: j.CompletedTasks,
		TotalRetries:   j.TotalRetries,
		AssignedNodes:  j.AssignedNodes,
	}
}

func EvaluationToDTO(e policy.Evaluation) edgemeshapi.EvaluationDTO {
	return edgemeshapi.EvaluationDTO{
		NodeID:        e.NodeID,
		Eligible:      e.Eligible,
		Reasons:       e.Reasons,
		AdvisoryScore: e.Score,
	}
}

func ClusterSummaryToDTO(s model.ClusterSummary) edgemeshapi.ClusterSummaryResponse {
	byStatus := make(map[string]int, len(s.ByStatus))
	for k, v := range s.ByStatus {
		byStatus[string(k)] = v
	}
	return edgemeshapi.ClusterSummaryResponse{
		ByStatus:       byStatus,
		InflightTotal:  s.InflightTotal,
		EligibleByType: s.EligibleByType,
	}
}

func durationAggregateToDTO(a model.DurationAggregate) edgemeshapi.DurationAggregateDTO {
	return edgemeshapi.DurationAggregateDTO{
		MeanMS:   a.MeanMS,
		MedianMS: a.MedianMS,
		P95MS:    a.P95MS,
		Count:    a.Count,
	}
}

func ExecutionMetricsToDTO(m model.ExecutionMetrics) edgemeshapi.ExecutionMetricsResponse {
	byType := make(map[string]edgemeshapi.DurationAggregateDTO, len(m.ByTaskType))
	for k, v := range m.ByTaskType {
		byType[k] = durationAggregateToDTO(v)
	}
	return edgemeshapi.ExecutionMetricsResponse{
		SuccessCount: m.SuccessCount,
		FailureCount: m.FailureCount,
		Overall:      durationAggregateToDTO(m.Overall),
		ByTaskType:   byType,
	}
}

func TaskInputsFromDTO(tasks []edgemeshapi.TaskSeed) []repository.TaskInput {
	out := make([]repository.TaskInput, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, repository.TaskInput{
			Payload:    []byte(t.Payload),
			MaxRetries: t.MaxRetries,
		})
	}
	return out
}
