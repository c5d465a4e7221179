package ingest

import (
	"context"
	"strings"

	"github.com/edgemesh/coordinator/internal/apierr"
	"github.com/edgemesh/coordinator/internal/model"
	"github.com/edgemesh/coordinator/internal/policy"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

// Services wires the repository behind the validating entry points spec §4.6
// names. Every method validates its input before touching the repository,
// so BadRequest never opens a transaction.
type Services struct {
	Repo *repository.Repository
	Seed policy.SeedConfig
}

func New(repo *repository.Repository, seed policy.SeedConfig) *Services {
	return &Services{Repo: repo, Seed: seed}
}

func (s *Services) Register(ctx context.Context, req edgemeshapi.RegisterRequest) (model.Node, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return model.Node{}, apierr.New(apierr.BadRequest, "node_id is required")
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		return model.Node{}, apierr.New(apierr.BadRequest, "display_name is required")
	}
	if strings.TrimSpace(req.IP) == "" {
		return model.Node{}, apierr.New(apierr.BadRequest, "ip is required")
	}
	if req.Port <= 0 {
		return model.Node{}, apierr.New(apierr.BadRequest, "port must be positive")
	}

	reg := repository.Registration{
		NodeID:       req.NodeID,
		DisplayName:  req.DisplayName,
		IP:           req.IP,
		Port:         req.Port,
		Capabilities: CapabilitiesFromDTO(req.Capabilities),
	}
	if req.Policy != nil {
		pol := PolicyFromDTO(*req.Policy)
		reg.Policy = &pol
	} else {
		_, found, err := s.Repo.GetNode(ctx, req.NodeID)
		if err != nil {
			return model.Node{}, err
		}
		if !found {
			base := model.DefaultPolicy(req.Capabilities.TaskTypes)
			seeded := s.Seed.Apply(base, req.Capabilities.TaskTypes)
			reg.Policy = &seeded
		}
	}
	if reg.Policy != nil {
		if err := reg.Policy.Validate(); err != nil {
			return model.Node{}, apierr.Wrap(apierr.BadRequest, "invalid policy", err)
		}
	}
	return s.Repo.UpsertNode(ctx, reg)
}

func (s *Services) Heartbeat(ctx context.Context, req edgemeshapi.HeartbeatRequest) (model.Node, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return model.Node{}, apierr.New(apierr.BadRequest, "node_id is required")
	}
	return s.Repo.RecordHeartbeat(ctx, req.NodeID, MetricsFromDTO(req.Metrics))
}

func (s *Services) SetPolicy(ctx context.Context, nodeID string, dto edgemeshapi.PolicyDTO) (model.Node, error) {
	if strings.TrimSpace(nodeID) == "" {
		return model.Node{}, apierr.New(apierr.BadRequest, "node id is required")
	}
	return s.Repo.SetPolicy(ctx, nodeID, PolicyFromDTO(dto))
}

func (s *Services) PullTask(ctx context.Context, req edgemeshapi.PullTaskRequest) (model.Task, bool, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return model.Task{}, false, apierr.New(apierr.BadRequest, "node_id is required")
	}
	return s.Repo.PullTask(ctx, req.NodeID)
}

func (s *Services) SubmitResult(ctx context.Context, taskID string, req edgemeshapi.SubmitResultRequest) (model.Task, model.Job, repository.AcceptanceKind, error) {
	if strings.TrimSpace(taskID) == "" {
		return model.Task{}, model.Job{}, "", apierr.New(apierr.BadRequest, "task id is required")
	}
	if strings.TrimSpace(req.NodeID) == "" {
		return model.Task{}, model.Job{}, "", apierr.New(apierr.BadRequest, "node_id is required")
	}
	if req.DurationMS < 0 {
		return model.Task{}, model.Job{}, "", apierr.New(apierr.BadRequest, "duration_ms must be >= 0")
	}
	return s.Repo.SubmitResult(ctx, taskID, req.NodeID, req.Success, []byte(req.Output), req.DurationMS, req.Error)
}

var knownTaskTypes = map[string]struct{}{
	"INFERENCE":   {},
	"EMBEDDINGS":  {},
	"INDEXING":    {},
	"TOKENIZE":    {},
	"PREPROCESS":  {},
}

func (s *Services) CreateJob(ctx context.Context, req edgemeshapi.CreateJobRequest) (model.Job, error) {
	jobType := strings.TrimSpace(req.Type)
	if jobType == "" {
		return model.Job{}, apierr.New(apierr.BadRequest, "type is required")
	}
	if _, ok := knownTaskTypes[jobType]; !ok {
		return model.Job{}, apierr.New(apierr.BadRequest, "unknown task type: "+jobType)
	}

	var inputs []repository.TaskInput
	if len(req.Tasks) > 0 {
		inputs = TaskInputsFromDTO(req.Tasks)
	} else if req.TaskCount > 0 {
		inputs = make([]repository.TaskInput, req.TaskCount)
	} else {
		return model.Job{}, apierr.New(apierr.BadRequest, "either tasks or a positive task_count is required")
	}
	return s.Repo.CreateJob(ctx, jobType, inputs)
}

func (s *Services) CancelJob(ctx context.Context, jobID string) (model.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return model.Job{}, apierr.New(apierr.BadRequest, "job id is required")
	}
	return s.Repo.CancelJob(ctx, jobID)
}

// RegisterKnownTaskType lets the bootstrap layer extend the accepted task
// type set (e.g. from the default-policy seed file) without editing this
// package's literal map.
func RegisterKnownTaskType(taskType string) {
	knownTaskTypes[taskType] = struct{}{}
}
