// Package repository is the sole gatekeeper of the embedded store. Every
// multi-row mutation runs inside one transaction; no lock is ever held
// across network I/O. Successful mutations publish to the event bus after
// commit.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/edgemesh/coordinator/internal/apierr"
	"github.com/edgemesh/coordinator/internal/eventbus"
	"github.com/edgemesh/coordinator/internal/model"
	"github.com/edgemesh/coordinator/internal/observability"
	"github.com/edgemesh/coordinator/internal/policy"
)

type Repository struct {
	db   *sql.DB
	bus  *eventbus.Bus

	NodeStaleSeconds int
	TaskLeaseSeconds int
}

func New(db *sql.DB, bus *eventbus.Bus, nodeStaleSeconds, taskLeaseSeconds int) *Repository {
	return &Repository{
		db:               db,
		bus:              bus,
		NodeStaleSeconds: nodeStaleSeconds,
		TaskLeaseSeconds: taskLeaseSeconds,
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Registration is the input to UpsertNode.
type Registration struct {
	NodeID       string
	DisplayName  string
	IP           string
	Port         int
	Capabilities model.Capabilities
	Policy       *model.Policy // nil means "preserve existing, or default on create"
}

func (r *Repository) UpsertNode(ctx context.Context, reg Registration) (model.Node, error) {
	ctx, span := observability.StartNodeSpan(ctx, "register", reg.NodeID)
	defer span.End()

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := getNodeTx(ctx, tx, reg.NodeID)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "load node", err)
	}

	var n model.Node
	if !found {
		pol := model.DefaultPolicy(reg.Capabilities.TaskTypes)
		if reg.Policy != nil {
			pol = *reg.Policy
		}
		if err := pol.Validate(); err != nil {
			return model.Node{}, apierr.Wrap(apierr.BadRequest, "invalid policy", err)
		}
		n = model.Node{
			NodeID:       reg.NodeID,
			DisplayName:  reg.DisplayName,
			IP:           reg.IP,
			Port:         reg.Port,
			Status:       model.NodeOnline,
			Capabilities: reg.Capabilities,
			Metrics:      model.Metrics{HeartbeatTS: now},
			Policy:       pol,
			LastSeen:     now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := insertNodeTx(ctx, tx, n); err != nil {
			return model.Node{}, apierr.Wrap(apierr.Internal, "insert node", err)
		}
	} else {
		n = existing
		n.DisplayName = reg.DisplayName
		n.IP = reg.IP
		n.Port = reg.Port
		n.Capabilities = reg.Capabilities
		if reg.Policy != nil {
			if err := reg.Policy.Validate(); err != nil {
				return model.Node{}, apierr.Wrap(apierr.BadRequest, "invalid policy", err)
			}
			n.Policy = *reg.Policy
		}
		n.UpdatedAt = now
		if err := updateNodeTx(ctx, tx, n); err != nil {
			return model.Node{}, apierr.Wrap(apierr.Internal, "update node", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "commit", err)
	}
	if !found {
		observability.Default.RecordEvent(observability.EventNodeRegistered, map[string]string{"node_id": n.NodeID})
	}
	r.bus.Publish(eventbus.TopicNodeUpdate, n.NodeID)
	return n, nil
}

func (r *Repository) RecordHeartbeat(ctx context.Context, nodeID string, metrics model.Metrics) (model.Node, error) {
	ctx, span := observability.StartNodeSpan(ctx, "heartbeat", nodeID)
	defer span.End()

	now := time.Now().UTC()
	if metrics.HeartbeatTS.IsZero() {
		metrics.HeartbeatTS = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, found, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "load node", err)
	}
	if !found {
		return model.Node{}, apierr.New(apierr.NotFound, fmt.Sprintf("node %q not found", nodeID))
	}

	n.Metrics = metrics
	n.LastSeen = now
	n.Status = model.NodeOnline
	n.UpdatedAt = now
	if err := updateNodeTx(ctx, tx, n); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "update node", err)
	}
	if err := insertMetricsHistoryTx(ctx, tx, nodeID, metrics, now); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "record metrics history", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "commit", err)
	}
	observability.Default.RecordEvent(observability.EventNodeHeartbeat, map[string]string{"node_id": n.NodeID})
	observability.Default.GaugeNodeInflight(n.NodeID, n.Metrics.Inflight)
	r.bus.Publish(eventbus.TopicNodeUpdate, n.NodeID)
	return n, nil
}

func (r *Repository) SetPolicy(ctx context.Context, nodeID string, pol model.Policy) (model.Node, error) {
	if err := pol.Validate(); err != nil {
		return model.Node{}, apierr.Wrap(apierr.BadRequest, "invalid policy", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, found, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "load node", err)
	}
	if !found {
		return model.Node{}, apierr.New(apierr.NotFound, fmt.Sprintf("node %q not found", nodeID))
	}

	n.Policy = pol
	n.UpdatedAt = now
	if err := updateNodeTx(ctx, tx, n); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "update node", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Node{}, apierr.Wrap(apierr.Internal, "commit", err)
	}
	r.bus.Publish(eventbus.TopicNodeUpdate, n.NodeID)
	return n, nil
}

func (r *Repository) GetNode(ctx context.Context, nodeID string) (model.Node, bool, error) {
	n, found, err := getNodeTx(ctx, r.db, nodeID)
	if err != nil {
		return model.Node{}, false, apierr.Wrap(apierr.Internal, "load node", err)
	}
	return n, found, nil
}

// GetMetricsHistory returns up to limit heartbeat samples for nodeID, oldest
// first. Returns an empty slice (not an error) for an unknown node, since
// callers already resolve node existence separately via GetNode.
func (r *Repository) GetMetricsHistory(ctx context.Context, nodeID string, limit int) ([]model.Metrics, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT metrics_json FROM node_metrics_history WHERE node_id = ? ORDER BY id DESC LIMIT ?`,
		nodeID, limit,
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "load metrics history", err)
	}
	defer rows.Close()

	var out []model.Metrics
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan metrics history", err)
		}
		var m model.Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "decode metrics history", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "load metrics history", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *Repository) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY node_id ASC`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list nodes", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan node", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// TaskInput is one element of a job creation request.
type TaskInput struct {
	Payload    []byte
	MaxRetries *int
}

func (r *Repository) CreateJob(ctx context.Context, jobType string, inputs []TaskInput) (model.Job, error) {
	if jobType == "" {
		return model.Job{}, apierr.New(apierr.BadRequest, "type is required")
	}
	if len(inputs) == 0 {
		return model.Job{}, apierr.New(apierr.BadRequest, "at least one task is required")
	}
	now := time.Now().UTC()
	jobID := newID("job")

	ctx, span := observability.StartJobSpan(ctx, "create", jobID, jobType)
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, error, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		jobID, jobType, string(model.JobQueued), "", now, now,
	); err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "insert job", err)
	}

	for _, in := range inputs {
		maxRetries := model.DefaultMaxRetries
		if in.MaxRetries != nil {
			maxRetries = *in.MaxRetries
		}
		taskID := newID("task")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, job_id, type, payload, status, assigned_node_id, retries, max_retries, lease_expires_at, created_at, updated_at, started_at, completed_at, error)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			taskID, jobID, jobType, in.Payload, string(model.TaskQueued), "", 0, maxRetries, nil, now, now, nil, nil, "",
		); err != nil {
			return model.Job{}, apierr.Wrap(apierr.Internal, "insert task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "commit", err)
	}

	observability.Default.RecordEvent(observability.EventJobCreated, map[string]string{"type": jobType})
	r.bus.Publish(eventbus.TopicJobUpdate, jobID)
	job, _, err := r.GetJob(ctx, jobID)
	return job, err
}

type JobFilter struct {
	Status   string
	TaskType string
	NodeID   string
}

func (r *Repository) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, type, status, error, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TaskType != "" {
		query += ` AND type = ?`
		args = append(args, filter.TaskType)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list jobs", err)
	}
	defer rows.Close()

	var jobIDs []string
	jobsByID := make(map[string]model.Job)
	for rows.Next() {
		var j model.Job
		var errText sql.NullString
		if err := rows.Scan(&j.ID, &j.Type, &j.Status, &errText, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan job", err)
		}
		j.Error = errText.String
		jobIDs = append(jobIDs, j.ID)
		jobsByID[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list jobs", err)
	}

	out := make([]model.Job, 0, len(jobIDs))
	for _, id := range jobIDs {
		j := jobsByID[id]
		if err := r.hydrateJobProgress(ctx, &j); err != nil {
			return nil, err
		}
		if filter.NodeID != "" && !containsString(j.AssignedNodes, filter.NodeID) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (model.Job, bool, error) {
	var j model.Job
	var errText sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, type, status, error, created_at, updated_at FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.Type, &j.Status, &errText, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, apierr.Wrap(apierr.Internal, "get job", err)
	}
	j.Error = errText.String
	if err := r.hydrateJobProgress(ctx, &j); err != nil {
		return model.Job{}, false, err
	}
	return j, true, nil
}

func (r *Repository) GetJobTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list tasks", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CancelJob is operator-driven only; see the design-notes open question on
// CANCELLED.
func (r *Repository) CancelJob(ctx context.Context, jobID string) (model.Job, error) {
	ctx, span := observability.StartJobSpan(ctx, "cancel", jobID, "")
	defer span.End()

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, apierr.New(apierr.NotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "load job", err)
	}
	if isTerminalJobStatus(model.JobStatus(status)) {
		return model.Job{}, apierr.New(apierr.Conflict, fmt.Sprintf("job %q is already terminal (%s)", jobID, status))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, string(model.JobCancelled), now, jobID); err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "cancel job", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=?, assigned_node_id=NULL, lease_expires_at=NULL WHERE job_id=? AND status IN (?,?)`,
		string(model.TaskFailed), now, jobID, string(model.TaskQueued), string(model.TaskRunning),
	); err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "cancel tasks", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Job{}, apierr.Wrap(apierr.Internal, "commit", err)
	}
	observability.Default.RecordEvent(observability.EventJobCancelled, map[string]string{"job_id": jobID})
	r.bus.Publish(eventbus.TopicJobUpdate, jobID)
	job, _, err := r.GetJob(ctx, jobID)
	return job, err
}

func isTerminalJobStatus(s model.JobStatus) bool {
	return s == model.JobCompleted || s == model.JobFailed || s == model.JobCancelled
}

func isTerminalTaskStatus(s model.TaskStatus) bool {
	return s == model.TaskSucceeded || s == model.TaskFailed
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// hydrateJobProgress computes total_tasks/completed_tasks/total_retries/
// assigned_nodes/started_at/completed_at/status from the child task rows,
// and persists a status transition if the derived status differs from the
// stored one (tasks can terminalize without a submitResult call in flight,
// e.g. after a lease-expiry reclaim). A CANCELLED job keeps its status.
func (r *Repository) hydrateJobProgress(ctx context.Context, j *model.Job) error {
	tasks, err := r.GetJobTasks(ctx, j.ID)
	if err != nil {
		return err
	}
	j.TotalTasks = len(tasks)

	nodeSet := map[string]struct{}{}
	var completed, retries int
	var anyStarted, anyNonTerminal, anyFailedTerminal, allSuccess bool
	allSuccess = len(tasks) > 0
	var earliestStart *time.Time
	var latestComplete *time.Time
	var anyIncomplete bool

	for _, t := range tasks {
		retries += t.Retries
		if t.AssignedNodeID != "" {
			nodeSet[t.AssignedNodeID] = struct{}{}
		}
		if t.StartedAt != nil {
			anyStarted = true
			if earliestStart == nil || t.StartedAt.Before(*earliestStart) {
				earliestStart = t.StartedAt
			}
		}
		switch t.Status {
		case model.TaskSucceeded:
			completed++
			if t.CompletedAt != nil && (latestComplete == nil || t.CompletedAt.After(*latestComplete)) {
				latestComplete = t.CompletedAt
			}
		case model.TaskFailed:
			anyFailedTerminal = true
			allSuccess = false
			if t.CompletedAt != nil && (latestComplete == nil || t.CompletedAt.After(*latestComplete)) {
				latestComplete = t.CompletedAt
			}
		default:
			allSuccess = false
			anyNonTerminal = true
			anyIncomplete = true
		}
	}

	j.CompletedTasks = completed
	j.TotalRetries = retries
	j.AssignedNodes = sortedKeys(nodeSet)
	j.StartedAt = earliestStart
	if !anyIncomplete {
		j.CompletedAt = latestComplete
	}

	if j.Status == model.JobCancelled {
		return nil
	}

	derived := model.JobQueued
	switch {
	case allSuccess:
		derived = model.JobCompleted
	case anyFailedTerminal && !anyNonTerminal:
		derived = model.JobFailed
	case anyNonTerminal && anyStarted:
		derived = model.JobRunning
	}

	if derived != j.Status {
		now := time.Now().UTC()
		if _, err := r.db.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, string(derived), now, j.ID); err != nil {
			return apierr.Wrap(apierr.Internal, "persist derived job status", err)
		}
		j.Status = derived
		j.UpdatedAt = now
		if derived == model.JobCompleted {
			observability.Default.RecordEvent(observability.EventJobCompleted, map[string]string{"type": j.Type})
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PullTask implements the leased-dispatch contract: candidate tasks are
// walked oldest-first, and the caller only claims the first one for which
// it is first-in-line in eligibleNodes, all within one transaction so the
// node snapshot and the claim are never interleaved with another pull or a
// policy change.
func (r *Repository) PullTask(ctx context.Context, nodeID string) (model.Task, bool, error) {
	ctx, span := observability.StartNodeSpan(ctx, "pull", nodeID)
	defer span.End()

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	caller, found, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "load node", err)
	}
	if !found || caller.Status != model.NodeOnline {
		return model.Task{}, false, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes`)
	if err != nil {
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "snapshot nodes", err)
	}
	var snapshot []model.NodeSnapshot
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return model.Task{}, false, apierr.Wrap(apierr.Internal, "scan node", err)
		}
		snapshot = append(snapshot, n.Snapshot())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "snapshot nodes", err)
	}
	rows.Close()

	candRows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(model.TaskQueued))
	if err != nil {
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "candidate tasks", err)
	}
	var candidates []model.Task
	for candRows.Next() {
		t, err := scanTask(candRows)
		if err != nil {
			candRows.Close()
			return model.Task{}, false, apierr.Wrap(apierr.Internal, "scan task", err)
		}
		candidates = append(candidates, t)
	}
	if err := candRows.Err(); err != nil {
		candRows.Close()
		return model.Task{}, false, apierr.Wrap(apierr.Internal, "candidate tasks", err)
	}
	candRows.Close()

	for _, t := range candidates {
		eligible := policy.EligibleNodes(policy.Query{
			TaskType:    t.Type,
			RequiresGPU: t.RequiresGPU(),
			Now:         now,
			StaleAfter:  time.Duration(r.NodeStaleSeconds) * time.Second,
		}, snapshot)
		if len(eligible) == 0 || eligible[0].NodeID != nodeID {
			continue
		}

		leaseExpires := now.Add(time.Duration(r.TaskLeaseSeconds) * time.Second)
		startedAt := t.StartedAt
		if startedAt == nil {
			startedAt = &now
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status=?, assigned_node_id=?, lease_expires_at=?, started_at=?, updated_at=? WHERE id=?`,
			string(model.TaskRunning), nodeID, leaseExpires, startedAt, now, t.ID,
		); err != nil {
			return model.Task{}, false, apierr.Wrap(apierr.Internal, "claim task", err)
		}

		var jobStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, t.JobID).Scan(&jobStatus); err != nil {
			return model.Task{}, false, apierr.Wrap(apierr.Internal, "load owning job", err)
		}
		if model.JobStatus(jobStatus) == model.JobQueued {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, string(model.JobRunning), now, t.JobID); err != nil {
				return model.Task{}, false, apierr.Wrap(apierr.Internal, "update job status", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return model.Task{}, false, apierr.Wrap(apierr.Internal, "commit", err)
		}

		t.Status = model.TaskRunning
		t.AssignedNodeID = nodeID
		t.LeaseExpiresAt = &leaseExpires
		t.StartedAt = startedAt
		t.UpdatedAt = now

		observability.Default.RecordEvent(observability.EventTaskPulled, map[string]string{"type": t.Type, "node_id": nodeID})
		r.bus.Publish(eventbus.TopicJobUpdate, t.JobID)
		return t, true, nil
	}

	return model.Task{}, false, nil
}

// AcceptanceKind tells the caller how a submitted result was handled.
type AcceptanceKind string

const (
	AcceptedActive AcceptanceKind = "Accepted"
	AcceptedStale  AcceptanceKind = "Accepted-Stale"
)

func (r *Repository) SubmitResult(ctx context.Context, taskID, nodeID string, success bool, output []byte, durationMS int, errMsg string) (model.Task, model.Job, AcceptanceKind, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t model.Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.Job{}, "", apierr.New(apierr.NotFound, fmt.Sprintf("task %q not found", taskID))
	}
	if err != nil {
		return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "load task", err)
	}

	ctx, span := observability.StartTaskSpan(ctx, "submit_result", taskID, t.Type, nodeID)
	defer span.End()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (task_id, node_id, success, output, duration_ms, created_at) VALUES (?,?,?,?,?,?)`,
		taskID, nodeID, success, output, durationMS, now,
	); err != nil {
		return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "insert result", err)
	}

	acceptance := AcceptedActive
	if t.AssignedNodeID != nodeID || isTerminalTaskStatus(t.Status) {
		// Either a report from a node that no longer owns (or never owned)
		// the task, or a duplicate/retried report against a task that
		// already reached SUCCEEDED/FAILED: recorded for history, state is
		// not mutated so completed_tasks never regresses.
		acceptance = AcceptedStale
	} else {
		var outcome observability.EventKind
		switch {
		case success:
			t.Status = model.TaskSucceeded
			t.CompletedAt = &now
			t.LeaseExpiresAt = nil
			t.Error = ""
			outcome = observability.EventTaskSucceeded
		case t.Retries < t.MaxRetries:
			t.Status = model.TaskQueued
			t.Retries++
			t.AssignedNodeID = ""
			t.LeaseExpiresAt = nil
			t.Error = errMsg
			outcome = observability.EventTaskRequeued
		default:
			t.Status = model.TaskFailed
			t.CompletedAt = &now
			t.Error = errMsg
			outcome = observability.EventTaskFailed
		}
		t.UpdatedAt = now

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status=?, assigned_node_id=?, retries=?, lease_expires_at=?, completed_at=?, updated_at=?, error=? WHERE id=?`,
			string(t.Status), nullString(t.AssignedNodeID), t.Retries, t.LeaseExpiresAt, t.CompletedAt, t.UpdatedAt, t.Error, t.ID,
		); err != nil {
			return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "update task", err)
		}

		if err := tx.Commit(); err != nil {
			return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "commit", err)
		}
		observability.Default.RecordEvent(outcome, map[string]string{"type": t.Type})
		r.bus.Publish(eventbus.TopicJobUpdate, t.JobID)
		job, _, err := r.GetJob(ctx, t.JobID)
		if err != nil {
			return t, model.Job{}, acceptance, err
		}
		return t, job, acceptance, nil
	}

	if err := tx.Commit(); err != nil {
		return model.Task{}, model.Job{}, "", apierr.Wrap(apierr.Internal, "commit", err)
	}

	r.bus.Publish(eventbus.TopicJobUpdate, t.JobID)
	job, _, err := r.GetJob(ctx, t.JobID)
	if err != nil {
		return t, model.Job{}, acceptance, err
	}
	return t, job, acceptance, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ReclaimExpiredLeases treats every RUNNING task whose lease has expired as
// a failed attempt, using the same retry-or-terminal branching submitResult
// uses, with a synthetic lease_expired error.
func (r *Repository) ReclaimExpiredLeases(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		string(model.TaskRunning), now)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list expired leases", err)
	}
	var expired []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, apierr.Wrap(apierr.Internal, "scan task", err)
		}
		expired = append(expired, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	affectedJobs := map[string]struct{}{}
	for _, t := range expired {
		if t.Retries < t.MaxRetries {
			t.Status = model.TaskQueued
			t.Retries++
			t.AssignedNodeID = ""
			t.LeaseExpiresAt = nil
			t.Error = "lease_expired"
		} else {
			t.Status = model.TaskFailed
			t.CompletedAt = &now
			t.Error = "lease_expired"
		}
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status=?, assigned_node_id=?, retries=?, lease_expires_at=?, completed_at=?, updated_at=?, error=? WHERE id=?`,
			string(t.Status), nullString(t.AssignedNodeID), t.Retries, t.LeaseExpiresAt, t.CompletedAt, t.UpdatedAt, t.Error, t.ID,
		); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "reclaim task", err)
		}
		affectedJobs[t.JobID] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "commit", err)
	}

	for _, t := range expired {
		observability.Default.RecordEvent(observability.EventTaskReclaimed, map[string]string{"type": t.Type})
	}
	jobIDs := sortedKeys(affectedJobs)
	for _, id := range jobIDs {
		r.bus.Publish(eventbus.TopicJobUpdate, id)
	}
	return jobIDs, nil
}

// SweepStaleNodes sets STALE on every ONLINE node whose last_seen exceeds
// the stale threshold. Idempotent: a second call with no intervening
// heartbeat touches no rows.
func (r *Repository) SweepStaleNodes(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(r.NodeStaleSeconds) * time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT node_id FROM nodes WHERE status = ? AND last_seen <= ?`, string(model.NodeOnline), cutoff)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "find stale nodes", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status=?, updated_at=? WHERE node_id=?`, string(model.NodeStale), now, id); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "mark stale", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "commit", err)
	}
	for _, id := range ids {
		observability.Default.RecordEvent(observability.EventNodeStale, map[string]string{"node_id": id})
		r.bus.Publish(eventbus.TopicNodeUpdate, id)
	}
	return ids, nil
}

func (r *Repository) ClusterSummary(ctx context.Context) (model.ClusterSummary, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return model.ClusterSummary{}, err
	}

	summary := model.ClusterSummary{
		ByStatus:       map[model.NodeStatus]int{},
		EligibleByType: map[string]int{},
	}
	taskTypes := map[string]struct{}{}
	snapshot := make([]model.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		summary.ByStatus[n.Status]++
		summary.InflightTotal += n.Metrics.Inflight
		snapshot = append(snapshot, n.Snapshot())
		for _, tt := range n.Capabilities.TaskTypes {
			taskTypes[tt] = struct{}{}
		}
	}

	now := time.Now().UTC()
	for tt := range taskTypes {
		eligible := policy.EligibleNodes(policy.Query{
			TaskType:   tt,
			Now:        now,
			StaleAfter: time.Duration(r.NodeStaleSeconds) * time.Second,
		}, snapshot)
		summary.EligibleByType[tt] = len(eligible)
	}
	return summary, nil
}

// SimulateSchedule is the read-only dry-run behind POST /v1/simulate/schedule:
// it applies the scheduler policy to the current node snapshot without
// mutating state or publishing events.
func (r *Repository) SimulateSchedule(ctx context.Context, taskType string, requiresGPU bool) ([]policy.Evaluation, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make([]model.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		snapshot = append(snapshot, n.Snapshot())
	}
	q := policy.Query{
		TaskType:    taskType,
		RequiresGPU: requiresGPU,
		Now:         time.Now().UTC(),
		StaleAfter:  time.Duration(r.NodeStaleSeconds) * time.Second,
	}
	return policy.EvaluateAll(q, snapshot), nil
}

func (r *Repository) ExecutionMetrics(ctx context.Context) (model.ExecutionMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT task_id, success, duration_ms FROM results`)
	if err != nil {
		return model.ExecutionMetrics{}, apierr.Wrap(apierr.Internal, "load results", err)
	}
	defer rows.Close()

	type sample struct {
		taskType string
		duration int
		success  bool
	}

	taskTypeCache := map[string]string{}
	var samples []sample
	for rows.Next() {
		var taskID string
		var success bool
		var duration int
		if err := rows.Scan(&taskID, &success, &duration); err != nil {
			return model.ExecutionMetrics{}, apierr.Wrap(apierr.Internal, "scan result", err)
		}
		tt, ok := taskTypeCache[taskID]
		if !ok {
			_ = r.db.QueryRowContext(ctx, `SELECT type FROM tasks WHERE id=?`, taskID).Scan(&tt)
			taskTypeCache[taskID] = tt
		}
		samples = append(samples, sample{taskType: tt, duration: duration, success: success})
	}
	if err := rows.Err(); err != nil {
		return model.ExecutionMetrics{}, err
	}

	metrics := model.ExecutionMetrics{ByTaskType: map[string]model.DurationAggregate{}}
	byType := map[string][]int{}
	var overall []int
	for _, s := range samples {
		if s.success {
			metrics.SuccessCount++
		} else {
			metrics.FailureCount++
		}
		overall = append(overall, s.duration)
		byType[s.taskType] = append(byType[s.taskType], s.duration)
	}
	metrics.Overall = aggregate(overall)
	for tt, durations := range byType {
		metrics.ByTaskType[tt] = aggregate(durations)
	}
	return metrics, nil
}

func aggregate(durations []int) model.DurationAggregate {
	if len(durations) == 0 {
		return model.DurationAggregate{}
	}
	sorted := append([]int(nil), durations...)
	sort.Ints(sorted)

	var sum int
	for _, d := range sorted {
		sum += d
	}
	mean := float64(sum) / float64(len(sorted))
	median := percentile(sorted, 0.5)
	p95 := percentile(sorted, 0.95)

	return model.DurationAggregate{
		MeanMS:   mean,
		MedianMS: median,
		P95MS:    p95,
		Count:    len(sorted),
	}
}

func percentile(sorted []int, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx])
}
