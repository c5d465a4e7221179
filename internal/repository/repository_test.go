package repository_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemesh/coordinator/internal/apierr"
	"github.com/edgemesh/coordinator/internal/eventbus"
	"github.com/edgemesh/coordinator/internal/model"
	"github.com/edgemesh/coordinator/internal/repository"
	"github.com/edgemesh/coordinator/internal/store"
)

func newTestRepo(t *testing.T) (*repository.Repository, *eventbus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgemesh.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	return repository.New(db, bus, 15, 30), bus
}

func registerNode(t *testing.T, repo *repository.Repository, nodeID string, taskTypes []string) model.Node {
	t.Helper()
	n, err := repo.UpsertNode(context.Background(), repository.Registration{
		NodeID:      nodeID,
		DisplayName: nodeID,
		IP:          "127.0.0.1",
		Port:        9000,
		Capabilities: model.Capabilities{
			TaskTypes: taskTypes,
		},
	})
	if err != nil {
		t.Fatalf("register node %s: %v", nodeID, err)
	}
	return n
}

func TestUpsertNodeCreateThenUpdate(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	n := registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	if n.Status != model.NodeOnline {
		t.Fatalf("expected new node online, got %s", n.Status)
	}

	updated, err := repo.UpsertNode(ctx, repository.Registration{
		NodeID:      "node-1",
		DisplayName: "renamed",
		IP:          "127.0.0.1",
		Port:        9001,
		Capabilities: model.Capabilities{TaskTypes: []string{"EMBEDDINGS", "INFERENCE"}},
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if updated.DisplayName != "renamed" || updated.Port != 9001 {
		t.Fatalf("expected updated fields, got %+v", updated)
	}
	if len(updated.Capabilities.TaskTypes) != 2 {
		t.Fatalf("expected capabilities to be replaced, got %+v", updated.Capabilities)
	}
}

func TestCreateJobAndPullTaskAssignsOneRunner(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	registerNode(t, repo, "node-2", []string{"EMBEDDINGS"})

	job, err := repo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.TotalTasks != 1 {
		t.Fatalf("expected 1 task, got %d", job.TotalTasks)
	}

	task1, ok1, err := repo.PullTask(ctx, "node-1")
	if err != nil {
		t.Fatalf("pull from node-1: %v", err)
	}
	task2, ok2, err := repo.PullTask(ctx, "node-2")
	if err != nil {
		t.Fatalf("pull from node-2: %v", err)
	}

	if ok1 == ok2 {
		t.Fatalf("expected exactly one node to claim the task, got node-1=%v node-2=%v", ok1, ok2)
	}
	var claimed model.Task
	if ok1 {
		claimed = task1
	} else {
		claimed = task2
	}
	if claimed.Status != model.TaskRunning {
		t.Fatalf("expected claimed task running, got %s", claimed.Status)
	}
}

func TestSubmitResultSuccessCompletesJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	if _, err := repo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{}}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	task, ok, err := repo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("expected to pull task, ok=%v err=%v", ok, err)
	}

	_, updatedJob, acceptance, err := repo.SubmitResult(ctx, task.ID, "node-1", true, []byte(`{}`), 42, "")
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}
	if acceptance != repository.AcceptedActive {
		t.Fatalf("expected active acceptance, got %s", acceptance)
	}
	if updatedJob.Status != model.JobCompleted {
		t.Fatalf("expected job completed, got %s", updatedJob.Status)
	}
	if updatedJob.CompletedTasks != 1 {
		t.Fatalf("expected 1 completed task, got %d", updatedJob.CompletedTasks)
	}
}

func TestSubmitResultFailureRetriesUpToMax(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	maxRetries := 1
	_, err := repo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{MaxRetries: &maxRetries}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	task, ok, err := repo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("pull 1: ok=%v err=%v", ok, err)
	}
	_, _, _, err = repo.SubmitResult(ctx, task.ID, "node-1", false, nil, 10, "boom")
	if err != nil {
		t.Fatalf("submit failure 1: %v", err)
	}

	retried, ok, err := repo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("pull 2: ok=%v err=%v", ok, err)
	}
	if retried.Retries != 1 {
		t.Fatalf("expected retries=1 after first failure, got %d", retried.Retries)
	}

	finalTask, finalJob, _, err := repo.SubmitResult(ctx, retried.ID, "node-1", false, nil, 10, "boom again")
	if err != nil {
		t.Fatalf("submit failure 2: %v", err)
	}
	if finalTask.Status != model.TaskFailed {
		t.Fatalf("expected task failed after exhausting retries, got %s", finalTask.Status)
	}
	if finalJob.Status != model.JobFailed {
		t.Fatalf("expected job failed, got %s", finalJob.Status)
	}
}

func TestSubmitResultStaleReporterDoesNotMutateState(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	registerNode(t, repo, "node-2", []string{"EMBEDDINGS"})
	_, err := repo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	task, ok, err := repo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("pull: ok=%v err=%v", ok, err)
	}

	_, _, acceptance, err := repo.SubmitResult(ctx, task.ID, "node-2", true, nil, 5, "")
	if err != nil {
		t.Fatalf("submit from non-owner: %v", err)
	}
	if acceptance != repository.AcceptedStale {
		t.Fatalf("expected stale acceptance from non-owning node, got %s", acceptance)
	}

	tasks, err := repo.GetJobTasks(ctx, task.JobID)
	if err != nil {
		t.Fatalf("get job tasks: %v", err)
	}
	if tasks[0].Status != model.TaskRunning || tasks[0].AssignedNodeID != "node-1" {
		t.Fatalf("expected task state unchanged by stale report, got %+v", tasks[0])
	}
}

func TestSubmitResultSameNodeDuplicateAfterSuccessDoesNotMutateState(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})
	_, err := repo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	task, ok, err := repo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("pull: ok=%v err=%v", ok, err)
	}

	succeeded, succeededJob, acceptance, err := repo.SubmitResult(ctx, task.ID, "node-1", true, nil, 5, "")
	if err != nil {
		t.Fatalf("submit success: %v", err)
	}
	if acceptance != repository.AcceptedActive {
		t.Fatalf("expected active acceptance on first report, got %s", acceptance)
	}
	if succeeded.Status != model.TaskSucceeded || succeededJob.CompletedTasks != 1 {
		t.Fatalf("expected task succeeded and job completed_tasks=1, got task=%+v job=%+v", succeeded, succeededJob)
	}

	// A retried/duplicate report from the same node that owned the task
	// arrives after it already reached SUCCEEDED. It must not demote the
	// task back to QUEUED or decrement completed_tasks.
	retried, retriedJob, dupAcceptance, err := repo.SubmitResult(ctx, task.ID, "node-1", false, nil, 5, "duplicate report")
	if err != nil {
		t.Fatalf("submit duplicate: %v", err)
	}
	if dupAcceptance != repository.AcceptedStale {
		t.Fatalf("expected stale acceptance for same-node duplicate on terminal task, got %s", dupAcceptance)
	}
	if retried.Status != model.TaskSucceeded {
		t.Fatalf("expected task to remain succeeded after duplicate report, got %s", retried.Status)
	}
	if retriedJob.CompletedTasks != 1 || retriedJob.Status != model.JobCompleted {
		t.Fatalf("expected job progress unchanged by duplicate report, got %+v", retriedJob)
	}

	tasks, err := repo.GetJobTasks(ctx, task.JobID)
	if err != nil {
		t.Fatalf("get job tasks: %v", err)
	}
	if tasks[0].Status != model.TaskSucceeded || tasks[0].Retries != 0 {
		t.Fatalf("expected stored task state unchanged by duplicate report, got %+v", tasks[0])
	}
}

func TestGetMetricsHistoryReturnsChronologicalOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	registerNode(t, repo, "node-1", []string{"EMBEDDINGS"})

	for i := 1; i <= 3; i++ {
		_, err := repo.RecordHeartbeat(ctx, "node-1", model.Metrics{CPUPercent: float64(i * 10)})
		if err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	history, err := repo.GetMetricsHistory(ctx, "node-1", 10)
	if err != nil {
		t.Fatalf("get metrics history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history samples, got %d", len(history))
	}
	for i, want := range []float64{10, 20, 30} {
		if history[i].CPUPercent != want {
			t.Fatalf("expected chronological order, got %+v", history)
		}
	}

	limited, err := repo.GetMetricsHistory(ctx, "node-1", 2)
	if err != nil {
		t.Fatalf("get limited metrics history: %v", err)
	}
	if len(limited) != 2 || limited[0].CPUPercent != 20 || limited[1].CPUPercent != 30 {
		t.Fatalf("expected the 2 most recent samples in order, got %+v", limited)
	}
}

func TestSubmitResultUnknownTaskIsNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, _, _, err := repo.SubmitResult(context.Background(), "task-does-not-exist", "node-1", true, nil, 1, "")
	if apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReclaimExpiredLeasesRequeuesTask(t *testing.T) {
	ctx := context.Background()

	// A near-zero lease means the claimed task is already expired by the
	// time the sweep runs a few milliseconds later.
	shortRepo, _ := newTestRepoWithLease(t, 0)
	registerNode(t, shortRepo, "node-1", []string{"EMBEDDINGS"})
	_, err := shortRepo.CreateJob(ctx, "EMBEDDINGS", []repository.TaskInput{{}})
	if err != nil {
		t.Fatalf("create job on short-lease repo: %v", err)
	}
	claimed, ok, err := shortRepo.PullTask(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("pull on short-lease repo: ok=%v err=%v", ok, err)
	}
	time.Sleep(10 * time.Millisecond)

	jobIDs, err := shortRepo.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(jobIDs) != 1 || jobIDs[0] != claimed.JobID {
		t.Fatalf("expected reclaim to touch job %s, got %v", claimed.JobID, jobIDs)
	}

	tasks, err := shortRepo.GetJobTasks(ctx, claimed.JobID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if tasks[0].Status != model.TaskQueued {
		t.Fatalf("expected requeue after lease expiry, got %s", tasks[0].Status)
	}
}

func newTestRepoWithLease(t *testing.T, leaseSeconds int) (*repository.Repository, *eventbus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgemesh.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	return repository.New(db, bus, 15, leaseSeconds), bus
}
