package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/lease"
	"github.com/sitepulse/scheduler/internal/pipeline"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/registry"
	"github.com/sitepulse/scheduler/internal/repository"
)

type fakeRegistry struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	listCalls int
}

func newFakeRegistry(jobs ...domain.Job) *fakeRegistry {
	byID := make(map[string]domain.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	return &fakeRegistry{jobs: byID}
}

func (f *fakeRegistry) ListActiveJobs(context.Context) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	active := make([]domain.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		if job.IsActive {
			active = append(active, job)
		}
	}
	return active, nil
}

func (f *fakeRegistry) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, registry.ErrJobNotFound
	}
	return &job, nil
}

func (f *fakeRegistry) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRegistry) deactivate(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.IsActive = false
	f.jobs[jobID] = job
}

type recordingRunner struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (r *recordingRunner) Run(_ context.Context, task domain.Task, tracker *pipeline.RunTracker) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	tracker.RecordOutcome(domain.AnalysisOutcome{
		SourceURL:      task.SourceURL,
		RelevanceScore: 10,
		AnalyzedAt:     time.Now().UTC(),
	})
	return nil
}

func (r *recordingRunner) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recordingRunner) tasksForJob(jobID string) []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]domain.Task, 0)
	for _, task := range r.tasks {
		if task.JobID == jobID {
			matched = append(matched, task)
		}
	}
	return matched
}

type fixture struct {
	store     *kv.MemoryStore
	repo      *repository.MemoryRepository
	queues    *queue.ListQueues
	registry  *fakeRegistry
	runner    *recordingRunner
	scheduler *Scheduler
}

func newFixture(jobs ...domain.Job) *fixture {
	store := kv.NewMemoryStore()
	repo := repository.NewMemoryRepository()
	queues := queue.NewListQueues(store)
	reg := newFakeRegistry(jobs...)
	runner := &recordingRunner{}

	sched := New(Config{
		WorkerID:             "worker-test",
		TickInterval:         time.Second,
		JobBatchSize:         100,
		MaxConcurrentJobs:    4,
		MaxConcurrentSources: 4,
	}, Dependencies{
		Registry:  reg,
		Leases:    lease.NewManager(store, "worker-test"),
		Runner:    runner,
		Runs:      repo,
		Immediate: queues,
		Store:     store,
	})
	return &fixture{store: store, repo: repo, queues: queues, registry: reg, runner: runner, scheduler: sched}
}

func activeJob(id string, sources ...string) domain.Job {
	return domain.Job{
		ID:               id,
		UserID:           "user-1",
		Name:             "job " + id,
		Sources:          sources,
		Prompt:           "watch this",
		FrequencyMinutes: 60,
		ThresholdScore:   75,
		IsActive:         true,
	}
}

func TestScheduledTickRunsDueJobOnce(t *testing.T) {
	f := newFixture(activeJob("J1", "https://a.test/1", "https://a.test/2"))
	ctx := context.Background()

	f.scheduler.Tick(ctx)

	if got := f.runner.taskCount(); got != 2 {
		t.Fatalf("expected 2 tasks (one per source), got %d", got)
	}

	// The lease is still held and the run is recorded, so an immediate
	// second tick schedules nothing.
	f.scheduler.Tick(ctx)
	if got := f.runner.taskCount(); got != 2 {
		t.Fatalf("second tick must not reschedule, got %d tasks", got)
	}

	exists, _ := f.store.Exists(ctx, kv.JobLastRunKey("J1"))
	if !exists {
		t.Fatalf("record run should stamp job_last_run")
	}
}

func TestRunIsFinalizedWithCounters(t *testing.T) {
	f := newFixture(activeJob("J1", "https://a.test/1", "https://a.test/2"))
	f.scheduler.Tick(context.Background())

	tasks := f.runner.tasksForJob("J1")
	if len(tasks) == 0 {
		t.Fatalf("no tasks recorded")
	}
	run, ok := f.repo.GetRun(tasks[0].RunID)
	if !ok {
		t.Fatalf("run row missing")
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	if run.SourcesProcessed != 2 || run.CompletedAt == nil {
		t.Fatalf("unexpected finalized run: %+v", run)
	}
}

func TestImmediateRunDedup(t *testing.T) {
	f := newFixture(activeJob("J3", "https://a.test/x"))
	ctx := context.Background()

	// Two enqueues within the lock window must yield one immediate batch.
	for i := 0; i < 2; i++ {
		if err := f.queues.EnqueueImmediate(ctx, domain.JobQueueMessage{JobID: "J3", Action: domain.JobActionRunNow}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	f.scheduler.Tick(ctx)

	if got := len(f.runner.tasksForJob("J3")); got != 1 {
		t.Fatalf("expected exactly one immediate task, got %d", got)
	}
	if f.registry.listCallCount() != 0 {
		t.Fatalf("immediate work must preempt the scheduled scan")
	}

	held, _ := f.store.Exists(ctx, kv.ImmediateRunLockKey("J3"))
	if !held {
		t.Fatalf("immediate run lock should be held")
	}
}

func TestImmediateRunBypassesFrequencyGate(t *testing.T) {
	f := newFixture(activeJob("J1", "https://a.test/1"))
	ctx := context.Background()

	// A scheduled run stamps job_last_run, making the job not due.
	f.scheduler.Tick(ctx)
	if got := f.runner.taskCount(); got != 1 {
		t.Fatalf("setup tick expected 1 task, got %d", got)
	}

	if err := f.queues.EnqueueImmediate(ctx, domain.JobQueueMessage{JobID: "J1", Action: domain.JobActionRunNow}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	f.scheduler.Tick(ctx)

	if got := f.runner.taskCount(); got != 2 {
		t.Fatalf("immediate run must bypass the frequency window, got %d tasks", got)
	}
}

func TestDeleteActionClearsJobKeys(t *testing.T) {
	f := newFixture(activeJob("J1", "https://a.test/1"))
	ctx := context.Background()

	f.scheduler.Tick(ctx)
	exists, _ := f.store.Exists(ctx, kv.JobLastRunKey("J1"))
	if !exists {
		t.Fatalf("setup should have stamped job_last_run")
	}

	f.registry.deactivate("J1")
	if err := f.queues.EnqueueImmediate(ctx, domain.JobQueueMessage{JobID: "J1", Action: domain.JobActionDelete}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	f.scheduler.Tick(ctx)

	exists, _ = f.store.Exists(ctx, kv.JobLastRunKey("J1"))
	if exists {
		t.Fatalf("delete action should clear scheduling keys")
	}
}

func TestJobWithoutSourcesIsSkipped(t *testing.T) {
	f := newFixture(activeJob("J1"))
	f.scheduler.Tick(context.Background())
	if got := f.runner.taskCount(); got != 0 {
		t.Fatalf("job without sources must not run, got %d tasks", got)
	}
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.scheduler.RunForever(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunForever did not stop after cancellation")
	}
}
