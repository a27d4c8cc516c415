// Package scheduler owns the worker's control loop: polling due jobs,
// draining the immediate-run queue, fanning tasks out under bounded
// concurrency and finalizing each run exactly once.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/pipeline"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/repository"
	"github.com/sitepulse/scheduler/internal/telemetry"
)

const immediateRunLockTTL = 5 * time.Minute

type Registry interface {
	ListActiveJobs(ctx context.Context) ([]domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

type Leases interface {
	TryAcquire(ctx context.Context, jobID string, frequencyMinutes int) (bool, error)
	IsDue(ctx context.Context, jobID string, frequencyMinutes int) (bool, error)
	RecordRun(ctx context.Context, jobID string) error
	ReleaseIfNotDue(ctx context.Context, jobID string) error
	ClearJob(ctx context.Context, jobID string) error
}

type TaskRunner interface {
	Run(ctx context.Context, task domain.Task, tracker *pipeline.RunTracker) error
}

// RunStore is the subset of the document store used per run.
type RunStore interface {
	StartRun(ctx context.Context, runID, jobID string, sourcesTotal int) error
	CompleteRun(ctx context.Context, runID string, summary any) error
}

type Telemetry interface {
	Emit(task domain.Task, stage domain.Stage, stageData map[string]any, progress telemetry.Progress)
}

type Config struct {
	WorkerID             string
	TickInterval         time.Duration
	JobBatchSize         int
	MaxConcurrentJobs    int
	MaxConcurrentSources int
}

type Dependencies struct {
	Registry  Registry
	Leases    Leases
	Runner    TaskRunner
	Runs      repository.RunsRepository
	Immediate queue.ImmediateConsumer
	Store     kv.Store
	RunStore  RunStore
	Telemetry Telemetry
	Logger    *log.Logger
}

type Scheduler struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = 100
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 50
	}
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = 10
	}
	return &Scheduler{cfg: cfg, deps: deps}
}

// RunForever drives the scheduling loop until ctx is cancelled. A tick in
// flight always completes: tasks run on a detached context so shutdown
// drains instead of cancelling.
func (s *Scheduler) RunForever(ctx context.Context) {
	s.logf("scheduler started worker_id=%s tick=%s", s.cfg.WorkerID, s.cfg.TickInterval)

	for {
		if ctx.Err() != nil {
			s.logf("scheduler stopped worker_id=%s", s.cfg.WorkerID)
			return
		}

		s.Tick(context.WithoutCancel(ctx))

		timer := time.NewTimer(s.cfg.TickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logf("scheduler stopped worker_id=%s", s.cfg.WorkerID)
			return
		case <-timer.C:
		}
	}
}

// Tick performs one scheduling pass: the immediate-run queue first, and
// only when it was empty, the frequency-gated scan of active jobs.
func (s *Scheduler) Tick(ctx context.Context) {
	scheduled := s.drainImmediate(ctx)
	if scheduled > 0 {
		return
	}

	jobs, err := s.deps.Registry.ListActiveJobs(ctx)
	if err != nil {
		s.logf("active job listing failed: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for start := 0; start < len(jobs); start += s.cfg.JobBatchSize {
		end := start + s.cfg.JobBatchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		s.runBatch(ctx, jobs[start:end], false)
	}
}

// drainImmediate empties the job_queue FIFO, returning how many jobs the
// immediate batch ran (zero when no job was claimed).
func (s *Scheduler) drainImmediate(ctx context.Context) int {
	scheduled := 0
	immediate := make([]domain.Job, 0)

	for {
		message, found, err := s.deps.Immediate.PopImmediate(ctx)
		if err != nil {
			s.logf("immediate queue pop failed: %v", err)
			break
		}
		if !found {
			break
		}

		if message.Action == domain.JobActionDelete {
			if err := s.deps.Leases.ClearJob(ctx, message.JobID); err != nil {
				s.logf("job cleanup failed job_id=%s: %v", message.JobID, err)
			}
			continue
		}

		acquired, err := s.deps.Store.SetNX(ctx, kv.ImmediateRunLockKey(message.JobID), s.cfg.WorkerID, immediateRunLockTTL)
		if err != nil {
			s.logf("immediate lock failed job_id=%s: %v", message.JobID, err)
			continue
		}
		if !acquired {
			s.logf("immediate run already claimed job_id=%s", message.JobID)
			continue
		}

		job, err := s.deps.Registry.GetJob(ctx, message.JobID)
		if err != nil {
			s.logf("immediate job fetch failed job_id=%s: %v", message.JobID, err)
			continue
		}
		if !job.IsActive {
			continue
		}
		immediate = append(immediate, *job)
	}

	if len(immediate) > 0 {
		s.runBatch(ctx, immediate, true)
		scheduled = len(immediate)
	}
	return scheduled
}

// runBatch executes one batch of jobs. Immediate batches bypass the
// frequency gate; scheduled ones are filtered through the lease manager.
func (s *Scheduler) runBatch(ctx context.Context, jobs []domain.Job, immediate bool) {
	sourceSem := make(chan struct{}, s.cfg.MaxConcurrentSources)

	var group errgroup.Group
	group.SetLimit(s.cfg.MaxConcurrentJobs)
	started := 0

	for _, job := range jobs {
		job := job
		if len(job.Sources) == 0 {
			continue
		}

		if !immediate {
			runnable, err := s.runnableThisTick(ctx, job)
			if err != nil {
				s.logf("lease check failed job_id=%s: %v", job.ID, err)
				continue
			}
			if !runnable {
				continue
			}
		}

		started++
		group.Go(func() error {
			s.executeRun(ctx, job, sourceSem)
			return nil
		})
	}

	_ = group.Wait()
	if started > 0 {
		s.logf("batch complete jobs=%d immediate=%t", started, immediate)
	}
}

// runnableThisTick applies the lease algorithm: acquire, then verify the
// frequency window; claims on not-yet-due jobs are released.
func (s *Scheduler) runnableThisTick(ctx context.Context, job domain.Job) (bool, error) {
	acquired, err := s.deps.Leases.TryAcquire(ctx, job.ID, job.FrequencyMinutes)
	if err != nil || !acquired {
		return false, err
	}
	due, err := s.deps.Leases.IsDue(ctx, job.ID, job.FrequencyMinutes)
	if err != nil {
		return false, err
	}
	if !due {
		if releaseErr := s.deps.Leases.ReleaseIfNotDue(ctx, job.ID); releaseErr != nil {
			s.logf("lease release failed job_id=%s: %v", job.ID, releaseErr)
		}
		return false, nil
	}
	return true, nil
}

// executeRun creates the JobRun record, fans its sources out under the
// shared source semaphore and finalizes exactly once.
func (s *Scheduler) executeRun(ctx context.Context, job domain.Job, sourceSem chan struct{}) {
	run := &domain.JobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunStatusRunning,
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		s.logf("run create failed job_id=%s: %v", job.ID, err)
		return
	}
	if s.deps.RunStore != nil {
		if err := s.deps.RunStore.StartRun(ctx, run.ID, job.ID, len(job.Sources)); err != nil {
			s.logf("run start record failed run_id=%s: %v", run.ID, err)
		}
	}

	tracker := pipeline.NewRunTracker(run.ID, job.ID, len(job.Sources))

	var tasks errgroup.Group
	for _, sourceURL := range job.Sources {
		task := domain.Task{
			RunID:                run.ID,
			JobID:                job.ID,
			JobName:              job.Name,
			UserID:               job.UserID,
			SourceURL:            sourceURL,
			Prompt:               job.Prompt,
			ThresholdScore:       job.ThresholdScore,
			AlertCooldownMinutes: job.AlertCooldownMinutes,
			MaxAlertsPerHour:     job.MaxAlertsPerHour,
		}
		tasks.Go(func() error {
			sourceSem <- struct{}{}
			defer func() { <-sourceSem }()
			if err := s.deps.Runner.Run(ctx, task, tracker); err != nil {
				tracker.SetError(err)
			}
			return nil
		})
	}
	_ = tasks.Wait()

	s.finalizeRun(ctx, job, run, tracker)
}

func (s *Scheduler) finalizeRun(ctx context.Context, job domain.Job, run *domain.JobRun, tracker *pipeline.RunTracker) {
	tracker.Finalize(run)

	if err := s.deps.Runs.FinalizeRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrAlreadyFinalized) {
			s.logf("run already finalized run_id=%s", run.ID)
			return
		}
		// The lease's natural expiry makes the job runnable again; the
		// stranded running row awaits the janitor sweep.
		s.logf("run finalize failed run_id=%s: %v", run.ID, err)
		return
	}

	if s.deps.Telemetry != nil {
		s.deps.Telemetry.Emit(domain.Task{
			RunID:   run.ID,
			JobID:   job.ID,
			JobName: job.Name,
			UserID:  job.UserID,
		}, domain.StageCompleted, map[string]any{
			"status":            string(run.Status),
			"sources_processed": run.SourcesProcessed,
			"alerts_generated":  run.AlertsGenerated,
		}, tracker.Progress())
	}

	if s.deps.RunStore != nil {
		if err := s.deps.RunStore.CompleteRun(ctx, run.ID, run.AnalysisSummary); err != nil {
			s.logf("run completion record failed run_id=%s: %v", run.ID, err)
		}
	}

	if err := s.deps.Leases.RecordRun(ctx, job.ID); err != nil {
		s.logf("record run failed job_id=%s: %v", job.ID, err)
	}

	s.logf("run finalized run_id=%s job=%s status=%s processed=%d alerts=%d",
		run.ID, job.Name, run.Status, run.SourcesProcessed, run.AlertsGenerated)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf(format, args...)
	}
}
