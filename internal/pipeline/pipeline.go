// Package pipeline drives one (run, source) task through the scrape,
// analyze, decide, persist and dispatch stages with per-stage telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sitepulse/scheduler/internal/analyze"
	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/policy"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/repository"
	"github.com/sitepulse/scheduler/internal/scrape"
	"github.com/sitepulse/scheduler/internal/telemetry"
)

const contentPreviewLength = 500

type Scraper interface {
	Scrape(ctx context.Context, sourceURL string, waitTime int) (scrape.Result, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, content, prompt string) (analyze.Result, error)
}

type PolicyEngine interface {
	ShouldCreateAlert(ctx context.Context, task domain.Task, summary string) (policy.Decision, error)
	RecordCreated(ctx context.Context, task domain.Task, summary, alertID string) error
}

type Telemetry interface {
	Emit(task domain.Task, stage domain.Stage, stageData map[string]any, progress telemetry.Progress)
}

// DocStore is the subset of the document store used per source. Both
// writes are best-effort.
type DocStore interface {
	SourceData(ctx context.Context, runID, sourceURL string, payload any) error
	LLMAnalysis(ctx context.Context, runID, sourceURL string, payload any) error
}

type Dependencies struct {
	Scraper     Scraper
	Analyzer    Analyzer
	Policy      PolicyEngine
	Alerts      repository.AlertsRepository
	FailedTasks repository.FailedTasksRepository
	AlertQueue  queue.AlertProducer
	DocStore    DocStore
	Telemetry   Telemetry
	Logger      *log.Logger

	ScrapeWaitTime int
	// Jitter returns the pre-stage settle delay; overridable in tests.
	Jitter func(min, max time.Duration) time.Duration
}

type Runner struct {
	deps   Dependencies
	active *ActiveTasks
}

func NewRunner(deps Dependencies) *Runner {
	if deps.ScrapeWaitTime <= 0 {
		deps.ScrapeWaitTime = 3
	}
	if deps.Jitter == nil {
		deps.Jitter = func(min, max time.Duration) time.Duration {
			return min + time.Duration(rand.Int63n(int64(max-min)+1))
		}
	}
	return &Runner{deps: deps, active: NewActiveTasks()}
}

// Active exposes the in-flight task map for operational introspection.
func (r *Runner) Active() *ActiveTasks {
	return r.active
}

// Run executes the task state machine to a terminal stage. Task-level
// failures are absorbed into the tracker; the returned error is non-nil
// only when the surrounding run should be considered failed (cancellation
// mid-flight).
func (r *Runner) Run(ctx context.Context, task domain.Task, tracker *RunTracker) error {
	r.active.Add(task)
	defer r.active.Remove(task)

	r.emit(task, domain.StageInitializing, map[string]any{"source_url": task.SourceURL}, tracker)

	if err := r.settle(ctx, 3*time.Second, 5*time.Second); err != nil {
		return r.fail(ctx, task, tracker, domain.StageInitializing, err)
	}

	r.emit(task, domain.StageScraping, nil, tracker)
	scraped, err := r.deps.Scraper.Scrape(ctx, task.SourceURL, r.deps.ScrapeWaitTime)
	if err != nil {
		return r.fail(ctx, task, tracker, domain.StageScraping, err)
	}
	if !scraped.Success || scraped.Content == "" {
		reason := scraped.Error
		if reason == "" {
			reason = "empty content"
		}
		return r.fail(ctx, task, tracker, domain.StageScraping, fmt.Errorf("scrape unsuccessful: %s", reason))
	}

	preview := scraped.Content
	if len(preview) > contentPreviewLength {
		preview = preview[:contentPreviewLength]
	}
	r.emit(task, domain.StageScrapingComplete, map[string]any{
		"content_preview": preview,
		"content_length":  len(scraped.Content),
		"status_code":     scraped.StatusCode,
	}, tracker)
	r.persistAsync(ctx, task, "source data", func(persistCtx context.Context) error {
		return r.deps.DocStore.SourceData(persistCtx, task.RunID, task.SourceURL, scraped)
	})

	if err := r.settle(ctx, 2*time.Second, 4*time.Second); err != nil {
		return r.fail(ctx, task, tracker, domain.StageScrapingComplete, err)
	}

	r.emit(task, domain.StageAnalyzing, nil, tracker)
	analysis, err := r.deps.Analyzer.Analyze(ctx, scraped.Content, task.Prompt)
	if err != nil {
		return r.fail(ctx, task, tracker, domain.StageAnalyzing, err)
	}
	if !analysis.Success && analysis.Error != "" {
		return r.fail(ctx, task, tracker, domain.StageAnalyzing, errors.New("analysis unsuccessful: "+analysis.Error))
	}

	r.emit(task, domain.StageAnalysisComplete, map[string]any{
		"relevance_score": analysis.RelevanceScore,
		"threshold":       task.ThresholdScore,
		"title":           analysis.Title,
	}, tracker)

	outcome := domain.AnalysisOutcome{
		SourceURL:      task.SourceURL,
		RelevanceScore: analysis.RelevanceScore,
		Title:          analysis.Title,
		AnalyzedAt:     time.Now().UTC(),
	}

	if analysis.RelevanceScore < task.ThresholdScore {
		outcome.BelowThreshold = true
		r.finish(ctx, task, tracker, domain.StageBelowThreshold, outcome, analysis)
		return nil
	}

	r.emit(task, domain.StageAlertEvaluation, nil, tracker)
	decision, err := r.deps.Policy.ShouldCreateAlert(ctx, task, analysis.Summary)
	if err != nil {
		return r.fail(ctx, task, tracker, domain.StageAlertEvaluation, err)
	}

	if decision != policy.Allow {
		outcome.SuppressedReason = decision.SuppressedReason()
		r.emit(task, domain.StageAlertSuppressed, map[string]any{"suppressed_reason": outcome.SuppressedReason}, tracker)
		r.finish(ctx, task, tracker, domain.StageAlertSuppressed, outcome, analysis)
		return nil
	}

	r.emit(task, domain.StageCreatingAlert, nil, tracker)
	alert := &domain.Alert{
		ID:                  uuid.NewString(),
		JobID:               task.JobID,
		RunID:               task.RunID,
		SourceURL:           task.SourceURL,
		Title:               analysis.Title,
		Content:             analysis.Summary,
		RelevanceScore:      analysis.RelevanceScore,
		AcknowledgmentToken: domain.NewAcknowledgmentToken(),
		CreatedAt:           time.Now().UTC(),
	}
	if err := r.deps.Alerts.CreateAlert(ctx, alert); err != nil {
		// The alert is not enqueued; the run keeps going and this source
		// lands in the failed-task log.
		return r.fail(ctx, task, tracker, domain.StageCreatingAlert, err)
	}

	if err := r.deps.Policy.RecordCreated(ctx, task, analysis.Summary, alert.ID); err != nil && r.deps.Logger != nil {
		r.deps.Logger.Printf("policy record failed job_id=%s source=%s: %v", task.JobID, task.SourceURL, err)
	}

	payload := domain.AlertPayload{
		AlertID:             alert.ID,
		JobID:               task.JobID,
		RunID:               task.RunID,
		SourceURL:           task.SourceURL,
		RelevanceScore:      alert.RelevanceScore,
		Title:               alert.Title,
		Content:             alert.Content,
		Timestamp:           alert.CreatedAt,
		UserID:              task.UserID,
		AcknowledgmentToken: alert.AcknowledgmentToken,
	}
	if err := r.deps.AlertQueue.EnqueueAlert(ctx, payload); err != nil && r.deps.Logger != nil {
		r.deps.Logger.Printf("alert enqueue failed alert_id=%s: %v", alert.ID, err)
	}

	outcome.AlertCreated = true
	r.emit(task, domain.StageAlertCreated, map[string]any{"alert_id": alert.ID, "relevance_score": alert.RelevanceScore}, tracker)
	r.finish(ctx, task, tracker, domain.StageAlertCreated, outcome, analysis)
	return nil
}

// finish drives a terminal non-failure outcome through finalizing and
// completed, persisting the analysis record on the way out.
func (r *Runner) finish(ctx context.Context, task domain.Task, tracker *RunTracker, terminal domain.Stage, outcome domain.AnalysisOutcome, analysis analyze.Result) {
	if terminal == domain.StageBelowThreshold {
		r.emit(task, domain.StageBelowThreshold, map[string]any{
			"relevance_score": outcome.RelevanceScore,
			"threshold":       task.ThresholdScore,
		}, tracker)
	}

	r.persistAsync(ctx, task, "analysis", func(persistCtx context.Context) error {
		return r.deps.DocStore.LLMAnalysis(persistCtx, task.RunID, task.SourceURL, map[string]any{
			"analysis": analysis,
			"outcome":  outcome,
		})
	})

	tracker.RecordOutcome(outcome)
	r.emit(task, domain.StageFinalizing, nil, tracker)
	r.emit(task, domain.StageCompleted, nil, tracker)
}

// fail records the failed-task row, emits the failure and counts the
// source as processed. The returned error is nil unless the context is
// gone, so sibling tasks keep running.
func (r *Runner) fail(ctx context.Context, task domain.Task, tracker *RunTracker, stage domain.Stage, cause error) error {
	if r.deps.Logger != nil {
		r.deps.Logger.Printf("task failed job=%s source=%s stage=%s: %v", task.JobName, task.SourceURL, stage, cause)
	}

	if r.deps.FailedTasks != nil {
		failed := repository.FailedTask{
			RunID:        task.RunID,
			JobID:        task.JobID,
			JobName:      task.JobName,
			SourceURL:    task.SourceURL,
			Stage:        stage,
			ErrorMessage: cause.Error(),
			FailedAt:     time.Now().UTC(),
		}
		if err := r.deps.FailedTasks.RecordFailedTask(context.WithoutCancel(ctx), failed); err != nil && r.deps.Logger != nil {
			r.deps.Logger.Printf("failed-task log write failed run_id=%s: %v", task.RunID, err)
		}
	}

	tracker.RecordOutcome(domain.AnalysisOutcome{
		SourceURL:  task.SourceURL,
		Error:      cause.Error(),
		AnalyzedAt: time.Now().UTC(),
	})
	r.emit(task, domain.StageFailed, map[string]any{
		"failed_stage": string(stage),
		"error":        cause.Error(),
	}, tracker)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (r *Runner) emit(task domain.Task, stage domain.Stage, stageData map[string]any, tracker *RunTracker) {
	if r.deps.Telemetry == nil {
		return
	}
	r.deps.Telemetry.Emit(task, stage, stageData, tracker.Progress())
}

// settle applies the short pre-stage delay that keeps the dashboard
// readable and spaces requests against the sources.
func (r *Runner) settle(ctx context.Context, min, max time.Duration) error {
	delay := r.deps.Jitter(min, max)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) persistAsync(ctx context.Context, task domain.Task, kind string, persist func(context.Context) error) {
	if r.deps.DocStore == nil {
		return
	}
	persistCtx := context.WithoutCancel(ctx)
	go func() {
		if err := persist(persistCtx); err != nil && r.deps.Logger != nil {
			r.deps.Logger.Printf("%s persist failed run_id=%s source=%s: %v", kind, task.RunID, task.SourceURL, err)
		}
	}()
}
