package pipeline

import (
	"sync"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/telemetry"
)

// RunTracker accumulates per-task terminal outcomes for one JobRun. Tasks
// of the same run record into it concurrently; the scheduler reads it once
// after the fan-out resolves to finalize the run.
type RunTracker struct {
	mu           sync.Mutex
	runID        string
	jobID        string
	sourcesTotal int
	processed    int
	alerts       int
	outcomes     []domain.AnalysisOutcome
	firstErr     error
}

func NewRunTracker(runID, jobID string, sourcesTotal int) *RunTracker {
	return &RunTracker{runID: runID, jobID: jobID, sourcesTotal: sourcesTotal}
}

func (t *RunTracker) RunID() string { return t.runID }

// RecordOutcome registers one source's terminal result.
func (t *RunTracker) RecordOutcome(outcome domain.AnalysisOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	if outcome.AlertCreated {
		t.alerts++
	}
	t.outcomes = append(t.outcomes, outcome)
}

// SetError marks the run as failed; the first error wins.
func (t *RunTracker) SetError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstErr == nil {
		t.firstErr = err
	}
}

func (t *RunTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstErr
}

// Progress snapshots the run counters for a telemetry event.
func (t *RunTracker) Progress() telemetry.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return telemetry.Progress{
		SourcesProcessed: t.processed,
		SourcesTotal:     t.sourcesTotal,
		AlertsGenerated:  t.alerts,
		AnalysisDetails:  lastEntries(t.outcomes, domain.MaxSummaryEntries),
	}
}

// Finalize folds the tracked state into the run record.
func (t *RunTracker) Finalize(run *domain.JobRun) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.SourcesProcessed = t.processed
	run.AlertsGenerated = t.alerts
	run.AnalysisSummary = lastEntries(t.outcomes, domain.MaxSummaryEntries)
	if t.firstErr != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = t.firstErr.Error()
	} else {
		run.Status = domain.RunStatusCompleted
	}
}

func lastEntries(outcomes []domain.AnalysisOutcome, max int) []domain.AnalysisOutcome {
	if len(outcomes) > max {
		outcomes = outcomes[len(outcomes)-max:]
	}
	return append([]domain.AnalysisOutcome(nil), outcomes...)
}
