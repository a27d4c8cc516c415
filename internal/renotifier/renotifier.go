// Package renotifier resurfaces sent-but-unacknowledged alerts on the
// job's repeat schedule, up to its repeat ceiling.
package renotifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/registry"
	"github.com/sitepulse/scheduler/internal/repository"
)

const (
	// repeatHourlyCap bounds repeat emissions per job per hour,
	// independently of the new-alert rate cap.
	repeatHourlyCap = 10

	candidateBatchLimit = 200
)

var persistenceRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

type Registry interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

type Dependencies struct {
	Alerts   repository.AlertsRepository
	Registry Registry
	Queue    queue.AlertProducer
	Store    kv.Store
	Logger   *log.Logger
}

type Renotifier struct {
	deps         Dependencies
	tickInterval time.Duration
}

func New(deps Dependencies, tickInterval time.Duration) *Renotifier {
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	return &Renotifier{deps: deps, tickInterval: tickInterval}
}

// Run loops until ctx is cancelled or the relational schema turns out to
// be incompatible. A schema mismatch stops the loop: partial repeat
// bookkeeping against a half-migrated table is worse than silence.
func (n *Renotifier) Run(ctx context.Context) error {
	n.logf("re-notifier started tick=%s", n.tickInterval)

	for {
		if err := n.tick(ctx); err != nil {
			if errors.Is(err, repository.ErrSchemaMismatch) {
				n.logf("FATAL: re-notifier stopping, alerts schema mismatch: %v", err)
				return err
			}
			n.logf("re-notifier tick skipped: %v", err)
		}

		timer := time.NewTimer(n.tickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			n.logf("re-notifier stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (n *Renotifier) tick(ctx context.Context) error {
	now := time.Now().UTC()

	candidates, err := n.listWithRetry(ctx, now)
	if err != nil {
		return err
	}

	for _, alert := range candidates {
		if err := n.processCandidate(ctx, alert, now); err != nil {
			if errors.Is(err, repository.ErrSchemaMismatch) {
				return err
			}
			n.logf("repeat skipped alert_id=%s: %v", alert.ID, err)
		}
	}
	return nil
}

func (n *Renotifier) listWithRetry(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		candidates, err := n.deps.Alerts.ListRepeatCandidates(ctx, now, candidateBatchLimit)
		if err == nil {
			return candidates, nil
		}
		if errors.Is(err, repository.ErrSchemaMismatch) {
			return nil, err
		}
		lastErr = err
		if attempt >= len(persistenceRetryDelays) {
			break
		}

		timer := time.NewTimer(persistenceRetryDelays[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("list repeat candidates exhausted retries: %w", lastErr)
}

// processCandidate applies job-level eligibility and, when the row guard
// claim succeeds, enqueues one decorated dispatch payload. The repeat
// ceiling compares the pre-increment count.
func (n *Renotifier) processCandidate(ctx context.Context, alert domain.Alert, now time.Time) error {
	job, err := n.deps.Registry.GetJob(ctx, alert.JobID)
	if err != nil {
		if errors.Is(err, registry.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("fetch job %s: %w", alert.JobID, err)
	}
	if !job.IsActive || !job.RequireAcknowledgment {
		return nil
	}
	if alert.RepeatCount >= job.MaxRepeats {
		return nil
	}

	capKey := kv.RepeatRateLimitKey(alert.JobID, now)
	raw, found, err := n.deps.Store.Get(ctx, capKey)
	if err != nil {
		return fmt.Errorf("read repeat cap: %w", err)
	}
	if found {
		if count, convErr := strconv.Atoi(raw); convErr == nil && count >= repeatHourlyCap {
			return nil
		}
	}

	nextRepeatAt := now.Add(time.Duration(job.RepeatFrequencyMinutes) * time.Minute)
	claimed, err := n.deps.Alerts.ClaimRepeat(ctx, alert.ID, alert.RepeatCount, nextRepeatAt)
	if err != nil {
		return fmt.Errorf("claim repeat: %w", err)
	}
	if !claimed {
		// Acknowledged or advanced by a sibling worker since the list.
		return nil
	}

	if _, err := n.deps.Store.IncrWithExpiry(ctx, capKey, time.Hour); err != nil {
		n.logf("repeat cap bump failed job_id=%s: %v", alert.JobID, err)
	}

	ordinal := alert.RepeatCount + 1
	payload := domain.AlertPayload{
		AlertID:             alert.ID,
		JobID:               alert.JobID,
		RunID:               alert.RunID,
		SourceURL:           alert.SourceURL,
		RelevanceScore:      alert.RelevanceScore,
		Title:               fmt.Sprintf("%s (reminder %d/%d)", alert.Title, ordinal, job.MaxRepeats),
		Content:             fmt.Sprintf("Reminder %d of %d: %s", ordinal, job.MaxRepeats, alert.Content),
		Timestamp:           now,
		UserID:              job.UserID,
		AcknowledgmentToken: alert.AcknowledgmentToken,
		RepeatOrdinal:       ordinal,
	}
	if err := n.deps.Queue.EnqueueAlert(ctx, payload); err != nil {
		return fmt.Errorf("enqueue repeat: %w", err)
	}

	n.logf("repeat enqueued alert_id=%s ordinal=%d/%d", alert.ID, ordinal, job.MaxRepeats)
	return nil
}

func (n *Renotifier) logf(format string, args ...any) {
	if n.deps.Logger != nil {
		n.deps.Logger.Printf(format, args...)
	}
}
