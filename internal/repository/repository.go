package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyFinalized guards the at-most-once finalization contract.
	ErrAlreadyFinalized = errors.New("job run already finalized")
	// ErrSchemaMismatch marks a missing column or relation; callers treat
	// it as terminal rather than retryable.
	ErrSchemaMismatch = errors.New("relational schema mismatch")
)

// AlertsRepository is the mutate contract the scheduler holds against the
// alert rows owned by the relational store.
type AlertsRepository interface {
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	SetAcknowledgmentToken(ctx context.Context, alertID, token string) error
	MarkSent(ctx context.Context, alertID string) error
	// ListRepeatCandidates returns sent, unacknowledged alerts whose next
	// repeat window has opened. Job-level eligibility is the caller's.
	ListRepeatCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Alert, error)
	// ClaimRepeat advances repeat_count from previousCount under a row
	// guard. False means another worker advanced it first, or the alert
	// was acknowledged in the meantime.
	ClaimRepeat(ctx context.Context, alertID string, previousCount int, nextRepeatAt time.Time) (bool, error)
}

// RunsRepository persists JobRun lifecycle records.
type RunsRepository interface {
	CreateRun(ctx context.Context, run *domain.JobRun) error
	// FinalizeRun transitions a running row to its terminal status exactly
	// once; a second call returns ErrAlreadyFinalized.
	FinalizeRun(ctx context.Context, run *domain.JobRun) error
}

// FailedTask is one row of the failed-task log.
type FailedTask struct {
	RunID        string
	JobID        string
	JobName      string
	SourceURL    string
	Stage        domain.Stage
	ErrorMessage string
	FailedAt     time.Time
}

type FailedTasksRepository interface {
	RecordFailedTask(ctx context.Context, failed FailedTask) error
}

// ChannelsRepository resolves a user's active notification channels.
type ChannelsRepository interface {
	ListActiveChannels(ctx context.Context, userID string) ([]domain.NotificationChannel, error)
}
