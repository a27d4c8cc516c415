package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
)

// MemoryRepository keeps alerts, runs, channels and the failed-task log in
// process memory. Used for local development without a database and by the
// test suites.
type MemoryRepository struct {
	mu          sync.RWMutex
	alerts      map[string]*domain.Alert
	runs        map[string]*domain.JobRun
	channels    map[string][]domain.NotificationChannel
	failedTasks []FailedTask
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		alerts:   make(map[string]*domain.Alert),
		runs:     make(map[string]*domain.JobRun),
		channels: make(map[string][]domain.NotificationChannel),
	}
}

func (r *MemoryRepository) CreateAlert(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (r *MemoryRepository) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(alert), nil
}

func (r *MemoryRepository) SetAcknowledgmentToken(_ context.Context, alertID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	alert.AcknowledgmentToken = token
	return nil
}

func (r *MemoryRepository) MarkSent(_ context.Context, alertID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	alert.IsSent = true
	return nil
}

func (r *MemoryRepository) ListRepeatCandidates(_ context.Context, now time.Time, limit int) ([]domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]domain.Alert, 0)
	for _, alert := range r.alerts {
		if alert.IsAcknowledged || !alert.IsSent {
			continue
		}
		if alert.NextRepeatAt != nil && alert.NextRepeatAt.After(now) {
			continue
		}
		candidates = append(candidates, *cloneAlert(alert))
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryRepository) ClaimRepeat(_ context.Context, alertID string, previousCount int, nextRepeatAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[alertID]
	if !ok {
		return false, ErrNotFound
	}
	if alert.IsAcknowledged || alert.RepeatCount != previousCount {
		return false, nil
	}
	alert.RepeatCount = previousCount + 1
	next := nextRepeatAt
	alert.NextRepeatAt = &next
	return true, nil
}

// SetNextRepeatAt adjusts the repeat window directly; test hook for
// simulating elapsed repeat schedules.
func (r *MemoryRepository) SetNextRepeatAt(alertID string, at *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if alert, ok := r.alerts[alertID]; ok {
		alert.NextRepeatAt = at
	}
}

// Acknowledge mimics the external API's acknowledgement write for tests.
func (r *MemoryRepository) Acknowledge(alertID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[alertID]
	if !ok || alert.IsAcknowledged {
		return
	}
	now := time.Now().UTC()
	alert.IsAcknowledged = true
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = userID
}

func (r *MemoryRepository) CreateRun(_ context.Context, run *domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *MemoryRepository) FinalizeRun(_ context.Context, run *domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != domain.RunStatusRunning {
		return ErrAlreadyFinalized
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun is a test accessor.
func (r *MemoryRepository) GetRun(runID string) (*domain.JobRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

func (r *MemoryRepository) RecordFailedTask(_ context.Context, failed FailedTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedTasks = append(r.failedTasks, failed)
	return nil
}

// FailedTasks is a test accessor.
func (r *MemoryRepository) FailedTasks() []FailedTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]FailedTask(nil), r.failedTasks...)
}

// AddChannel seeds a notification channel for tests and local runs.
func (r *MemoryRepository) AddChannel(channel domain.NotificationChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel.UserID] = append(r.channels[channel.UserID], channel)
}

func (r *MemoryRepository) ListActiveChannels(_ context.Context, userID string) ([]domain.NotificationChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make([]domain.NotificationChannel, 0)
	for _, channel := range r.channels[userID] {
		if channel.IsActive {
			active = append(active, channel)
		}
	}
	return active, nil
}

// AlertCount is a test accessor.
func (r *MemoryRepository) AlertCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.alerts)
}

// Alerts is a test accessor returning alerts ordered by creation time.
func (r *MemoryRepository) Alerts() []domain.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alerts := make([]domain.Alert, 0, len(r.alerts))
	for _, alert := range r.alerts {
		alerts = append(alerts, *cloneAlert(alert))
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

func cloneAlert(alert *domain.Alert) *domain.Alert {
	if alert == nil {
		return nil
	}
	clone := *alert
	if alert.AcknowledgedAt != nil {
		at := *alert.AcknowledgedAt
		clone.AcknowledgedAt = &at
	}
	if alert.NextRepeatAt != nil {
		at := *alert.NextRepeatAt
		clone.NextRepeatAt = &at
	}
	return &clone
}

func cloneRun(run *domain.JobRun) *domain.JobRun {
	if run == nil {
		return nil
	}
	clone := *run
	if run.CompletedAt != nil {
		at := *run.CompletedAt
		clone.CompletedAt = &at
	}
	clone.AnalysisSummary = append([]domain.AnalysisOutcome(nil), run.AnalysisSummary...)
	return &clone
}
