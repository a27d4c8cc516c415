// Package lease implements the per-job distributed lease that keeps a pool
// of workers from executing the same job concurrently. The lease TTL equals
// the job's frequency window, so a crashed holder's claim lapses no later
// than the next scheduling window.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sitepulse/scheduler/internal/kv"
)

type Manager struct {
	store    kv.Store
	workerID string
}

func NewManager(store kv.Store, workerID string) *Manager {
	return &Manager{store: store, workerID: workerID}
}

// TryAcquire performs a set-if-absent on job_lock:{job_id} with an
// expiration of the job's full frequency window.
func (m *Manager) TryAcquire(ctx context.Context, jobID string, frequencyMinutes int) (bool, error) {
	if frequencyMinutes < 1 {
		frequencyMinutes = 1
	}
	value := m.workerID + ":" + strconv.FormatInt(time.Now().Unix(), 10)
	ttl := time.Duration(frequencyMinutes) * time.Minute
	acquired, err := m.store.SetNX(ctx, kv.JobLockKey(jobID), value, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease for job %s: %w", jobID, err)
	}
	return acquired, nil
}

// IsDue reports whether the job's frequency window has elapsed since its
// last recorded run. A job with no recorded run is due.
func (m *Manager) IsDue(ctx context.Context, jobID string, frequencyMinutes int) (bool, error) {
	raw, found, err := m.store.Get(ctx, kv.JobLastRunKey(jobID))
	if err != nil {
		return false, fmt.Errorf("read last run for job %s: %w", jobID, err)
	}
	if !found {
		return true, nil
	}
	lastRun, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// An unreadable timestamp should not wedge the job forever.
		return true, nil
	}
	next := lastRun.Add(time.Duration(frequencyMinutes) * time.Minute)
	return !time.Now().Before(next), nil
}

// RecordRun stamps job_last_run:{job_id} with the current instant. Called
// on successful run completion; the lease itself is released by TTL.
func (m *Manager) RecordRun(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.Set(ctx, kv.JobLastRunKey(jobID), now, 0); err != nil {
		return fmt.Errorf("record run for job %s: %w", jobID, err)
	}
	return nil
}

// ReleaseIfNotDue deletes the lease after the scheduler decided not to run
// the job this tick, so the next window is not blocked by a no-op claim.
func (m *Manager) ReleaseIfNotDue(ctx context.Context, jobID string) error {
	if err := m.store.Delete(ctx, kv.JobLockKey(jobID)); err != nil {
		return fmt.Errorf("release lease for job %s: %w", jobID, err)
	}
	return nil
}

// ClearJob removes every scheduling key belonging to the job. Used when a
// delete action arrives on the immediate-run queue.
func (m *Manager) ClearJob(ctx context.Context, jobID string) error {
	for _, key := range []string{kv.JobLockKey(jobID), kv.JobLastRunKey(jobID), kv.JobSettingsKey(jobID)} {
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear job %s: %w", jobID, err)
		}
	}
	return nil
}
