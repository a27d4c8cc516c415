// Package policy decides whether a threshold-crossing analysis may become
// an alert. Three suppression dimensions are checked in short-circuit
// order: content cooldown, hourly rate cap, per-(job, source, hour) dedup.
package policy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
)

type Decision int

const (
	Allow Decision = iota
	SuppressCooldown
	SuppressRate
	SuppressDuplicate
)

// SuppressedReason is the wording surfaced in run summaries.
func (d Decision) SuppressedReason() string {
	switch d {
	case SuppressCooldown:
		return "cooldown"
	case SuppressRate:
		return "rate limiting"
	case SuppressDuplicate:
		return "duplicate"
	default:
		return ""
	}
}

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "suppress_" + map[Decision]string{
		SuppressCooldown:  "cooldown",
		SuppressRate:      "rate",
		SuppressDuplicate: "duplicate",
	}[d]
}

type Engine struct {
	store kv.Store
}

func NewEngine(store kv.Store) *Engine {
	return &Engine{store: store}
}

// ContentHash derives the cooldown identity from an analysis summary.
// Opaque beyond determinism: 16 hex chars of the summary digest.
func ContentHash(summary string) string {
	sum := md5.Sum([]byte(summary))
	return hex.EncodeToString(sum[:])[:16]
}

// ShouldCreateAlert evaluates the suppression dimensions for a candidate
// alert. The first matching dimension wins.
func (e *Engine) ShouldCreateAlert(ctx context.Context, task domain.Task, summary string) (Decision, error) {
	now := time.Now()

	cooldownKey := kv.AlertCooldownKey(task.JobID, ContentHash(summary))
	onCooldown, err := e.store.Exists(ctx, cooldownKey)
	if err != nil {
		return Allow, fmt.Errorf("check cooldown: %w", err)
	}
	if onCooldown {
		return SuppressCooldown, nil
	}

	if task.MaxAlertsPerHour > 0 {
		raw, found, err := e.store.Get(ctx, kv.AlertRateLimitKey(task.JobID, now))
		if err != nil {
			return Allow, fmt.Errorf("check rate limit: %w", err)
		}
		if found {
			count, err := strconv.Atoi(raw)
			if err == nil && count >= task.MaxAlertsPerHour {
				return SuppressRate, nil
			}
		}
	}

	duplicate, err := e.store.Exists(ctx, kv.ContentDedupKey(task.JobID, task.SourceURL, now))
	if err != nil {
		return Allow, fmt.Errorf("check dedup: %w", err)
	}
	if duplicate {
		return SuppressDuplicate, nil
	}

	return Allow, nil
}

// RecordCreated updates the suppression state after an alert commit: the
// cooldown key for the summary hash, the hourly counter (increment and TTL
// refresh in one atomic operation) and the cross-component dedup key. The
// dedup value carries the alert id so the dispatcher can tell the owning
// enqueue apart from a racing duplicate.
func (e *Engine) RecordCreated(ctx context.Context, task domain.Task, summary, alertID string) error {
	now := time.Now()

	cooldown := time.Duration(task.AlertCooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if err := e.store.Set(ctx, kv.AlertCooldownKey(task.JobID, ContentHash(summary)), "1", cooldown); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}

	if _, err := e.store.IncrWithExpiry(ctx, kv.AlertRateLimitKey(task.JobID, now), time.Hour); err != nil {
		return fmt.Errorf("bump rate counter: %w", err)
	}

	if err := e.store.Set(ctx, kv.ContentDedupKey(task.JobID, task.SourceURL, now), alertID, time.Hour); err != nil {
		return fmt.Errorf("set dedup: %w", err)
	}

	return nil
}
