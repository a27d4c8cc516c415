package kv

import "time"

// Key builders for every entry the scheduler owns in the shared store.
// Formats are load-bearing: other workers and the operational tooling read
// the same keys.

const (
	JobQueueKey   = "job_queue"
	AlertQueueKey = "alert_queue"
)

func JobLockKey(jobID string) string {
	return "job_lock:" + jobID
}

func JobLastRunKey(jobID string) string {
	return "job_last_run:" + jobID
}

func JobSettingsKey(jobID string) string {
	return "job_settings:" + jobID
}

func ImmediateRunLockKey(jobID string) string {
	return "immediate_run_lock:" + jobID
}

func AlertCooldownKey(jobID, contentHash string) string {
	return "alert_cooldown:" + jobID + ":" + contentHash
}

func AlertRateLimitKey(jobID string, t time.Time) string {
	return "alert_rate_limit:" + jobID + ":" + HourBucket(t)
}

func ContentDedupKey(jobID, sourceURL string, t time.Time) string {
	return "content_dedup:" + jobID + ":" + sourceURL + ":" + HourBucket(t)
}

func RepeatRateLimitKey(jobID string, t time.Time) string {
	return "repeat_rate_limit:" + jobID + ":" + HourBucket(t)
}

func ProcessedAlertKey(runID string) string {
	return "processed_alert:" + runID
}

func RecentAlertKey(alertHash string) string {
	return "recent_alert:" + alertHash
}

// HourBucket renders the UTC hour window used by the hourly counters and
// the cross-component dedup shield.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}
