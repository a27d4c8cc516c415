package domain

// Job is a user-defined monitoring specification. The scheduler observes
// definitions read-only; creation and updates happen through the external API.
type Job struct {
	ID                     string   `json:"id"`
	UserID                 string   `json:"user_id"`
	Name                   string   `json:"name"`
	Sources                []string `json:"sources"`
	Prompt                 string   `json:"prompt"`
	FrequencyMinutes       int      `json:"frequency_minutes"`
	ThresholdScore         int      `json:"threshold_score"`
	IsActive               bool     `json:"is_active"`
	NotificationChannelIDs []string `json:"notification_channel_ids"`
	AlertCooldownMinutes   int      `json:"alert_cooldown_minutes"`
	MaxAlertsPerHour       int      `json:"max_alerts_per_hour"`
	RepeatFrequencyMinutes int      `json:"repeat_frequency_minutes"`
	MaxRepeats             int      `json:"max_repeats"`
	RequireAcknowledgment  bool     `json:"require_acknowledgment"`
}

// Policy is the effective per-job alerting policy consumed by the pipeline,
// the re-notifier and the dispatcher.
type Policy struct {
	ThresholdScore         int  `json:"threshold_score"`
	AlertCooldownMinutes   int  `json:"alert_cooldown_minutes"`
	MaxAlertsPerHour       int  `json:"max_alerts_per_hour"`
	RepeatFrequencyMinutes int  `json:"repeat_frequency_minutes"`
	MaxRepeats             int  `json:"max_repeats"`
	RequireAcknowledgment  bool `json:"require_acknowledgment"`
}

// PolicyOf derives the effective policy from a job definition.
func PolicyOf(job Job) Policy {
	return Policy{
		ThresholdScore:         job.ThresholdScore,
		AlertCooldownMinutes:   job.AlertCooldownMinutes,
		MaxAlertsPerHour:       job.MaxAlertsPerHour,
		RepeatFrequencyMinutes: job.RepeatFrequencyMinutes,
		MaxRepeats:             job.MaxRepeats,
		RequireAcknowledgment:  job.RequireAcknowledgment,
	}
}

// Normalize clamps out-of-range job fields at the decode boundary.
func (j *Job) Normalize() {
	if j.FrequencyMinutes < 1 {
		j.FrequencyMinutes = 1
	}
	if j.ThresholdScore < 0 {
		j.ThresholdScore = 0
	}
	if j.ThresholdScore > 100 {
		j.ThresholdScore = 100
	}
	if j.MaxAlertsPerHour < 0 {
		j.MaxAlertsPerHour = 0
	}
	if j.MaxRepeats < 0 {
		j.MaxRepeats = 0
	}
	if j.RepeatFrequencyMinutes < 1 {
		j.RepeatFrequencyMinutes = 1
	}
}
