package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alert is a committed record asserting that a source crossed its job's
// relevance threshold. Owned by the relational store; the scheduler,
// dispatcher and re-notifier hold mutate contracts against individual fields.
type Alert struct {
	ID                  string     `json:"id"`
	JobID               string     `json:"job_id"`
	RunID               string     `json:"job_run_id"`
	SourceURL           string     `json:"source_url"`
	Title               string     `json:"title"`
	Content             string     `json:"content"`
	RelevanceScore      int        `json:"relevance_score"`
	IsSent              bool       `json:"is_sent"`
	IsAcknowledged      bool       `json:"is_acknowledged"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string     `json:"acknowledged_by,omitempty"`
	AcknowledgmentToken string     `json:"acknowledgment_token,omitempty"`
	RepeatCount         int        `json:"repeat_count"`
	NextRepeatAt        *time.Time `json:"next_repeat_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// NewAcknowledgmentToken returns an opaque unguessable token for one-click
// acknowledgement links. Two dash-stripped UUIDs appended to a dashed one,
// well past the 64-char floor.
func NewAcknowledgmentToken() string {
	return uuid.NewString() +
		strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
}
