// Package telemetry streams stage-transition events to the live dashboard.
// Broadcasting is fire-and-forget: a failure is never surfaced to the task
// that produced the event.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
)

// Event is the dashboard wire schema for one stage transition.
type Event struct {
	RunID                string                   `json:"run_id"`
	JobID                string                   `json:"job_id"`
	JobName              string                   `json:"job_name"`
	SourceURL            string                   `json:"source_url"`
	CurrentStage         domain.Stage             `json:"current_stage"`
	CompletionPercentage int                      `json:"completion_percentage"`
	StageData            map[string]any           `json:"stage_data,omitempty"`
	SourcesProcessed     int                      `json:"sources_processed"`
	SourcesTotal         int                      `json:"sources_total"`
	AlertsGenerated      int                      `json:"alerts_generated"`
	AnalysisDetails      []domain.AnalysisOutcome `json:"analysis_details,omitempty"`
	UserID               string                   `json:"user_id"`
	Timestamp            time.Time                `json:"timestamp"`
}

// Progress is the run-level counters attached to every event.
type Progress struct {
	SourcesProcessed int
	SourcesTotal     int
	AlertsGenerated  int
	AnalysisDetails  []domain.AnalysisOutcome
}

type Config struct {
	DashboardURL string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *log.Logger
	Verbose      bool
}

type Broadcaster struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger
	verbose    bool
}

func NewBroadcaster(config Config) *Broadcaster {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Broadcaster{
		url:        strings.TrimSuffix(config.DashboardURL, "/") + "/pipeline-status",
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		verbose:    config.Verbose,
	}
}

// Emit posts one stage transition. It returns immediately; delivery runs on
// its own goroutine with its own deadline so a slow dashboard cannot stall
// a task.
func (b *Broadcaster) Emit(task domain.Task, stage domain.Stage, stageData map[string]any, progress Progress) {
	event := Event{
		RunID:                task.RunID,
		JobID:                task.JobID,
		JobName:              task.JobName,
		SourceURL:            task.SourceURL,
		CurrentStage:         stage,
		CompletionPercentage: stage.CompletionPercentage(),
		StageData:            stageData,
		SourcesProcessed:     progress.SourcesProcessed,
		SourcesTotal:         progress.SourcesTotal,
		AlertsGenerated:      progress.AlertsGenerated,
		AnalysisDetails:      progress.AnalysisDetails,
		UserID:               task.UserID,
		Timestamp:            time.Now().UTC(),
	}

	go b.deliver(event)
}

func (b *Broadcaster) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.debugf("telemetry marshal failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		b.debugf("telemetry request build failed: %v", err)
		return
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := b.httpClient.Do(request)
	if err != nil {
		b.debugf("telemetry delivery failed run_id=%s stage=%s: %v", event.RunID, event.CurrentStage, err)
		return
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		b.debugf("telemetry delivery status %d run_id=%s stage=%s", response.StatusCode, event.RunID, event.CurrentStage)
	}
}

func (b *Broadcaster) debugf(format string, args ...any) {
	if b.verbose && b.logger != nil {
		b.logger.Printf(format, args...)
	}
}
