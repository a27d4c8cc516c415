// Package dispatch consumes committed alerts from the dispatch FIFO,
// resolves each one to the user's active notification channels and
// delivers a channel-appropriate rendering. Delivery is at-least-once with
// duplicate suppression; a failed channel is never retried within a single
// dispatch.
package dispatch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/repository"
)

const (
	popTimeout = 1 * time.Second

	// recentAlertWindow suppresses identically-titled alerts for the same
	// job and source across a longer horizon than the hourly dedup key.
	recentAlertWindow = 6 * time.Hour
)

type Registry interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

type MailSender interface {
	Available() bool
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

type WebhookSender interface {
	Send(ctx context.Context, webhookURL string, payload any) error
}

type Config struct {
	APIServiceURL string
	DashboardURL  string
	RatePerSecond float64
	Burst         int
}

type Dependencies struct {
	Queue    queue.AlertConsumer
	Alerts   repository.AlertsRepository
	Channels repository.ChannelsRepository
	Registry Registry
	Store    kv.Store
	Mail     MailSender
	Webhooks WebhookSender
	Logger   *log.Logger
}

type Dispatcher struct {
	cfg     Config
	deps    Dependencies
	limiter *rate.Limiter
}

// DeliveryCounts reports per-channel delivery successes for one alert.
type DeliveryCounts struct {
	Email int
	Teams int
	Slack int
}

func (c DeliveryCounts) Total() int {
	return c.Email + c.Teams + c.Slack
}

func New(cfg Config, deps Dependencies) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Run consumes the dispatch FIFO until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logf("dispatcher started")
	for {
		if ctx.Err() != nil {
			d.logf("dispatcher stopped")
			return
		}

		payload, found, err := d.deps.Queue.PopAlert(ctx, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			d.logf("alert pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if !found {
			continue
		}

		if err := d.Process(context.WithoutCancel(ctx), payload); err != nil {
			d.logf("alert dispatch failed alert_id=%s: %v", payload.AlertID, err)
		}
	}
}

// Process handles one dequeued alert payload end to end.
func (d *Dispatcher) Process(ctx context.Context, payload domain.AlertPayload) error {
	token, err := d.resolveToken(ctx, &payload)
	if err != nil {
		return err
	}

	duplicate, err := d.isDuplicate(ctx, payload)
	if err != nil {
		return err
	}
	if duplicate {
		// Processed, not delivered: the shield already accounted for this
		// (job, source, hour).
		d.markSent(ctx, payload.AlertID)
		d.recordProcessed(ctx, payload, DeliveryCounts{}, "duplicate")
		d.logf("duplicate alert skipped alert_id=%s job_id=%s", payload.AlertID, payload.JobID)
		return nil
	}

	job, err := d.deps.Registry.GetJob(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("resolve job %s: %w", payload.JobID, err)
	}

	channels, err := d.resolveChannels(ctx, *job)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		d.logf("no active channels for user_id=%s job_id=%s", job.UserID, job.ID)
		d.recordProcessed(ctx, payload, DeliveryCounts{}, "no_channels")
		return nil
	}

	counts := d.deliver(ctx, payload, token, channels)
	if counts.Total() > 0 {
		d.markSent(ctx, payload.AlertID)
	}
	d.recordProcessed(ctx, payload, counts, "delivered")

	d.logf("alert dispatched alert_id=%s email=%d teams=%d slack=%d",
		payload.AlertID, counts.Email, counts.Teams, counts.Slack)
	return nil
}

// resolveToken reuses the persisted acknowledgment token when one exists
// and generates plus persists one otherwise.
func (d *Dispatcher) resolveToken(ctx context.Context, payload *domain.AlertPayload) (string, error) {
	token := payload.AcknowledgmentToken

	if payload.AlertID != "" {
		alert, err := d.deps.Alerts.GetAlert(ctx, payload.AlertID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("load alert %s: %w", payload.AlertID, err)
		}
		if alert != nil && alert.AcknowledgmentToken != "" {
			return alert.AcknowledgmentToken, nil
		}
		if token == "" {
			token = domain.NewAcknowledgmentToken()
		}
		if alert != nil {
			if err := d.deps.Alerts.SetAcknowledgmentToken(ctx, payload.AlertID, token); err != nil {
				d.logf("token persist failed alert_id=%s: %v", payload.AlertID, err)
			}
		}
		return token, nil
	}

	if token == "" {
		token = domain.NewAcknowledgmentToken()
	}
	return token, nil
}

// isDuplicate consults both shields: the cross-component hourly dedup key
// (tolerating the entry written by this alert's own commit) and the
// longer recent-alert window keyed on job, title and source.
func (d *Dispatcher) isDuplicate(ctx context.Context, payload domain.AlertPayload) (bool, error) {
	dedupKey := kv.ContentDedupKey(payload.JobID, payload.SourceURL, time.Now())
	owner, found, err := d.deps.Store.Get(ctx, dedupKey)
	if err != nil {
		return false, fmt.Errorf("check dedup shield: %w", err)
	}
	if found && payload.AlertID != "" && owner != payload.AlertID {
		return true, nil
	}

	hash := alertHash(payload)
	recentKey := kv.RecentAlertKey(hash)
	seen, err := d.deps.Store.Exists(ctx, recentKey)
	if err != nil {
		return false, fmt.Errorf("check recent alerts: %w", err)
	}
	if seen {
		return true, nil
	}
	if err := d.deps.Store.Set(ctx, recentKey, "1", recentAlertWindow); err != nil {
		d.logf("recent alert marker write failed: %v", err)
	}
	return false, nil
}

// resolveChannels returns the user's active channels restricted to the
// job's configured set; a job with no explicit set fans out to all of the
// user's active channels.
func (d *Dispatcher) resolveChannels(ctx context.Context, job domain.Job) ([]domain.NotificationChannel, error) {
	channels, err := d.deps.Channels.ListActiveChannels(ctx, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("list channels for user %s: %w", job.UserID, err)
	}
	if len(job.NotificationChannelIDs) == 0 {
		return channels, nil
	}

	wanted := make(map[string]bool, len(job.NotificationChannelIDs))
	for _, id := range job.NotificationChannelIDs {
		wanted[id] = true
	}
	selected := make([]domain.NotificationChannel, 0, len(channels))
	for _, channel := range channels {
		if wanted[channel.ID] {
			selected = append(selected, channel)
		}
	}
	return selected, nil
}

func (d *Dispatcher) deliver(ctx context.Context, payload domain.AlertPayload, token string, channels []domain.NotificationChannel) DeliveryCounts {
	in := renderInput{
		Title:        payload.Title,
		Score:        payload.RelevanceScore,
		SourceURL:    payload.SourceURL,
		Timestamp:    payload.Timestamp,
		Content:      payload.Content,
		DashboardURL: d.cfg.DashboardURL,
		HasAckLink:   payload.AlertID != "",
	}
	if in.HasAckLink {
		in.AckURL = fmt.Sprintf("%s/alerts/%s/acknowledge?token=%s", d.cfg.APIServiceURL, payload.AlertID, token)
	}

	var counts DeliveryCounts
	for _, channel := range channels {
		if err := d.limiter.Wait(ctx); err != nil {
			return counts
		}

		switch channel.Type {
		case domain.ChannelEmail:
			address := channel.EmailAddress()
			if address == "" {
				continue
			}
			if err := d.deps.Mail.Send(ctx, address, renderEmailSubject(payload.Title), renderEmailText(in), renderEmailHTML(in)); err != nil {
				d.logf("email delivery failed channel_id=%s: %v", channel.ID, err)
				continue
			}
			counts.Email++
		case domain.ChannelTeams:
			webhookURL := channel.WebhookURL()
			if webhookURL == "" {
				continue
			}
			card := teamsCardFor(payload)
			if err := d.deps.Webhooks.Send(ctx, webhookURL, card); err != nil {
				d.logf("teams delivery failed channel_id=%s: %v", channel.ID, err)
				continue
			}
			counts.Teams++
		case domain.ChannelSlack:
			webhookURL := channel.WebhookURL()
			if webhookURL == "" {
				continue
			}
			message := slackMessageFor(payload)
			if err := d.deps.Webhooks.Send(ctx, webhookURL, message); err != nil {
				d.logf("slack delivery failed channel_id=%s: %v", channel.ID, err)
				continue
			}
			counts.Slack++
		default:
			d.logf("unknown channel type %q channel_id=%s", channel.Type, channel.ID)
		}
	}
	return counts
}

func (d *Dispatcher) markSent(ctx context.Context, alertID string) {
	if alertID == "" {
		return
	}
	if err := d.deps.Alerts.MarkSent(ctx, alertID); err != nil {
		d.logf("mark sent failed alert_id=%s: %v", alertID, err)
	}
}

// recordProcessed leaves an operational breadcrumb keyed by run.
func (d *Dispatcher) recordProcessed(ctx context.Context, payload domain.AlertPayload, counts DeliveryCounts, outcome string) {
	fields := map[string]string{
		"job_id":          payload.JobID,
		"title":           payload.Title,
		"outcome":         outcome,
		"processed_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"email_sent":      strconv.Itoa(counts.Email),
		"teams_sent":      strconv.Itoa(counts.Teams),
		"slack_sent":      strconv.Itoa(counts.Slack),
		"relevance_score": strconv.Itoa(payload.RelevanceScore),
	}
	if err := d.deps.Store.HSet(ctx, kv.ProcessedAlertKey(payload.RunID), fields); err != nil {
		d.logf("processed alert record failed run_id=%s: %v", payload.RunID, err)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.deps.Logger != nil {
		d.deps.Logger.Printf(format, args...)
	}
}

func alertHash(payload domain.AlertPayload) string {
	sum := md5.Sum([]byte(payload.JobID + ":" + payload.Title + ":" + payload.SourceURL))
	return hex.EncodeToString(sum[:])
}
