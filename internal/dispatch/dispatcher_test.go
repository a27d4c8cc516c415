package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/registry"
	"github.com/sitepulse/scheduler/internal/repository"
)

type fakeMail struct {
	mu    sync.Mutex
	sent  []string
	fails bool
}

func (f *fakeMail) Available() bool { return true }

func (f *fakeMail) Send(_ context.Context, to, subject, textBody, _ string) error {
	if f.fails {
		return errors.New("mail api down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+"|"+subject+"|"+textBody)
	return nil
}

type fakeWebhooks struct {
	mu    sync.Mutex
	urls  []string
	fails bool
}

func (f *fakeWebhooks) Send(_ context.Context, webhookURL string, _ any) error {
	if f.fails {
		return errors.New("webhook rejected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, webhookURL)
	return nil
}

type fakeRegistry struct {
	jobs map[string]domain.Job
}

func (f *fakeRegistry) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, registry.ErrJobNotFound
	}
	return &job, nil
}

type fixture struct {
	store      *kv.MemoryStore
	repo       *repository.MemoryRepository
	mail       *fakeMail
	webhooks   *fakeWebhooks
	dispatcher *Dispatcher
}

func newFixture(job domain.Job) *fixture {
	store := kv.NewMemoryStore()
	repo := repository.NewMemoryRepository()
	mail := &fakeMail{}
	webhooks := &fakeWebhooks{}

	d := New(Config{
		APIServiceURL: "http://api.test",
		DashboardURL:  "http://dash.test",
		RatePerSecond: 1000,
		Burst:         1000,
	}, Dependencies{
		Alerts:   repo,
		Channels: repo,
		Registry: &fakeRegistry{jobs: map[string]domain.Job{job.ID: job}},
		Store:    store,
		Mail:     mail,
		Webhooks: webhooks,
	})
	return &fixture{store: store, repo: repo, mail: mail, webhooks: webhooks, dispatcher: d}
}

func channel(id, userID string, kind domain.ChannelType, config string) domain.NotificationChannel {
	return domain.NotificationChannel{
		ID:       id,
		UserID:   userID,
		Type:     kind,
		Config:   json.RawMessage(config),
		IsActive: true,
	}
}

func dispatchJob() domain.Job {
	return domain.Job{
		ID:       "J1",
		UserID:   "user-1",
		Name:     "earnings watch",
		IsActive: true,
	}
}

func payloadFor(alert *domain.Alert) domain.AlertPayload {
	return domain.AlertPayload{
		AlertID:             alert.ID,
		JobID:               alert.JobID,
		RunID:               alert.RunID,
		SourceURL:           alert.SourceURL,
		RelevanceScore:      alert.RelevanceScore,
		Title:               alert.Title,
		Content:             alert.Content,
		Timestamp:           alert.CreatedAt,
		UserID:              "user-1",
		AcknowledgmentToken: alert.AcknowledgmentToken,
	}
}

func seedAlert(t *testing.T, f *fixture) *domain.Alert {
	t.Helper()
	alert := &domain.Alert{
		ID:                  "A1",
		JobID:               "J1",
		RunID:               "run-1",
		SourceURL:           "https://a.test/x",
		Title:               "Q3 beat",
		Content:             "Revenue up 12%",
		RelevanceScore:      82,
		AcknowledgmentToken: domain.NewAcknowledgmentToken(),
		CreatedAt:           time.Now().UTC(),
	}
	if err := f.repo.CreateAlert(context.Background(), alert); err != nil {
		t.Fatalf("seed alert failed: %v", err)
	}
	return alert
}

func TestDeliversAcrossChannels(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))
	f.repo.AddChannel(channel("ch-slack", "user-1", domain.ChannelSlack, `{"webhook_url":"https://hooks.slack.test/x"}`))

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(f.mail.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(f.mail.sent))
	}
	if len(f.webhooks.urls) != 1 || f.webhooks.urls[0] != "https://hooks.slack.test/x" {
		t.Fatalf("unexpected webhook deliveries: %v", f.webhooks.urls)
	}

	stored, err := f.repo.GetAlert(ctx, "A1")
	if err != nil {
		t.Fatalf("get alert failed: %v", err)
	}
	if !stored.IsSent {
		t.Fatalf("alert should be marked sent after successful delivery")
	}

	record := f.store.HGetAll(kv.ProcessedAlertKey("run-1"))
	if record["email_sent"] != "1" || record["slack_sent"] != "1" {
		t.Fatalf("unexpected processed record: %+v", record)
	}
}

func TestEmailCarriesAckLinkAndScore(t *testing.T) {
	f := newFixture(dispatchJob())
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))

	if err := f.dispatcher.Process(context.Background(), payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(f.mail.sent))
	}

	body := f.mail.sent[0]
	for _, fragment := range []string{
		"AI Pipeline Alert: Q3 beat",
		"82/100",
		"https://a.test/x",
		"Revenue up 12%",
		"http://api.test/alerts/A1/acknowledge?token=" + alert.AcknowledgmentToken,
		"http://dash.test",
	} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("email missing %q in %q", fragment, body)
		}
	}
}

func TestForeignDedupKeySuppressesDelivery(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))

	// A different alert already owns this (job, source, hour).
	dedupKey := kv.ContentDedupKey("J1", "https://a.test/x", time.Now())
	if err := f.store.Set(ctx, dedupKey, "some-other-alert", time.Hour); err != nil {
		t.Fatalf("seed dedup failed: %v", err)
	}

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(f.mail.sent) != 0 {
		t.Fatalf("duplicate must not be delivered")
	}
	stored, _ := f.repo.GetAlert(ctx, "A1")
	if !stored.IsSent {
		t.Fatalf("duplicate is still processed: is_sent must flip")
	}
}

func TestOwnDedupKeyDoesNotSuppress(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))

	// The pipeline sets the dedup key to the alert's own id on commit.
	dedupKey := kv.ContentDedupKey("J1", "https://a.test/x", time.Now())
	if err := f.store.Set(ctx, dedupKey, alert.ID, time.Hour); err != nil {
		t.Fatalf("seed dedup failed: %v", err)
	}

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("the owning enqueue must deliver, got %d emails", len(f.mail.sent))
	}
}

func TestSecondProcessWithinRecentWindowSuppressed(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("second process failed: %v", err)
	}

	if len(f.mail.sent) != 1 {
		t.Fatalf("redelivery within the recent window must be suppressed, got %d", len(f.mail.sent))
	}
}

func TestChannelSetRestrictsDelivery(t *testing.T) {
	job := dispatchJob()
	job.NotificationChannelIDs = []string{"ch-slack"}
	f := newFixture(job)
	alert := seedAlert(t, f)
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))
	f.repo.AddChannel(channel("ch-slack", "user-1", domain.ChannelSlack, `{"webhook_url":"https://hooks.slack.test/x"}`))

	if err := f.dispatcher.Process(context.Background(), payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.mail.sent) != 0 {
		t.Fatalf("email channel outside the job's set must be skipped")
	}
	if len(f.webhooks.urls) != 1 {
		t.Fatalf("slack channel in the set must deliver")
	}
}

func TestPartialFailureStillMarksSent(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.mail.fails = true
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))
	f.repo.AddChannel(channel("ch-teams", "user-1", domain.ChannelTeams, `{"webhook_url":"https://teams.test/hook"}`))

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	stored, _ := f.repo.GetAlert(ctx, "A1")
	if !stored.IsSent {
		t.Fatalf("any successful channel must mark the alert sent")
	}
	record := f.store.HGetAll(kv.ProcessedAlertKey("run-1"))
	if record["email_sent"] != "0" || record["teams_sent"] != "1" {
		t.Fatalf("unexpected per-channel counts: %+v", record)
	}
}

func TestTotalFailureLeavesUnsent(t *testing.T) {
	f := newFixture(dispatchJob())
	ctx := context.Background()
	alert := seedAlert(t, f)
	f.mail.fails = true
	f.webhooks.fails = true
	f.repo.AddChannel(channel("ch-email", "user-1", domain.ChannelEmail, `{"email":"ops@example.test"}`))
	f.repo.AddChannel(channel("ch-teams", "user-1", domain.ChannelTeams, `{"webhook_url":"https://teams.test/hook"}`))

	if err := f.dispatcher.Process(ctx, payloadFor(alert)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	stored, _ := f.repo.GetAlert(ctx, "A1")
	if stored.IsSent {
		t.Fatalf("alert with zero successful channels must stay unsent")
	}
}
