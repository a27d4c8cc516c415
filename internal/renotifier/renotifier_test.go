package renotifier

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
	"github.com/sitepulse/scheduler/internal/queue"
	"github.com/sitepulse/scheduler/internal/registry"
	"github.com/sitepulse/scheduler/internal/repository"
)

type fakeRegistry struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func (f *fakeRegistry) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, registry.ErrJobNotFound
	}
	return &job, nil
}

type fixture struct {
	store      *kv.MemoryStore
	repo       *repository.MemoryRepository
	queues     *queue.ListQueues
	renotifier *Renotifier
}

func newFixture(jobs ...domain.Job) *fixture {
	store := kv.NewMemoryStore()
	repo := repository.NewMemoryRepository()
	queues := queue.NewListQueues(store)
	byID := make(map[string]domain.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	n := New(Dependencies{
		Alerts:   repo,
		Registry: &fakeRegistry{jobs: byID},
		Queue:    queues,
		Store:    store,
	}, time.Minute)
	return &fixture{store: store, repo: repo, queues: queues, renotifier: n}
}

func ackRequiredJob(id string) domain.Job {
	return domain.Job{
		ID:                     id,
		UserID:                 "user-1",
		Name:                   "job " + id,
		IsActive:               true,
		RepeatFrequencyMinutes: 15,
		MaxRepeats:             3,
		RequireAcknowledgment:  true,
	}
}

func sentAlert(id, jobID string) *domain.Alert {
	return &domain.Alert{
		ID:                  id,
		JobID:               jobID,
		RunID:               "run-1",
		SourceURL:           "https://a.test/x",
		Title:               "Q3 beat",
		Content:             "Revenue up 12%",
		RelevanceScore:      82,
		IsSent:              true,
		AcknowledgmentToken: domain.NewAcknowledgmentToken(),
		CreatedAt:           time.Now().UTC().Add(-time.Hour),
	}
}

func (f *fixture) drainPayloads(t *testing.T) []domain.AlertPayload {
	t.Helper()
	payloads := make([]domain.AlertPayload, 0)
	for {
		payload, found, err := f.queues.PopAlert(context.Background(), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if !found {
			return payloads
		}
		payloads = append(payloads, payload)
	}
}

func (f *fixture) makeDue(t *testing.T, alertID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	f.repo.SetNextRepeatAt(alertID, &past)
}

func TestRepeatsProgressThenAcknowledgeStops(t *testing.T) {
	f := newFixture(ackRequiredJob("J1"))
	ctx := context.Background()
	if err := f.repo.CreateAlert(ctx, sentAlert("A1", "J1")); err != nil {
		t.Fatalf("seed alert failed: %v", err)
	}

	// Three due windows, three decorated enqueues, repeat_count 1 -> 3.
	for want := 1; want <= 3; want++ {
		if err := f.renotifier.tick(ctx); err != nil {
			t.Fatalf("tick %d failed: %v", want, err)
		}
		alert, err := f.repo.GetAlert(ctx, "A1")
		if err != nil {
			t.Fatalf("get alert failed: %v", err)
		}
		if alert.RepeatCount != want {
			t.Fatalf("repeat_count = %d after tick %d, want %d", alert.RepeatCount, want, want)
		}
		f.makeDue(t, "A1")
	}

	payloads := f.drainPayloads(t)
	if len(payloads) != 3 {
		t.Fatalf("expected 3 repeat enqueues, got %d", len(payloads))
	}
	for i, payload := range payloads {
		if payload.RepeatOrdinal != i+1 {
			t.Fatalf("payload %d ordinal = %d", i, payload.RepeatOrdinal)
		}
		if payload.Title == "Q3 beat" {
			t.Fatalf("repeat title must be decorated, got %q", payload.Title)
		}
	}

	// Acknowledged: the next due window must not enqueue or mutate.
	f.repo.Acknowledge("A1", "user-1")
	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("post-ack tick failed: %v", err)
	}
	if extra := f.drainPayloads(t); len(extra) != 0 {
		t.Fatalf("acknowledged alert must not be re-enqueued, got %d payloads", len(extra))
	}
	alert, _ := f.repo.GetAlert(ctx, "A1")
	if alert.RepeatCount != 3 {
		t.Fatalf("acknowledged alert repeat_count mutated to %d", alert.RepeatCount)
	}
}

func TestRepeatCeilingUsesPreIncrementCount(t *testing.T) {
	f := newFixture(ackRequiredJob("J1"))
	ctx := context.Background()
	alert := sentAlert("A1", "J1")
	alert.RepeatCount = 3 // already at max_repeats
	if err := f.repo.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("seed alert failed: %v", err)
	}

	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if payloads := f.drainPayloads(t); len(payloads) != 0 {
		t.Fatalf("alert at the repeat ceiling must not be enqueued")
	}
}

func TestInactiveOrFireAndForgetJobsSkipped(t *testing.T) {
	inactive := ackRequiredJob("J-inactive")
	inactive.IsActive = false
	noAck := ackRequiredJob("J-noack")
	noAck.RequireAcknowledgment = false

	f := newFixture(inactive, noAck)
	ctx := context.Background()
	if err := f.repo.CreateAlert(ctx, sentAlert("A1", "J-inactive")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := f.repo.CreateAlert(ctx, sentAlert("A2", "J-noack")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if payloads := f.drainPayloads(t); len(payloads) != 0 {
		t.Fatalf("inactive and fire-and-forget jobs must not repeat, got %d", len(payloads))
	}
}

func TestUnsentAlertIsNotRepeated(t *testing.T) {
	f := newFixture(ackRequiredJob("J1"))
	ctx := context.Background()
	alert := sentAlert("A1", "J1")
	alert.IsSent = false
	if err := f.repo.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if payloads := f.drainPayloads(t); len(payloads) != 0 {
		t.Fatalf("unsent alert must not be repeated")
	}
}

func TestHourlyRepeatCap(t *testing.T) {
	f := newFixture(ackRequiredJob("J1"))
	ctx := context.Background()

	// The cap counter is already at the ceiling for this hour.
	capKey := kv.RepeatRateLimitKey("J1", time.Now().UTC())
	if err := f.store.Set(ctx, capKey, strconv.Itoa(repeatHourlyCap), time.Hour); err != nil {
		t.Fatalf("seed cap failed: %v", err)
	}
	if err := f.repo.CreateAlert(ctx, sentAlert("A1", "J1")); err != nil {
		t.Fatalf("seed alert failed: %v", err)
	}

	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if payloads := f.drainPayloads(t); len(payloads) != 0 {
		t.Fatalf("hourly repeat cap must suppress emissions")
	}
	alert, _ := f.repo.GetAlert(ctx, "A1")
	if alert.RepeatCount != 0 {
		t.Fatalf("capped alert must not be claimed, repeat_count = %d", alert.RepeatCount)
	}
}

func TestNextRepeatAtAdvances(t *testing.T) {
	f := newFixture(ackRequiredJob("J1"))
	ctx := context.Background()
	if err := f.repo.CreateAlert(ctx, sentAlert("A1", "J1")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	before := time.Now().UTC()
	if err := f.renotifier.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	alert, _ := f.repo.GetAlert(ctx, "A1")
	if alert.NextRepeatAt == nil {
		t.Fatalf("next_repeat_at should be set after a claim")
	}
	wantEarliest := before.Add(14 * time.Minute)
	if alert.NextRepeatAt.Before(wantEarliest) {
		t.Fatalf("next_repeat_at %s earlier than expected window", alert.NextRepeatAt)
	}
}
