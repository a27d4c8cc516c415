package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
)

// ListQueues implements the queue contracts over the shared store's FIFO
// lists: job_queue for immediate runs, alert_queue for dispatch.
type ListQueues struct {
	store kv.Store
}

func NewListQueues(store kv.Store) *ListQueues {
	return &ListQueues{store: store}
}

func (q *ListQueues) EnqueueAlert(ctx context.Context, payload domain.AlertPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}
	if err := q.store.LPush(ctx, kv.AlertQueueKey, string(encoded)); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}

func (q *ListQueues) PopAlert(ctx context.Context, timeout time.Duration) (domain.AlertPayload, bool, error) {
	raw, found, err := q.store.BRPop(ctx, kv.AlertQueueKey, timeout)
	if err != nil {
		return domain.AlertPayload{}, false, fmt.Errorf("pop alert: %w", err)
	}
	if !found {
		return domain.AlertPayload{}, false, nil
	}
	var payload domain.AlertPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.AlertPayload{}, false, fmt.Errorf("decode alert payload: %w", err)
	}
	return payload, true, nil
}

func (q *ListQueues) EnqueueImmediate(ctx context.Context, message domain.JobQueueMessage) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode immediate-run message: %w", err)
	}
	if err := q.store.LPush(ctx, kv.JobQueueKey, string(encoded)); err != nil {
		return fmt.Errorf("enqueue immediate run: %w", err)
	}
	return nil
}

func (q *ListQueues) PopImmediate(ctx context.Context) (domain.JobQueueMessage, bool, error) {
	raw, found, err := q.store.RPop(ctx, kv.JobQueueKey)
	if err != nil {
		return domain.JobQueueMessage{}, false, fmt.Errorf("pop immediate run: %w", err)
	}
	if !found {
		return domain.JobQueueMessage{}, false, nil
	}
	var message domain.JobQueueMessage
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return domain.JobQueueMessage{}, false, fmt.Errorf("decode immediate-run message: %w", err)
	}
	return message, true, nil
}
