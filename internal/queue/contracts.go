package queue

import (
	"context"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
)

// AlertProducer enqueues committed alerts for dispatch.
type AlertProducer interface {
	EnqueueAlert(ctx context.Context, payload domain.AlertPayload) error
}

// AlertConsumer hands the dispatcher one alert payload at a time.
type AlertConsumer interface {
	PopAlert(ctx context.Context, timeout time.Duration) (domain.AlertPayload, bool, error)
}

// ImmediateProducer pushes immediate-run requests; the external API is the
// usual producer, this side exists for tooling and tests.
type ImmediateProducer interface {
	EnqueueImmediate(ctx context.Context, message domain.JobQueueMessage) error
}

// ImmediateConsumer drains the immediate-run FIFO without blocking.
type ImmediateConsumer interface {
	PopImmediate(ctx context.Context) (domain.JobQueueMessage, bool, error)
}
