package kv

import (
	"context"
	"time"
)

// Store is the shared key-value contract used for leases, suppression keys
// and the FIFO queues. Leases and suppression keys are written with
// set-if-absent, set-with-TTL or atomic-increment; job_last_run stamps are
// plain sets without expiry. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// IncrWithExpiry increments the counter and refreshes its TTL in one
	// atomic round trip.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	LPush(ctx context.Context, key, value string) error
	// RPop removes the tail element without waiting; false when empty.
	RPop(ctx context.Context, key string) (string, bool, error)
	// BRPop blocks up to timeout for the tail element of the list. The
	// second return is false when the wait timed out empty-handed.
	BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Ping(ctx context.Context) error
	Close() error
}
