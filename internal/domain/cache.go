package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream string, ids ...string) error
}

// ConnectionCache provides fast connection lookups for webhook resolution.
// A miss is reported as ErrNotFound and callers fall back to the store.
type ConnectionCache interface {
	Set(ctx context.Context, conn Connection) error
	Get(ctx context.Context, id string) (Connection, error)
	GetByExternalRef(ctx context.Context, connectorID, externalRef string) (Connection, error)
	Invalidate(ctx context.Context, id string) error
}
