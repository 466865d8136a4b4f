package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
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
}

// StreamCursor persists the last consumed entry id of a stream so a
// restarted reader resumes after it. Load returns "" when nothing is stored.
type StreamCursor interface {
	Load(ctx context.Context, stream string) (string, error)
	Save(ctx context.Context, stream, id string) error
}

// Bus channel names.
const (
	ChannelSignals   = "signals"
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
)

// Lock keys shared by the orchestrator and the workers.

// PositionLockKey serializes writers of one position.
func PositionLockKey(positionID string) string {
	return "position:" + positionID
}

// CapacityLockKey guards the open-position count check and the position
// insert that follows it.
const CapacityLockKey = "capacity"

// WorkerLockKey is the single-flight key for a periodic worker.
func WorkerLockKey(name string) string {
	return "worker:" + name
}
