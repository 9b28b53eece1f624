package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for readers outside a
// transaction. It is never consulted by mutating operations.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
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

// Bus channels and streams used for lifecycle events.
const (
	ChannelLifecycle = "lifecycle"
	StreamLifecycle  = "lifecycle:stream"
)

// LifecycleEvent is the JSON envelope published for every market or
// prediction transition.
type LifecycleEvent struct {
	Event        string       `json:"event"`
	MarketID     string       `json:"market_id"`
	PredictionID string       `json:"prediction_id,omitempty"`
	AccountID    string       `json:"account_id,omitempty"`
	Status       MarketStatus `json:"status,omitempty"`
	Amount       int64        `json:"amount,omitempty"`
	At           time.Time    `json:"at"`
}
