package worker

import (
	"context"

	"mailfeed/internal/model"
	"mailfeed/internal/webhook"
)

// EventStore is the durable, idempotent event persistence the worker writes to.
type EventStore interface {
	Put(ctx context.Context, e *model.EmailEvent) error
}

// Dispatcher forwards a stored event to the configured webhook receivers.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *model.EmailEvent) webhook.Report
}

// ReceiveCounter tracks failed receive attempts per event fingerprint.
type ReceiveCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetterer publishes a poisoned message to the dead-letter exchange.
type DeadLetterer interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// Deduper suppresses duplicate webhook fan-out for redelivered events.
// Optional; nil disables dedup.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
}
