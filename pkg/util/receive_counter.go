package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReceiveCounter tracks how many times a queue message has been received,
// keyed by the event fingerprint. The queue itself does not expose a receive
// count, so the worker counts failed processing attempts here and routes the
// message to the DLQ once the configured maximum is exceeded.
type ReceiveCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReceiveCounter(rdb *redis.Client, ttl time.Duration) *ReceiveCounter {
	return &ReceiveCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet increments the receive count for a key and returns the new count.
func (r *ReceiveCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Set expiration on first increment
	if count == 1 {
		r.rdb.Expire(ctx, key, r.ttl)
	}

	return count, nil
}

// Reset clears the receive count after a successful store.
func (r *ReceiveCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatReceiveKey formats the counter key for an event.
func FormatReceiveKey(messageID string, sentAt int64) string {
	return fmt.Sprintf("receive:%s:%d", messageID, sentAt)
}
