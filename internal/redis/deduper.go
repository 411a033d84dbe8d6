package redis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	dedupKeyPrefix  = "jobdedup:"
	dedupDefaultTTL = 10 * time.Minute
)

// Deduper suppresses duplicate job submissions that share a collapse
// key. Reserve claims the key atomically; only the first caller within
// the TTL window wins.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper creates a deduplication service backed by redis.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{client: client, logger: logger}
}

// Reserve attempts to claim key for ttl. It returns true if the key
// was free and is now held by this caller, false if another submission
// already holds it. A non-positive ttl falls back to the default
// window.
func (d *Deduper) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = dedupDefaultTTL
	}

	ok, err := d.client.rdb.SetNX(ctx, dedupKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}

	if !ok {
		d.logger.Debug("duplicate job submission suppressed",
			zap.String("key", key),
		)
	}

	return ok, nil
}

// Release drops a reservation early. Used when job creation fails
// after the key was claimed, so a retry of the same submission is not
// locked out for the full TTL.
func (d *Deduper) Release(ctx context.Context, key string) error {
	return d.client.rdb.Del(ctx, dedupKeyPrefix+key).Err()
}
