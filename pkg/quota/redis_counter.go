package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter backs the same two-window estimate with Redis INCR
// against windowed keys, so quota state is shared across gateway
// replicas instead of pinned to one process.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, now time.Time, windowSize time.Duration) (float64, error) {
	if windowSize <= 0 {
		return 0, fmt.Errorf("quota: window size must be positive")
	}

	bucket := now.UnixNano() / int64(windowSize)
	curKey := fmt.Sprintf("quota:%s:%d", key, bucket)
	prevKey := fmt.Sprintf("quota:%s:%d", key, bucket-1)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, curKey)
	pipe.Expire(ctx, curKey, 2*windowSize)
	prevGet := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("quota: redis pipeline: %w", err)
	}

	current := float64(incr.Val())
	previous := 0.0
	if v, err := prevGet.Int64(); err == nil {
		previous = float64(v)
	}

	elapsedInBucket := time.Duration(now.UnixNano() % int64(windowSize))
	frac := 1.0 - float64(elapsedInBucket)/float64(windowSize)
	if frac < 0 {
		frac = 0
	}

	return previous*frac + current, nil
}
