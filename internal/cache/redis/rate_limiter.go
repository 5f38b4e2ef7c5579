package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RateLimiter implements domain.RateLimiter with a fixed window counter per
// key. The counter and its expiry are set atomically via a pipeline, so a
// crashed client cannot leave an immortal counter behind.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying()}
}

// Allow increments the counter for key and reports whether the count is
// still within limit for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}

	return incr.Val() <= int64(limit), nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
