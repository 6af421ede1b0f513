package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow делает INCR по ключу и ставит TTL, если ключ создаётся впервые.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// Take consumes n units from a windowed counter in one shot. Used for the
// monthly provider registration quota, where one batch registers several
// tracking numbers at once.
func (rl *RateLimiter) Take(ctx context.Context, key string, n, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis quota")
	}
	cur := incr.Val()
	if cur > limit {
		// Roll the overshoot back so a rejected batch does not burn quota.
		if err := rl.c.DecrBy(ctx, key, n).Err(); err != nil {
			return false, cur, errors.Wrap(err, "redis quota rollback")
		}
		return false, cur - n, nil
	}
	return true, cur, nil
}
