package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the length of one counting window
const DefaultWindow = time.Minute

// RateLimiter is a Redis fixed-window counter. Every key gets one counter
// per window; the counter expires shortly after its window ends, so
// multiple gateway instances share the same budget.
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a limiter counting per DefaultWindow
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		window: DefaultWindow,
		prefix: "ratelimit",
		now:    time.Now,
	}
}

func (l *RateLimiter) windowKey(key string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, start.Unix())
}

func (l *RateLimiter) windowStart() time.Time {
	return l.now().UTC().Truncate(l.window)
}

// AllowWithDetails counts one request against key. It returns whether the
// request fits in limit, the requests left in the window and when the
// window resets. A limit of 0 or less is unlimited and reports -1
// remaining with a zero reset time.
func (l *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	start := l.windowStart()
	resetAt := start.Add(l.window)
	redisKey := l.windowKey(key, start)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, resetAt, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		return false, 0, resetAt, nil
	}
	return true, limit - count, resetAt, nil
}

// GetCurrentUsage returns the requests counted for key in the current window
func (l *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	n, err := l.client.Get(ctx, l.windowKey(key, l.windowStart())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}
	return n, nil
}

// Reset clears key's counter for the current window
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.windowKey(key, l.windowStart())).Err(); err != nil {
		return fmt.Errorf("failed to reset rate counter: %w", err)
	}
	return nil
}

// NoopLimiter allows everything. It stands in when Redis is not configured.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never limits
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow always reports true
func (n *NoopLimiter) Allow(ctx context.Context, key string) bool {
	return true
}

// AllowWithDetails always allows and reports an unlimited budget
func (n *NoopLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}
