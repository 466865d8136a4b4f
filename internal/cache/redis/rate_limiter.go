package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// waitPollInterval is how often Wait re-checks a saturated window.
const waitPollInterval = 50 * time.Millisecond

// Limit is a request budget per sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimit applies to keys without an explicit limit.
var DefaultLimit = Limit{Requests: 10, Window: time.Second}

// RateLimiter implements domain.RateLimiter using a sliding-window approach
// backed by Redis sorted sets and an atomic Lua script. Because the window
// lives in Redis, the budget is shared by every process using the same key.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script

	mu     sync.RWMutex
	limits map[string]Limit
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		limits:        make(map[string]Limit),
	}
}

// SetLimit configures the budget Wait uses for key.
func (rl *RateLimiter) SetLimit(key string, l Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limits[key] = l
}

// LimitFor returns the configured budget for key, or DefaultLimit.
func (rl *RateLimiter) LimitFor(key string) Limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if l, ok := rl.limits[key]; ok && l.Requests > 0 && l.Window > 0 {
		return l
	}
	return DefaultLimit
}

func (rl *RateLimiter) rateLimitKey(key string) string {
	return rl.c.Key("ratelimit:" + key)
}

// Allow checks whether a request for key is permitted under the sliding
// window. An allowed request is counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.c.rdb,
		[]string{rl.rateLimitKey(key)},
		now,
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}

	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, nil
}

// Wait blocks until a request for key is allowed under LimitFor(key).
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	l := rl.LimitFor(key)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		default:
		}

		allowed, err := rl.Allow(ctx, key, l.Requests, l.Window)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
