package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const submitRateLimitPrefix = "orderflow:ratelimit:submit:"

type limitDecision struct {
	allowed    bool
	retryAfter time.Duration
}

// submitLimiter counts submissions per key in fixed windows aligned to the Unix epoch, so
// every API instance agrees on where a window starts.
type submitLimiter interface {
	allow(ctx context.Context, key string) (limitDecision, error)
}

// RateLimitOption customises the submission limiter.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	redis  redis.Cmdable
	clock  func() time.Time
	prefix string
}

// WithRateLimitRedis shares counters across instances through Redis. Without it each
// instance limits on its own.
func WithRateLimitRedis(client redis.Cmdable) RateLimitOption {
	return func(cfg *rateLimitConfig) {
		cfg.redis = client
	}
}

func WithRateLimitClock(clock func() time.Time) RateLimitOption {
	return func(cfg *rateLimitConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func newSubmitLimiter(limit int, window time.Duration, opts ...RateLimitOption) submitLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	cfg := rateLimitConfig{clock: time.Now, prefix: submitRateLimitPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	local := &localLimiter{limit: limit, window: window, clock: cfg.clock}
	if cfg.redis == nil {
		return local
	}
	return &redisLimiter{
		client:   cfg.redis,
		limit:    int64(limit),
		window:   window,
		clock:    cfg.clock,
		prefix:   cfg.prefix,
		fallback: local,
	}
}

// windowPosition returns the index of the window containing now and the time left in it.
func windowPosition(now time.Time, window time.Duration) (int64, time.Duration) {
	nanos := now.UnixNano()
	index := nanos / int64(window)
	return index, time.Duration((index+1)*int64(window) - nanos)
}

// redisLimiter increments one key per actor and window. A Redis failure falls back to
// the local window and is returned alongside the decision.
type redisLimiter struct {
	client   redis.Cmdable
	limit    int64
	window   time.Duration
	clock    func() time.Time
	prefix   string
	fallback *localLimiter
}

func (l *redisLimiter) allow(ctx context.Context, key string) (limitDecision, error) {
	index, remaining := windowPosition(l.clock(), l.window)
	windowKey := fmt.Sprintf("%s%s:%d", l.prefix, key, index)

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, windowKey)
		pipe.PExpire(ctx, windowKey, remaining+time.Second)
		return nil
	})
	if err != nil {
		decision, _ := l.fallback.allow(ctx, key)
		return decision, fmt.Errorf("rate limit %s: %w", windowKey, err)
	}
	return limitDecision{allowed: count.Val() <= l.limit, retryAfter: remaining}, nil
}

// localLimiter keeps counts for the current window only; moving to a new window drops
// every count at once.
type localLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu     sync.Mutex
	index  int64
	counts map[string]int
}

func (l *localLimiter) allow(_ context.Context, key string) (limitDecision, error) {
	index, remaining := windowPosition(l.clock(), l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil || index != l.index {
		l.index = index
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return limitDecision{allowed: l.counts[key] <= l.limit, retryAfter: remaining}, nil
}
