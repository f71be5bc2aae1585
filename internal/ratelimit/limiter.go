// Package ratelimit provides the per-provider send rate limiter and the
// enqueue-side recipient gate. The Redis implementation uses a Lua script so
// check-and-increment is atomic across workers; a GET → check → INCR pattern
// would race.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/domain"
)

// DefaultMaxPerMinute is the per-provider sending rate cap.
const DefaultMaxPerMinute = 10

// Limiter is the admission interface. The counter is incremented before the
// upstream call and never refunded: it counts attempted sends.
type Limiter interface {
	// AllowProvider admits one send for the provider within the current
	// minute bucket.
	AllowProvider(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error)
	// AllowKey admits one event for an arbitrary key within the window.
	// The enqueue API uses it for per-recipient duplicate gating.
	AllowKey(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lua script for atomic window-counter admission.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// RedisLimiter implements Limiter over Redis with a pre-compiled Lua script.
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter creates a limiter over an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		script: redis.NewScript(windowLimitLuaScript),
		now:    time.Now,
	}
}

// AllowProvider implements Limiter.
func (r *RedisLimiter) AllowProvider(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error) {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxPerMinute
	}
	key := fmt.Sprintf("ratelimit:provider:%s:min:%d", p, r.now().Unix()/60)
	return r.run(ctx, key, maxPerMinute, 120)
}

// AllowKey implements Limiter.
func (r *RedisLimiter) AllowKey(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	bucket := r.now().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:key:%s:%d", key, bucket)
	ttl := int(window.Seconds()) * 2
	return r.run(ctx, redisKey, limit, ttl)
}

func (r *RedisLimiter) run(ctx context.Context, key string, limit, ttlSeconds int) (bool, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, ttlSeconds).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	allowed, ok := result[0].(int64)
	if !ok {
		return false, fmt.Errorf("rate limit script returned unexpected %T", result[0])
	}
	return allowed == 1, nil
}

// CurrentUsage returns the provider's count in the current minute bucket.
func (r *RedisLimiter) CurrentUsage(ctx context.Context, p domain.Provider) (int64, error) {
	key := fmt.Sprintf("ratelimit:provider:%s:min:%d", p, r.now().Unix()/60)
	n, err := r.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// HasRateHeadroom reports whether the provider could admit one more send
// this minute without consuming the slot. Routing uses it as a pre-check.
func (r *RedisLimiter) HasRateHeadroom(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error) {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxPerMinute
	}
	n, err := r.CurrentUsage(ctx, p)
	if err != nil {
		return false, err
	}
	return n < int64(maxPerMinute), nil
}

// LocalLimiter is the in-process fallback used when Redis is not configured.
// It is only correct for single-process deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	now     func() time.Time
}

type localBucket struct {
	window int64
	count  int
}

// NewLocalLimiter creates the in-process fallback limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

// AllowProvider implements Limiter.
func (l *LocalLimiter) AllowProvider(_ context.Context, p domain.Provider, maxPerMinute int) (bool, error) {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxPerMinute
	}
	return l.allow("provider:"+string(p), maxPerMinute, time.Minute), nil
}

// AllowKey implements Limiter.
func (l *LocalLimiter) AllowKey(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.allow("key:"+key, limit, window), nil
}

// HasRateHeadroom reports whether the provider could admit one more send
// this minute without consuming the slot.
func (l *LocalLimiter) HasRateHeadroom(_ context.Context, p domain.Provider, maxPerMinute int) (bool, error) {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxPerMinute
	}
	currentWindow := l.now().Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets["provider:"+string(p)]
	if !ok || b.window != currentWindow {
		return true, nil
	}
	return b.count < maxPerMinute, nil
}

func (l *LocalLimiter) allow(key string, limit int, window time.Duration) bool {
	currentWindow := l.now().Unix() / int64(window.Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.window != currentWindow {
		b = &localBucket{window: currentWindow}
		l.buckets[key] = b
	}
	if b.count+1 > limit {
		return false
	}
	b.count++

	// Opportunistic cleanup so the map does not grow unbounded.
	if len(l.buckets) > 4096 {
		for k, v := range l.buckets {
			if v.window < currentWindow {
				delete(l.buckets, k)
			}
		}
	}
	return true
}
