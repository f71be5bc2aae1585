package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release and extend must verify ownership and act in one round trip, so
// both are Lua. Scripts are package-level and pre-compiled.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLock implements DistLock with SET NX plus a TTL. The value is a
// random token so a holder whose TTL lapsed cannot release or extend a lock
// that has since moved to another process.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock for key with the given TTL.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire implements DistLock. Non-blocking.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release implements DistLock. Releasing a lock we no longer own is a no-op.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := l.releaseScriptRun(ctx)
	return err
}

func (l *RedisLock) releaseScriptRun(ctx context.Context) (int64, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", l.key, err)
	}
	return n, nil
}

// Extend pushes the TTL out for long-running holders. Returns ErrNotHeld if
// the lock expired and someone else took it.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
