// Package distlock provides the cross-host mutual exclusion used by the
// queue worker so only one process drains a tick at a time.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Extend when the lock was lost, typically because
// the TTL expired before the extension.
var ErrNotHeld = errors.New("distlock: lock not held")

// DistLock is a non-blocking distributed lock. A single instance must not be
// shared across goroutines.
type DistLock interface {
	// Acquire tries to take the lock without blocking. True means we own it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back only if we still own it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is configured,
// otherwise a Postgres advisory lock. The advisory lock is session scoped so
// a crashed holder releases it when its connection drops, which matches the
// crash-safety of the Redis TTL.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock implements DistLock over pg_try_advisory_lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire implements DistLock. Non-blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release implements DistLock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
