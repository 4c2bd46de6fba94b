// Package lock provides short-lived named locks used to keep a background
// reconciliation sweep of a business on one replica at a time.
//
// RedisLocker is backed by bsm/redislock and works across processes.
// LocalLocker is an in-process fallback for single-node deployments and tests.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when the lock is held elsewhere.
var ErrNotObtained = errors.New("lock: not obtained")

// Locker hands out leases on named keys.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// =============================================================================
// REDIS
// =============================================================================

// RedisLocker obtains locks through redislock.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker wraps an existing go-redis client. Keys are namespaced
// with prefix.
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix}
}

// Obtain tries once; it does not wait for a held lock.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	return redisLease{lk}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r redisLease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// =============================================================================
// LOCAL
// =============================================================================

// LocalLocker is a process-wide Locker with TTL expiry.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	token uint64
	now   func() time.Time
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotObtained
	}
	l.token++
	l.held[key] = localEntry{token: l.token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: l.token}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token uint64
}

func (r *localLease) Release(context.Context) error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	// an expired lease may have been re-obtained by someone else
	if e, ok := r.owner.held[r.key]; ok && e.token == r.token {
		delete(r.owner.held, r.key)
	}
	return nil
}
