package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_ExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	lease, err := l.Obtain(ctx, "reconcile:biz-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, "reconcile:biz-1", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	other, err := l.Obtain(ctx, "reconcile:biz-2", time.Minute)
	require.NoError(t, err, "keys are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "release is idempotent")

	again, err := l.Obtain(ctx, "reconcile:biz-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLocker_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	stale, err := l.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Obtain(ctx, "k", time.Minute)
	require.NoError(t, err, "expired lock can be taken over")

	require.NoError(t, stale.Release(ctx))
	_, err = l.Obtain(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained, "stale release must not free the new holder")

	require.NoError(t, fresh.Release(ctx))
}

// Runs only when CREDITGUARD_TEST_REDIS points at a live server.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("CREDITGUARD_TEST_REDIS")
	if addr == "" {
		t.Skip("CREDITGUARD_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	l := NewRedisLocker(rdb, "creditguard:test:")
	key := uuid.NewString()

	lease, err := l.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
}
