package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRunLock(t *testing.T, ttl time.Duration) (*RunLock, *RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close() })

	return NewRunLock(store, ttl), store, mr
}

func TestRunLock_AcquireRelease(t *testing.T) {
	lock, _, _ := setupTestRunLock(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Release(ctx))

	// Re-acquirable after a clean release.
	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Release(ctx))
}

func TestRunLock_SecondHolderRejected(t *testing.T) {
	first, store, _ := setupTestRunLock(t, time.Minute)
	second := NewRunLock(store, time.Minute)
	ctx := context.Background()

	require.NoError(t, first.Acquire(ctx))

	err := second.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, first.Release(ctx))
	assert.NoError(t, second.Acquire(ctx))
}

func TestRunLock_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	lock, _, _ := setupTestRunLock(t, time.Minute)
	assert.NoError(t, lock.Release(context.Background()))
}

func TestRunLock_ExpiredLockNotReleasedByOriginalHolder(t *testing.T) {
	first, store, mr := setupTestRunLock(t, time.Minute)
	second := NewRunLock(store, time.Minute)
	ctx := context.Background()

	require.NoError(t, first.Acquire(ctx))

	// The first holder's TTL elapses and a second run takes over.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, second.Acquire(ctx))

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, first.Release(ctx))
	err := NewRunLock(store, time.Minute).Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestRunLock_LastReport(t *testing.T) {
	lock, _, _ := setupTestRunLock(t, time.Minute)
	ctx := context.Background()

	// No report yet.
	raw, err := lock.LastReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, raw)

	report := []byte(`{"success":true}`)
	require.NoError(t, lock.StoreLastReport(ctx, report))

	raw, err = lock.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report, raw)
}
