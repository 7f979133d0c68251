package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	locker, _ := newRedisLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "domain-1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "domain-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := locker.Acquire(ctx, "domain-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx), "second release is a no-op")

	again, err := locker.Acquire(ctx, "domain-1", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}

func TestRedisLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "domain-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, "domain-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:domain-1"), "new holder keeps the lease")

	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists("test:domain-1"))
}

func TestMemoryLocker(t *testing.T) {
	t.Run("exclusive", func(t *testing.T) {
		locker := NewMemoryLocker()
		ctx := context.Background()

		l, err := locker.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		_, err = locker.Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrHeld)

		require.NoError(t, l.Release(ctx))
		_, err = locker.Acquire(ctx, "k", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("expires", func(t *testing.T) {
		locker := NewMemoryLocker()
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		locker.now = func() time.Time { return now }
		ctx := context.Background()

		_, err := locker.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		_, err = locker.Acquire(ctx, "k", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("concurrent acquirers get one winner", func(t *testing.T) {
		locker := NewMemoryLocker()
		ctx := context.Background()

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := locker.Acquire(ctx, "k", time.Minute); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})
}
