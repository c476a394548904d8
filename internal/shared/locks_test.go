package shared

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T, ttl, timeout time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl, timeout), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Minute, 80*time.Millisecond)
	ctx := context.Background()
	key := InventoryLockKey(1, 2, 3)
	require.Equal(t, "inventory:1:2:3:lock", key)

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	_, err = locker.Lock(ctx, key)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	unlock()
	require.False(t, mr.Exists(key))

	unlock2, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	unlock2()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Second, 50*time.Millisecond)
	ctx := context.Background()
	key := InventoryLockKey(1, 2, 3)

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	// The lease lapses and another process takes the key.
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(key))
	require.NoError(t, mr.Set(key, "other-holder"))

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "other-holder", got)
}

func TestLocalLockerSerialisesKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "k")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Empty(t, locker.slots)
}

func TestLocalLockerTimeoutAndIndependentKeys(t *testing.T) {
	locker := NewLocalLocker(30 * time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "a")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "a")
	require.ErrorIs(t, err, ErrLockNotAcquired)

	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock()
}

func TestLockAllOrdersAndReleases(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	release, err := LockAll(ctx, locker, "wh:20", "wh:10", "wh:20")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "wh:10")
	require.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	unlock, err := locker.Lock(ctx, "wh:10")
	require.NoError(t, err)
	defer unlock()

	// A partially acquired set is released when a later key is busy.
	_, err = LockAll(ctx, locker, "wh:05", "wh:10")
	require.ErrorIs(t, err, ErrLockNotAcquired)
	free, err := locker.Lock(ctx, "wh:05")
	require.NoError(t, err)
	free()
}
