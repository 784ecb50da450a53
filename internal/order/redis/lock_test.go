package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client using miniredis for testing
func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	r := NewRedis(client, nil)
	require.NoError(t, r.Ping(context.Background()))
	return r, mr
}

func TestAcquireRelease(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()

	ok, err := r.Acquire(ctx, "bulk_reconcile", "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Acquire(ctx, "bulk_reconcile", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by instance-a")

	holder, err := r.Holder(ctx, "bulk_reconcile")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", holder)

	require.NoError(t, r.Release(ctx, "bulk_reconcile", "instance-b"))
	holder, _ = r.Holder(ctx, "bulk_reconcile")
	assert.Equal(t, "instance-a", holder, "a non-owner cannot release")

	require.NoError(t, r.Release(ctx, "bulk_reconcile", "instance-a"))
	holder, _ = r.Holder(ctx, "bulk_reconcile")
	assert.Empty(t, holder)

	ok, err = r.Acquire(ctx, "bulk_reconcile", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquire_ExpiresAfterTTL(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := r.Acquire(ctx, "cleanup", "instance-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = r.Acquire(ctx, "cleanup", "instance-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken")

	require.NoError(t, r.Release(ctx, "cleanup", "instance-a"), "stale owner release is a no-op")
	holder, _ := r.Holder(ctx, "cleanup")
	assert.Equal(t, "instance-b", holder)
}

func TestAcquire_ZeroTTLStillExpires(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := r.Acquire(ctx, "bulk_reconcile", "instance-a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DefaultLockTTL, mr.TTL(lockKey("bulk_reconcile")))

	mr.FastForward(DefaultLockTTL + time.Second)
	ok, err = r.Acquire(ctx, "bulk_reconcile", "instance-b", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder does not keep the lock")
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.Acquire(ctx, "reconcile:ORD-1", fmt.Sprintf("worker-%d", i), time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestAcquire_RedisDown(t *testing.T) {
	r, mr := setupTestRedis(t)
	mr.Close()
	_, err := r.Acquire(context.Background(), "x", "y", time.Second)
	assert.Error(t, err)
}
