package cron

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

func TestLocalLockIsExclusive(t *testing.T) {
	lock := &LocalLock{}
	ctx := context.Background()

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BOOKINGS_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLockExcludesOtherOwners(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	key := "bk:test:lock:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	first, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// releasing without ownership leaves the holder in place
	require.NoError(t, second.Release(ctx))
	assert.Equal(t, int64(1), client.Exists(ctx, key).Val())

	require.NoError(t, first.Release(ctx))
	assert.Equal(t, int64(0), client.Exists(ctx, key).Val())
}

func TestRedisLockReleaseSkipsStolenLock(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	key := "bk:test:lock:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	lock, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Set(ctx, key, "someone-else", time.Minute).Err())
	require.NoError(t, lock.Release(ctx))
	assert.Equal(t, "someone-else", client.Get(ctx, key).Val())
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Second)
	assert.Error(t, err)
	_, err = NewRedisLock(redis.NewClient(&redis.Options{}), "", time.Second)
	assert.Error(t, err)
}
