package locking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManagerMutualExclusion(t *testing.T) {
	m := NewMemoryManager()
	defer m.Close()
	ctx := context.Background()

	lock, held, err := m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	require.NotNil(t, lock)

	_, held, err = m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	// A different resource is independent.
	_, held, err = m.TryAcquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, lock))

	_, held, err = m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMemoryManagerTTLExpiry(t *testing.T) {
	m := NewMemoryManager()
	defer m.Close()
	ctx := context.Background()

	_, held, err := m.TryAcquire(ctx, "short", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, held)

	require.Eventually(t, func() bool {
		_, held, err := m.TryAcquire(ctx, "short", time.Minute)
		return err == nil && held
	}, time.Second, 20*time.Millisecond, "expired lock was not swept")
}

func TestMemoryManagerReleaseChecksToken(t *testing.T) {
	m := NewMemoryManager()
	defer m.Close()
	ctx := context.Background()

	lock, held, err := m.TryAcquire(ctx, "guarded", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	stale := &Lock{Resource: "guarded", Token: "not-the-owner"}
	require.NoError(t, m.Release(ctx, stale))

	// The real owner still holds it.
	_, held, err = m.TryAcquire(ctx, "guarded", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.Release(ctx, lock))
}

func TestDisabledAlwaysGrants(t *testing.T) {
	m := Disabled{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lock, held, err := m.TryAcquire(ctx, "anything", time.Minute)
		require.NoError(t, err)
		assert.True(t, held)
		require.NoError(t, m.Release(ctx, lock))
	}
}

func TestRedisManagerMutualExclusion(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	m := NewRedisManager(client)
	ctx := context.Background()

	lock, held, err := m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, held, err = m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.Release(ctx, lock))

	_, held, err = m.TryAcquire(ctx, "resume-all", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisManagerTTLExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	m := NewRedisManager(client)
	ctx := context.Background()

	_, held, err := m.TryAcquire(ctx, "short", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	srv.FastForward(2 * time.Second)

	_, held, err = m.TryAcquire(ctx, "short", time.Second)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisManagerReleaseChecksToken(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	m := NewRedisManager(client)
	ctx := context.Background()

	_, held, err := m.TryAcquire(ctx, "guarded", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	stale := &Lock{Resource: "guarded", Token: "someone-else"}
	require.NoError(t, m.Release(ctx, stale))

	_, held, err = m.TryAcquire(ctx, "guarded", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)
}
