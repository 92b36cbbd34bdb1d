package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestEngineLock_Exclusive(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := NewEngineLock(client, "engine", time.Minute)
	second := NewEngineLock(client, "engine", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngineLock_ReleaseOnlyOwn(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := NewEngineLock(client, "engine", time.Minute)
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stranger := NewEngineLock(client, "engine", time.Minute)
	require.NoError(t, stranger.Release(ctx))

	// First still holds the lease.
	ok, err = stranger.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngineLock_ExtendReportsLoss(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	lock := NewEngineLock(client, "engine", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := lock.extend(ctx)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, client.Del(ctx, "lock:engine").Err())
	held, err = lock.extend(ctx)
	require.NoError(t, err)
	require.False(t, held)
}
