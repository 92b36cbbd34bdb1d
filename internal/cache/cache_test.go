package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/store"
)

func setupSQL(t *testing.T) *SQLCache {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))
	return NewSQL(db)
}

func setupRedis(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client)
}

// both implementations share the gating rules; run the contract against each.
func forEachImpl(t *testing.T, fn func(t *testing.T, c Cache, clock *func() time.Time)) {
	t.Run("sql", func(t *testing.T) {
		c := setupSQL(t)
		fn(t, c, &c.now)
	})
	t.Run("redis", func(t *testing.T) {
		c := setupRedis(t)
		fn(t, c, &c.now)
	})
}

func TestCache_FreshEntryNotUsable(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		ctx := context.Background()
		require.NoError(t, c.Cache(ctx, "example.com", true, 95, 1))

		// Younger than the 5 minute minimum age: not consulted.
		v, err := c.Check(ctx, "example.com")
		require.NoError(t, err)
		require.Nil(t, v)
	})
}

func TestCache_UsableAfterMinAge(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		ctx := context.Background()
		base := time.Now()
		*clock = func() time.Time { return base }

		require.NoError(t, c.Cache(ctx, "example.com", true, 95, 1))

		*clock = func() time.Time { return base.Add(6 * time.Minute) }
		v, err := c.Check(ctx, "example.com")
		require.NoError(t, err)
		require.NotNil(t, v)
		require.True(t, v.CatchAll)
		require.Equal(t, 95, v.Confidence)
	})
}

func TestCache_LowConfidenceNotUsable(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		ctx := context.Background()
		base := time.Now()
		*clock = func() time.Time { return base }

		require.NoError(t, c.Cache(ctx, "weak.test", false, 50, 1))

		*clock = func() time.Time { return base.Add(10 * time.Minute) }
		v, err := c.Check(ctx, "weak.test")
		require.NoError(t, err)
		require.Nil(t, v)
	})
}

func TestCache_ExpiredNotUsable(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		ctx := context.Background()
		base := time.Now()
		*clock = func() time.Time { return base }

		require.NoError(t, c.Cache(ctx, "old.test", true, 95, 1))

		*clock = func() time.Time { return base.Add(25 * time.Hour) }
		v, err := c.Check(ctx, "old.test")
		require.NoError(t, err)
		require.Nil(t, v)
	})
}

func TestCache_MergeRules(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		ctx := context.Background()
		base := time.Now()
		*clock = func() time.Time { return base }

		// Higher confidence replaces.
		require.NoError(t, c.Cache(ctx, "merge.test", false, 75, 1))
		require.NoError(t, c.Cache(ctx, "merge.test", true, 95, 1))

		*clock = func() time.Time { return base.Add(10 * time.Minute) }
		v, err := c.Check(ctx, "merge.test")
		require.NoError(t, err)
		require.NotNil(t, v)
		require.True(t, v.CatchAll)
		require.Equal(t, 95, v.Confidence)
		require.Equal(t, 2, v.TestCount)

		// Lower confidence averages, keeps stored verdict, accumulates count.
		*clock = func() time.Time { return base }
		require.NoError(t, c.Cache(ctx, "merge.test", false, 75, 1))

		*clock = func() time.Time { return base.Add(10 * time.Minute) }
		v, err = c.Check(ctx, "merge.test")
		require.NoError(t, err)
		require.NotNil(t, v)
		require.True(t, v.CatchAll)
		require.Equal(t, 85, v.Confidence)
		require.Equal(t, 3, v.TestCount)
	})
}

func TestCache_MissReturnsNil(t *testing.T) {
	forEachImpl(t, func(t *testing.T, c Cache, clock *func() time.Time) {
		v, err := c.Check(context.Background(), "never-seen.test")
		require.NoError(t, err)
		require.Nil(t, v)
	})
}
