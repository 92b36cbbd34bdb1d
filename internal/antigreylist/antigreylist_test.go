package antigreylist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/store"
)

func setup(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))
	return New(db)
}

func TestStore_AddAndExists(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com"}, "https://hooks.test/cb"))

	ok, err = s.Exists(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)

	active, err := s.CheckGreylist(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, active)
}

func TestStore_AddUnionsEmails(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com", "b@example.com"}, "https://hooks.test/cb"))
	require.NoError(t, s.Add(ctx, "req-1", []string{"b@example.com", "c@example.com"}, ""))

	emails, err := s.Emails(ctx, "req-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com"}, emails)
}

func TestStore_NotDueBeforeWindow(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com"}, ""))

	// Only a minute in: the 8 minute initial window has not elapsed.
	s.now = func() time.Time { return base.Add(time.Minute) }
	ready, exhausted, err := s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)
	require.Empty(t, exhausted)
}

func TestStore_DueAfterWindowAndBacksOff(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com"}, "https://hooks.test/cb"))

	s.now = func() time.Time { return base.Add(9 * time.Minute) }
	ready, exhausted, err := s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Empty(t, exhausted)
	require.Len(t, ready, 1)
	require.Equal(t, "req-1", ready[0].RequestID)
	require.Equal(t, []string{"a@example.com"}, ready[0].Emails)
	require.Equal(t, "https://hooks.test/cb", ready[0].ResponseURL)

	// Attempt count bumped, so the second window is 16 minutes.
	s.now = func() time.Time { return base.Add(9*time.Minute + 10*time.Minute) }
	ready, _, err = s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)

	s.now = func() time.Time { return base.Add(9*time.Minute + 17*time.Minute) }
	ready, _, err = s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestStore_ExhaustionRemovesEntry(t *testing.T) {
	s := setup(t)
	s.maxAttempts = 2
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com"}, ""))

	s.now = func() time.Time { return base.Add(time.Hour) }
	ready, exhausted, err := s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Empty(t, exhausted)
	require.Len(t, ready, 1)

	s.now = func() time.Time { return base.Add(10 * time.Hour) }
	ready, exhausted, err = s.TryGreylisted(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)
	require.Equal(t, []string{"req-1"}, exhausted)

	ok, err := s.Exists(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_ClearGreylistForRequest(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "req-1", []string{"a@example.com"}, ""))
	require.NoError(t, s.ClearGreylistForRequest(ctx, "req-1"))

	ok, err := s.Exists(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, ok)

	// Clearing a missing entry is a no-op.
	require.NoError(t, s.ClearGreylistForRequest(ctx, "req-1"))
}

func TestBackoffCaps(t *testing.T) {
	s := &Store{initialDelay: 8 * time.Minute, maxDelay: 4 * time.Hour, maxAttempts: 10}
	require.Equal(t, 8*time.Minute, s.backoff(0))
	require.Equal(t, 16*time.Minute, s.backoff(1))
	require.Equal(t, 32*time.Minute, s.backoff(2))
	require.Equal(t, 4*time.Hour, s.backoff(9))
}
