package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/antigreylist"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/queue"
	"github.com/ignite/email-verifier/internal/store"
)

type recoveryFixture struct {
	db          *store.DB
	queue       *queue.Queue
	grey        *antigreylist.Store
	results     *Results
	archive     *Archive
	assignments *Assignments
	webhook     *WebhookSender
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))

	ws := NewWebhookSender(time.Second, 5)
	ws.sleep = noSleep
	return &recoveryFixture{
		db:          db,
		queue:       queue.New(db),
		grey:        antigreylist.New(db),
		results:     NewResults(db),
		archive:     NewArchive(db),
		assignments: NewAssignments(db),
		webhook:     ws,
	}
}

func (f *recoveryFixture) recovery() *Recovery {
	return NewRecovery(f.queue, f.grey, f.results, f.archive, f.assignments, f.webhook)
}

func (f *recoveryFixture) seedArchive(t *testing.T, req domain.Request, results domain.ResultMap) {
	t.Helper()
	require.NoError(t, f.archive.MergeFresh(context.Background(), req, results))
}

func obj(email string, reachable domain.Reachability) domain.VerificationObj {
	return domain.VerificationObj{
		Email:     email,
		Syntax:    domain.Syntax{Username: "u", Domain: "example.com", Valid: true},
		Reachable: reachable,
	}
}

func TestRecovery_WaitsOnGreylistMember(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	// r9: two of three emails verified in archive, one deferred to greylist.
	req := domain.Request{RequestID: "r9", Emails: []string{"a@x.tld", "b@x.tld", "c@x.tld"}}
	f.seedArchive(t, req, domain.ResultMap{
		"a@x.tld": obj("a@x.tld", domain.ReachableYes),
		"b@x.tld": obj("b@x.tld", domain.ReachableNo),
	})
	require.NoError(t, f.results.EnsureQueued(ctx, "r9", 3))
	require.NoError(t, f.results.MarkProcessing(ctx, "r9"))
	require.NoError(t, f.grey.Add(ctx, "r9", []string{"c@x.tld"}, ""))

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeWaitGreylist, outcomes["r9"])

	// Nothing was touched: still processing, archive and greylist rows intact.
	row, err := f.results.Get(ctx, "r9")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, row.Status)
	require.NotNil(t, f.archive.Get("r9"))
	exists, err := f.grey.Exists(ctx, "r9")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRecovery_CompletesFullyVerifiedOrphan(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := domain.Request{RequestID: "r1", Emails: []string{"a@x.tld", "b@x.tld"}, ResponseURL: srv.URL}
	f.seedArchive(t, req, domain.ResultMap{
		"a@x.tld": obj("a@x.tld", domain.ReachableYes),
		"b@x.tld": obj("b@x.tld", domain.ReachableNo),
	})
	require.NoError(t, f.results.EnsureQueued(ctx, "r1", 2))
	require.NoError(t, f.results.MarkProcessing(ctx, "r1"))

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcomes["r1"])

	row, err := f.results.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, row.Status)
	require.Equal(t, 2, row.CompletedEmails)
	require.True(t, row.WebhookSent)
	require.Equal(t, int64(1), hits.Load())
	require.Nil(t, f.archive.Get("r1"))
}

func TestRecovery_RequeuesPartiallyVerifiedOrphan(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	req := domain.Request{RequestID: "r2", Emails: []string{"a@x.tld", "b@x.tld", "c@x.tld"}}
	f.seedArchive(t, req, domain.ResultMap{
		"a@x.tld": obj("a@x.tld", domain.ReachableYes),
	})
	require.NoError(t, f.results.EnsureQueued(ctx, "r2", 3))
	require.NoError(t, f.results.MarkProcessing(ctx, "r2"))

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, outcomes["r2"])

	head, err := f.queue.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, "r2", head.RequestID)
	require.ElementsMatch(t, []string{"b@x.tld", "c@x.tld"}, head.Emails)

	row, err := f.results.Get(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, row.Status)
	require.False(t, row.Verifying)
}

func TestRecovery_FailsOrphanWithoutArchive(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.results.EnsureQueued(ctx, "r3", 2))
	require.NoError(t, f.results.MarkProcessing(ctx, "r3"))

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcomes["r3"])

	row, err := f.results.Get(ctx, "r3")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, row.Status)
}

func TestRecovery_SkipsQueuedAndAssigned(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	// Queued request keeps its owner.
	queued := domain.Request{RequestID: "r4", Emails: []string{"a@x.tld"}}
	added, err := f.queue.Add(ctx, queued)
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, f.results.EnsureQueued(ctx, "r4", 1))

	// Assigned request is in flight.
	assigned := domain.Request{RequestID: "r5", Emails: []string{"b@x.tld"}}
	require.NoError(t, f.results.EnsureQueued(ctx, "r5", 1))
	require.NoError(t, f.assignments.Save(ctx, 0, assigned))

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.NotContains(t, outcomes, "r4")
	require.NotContains(t, outcomes, "r5")
}

func TestRecovery_CompletesArchiveWithoutResultsRow(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	req := domain.Request{RequestID: "r6", Emails: []string{"a@x.tld"}}
	f.seedArchive(t, req, domain.ResultMap{
		"a@x.tld": obj("a@x.tld", domain.ReachableYes),
	})

	outcomes, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcomes["r6"])

	row, err := f.results.Get(ctx, "r6")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, domain.StatusCompleted, row.Status)
}

func TestRecovery_Rerun_Idempotent(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	req := domain.Request{RequestID: "r7", Emails: []string{"a@x.tld", "b@x.tld"}}
	f.seedArchive(t, req, domain.ResultMap{
		"a@x.tld": obj("a@x.tld", domain.ReachableYes),
	})
	require.NoError(t, f.results.EnsureQueued(ctx, "r7", 2))
	require.NoError(t, f.results.MarkProcessing(ctx, "r7"))

	first, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, first["r7"])

	// Second pass sees r7 in the queue and leaves everything alone.
	second, err := f.recovery().Run(ctx)
	require.NoError(t, err)
	require.NotContains(t, second, "r7")

	var count int
	require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRecovery_DoneFiresOnFailure(t *testing.T) {
	f := newRecoveryFixture(t)
	rec := f.recovery()

	// Break the store under recovery; the signal must still fire.
	f.db.Close()
	_, err := rec.Run(context.Background())
	require.Error(t, err)

	select {
	case <-rec.Done():
	default:
		t.Fatal("recovery done signal did not fire on failure")
	}
}
