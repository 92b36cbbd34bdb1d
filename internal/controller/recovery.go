package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/email-verifier/internal/antigreylist"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/metrics"
	"github.com/ignite/email-verifier/internal/queue"
)

// Orphan classifications reported by recovery.
const (
	OutcomeCompleted    = "completed"
	OutcomeRequeued     = "requeued"
	OutcomeWaitGreylist = "wait_greylist"
	OutcomeFailed       = "failed"
)

const recoveryWindow = 7 * 24 * time.Hour

// Recovery reconciles durable state on boot: requests that were mid-flight
// when the previous process died are completed from their archive, re-queued,
// left to the anti-greylist retry loop, or failed. The controller waits for
// Done() before dispatching, and Done fires even when recovery errors so the
// pool can never deadlock on a bad boot.
type Recovery struct {
	queue       *queue.Queue
	grey        *antigreylist.Store
	results     *Results
	archive     *Archive
	assignments *Assignments
	webhook     *WebhookSender

	maxWebhookAttempts int
	done               chan struct{}
	once               sync.Once
	now                func() time.Time
}

// NewRecovery wires a recovery pass over the shared stores.
func NewRecovery(q *queue.Queue, grey *antigreylist.Store, results *Results, archive *Archive, assignments *Assignments, webhook *WebhookSender) *Recovery {
	return &Recovery{
		queue:              q,
		grey:               grey,
		results:            results,
		archive:            archive,
		assignments:        assignments,
		webhook:            webhook,
		maxWebhookAttempts: 5,
		done:               make(chan struct{}),
		now:                time.Now,
	}
}

// Done is closed when recovery has finished, successfully or not.
func (r *Recovery) Done() <-chan struct{} { return r.done }

func (r *Recovery) signal() {
	r.once.Do(func() { close(r.done) })
}

// Run executes the recovery pass and returns the classification per orphan.
// Re-running on the same state is idempotent: completed and failed requests
// stop being candidates, re-queued ones are excluded by queue membership, and
// waiting ones are classified the same way with no state change.
func (r *Recovery) Run(ctx context.Context) (map[string]string, error) {
	defer r.signal()

	if err := r.archive.Restore(ctx); err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	candidates, err := r.collectCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	assigned, err := r.assignments.AssignedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	outcomes := make(map[string]string, len(candidates))
	for _, id := range candidates {
		queued, err := r.queue.HasRequestID(ctx, id)
		if err != nil {
			log.Printf("[Recovery] queue check %s: %v", id, err)
			continue
		}
		if queued {
			continue
		}
		if _, ok := assigned[id]; ok {
			continue
		}

		deferred, err := r.grey.Exists(ctx, id)
		if err != nil {
			log.Printf("[Recovery] greylist check %s: %v", id, err)
			continue
		}
		if deferred {
			// The retry loop owns it; nothing to reconcile.
			log.Printf("[Recovery] %s waiting on greylist retry", id)
			outcomes[id] = OutcomeWaitGreylist
			continue
		}

		outcomes[id] = r.reconcile(ctx, id)
	}

	log.Printf("[Recovery] reconciled %d orphans", len(outcomes))
	return outcomes, nil
}

// collectCandidates gathers non-terminal results rows within the recovery
// window plus archive entries that have no results row at all.
func (r *Recovery) collectCandidates(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-recoveryWindow).Unix()

	ids, err := r.results.NonTerminalSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	for _, id := range r.archive.IDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		e := r.archive.Get(id)
		if e == nil || e.CreatedAt <= cutoff {
			continue
		}
		row, err := r.results.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	return ids, nil
}

// reconcile decides one true orphan's fate from its archived partial.
func (r *Recovery) reconcile(ctx context.Context, id string) string {
	if err := r.assignments.ClearByRequestID(ctx, id); err != nil {
		log.Printf("[Recovery] clear assignments %s: %v", id, err)
	}

	entry := r.archive.Get(id)
	if !entry.Valid() {
		log.Printf("[Recovery] %s has no usable archive, failing", id)
		if err := r.results.Fail(ctx, id); err != nil {
			log.Printf("[Recovery] %v", err)
		}
		metrics.RequestsFailed.Inc()
		return OutcomeFailed
	}

	greyEmails, err := r.grey.Emails(ctx, id)
	if err != nil {
		log.Printf("[Recovery] greylist emails %s: %v", id, err)
	}
	remaining := subtract(entry.Emails, entry.Result, greyEmails)

	switch {
	case len(remaining) == 0 && len(greyEmails) == 0:
		r.completeFromArchive(ctx, entry)
		return OutcomeCompleted
	case len(remaining) > 0:
		r.requeue(ctx, entry, remaining)
		return OutcomeRequeued
	case len(greyEmails) > 0:
		log.Printf("[Recovery] %s waiting on greylist retry for %d emails", id, len(greyEmails))
		return OutcomeWaitGreylist
	default:
		log.Printf("[Recovery] %s unrecoverable, failing", id)
		if err := r.results.Fail(ctx, id); err != nil {
			log.Printf("[Recovery] %v", err)
		}
		metrics.RequestsFailed.Inc()
		return OutcomeFailed
	}
}

func (r *Recovery) completeFromArchive(ctx context.Context, entry *ArchiveEntry) {
	id := entry.RequestID

	if err := r.results.EnsureQueued(ctx, id, len(entry.Emails)); err != nil {
		log.Printf("[Recovery] %v", err)
	}

	results := make([]domain.VerificationObj, 0, len(entry.Result))
	for _, obj := range entry.Result {
		results = append(results, obj)
	}
	if err := r.results.Complete(ctx, id, results); err != nil {
		log.Printf("[Recovery] %v", err)
		return
	}

	row, err := r.results.Get(ctx, id)
	if err != nil {
		log.Printf("[Recovery] %v", err)
	}
	if entry.ResponseURL != "" && row != nil && !row.WebhookSent && row.WebhookAttempts < r.maxWebhookAttempts {
		sent, attempts := r.webhook.Send(ctx, entry.ResponseURL, results, id, len(entry.Emails))
		if err := r.results.RecordWebhook(ctx, id, sent, attempts); err != nil {
			log.Printf("[Recovery] %v", err)
		}
	}

	if err := r.archive.Delete(ctx, id); err != nil {
		log.Printf("[Recovery] %v", err)
	}
	log.Printf("[Recovery] completed %s from archive (%d results)", id, len(results))
}

func (r *Recovery) requeue(ctx context.Context, entry *ArchiveEntry, remaining []string) {
	id := entry.RequestID
	added, err := r.queue.Add(ctx, domain.Request{
		RequestID:   id,
		Emails:      remaining,
		ResponseURL: entry.ResponseURL,
	})
	if err != nil {
		log.Printf("[Recovery] requeue %s: %v", id, err)
		return
	}
	if err := r.results.EnsureQueued(ctx, id, len(entry.Emails)); err != nil {
		log.Printf("[Recovery] %v", err)
	}
	if err := r.results.MarkQueued(ctx, id); err != nil {
		log.Printf("[Recovery] %v", err)
	}
	log.Printf("[Recovery] requeued %s with %d remaining emails (added=%t)", id, len(remaining), added)
}

// subtract removes verified and greylist-deferred emails from the full set.
func subtract(all []string, verified domain.ResultMap, greylisted []string) []string {
	grey := make(map[string]struct{}, len(greylisted))
	for _, e := range greylisted {
		grey[e] = struct{}{}
	}
	var out []string
	for _, e := range all {
		if _, ok := verified[e]; ok {
			continue
		}
		if _, ok := grey[e]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}
