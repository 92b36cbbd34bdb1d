// Package controller owns the worker pool: it dispatches queued and
// greylist-deferred requests to worker slots, collates partial completions,
// persists results and archive state, and delivers completion webhooks.
package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/store"
)

// ResultRow is the durable per-request status record the ingress API reads.
type ResultRow struct {
	RequestID       string
	Status          domain.RequestStatus
	Verifying       bool
	GreylistFound   bool
	BlacklistFound  bool
	Results         []domain.VerificationObj
	TotalEmails     int
	CompletedEmails int
	WebhookSent     bool
	WebhookAttempts int
	CreatedAt       int64
	UpdatedAt       int64
	CompletedAt     int64
}

// Results persists request lifecycle state in controller_results.
type Results struct {
	db *store.DB
}

// NewResults creates the results store.
func NewResults(db *store.DB) *Results {
	return &Results{db: db}
}

// EnsureQueued creates the status row for a freshly enqueued request. An
// existing row is left untouched so re-submits never reset progress.
func (r *Results) EnsureQueued(ctx context.Context, requestID string, totalEmails int) error {
	now := store.NowUnix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO controller_results (request_id, status, total_emails, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, domain.StatusQueued, totalEmails, now, now)
	if err != nil {
		return fmt.Errorf("results: ensure queued %s: %w", requestID, err)
	}
	return nil
}

// MarkProcessing flips a request to processing with verification in flight.
func (r *Results) MarkProcessing(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, domain.StatusProcessing, true, store.NowUnix())
	if err != nil {
		return fmt.Errorf("results: mark processing %s: %w", requestID, err)
	}
	return nil
}

// MarkDeferred records that a request left the worker but is not terminal,
// waiting for its anti-greylist retry window.
func (r *Results) MarkDeferred(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, domain.StatusProcessing, false, store.NowUnix())
	if err != nil {
		return fmt.Errorf("results: mark deferred %s: %w", requestID, err)
	}
	return nil
}

// MarkQueued resets a request to queued with no verification in flight.
// Startup recovery uses it when re-queueing orphans.
func (r *Results) MarkQueued(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, domain.StatusQueued, false, store.NowUnix())
	if err != nil {
		return fmt.Errorf("results: mark queued %s: %w", requestID, err)
	}
	return nil
}

// MarkGreylistFound flags that at least one recipient was greylisted.
func (r *Results) MarkGreylistFound(ctx context.Context, requestID string) error {
	now := store.NowUnix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET greylist_found = $2, greylist_found_at = $3, updated_at = $3
		WHERE request_id = $1
	`, requestID, true, now)
	if err != nil {
		return fmt.Errorf("results: mark greylist %s: %w", requestID, err)
	}
	return nil
}

// MarkBlacklistFound flags that at least one recipient hit a blacklist.
func (r *Results) MarkBlacklistFound(ctx context.Context, requestID string) error {
	now := store.NowUnix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET blacklist_found = $2, blacklist_found_at = $3, updated_at = $3
		WHERE request_id = $1
	`, requestID, true, now)
	if err != nil {
		return fmt.Errorf("results: mark blacklist %s: %w", requestID, err)
	}
	return nil
}

// Complete persists the terminal verdicts for a request.
func (r *Results) Complete(ctx context.Context, requestID string, results []domain.VerificationObj) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("results: marshal %s: %w", requestID, err)
	}
	now := store.NowUnix()
	_, err = r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, results = $4, completed_emails = $5,
		    updated_at = $6, completed_at = $6
		WHERE request_id = $1
	`, requestID, domain.StatusCompleted, false, string(data), len(results), now)
	if err != nil {
		return fmt.Errorf("results: complete %s: %w", requestID, err)
	}
	return nil
}

// Fail routes a request to the failed terminal state.
func (r *Results) Fail(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, domain.StatusFailed, false, store.NowUnix())
	if err != nil {
		return fmt.Errorf("results: fail %s: %w", requestID, err)
	}
	return nil
}

// RecordWebhook stores the delivery outcome.
func (r *Results) RecordWebhook(ctx context.Context, requestID string, sent bool, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_results
		SET webhook_sent = $2, webhook_attempts = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, sent, attempts, store.NowUnix())
	if err != nil {
		return fmt.Errorf("results: record webhook %s: %w", requestID, err)
	}
	return nil
}

// Get returns the status row, or nil when unknown.
func (r *Results) Get(ctx context.Context, requestID string) (*ResultRow, error) {
	var (
		row         ResultRow
		resultsJSON sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT request_id, status, verifying, greylist_found, blacklist_found,
		       results, total_emails, completed_emails, webhook_sent,
		       webhook_attempts, created_at, updated_at, completed_at
		FROM controller_results WHERE request_id = $1
	`, requestID).Scan(
		&row.RequestID, &row.Status, &row.Verifying, &row.GreylistFound,
		&row.BlacklistFound, &resultsJSON, &row.TotalEmails, &row.CompletedEmails,
		&row.WebhookSent, &row.WebhookAttempts, &row.CreatedAt, &row.UpdatedAt,
		&row.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: get %s: %w", requestID, err)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &row.Results); err != nil {
			return nil, fmt.Errorf("results: corrupt results for %s: %w", requestID, err)
		}
	}
	return &row, nil
}

// NonTerminalSince returns request ids still queued or processing that were
// created after the cutoff. Startup recovery scans these for orphans.
func (r *Results) NonTerminalSince(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id FROM controller_results
		WHERE status IN ($1, $2) AND created_at > $3
	`, domain.StatusQueued, domain.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("results: scan non-terminal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
