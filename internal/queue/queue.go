// Package queue is the durable FIFO intake of verification requests.
// Requests are deduplicated by request_id, so Add is idempotent; on restart
// pending requests are replayed from the table.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/store"
)

// Queue provides ordered durable access to pending requests. All mutation
// happens through single-statement transactions in the store, so concurrent
// producers only ever observe atomic insertions.
type Queue struct {
	db *store.DB
}

// New creates a queue over the given store.
func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

// Add enqueues a request. Duplicate request_ids are treated as success
// (idempotent) but reported via added=false so callers can log them.
func (q *Queue) Add(ctx context.Context, req domain.Request) (added bool, err error) {
	if req.RequestID == "" {
		return false, errors.New("queue: empty request_id")
	}
	if len(req.Emails) == 0 {
		return false, errors.New("queue: request has no emails")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("queue: marshal request: %w", err)
	}

	// Nanosecond enqueue stamps keep FIFO order for same-second producers.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (request_id, payload, enqueued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, req.RequestID, string(payload), time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("queue: add: %w", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Current peeks at the head of the queue without removing it.
// Returns (nil, nil) when the queue is empty.
func (q *Queue) Current(ctx context.Context) (*domain.Request, error) {
	var payload string
	err := q.db.QueryRowContext(ctx, `
		SELECT payload FROM queue
		ORDER BY enqueued_at ASC, request_id ASC
		LIMIT 1
	`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: current: %w", err)
	}

	var req domain.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("queue: corrupt payload: %w", err)
	}
	return &req, nil
}

// Done removes the head entry iff its id matches requestID. A mismatch means
// the caller raced another consumer; it is logged and ignored.
func (q *Queue) Done(ctx context.Context, requestID string) error {
	head, err := q.Current(ctx)
	if err != nil {
		return err
	}
	if head == nil || head.RequestID != requestID {
		log.Printf("[Queue] Done(%s) ignored: head is %v", requestID, headID(head))
		return nil
	}

	_, err = q.db.ExecContext(ctx, `DELETE FROM queue WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("queue: done: %w", err)
	}
	return nil
}

// HasRequestID reports membership of a request id.
func (q *Queue) HasRequestID(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM queue WHERE request_id = $1)
	`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("queue: has: %w", err)
	}
	return exists, nil
}

// IsEmpty reports whether no requests are pending.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Len(ctx)
	return n == 0, err
}

// Len returns the number of pending requests.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return count, nil
}

func headID(r *domain.Request) string {
	if r == nil {
		return "<empty>"
	}
	return r.RequestID
}
