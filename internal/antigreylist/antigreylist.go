// Package antigreylist holds emails deferred by greylisting servers and
// surfaces them for re-verification once their retry window arrives.
package antigreylist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/store"
)

// Defaults match the typical greylisting window: most servers accept a retry
// after 5-15 minutes, so the first attempt waits 8 and backs off from there.
const (
	DefaultInitialDelay = 8 * time.Minute
	DefaultMaxDelay     = 4 * time.Hour
	DefaultMaxAttempts  = 10
)

// Store is the durable anti-greylist list keyed by request_id.
type Store struct {
	db           *store.DB
	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	now          func() time.Time
}

// Option tunes the retry schedule.
type Option func(*Store)

// WithSchedule overrides the backoff schedule.
func WithSchedule(initial, max time.Duration, maxAttempts int) Option {
	return func(s *Store) {
		if initial > 0 {
			s.initialDelay = initial
		}
		if max > 0 {
			s.maxDelay = max
		}
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// New creates an anti-greylist store with the default schedule.
func New(db *store.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		maxAttempts:  DefaultMaxAttempts,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// backoff computes the delay before the next retry for the given attempt count.
func (s *Store) backoff(attempts int) time.Duration {
	delay := s.initialDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}

// Add upserts the deferred emails for a request. On an existing entry the
// email sets are unioned and the retry time is recomputed from the current
// attempt count, so repeated greylist reports do not shorten the window.
func (s *Store) Add(ctx context.Context, requestID string, emails []string, responseURL string) error {
	if requestID == "" {
		return errors.New("antigreylist: empty request_id")
	}
	now := s.now()

	existing, err := s.get(ctx, requestID)
	if err != nil {
		return err
	}

	attempts := 0
	merged := emails
	if existing != nil {
		attempts = existing.Attempts
		merged = unionEmails(existing.Emails, emails)
		if responseURL == "" {
			responseURL = existing.ResponseURL
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("antigreylist: marshal emails: %w", err)
	}
	nextRetry := now.Add(s.backoff(attempts)).Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO antigreylisting (request_id, emails, response_url, attempts, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO UPDATE SET
			emails = EXCLUDED.emails,
			response_url = EXCLUDED.response_url,
			next_retry_at = EXCLUDED.next_retry_at
	`, requestID, string(data), responseURL, attempts, nextRetry, now.Unix())
	if err != nil {
		return fmt.Errorf("antigreylist: add %s: %w", requestID, err)
	}
	return nil
}

// Exists reports whether a record exists for the request id.
func (s *Store) Exists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM antigreylisting WHERE request_id = $1)
	`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("antigreylist: exists: %w", err)
	}
	return exists, nil
}

// CheckGreylist reports whether a greylist record is still active, meaning it
// exists and has retry attempts left.
func (s *Store) CheckGreylist(ctx context.Context, requestID string) (bool, error) {
	entry, err := s.get(ctx, requestID)
	if err != nil || entry == nil {
		return false, err
	}
	return entry.Attempts < s.maxAttempts, nil
}

// TryGreylisted returns the requests whose retry window has arrived and bumps
// their attempt counters. Entries that have exhausted their attempts are
// removed and reported separately so the controller can finalize them from
// the archived partial.
func (s *Store) TryGreylisted(ctx context.Context) (ready []domain.Request, exhausted []string, err error) {
	now := s.now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, emails, response_url, attempts
		FROM antigreylisting
		WHERE next_retry_at <= $1
		ORDER BY next_retry_at ASC
	`, now.Unix())
	if err != nil {
		return nil, nil, fmt.Errorf("antigreylist: query due: %w", err)
	}
	defer rows.Close()

	type due struct {
		id          string
		emails      []string
		responseURL string
		attempts    int
	}
	var dues []due
	for rows.Next() {
		var (
			d          due
			emailsJSON string
		)
		if err := rows.Scan(&d.id, &emailsJSON, &d.responseURL, &d.attempts); err != nil {
			log.Printf("[AntiGreylist] scan error: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(emailsJSON), &d.emails); err != nil {
			log.Printf("[AntiGreylist] corrupt emails for %s: %v", d.id, err)
			continue
		}
		dues = append(dues, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("antigreylist: rows: %w", err)
	}

	for _, d := range dues {
		if d.attempts+1 >= s.maxAttempts {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM antigreylisting WHERE request_id = $1`, d.id); err != nil {
				log.Printf("[AntiGreylist] delete exhausted %s: %v", d.id, err)
				continue
			}
			exhausted = append(exhausted, d.id)
			log.Printf("[AntiGreylist] %s exhausted after %d attempts", d.id, d.attempts+1)
			continue
		}

		nextRetry := now.Add(s.backoff(d.attempts + 1)).Unix()
		if _, err := s.db.ExecContext(ctx, `
			UPDATE antigreylisting SET attempts = attempts + 1, next_retry_at = $2
			WHERE request_id = $1
		`, d.id, nextRetry); err != nil {
			log.Printf("[AntiGreylist] bump attempts %s: %v", d.id, err)
			continue
		}
		ready = append(ready, domain.Request{
			RequestID:   d.id,
			Emails:      d.emails,
			ResponseURL: d.responseURL,
		})
	}
	return ready, exhausted, nil
}

// ClearGreylistForRequest removes the entry for a request.
func (s *Store) ClearGreylistForRequest(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM antigreylisting WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("antigreylist: clear %s: %w", requestID, err)
	}
	return nil
}

// Emails returns the deferred email set for a request, or nil when absent.
// Startup recovery uses it to subtract greylisted emails from the remaining set.
func (s *Store) Emails(ctx context.Context, requestID string) ([]string, error) {
	entry, err := s.get(ctx, requestID)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Emails, nil
}

type entry struct {
	RequestID   string
	Emails      []string
	ResponseURL string
	Attempts    int
	NextRetryAt int64
}

func (s *Store) get(ctx context.Context, requestID string) (*entry, error) {
	var (
		e          entry
		emailsJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, emails, response_url, attempts, next_retry_at
		FROM antigreylisting WHERE request_id = $1
	`, requestID).Scan(&e.RequestID, &emailsJSON, &e.ResponseURL, &e.Attempts, &e.NextRetryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("antigreylist: get %s: %w", requestID, err)
	}
	if err := json.Unmarshal([]byte(emailsJSON), &e.Emails); err != nil {
		return nil, fmt.Errorf("antigreylist: corrupt emails for %s: %w", requestID, err)
	}
	return &e, nil
}

func unionEmails(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, e := range a {
		seen[e] = struct{}{}
	}
	for _, e := range b {
		seen[e] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
