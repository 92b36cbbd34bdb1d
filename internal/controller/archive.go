package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/store"
)

// Archive tiers: completed requests keep their archive row for a day so late
// webhook readers can diff, anything else is garbage after a week.
const (
	archiveCompletedTTL = 24 * time.Hour
	archiveOrphanTTL    = 7 * 24 * time.Hour
)

// ArchiveEntry holds the partial verdicts accumulated for a request across
// greylist deferrals, plus enough of the request to finalize it alone.
type ArchiveEntry struct {
	RequestID   string
	Emails      []string
	ResponseURL string
	Result      domain.ResultMap
	CreatedAt   int64
}

// Valid reports whether the entry carries everything recovery needs.
func (e *ArchiveEntry) Valid() bool {
	return e != nil && e.RequestID != "" && len(e.Emails) > 0 && e.Result != nil
}

// Archive is the in-memory partial-result map with a durable mirror in
// controller_archive. The controller loop is the only writer; reads from
// recovery happen before the loop starts.
type Archive struct {
	db *store.DB

	mu      sync.RWMutex
	entries map[string]*ArchiveEntry
}

// NewArchive creates an empty archive over the given store.
func NewArchive(db *store.DB) *Archive {
	return &Archive{db: db, entries: make(map[string]*ArchiveEntry)}
}

// Restore loads the durable mirror into memory. Corrupt rows are logged and
// skipped rather than failing the boot.
func (a *Archive) Restore(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT request_id, emails, result, response_url, created_at
		FROM controller_archive
	`)
	if err != nil {
		return fmt.Errorf("archive: restore: %w", err)
	}
	defer rows.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[string]*ArchiveEntry)
	for rows.Next() {
		var (
			e                      ArchiveEntry
			emailsJSON, resultJSON string
		)
		if err := rows.Scan(&e.RequestID, &emailsJSON, &resultJSON, &e.ResponseURL, &e.CreatedAt); err != nil {
			log.Printf("[Archive] restore scan: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(emailsJSON), &e.Emails); err != nil {
			log.Printf("[Archive] corrupt emails for %s: %v", e.RequestID, err)
			continue
		}
		if err := json.Unmarshal([]byte(resultJSON), &e.Result); err != nil {
			log.Printf("[Archive] corrupt result for %s: %v", e.RequestID, err)
			continue
		}
		a.entries[e.RequestID] = &e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("archive: restore rows: %w", err)
	}
	log.Printf("[Archive] restored %d entries", len(a.entries))
	return nil
}

// MergeFresh folds a new partial into the archived map for a request, with
// fresh verdicts overwriting archived ones, and persists the merged entry.
// Used on the greylist-deferral path where the newest pass is authoritative.
func (a *Archive) MergeFresh(ctx context.Context, req domain.Request, fresh domain.ResultMap) error {
	a.mu.Lock()
	e, ok := a.entries[req.RequestID]
	if !ok {
		e = &ArchiveEntry{
			RequestID:   req.RequestID,
			Emails:      req.Emails,
			ResponseURL: req.ResponseURL,
			Result:      make(domain.ResultMap, len(fresh)),
			CreatedAt:   store.NowUnix(),
		}
		a.entries[req.RequestID] = e
	}
	e.Result.Merge(fresh, true)
	snapshot := *e
	a.mu.Unlock()

	return a.persist(ctx, &snapshot)
}

// Get returns the archived entry, or nil.
func (a *Archive) Get(requestID string) *ArchiveEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries[requestID]
}

// IDs returns all archived request ids.
func (a *Archive) IDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	return ids
}

// Delete removes the entry from memory and the mirror.
func (a *Archive) Delete(ctx context.Context, requestID string) error {
	a.mu.Lock()
	delete(a.entries, requestID)
	a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `DELETE FROM controller_archive WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("archive: delete %s: %w", requestID, err)
	}
	return nil
}

// Cleanup removes archive rows in two tiers: entries whose request completed
// more than 24h ago, and entries older than 7 days whose request never
// completed. Returns the number of rows removed.
func (a *Archive) Cleanup(ctx context.Context) (int, error) {
	now := store.NowUnix()

	res, err := a.db.ExecContext(ctx, `
		DELETE FROM controller_archive WHERE request_id IN (
			SELECT request_id FROM controller_results
			WHERE status = $1 AND completed_at > 0 AND completed_at < $2
		)
	`, domain.StatusCompleted, now-int64(archiveCompletedTTL.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("archive: cleanup completed: %w", err)
	}
	completed, _ := res.RowsAffected()

	res, err = a.db.ExecContext(ctx, `
		DELETE FROM controller_archive
		WHERE created_at < $1 AND request_id NOT IN (
			SELECT request_id FROM controller_results WHERE status = $2
		)
	`, now-int64(archiveOrphanTTL.Seconds()), domain.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("archive: cleanup orphans: %w", err)
	}
	orphans, _ := res.RowsAffected()

	removed := int(completed + orphans)
	if removed > 0 {
		a.dropFromMemory(ctx)
		log.Printf("[Archive] cleanup removed %d rows (%d completed, %d stale)", removed, completed, orphans)
	}
	return removed, nil
}

// dropFromMemory evicts in-memory entries whose mirror row is gone.
func (a *Archive) dropFromMemory(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.entries {
		var exists bool
		err := a.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM controller_archive WHERE request_id = $1)
		`, id).Scan(&exists)
		if err == nil && !exists {
			delete(a.entries, id)
		}
	}
}

func (a *Archive) persist(ctx context.Context, e *ArchiveEntry) error {
	emails, err := json.Marshal(e.Emails)
	if err != nil {
		return fmt.Errorf("archive: marshal emails %s: %w", e.RequestID, err)
	}
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("archive: marshal result %s: %w", e.RequestID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO controller_archive (request_id, emails, result, response_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO UPDATE SET
			emails = EXCLUDED.emails,
			result = EXCLUDED.result,
			response_url = EXCLUDED.response_url
	`, e.RequestID, string(emails), string(result), e.ResponseURL, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive: persist %s: %w", e.RequestID, err)
	}
	return nil
}
