package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/store"
)

// Assignments mirrors the per-slot request ownership in
// controller_assignments so recovery can tell in-flight work from orphans.
// worker_index is the primary key, so a slot can never own two requests.
type Assignments struct {
	db *store.DB
}

// NewAssignments creates the assignment store.
func NewAssignments(db *store.DB) *Assignments {
	return &Assignments{db: db}
}

// Save upserts the slot's assignment inside a transaction together with the
// request's transition to processing, so a crash between the two writes
// cannot leave a processing row with no owner.
func (a *Assignments) Save(ctx context.Context, workerIndex int, req domain.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("assignments: marshal %s: %w", req.RequestID, err)
	}

	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("assignments: begin: %w", err)
	}
	defer tx.Rollback()

	now := store.NowUnix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO controller_assignments (worker_index, request, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_index) DO UPDATE SET
			request = EXCLUDED.request,
			created_at = EXCLUDED.created_at
	`, workerIndex, string(payload), now); err != nil {
		return fmt.Errorf("assignments: save slot %d: %w", workerIndex, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE controller_results
		SET status = $2, verifying = $3, updated_at = $4
		WHERE request_id = $1
	`, req.RequestID, domain.StatusProcessing, true, now); err != nil {
		return fmt.Errorf("assignments: mark processing %s: %w", req.RequestID, err)
	}
	return tx.Commit()
}

// Clear removes the slot's assignment row.
func (a *Assignments) Clear(ctx context.Context, workerIndex int) error {
	_, err := a.db.ExecContext(ctx, `
		DELETE FROM controller_assignments WHERE worker_index = $1
	`, workerIndex)
	if err != nil {
		return fmt.Errorf("assignments: clear slot %d: %w", workerIndex, err)
	}
	return nil
}

// AssignedIDs returns the request ids currently owned by any slot.
func (a *Assignments) AssignedIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT request FROM controller_assignments`)
	if err != nil {
		return nil, fmt.Errorf("assignments: scan: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var req domain.Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			log.Printf("[Assignments] corrupt payload, skipping: %v", err)
			continue
		}
		ids[req.RequestID] = struct{}{}
	}
	return ids, rows.Err()
}

// ClearByRequestID removes any stale assignment rows referencing the request.
// Recovery calls it before deciding an orphan's fate.
func (a *Assignments) ClearByRequestID(ctx context.Context, requestID string) error {
	rows, err := a.db.QueryContext(ctx, `SELECT worker_index, request FROM controller_assignments`)
	if err != nil {
		return fmt.Errorf("assignments: scan: %w", err)
	}
	var stale []int
	for rows.Next() {
		var (
			idx     int
			payload string
		)
		if err := rows.Scan(&idx, &payload); err != nil {
			rows.Close()
			return err
		}
		var req domain.Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			continue
		}
		if req.RequestID == requestID {
			stale = append(stale, idx)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, idx := range stale {
		if err := a.Clear(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll drops every assignment row. Used on boot before the pool starts,
// since no worker from a previous process can still be alive.
func (a *Assignments) ClearAll(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM controller_assignments`)
	if err != nil {
		return fmt.Errorf("assignments: clear all: %w", err)
	}
	return nil
}
