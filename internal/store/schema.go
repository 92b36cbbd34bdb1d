package store

import (
	"context"
	"fmt"
)

// Schema statements are written in the portable subset both drivers accept.
// All timestamps are epoch seconds (BIGINT); JSON documents are TEXT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue (
		request_id  TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		enqueued_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS controller_assignments (
		worker_index INTEGER PRIMARY KEY,
		request      TEXT NOT NULL,
		created_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS controller_archive (
		request_id   TEXT PRIMARY KEY,
		emails       TEXT NOT NULL,
		result       TEXT NOT NULL,
		response_url TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS controller_results (
		request_id       TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		verifying        BOOLEAN NOT NULL DEFAULT FALSE,
		greylist_found   BOOLEAN NOT NULL DEFAULT FALSE,
		greylist_found_at BIGINT NOT NULL DEFAULT 0,
		blacklist_found  BOOLEAN NOT NULL DEFAULT FALSE,
		blacklist_found_at BIGINT NOT NULL DEFAULT 0,
		results          TEXT,
		total_emails     INTEGER NOT NULL DEFAULT 0,
		completed_emails INTEGER NOT NULL DEFAULT 0,
		webhook_sent     BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_attempts INTEGER NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		completed_at     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS catch_all_cache (
		domain     TEXT PRIMARY KEY,
		catch_all  INTEGER NOT NULL,
		confidence INTEGER NOT NULL,
		test_count INTEGER NOT NULL,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS antigreylisting (
		request_id    TEXT PRIMARY KEY,
		emails        TEXT NOT NULL,
		response_url  TEXT NOT NULL DEFAULT '',
		attempts      INTEGER NOT NULL DEFAULT 0,
		next_retry_at BIGINT NOT NULL,
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_enqueued ON queue (enqueued_at)`,
	`CREATE INDEX IF NOT EXISTS idx_results_status ON controller_results (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_antigreylist_retry ON antigreylisting (next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expiry ON catch_all_cache (expires_at)`,
}

// Bootstrap creates the state tables if they do not exist.
func (d *DB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	return nil
}
