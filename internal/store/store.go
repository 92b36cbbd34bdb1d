// Package store opens and bootstraps the durable state store. The default
// driver is the embedded sqlite engine with WAL journaling; postgres is
// supported for deployments that already operate one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DB wraps *sql.DB with driver-aware placeholder rewriting so queries can be
// written once in $N form (postgres style) and still run on sqlite, which
// accepts the equivalent ?N positional form.
type DB struct {
	sqlDB  *sql.DB
	driver string
}

// Open connects to the configured store and verifies the connection.
func Open(driver, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite", "":
		db, err = sql.Open("sqlite", dsn)
	case "postgres":
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" || driver == "" {
		driver = "sqlite"
		// A single writer connection avoids SQLITE_BUSY under concurrent
		// controller/worker writes; reads still interleave thanks to WAL.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &DB{sqlDB: db, driver: driver}
	if driver == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			log.Printf("[Store] WAL pragma failed: %v", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			log.Printf("[Store] foreign_keys pragma failed: %v", err)
		}
	}
	return s, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error { return d.sqlDB.Close() }

// Rebind rewrites $N placeholders to sqlite's ?N form when needed.
func (d *DB) Rebind(query string) string {
	if d.driver != "sqlite" {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// ExecContext runs a statement with placeholder rewriting.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sqlDB.ExecContext(ctx, d.Rebind(query), args...)
}

// QueryContext runs a query with placeholder rewriting.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sqlDB.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRowContext runs a single-row query with placeholder rewriting.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sqlDB.QueryRowContext(ctx, d.Rebind(query), args...)
}

// BeginTx opens a transaction. Callers rebind through Tx helpers below.
func (d *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: d}, nil
}

// Tx wraps *sql.Tx with the same placeholder rewriting as DB.
type Tx struct {
	tx *sql.Tx
	db *DB
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.Rebind(query), args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.Rebind(query), args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to defer after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// NowUnix is the canonical stored-time representation: epoch seconds, which
// both drivers round-trip without timezone drift.
func NowUnix() int64 { return time.Now().Unix() }
