package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/email-verifier/internal/store"
)

// SQLCache is the default single-process implementation over the embedded store.
type SQLCache struct {
	db  *store.DB
	now func() time.Time
}

// NewSQL creates a catch-all cache over the durable store.
func NewSQL(db *store.DB) *SQLCache {
	return &SQLCache{db: db, now: time.Now}
}

// Cache upserts a verdict for domain, applying the confidence merge rule.
func (c *SQLCache) Cache(ctx context.Context, domain string, catchAll bool, confidence, testCount int) error {
	now := c.now()

	old, err := c.load(ctx, domain)
	if err != nil {
		return err
	}
	next := merge(old, catchAll, confidence, testCount, now)

	catchInt := 0
	if next.CatchAll {
		catchInt = 1
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO catch_all_cache (domain, catch_all, confidence, test_count, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain) DO UPDATE SET
			catch_all = EXCLUDED.catch_all,
			confidence = EXCLUDED.confidence,
			test_count = EXCLUDED.test_count,
			expires_at = EXCLUDED.expires_at
	`, domain, catchInt, next.Confidence, next.TestCount, next.ExpiresAt, next.CreatedAt)
	if err != nil {
		return fmt.Errorf("cache: upsert %s: %w", domain, err)
	}
	return nil
}

// Check returns the stored verdict if it passes the age/TTL/confidence gates.
func (c *SQLCache) Check(ctx context.Context, domain string) (*Verdict, error) {
	v, err := c.load(ctx, domain)
	if err != nil {
		return nil, err
	}
	if !v.usable(c.now()) {
		return nil, nil
	}
	return v, nil
}

func (c *SQLCache) load(ctx context.Context, domain string) (*Verdict, error) {
	var (
		v        Verdict
		catchInt int
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT catch_all, confidence, test_count, expires_at, created_at
		FROM catch_all_cache WHERE domain = $1
	`, domain).Scan(&catchInt, &v.Confidence, &v.TestCount, &v.ExpiresAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load %s: %w", domain, err)
	}
	v.CatchAll = catchInt != 0
	return &v, nil
}

// StartAutoClean purges expired rows every CleanInterval until ctx is done.
func (c *SQLCache) StartAutoClean(ctx context.Context) {
	ticker := time.NewTicker(CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.db.ExecContext(ctx, `DELETE FROM catch_all_cache WHERE expires_at <= $1`, c.now().Unix())
			if err != nil {
				log.Printf("[CatchAllCache] autoclean error: %v", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Printf("[CatchAllCache] purged %d expired verdicts", n)
			}
		}
	}
}
