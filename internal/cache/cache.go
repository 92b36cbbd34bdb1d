// Package cache memoizes per-domain catch-all verdicts so the probe can skip
// redundant random-local-part RCPTs.
package cache

import (
	"context"
	"time"
)

const (
	// TTL is how long a verdict stays usable after its last update.
	TTL = 24 * time.Hour

	// MinAge guards against volatile fresh entries: a verdict younger than
	// this is not consulted.
	MinAge = 5 * time.Minute

	// MinConfidence is the lowest confidence a verdict may have and still be
	// used as a probe shortcut.
	MinConfidence = 70

	// CleanInterval is how often expired rows are purged.
	CleanInterval = 15 * time.Minute
)

// Verdict is a stored catch-all observation for a domain.
type Verdict struct {
	CatchAll   bool  `json:"catch_all"`
	Confidence int   `json:"confidence"`
	TestCount  int   `json:"test_count"`
	ExpiresAt  int64 `json:"expires_at"`
	CreatedAt  int64 `json:"created_at"`
}

// usable applies the shared gating rules at the given instant.
func (v *Verdict) usable(now time.Time) bool {
	if v == nil {
		return false
	}
	if now.Unix() >= v.ExpiresAt {
		return false
	}
	if now.Sub(time.Unix(v.CreatedAt, 0)) < MinAge {
		return false
	}
	return v.Confidence >= MinConfidence
}

// merge folds a new observation into an existing verdict: a more confident
// observation replaces the stored one, otherwise confidences are averaged.
// Test counts accumulate either way.
func merge(old *Verdict, catchAll bool, confidence, testCount int, now time.Time) Verdict {
	next := Verdict{
		CatchAll:   catchAll,
		Confidence: confidence,
		TestCount:  testCount,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(TTL).Unix(),
	}
	if old == nil {
		if next.TestCount < 1 {
			next.TestCount = 1
		}
		return next
	}

	next.TestCount = old.TestCount + testCount
	next.CreatedAt = old.CreatedAt
	if confidence <= old.Confidence {
		next.CatchAll = old.CatchAll
		next.Confidence = (old.Confidence + confidence) / 2
	}
	return next
}

// Cache is the catch-all verdict store consulted by the SMTP probe.
// Check returns (nil, nil) when no usable verdict exists.
type Cache interface {
	Cache(ctx context.Context, domain string, catchAll bool, confidence, testCount int) error
	Check(ctx context.Context, domain string) (*Verdict, error)
}
