package dnsx

import (
	"context"
	"net"
	"sync"
	"time"
)

// DefaultMXTTL bounds how long a cached MX answer is reused. MX sets change
// rarely, but a stuck answer would steer every probe for the domain wrong.
const DefaultMXTTL = 30 * time.Minute

// MXCache fronts a Resolver with a TTL cache. Concurrent lookups for the
// same domain collapse into one upstream query; all waiters share the answer.
type MXCache struct {
	mu       sync.Mutex
	entries  map[string]*mxEntry
	ttl      time.Duration
	upstream Resolver
	now      func() time.Time
}

type mxEntry struct {
	records []*net.MX
	err     error
	expires time.Time
	done    chan struct{}
}

// NewMXCache wraps upstream with a cache using the given TTL.
func NewMXCache(upstream Resolver, ttl time.Duration) *MXCache {
	if ttl <= 0 {
		ttl = DefaultMXTTL
	}
	return &MXCache{
		entries:  make(map[string]*mxEntry),
		ttl:      ttl,
		upstream: upstream,
		now:      time.Now,
	}
}

// LookupMX returns MX records for the domain, hitting the upstream at most
// once per TTL window. Errors are cached too, so a dead zone does not get
// hammered by every email sharing its domain.
func (c *MXCache) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	domain = NormalizeHost(domain)

	c.mu.Lock()
	if e, ok := c.entries[domain]; ok {
		select {
		case <-e.done:
			if c.now().Before(e.expires) {
				c.mu.Unlock()
				return copyMX(e.records), e.err
			}
			// expired, refresh below
		default:
			// lookup in flight, wait for it
			c.mu.Unlock()
			select {
			case <-e.done:
				return copyMX(e.records), e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	e := &mxEntry{done: make(chan struct{})}
	c.entries[domain] = e
	c.mu.Unlock()

	e.records, e.err = c.upstream.LookupMX(ctx, domain)
	e.expires = c.now().Add(c.ttl)
	close(e.done)

	return copyMX(e.records), e.err
}

// Len reports the number of cached domains.
func (c *MXCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// callers sort and mutate the slice, so hand out copies
func copyMX(records []*net.MX) []*net.MX {
	if records == nil {
		return nil
	}
	out := make([]*net.MX, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out
}
