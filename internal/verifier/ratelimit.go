package verifier

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomic check-and-increment; avoids the GET → check → INCR race when
// several workers probe the same organization.
const orgLimitScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// OrgLimiter throttles RCPT probes per mail organization. With Redis the
// counters are shared across verifier processes; without it a per-process
// counter map serves the same windows.
type OrgLimiter struct {
	redis  *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	windowStart int64
	count       int
}

// NewOrgLimiter creates a limiter. client may be nil for the in-process
// fallback.
func NewOrgLimiter(client *redis.Client) *OrgLimiter {
	return &OrgLimiter{
		redis:  client,
		script: redis.NewScript(orgLimitScript),
		local:  make(map[string]*localWindow),
	}
}

// Allow reserves n probe slots toward org within the current one-second
// window. When denied, it returns how long to wait before retrying.
func (l *OrgLimiter) Allow(ctx context.Context, org string, n int, spec RateLimitSpec) (bool, time.Duration) {
	limit := spec.RequestsPerSecond
	if spec.BurstLimit > limit {
		limit = spec.BurstLimit
	}
	if limit <= 0 {
		return true, 0
	}

	if l.redis == nil {
		return l.allowLocal(org, n, limit)
	}

	key := fmt.Sprintf("verify:ratelimit:%s:sec:%d", org, time.Now().Unix())
	result, err := l.script.Run(ctx, l.redis, []string{key}, n, limit, 2).Slice()
	if err != nil {
		// Redis being down should not stall verification.
		log.Printf("[OrgLimiter] redis error for %s, allowing: %v", org, err)
		return true, 0
	}
	if allowed, ok := result[0].(int64); ok && allowed == 1 {
		return true, 0
	}
	return false, time.Second
}

func (l *OrgLimiter) allowLocal(org string, n, limit int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().Unix()
	w := l.local[org]
	if w == nil || w.windowStart != now {
		w = &localWindow{windowStart: now}
		l.local[org] = w
	}
	if w.count+n > limit {
		return false, time.Second
	}
	w.count += n
	return true, 0
}

// Wait blocks until n slots toward org are granted or ctx is done.
func (l *OrgLimiter) Wait(ctx context.Context, org string, n int, spec RateLimitSpec) error {
	for {
		allowed, wait := l.Allow(ctx, org, n, spec)
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
