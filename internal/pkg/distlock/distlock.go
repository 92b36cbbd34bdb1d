// Package distlock guards the verification engine against concurrent
// instances. The durable queue and assignment table assume a single
// controller; when several processes share the same store and redis,
// only the lock holder may dispatch.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long the engine lock survives without a refresh, so a
// crashed holder frees the slot on its own.
const DefaultTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// EngineLock is a redis SET NX lease with an ownership token, so releasing
// or extending never touches a lock a newer process has since acquired.
type EngineLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewEngineLock creates the lock for the named engine instance group.
func NewEngineLock(client *redis.Client, key string, ttl time.Duration) *EngineLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b := make([]byte, 16)
	rand.Read(b)
	return &EngineLock{
		client: client,
		key:    "lock:" + key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lease. It does not block; a false return means
// another engine instance currently holds it.
func (l *EngineLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("distlock: acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release drops the lease if this instance still owns it.
func (l *EngineLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("distlock: release %s: %w", l.key, err)
	}
	return nil
}

// Hold refreshes the lease at a third of its TTL until ctx ends, then
// releases it. Returns on the first failed refresh, which means ownership
// was lost.
func (l *EngineLock) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return l.Release(releaseCtx)
		case <-ticker.C:
			held, err := l.extend(ctx)
			if err != nil {
				return err
			}
			if !held {
				return fmt.Errorf("distlock: lost %s", l.key)
			}
		}
	}
}

func (l *EngineLock) extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("distlock: extend %s: %w", l.key, err)
	}
	return n == 1, nil
}
