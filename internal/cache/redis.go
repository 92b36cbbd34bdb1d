package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "catchall:"

// RedisCache shares catch-all verdicts across verifier processes. Redis owns
// expiry via key TTLs, so no autoclean loop is needed.
type RedisCache struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis creates a redis-backed catch-all cache.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, now: time.Now}
}

// Cache upserts a verdict, applying the same merge rule as the SQL cache.
func (c *RedisCache) Cache(ctx context.Context, domain string, catchAll bool, confidence, testCount int) error {
	key := redisKeyPrefix + domain
	now := c.now()

	old, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	next := merge(old, catchAll, confidence, testCount, now)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", domain, err)
	}
	if err := c.client.Set(ctx, key, data, TTL).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", domain, err)
	}
	return nil
}

// Check returns the stored verdict if it passes the age/TTL/confidence gates.
func (c *RedisCache) Check(ctx context.Context, domain string) (*Verdict, error) {
	v, err := c.load(ctx, redisKeyPrefix+domain)
	if err != nil {
		return nil, err
	}
	if !v.usable(c.now()) {
		return nil, nil
	}
	return v, nil
}

func (c *RedisCache) load(ctx context.Context, key string) (*Verdict, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, fmt.Errorf("cache: corrupt verdict at %s: %w", key, err)
	}
	return &v, nil
}
