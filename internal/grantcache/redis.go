package grantcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Cache. Entries are written once at mint with TTL
// equal to the grant's effective lifetime; Redis expiry is the only
// invalidation.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithPrefix overrides the key prefix. Default is "relay".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "relay", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) cacheKey(key string) string {
	return fmt.Sprintf("%s:grant:%s", r.prefix, key)
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	data, err := r.client.Get(ctx, r.cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("grant cache get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("grant cache entry malformed: %w", err)
	}
	// Guard against clock drift between writer TTL and embedded expiry.
	if !entry.ExpiresAt.After(r.now()) {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (r *Redis) Put(ctx context.Context, key string, entry Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("grant cache set failed: %w", err)
	}
	return nil
}
