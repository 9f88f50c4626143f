package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore resolves keys against the authoritative Redis index maintained
// by the console. Reads are read-your-writes on that store: the console
// writes the record under the fingerprint key, and a revocation overwrites
// it in place, so a disabled or revoked key is rejected on the next lookup.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix. Default is "relay".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing client; the caller owns the client's
// lifecycle.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "relay"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(fingerprint string) string {
	return fmt.Sprintf("%s:key:%s", s.prefix, fingerprint)
}

func (s *RedisStore) Resolve(ctx context.Context, secret string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(Fingerprint(secret))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("keystore redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("keystore record malformed: %w", err)
	}
	if err := statusErr(rec.Status); err != nil {
		return rec, err
	}
	return rec, nil
}

// Put writes a record under the secret's fingerprint. Used by tests and by
// dev tooling; production records are written by the console.
func (s *RedisStore) Put(ctx context.Context, secret string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(Fingerprint(secret)), data, 0).Err()
}
