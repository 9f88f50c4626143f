package grantcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echorelay/relay/internal/grant"
)

func TestKeyIsContentAddressed(t *testing.T) {
	topics := []grant.TopicScope{{Topic: "chat", Scope: grant.ScopeRead}}

	a := Key("fp", "room", "user", topics)
	b := Key("fp", "room", "user", topics)
	assert.Equal(t, a, b)

	// Every component participates in the hash.
	assert.NotEqual(t, a, Key("fp2", "room", "user", topics))
	assert.NotEqual(t, a, Key("fp", "room2", "user", topics))
	assert.NotEqual(t, a, Key("fp", "room", "user2", topics))
	assert.NotEqual(t, a, Key("fp", "room", "user",
		[]grant.TopicScope{{Topic: "chat", Scope: grant.ScopeWrite}}))
	assert.NotEqual(t, a, Key("fp", "room", "user",
		append(topics, grant.TopicScope{Topic: "x", Scope: grant.ScopeRead})))
}

func TestKeyDelimiting(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" across field boundaries must not collide.
	assert.NotEqual(t,
		Key("ab", "c", "u", nil),
		Key("a", "bc", "u", nil))
}

func TestMemoryGetPut(t *testing.T) {
	cache := NewMemory()
	ctx := context.Background()

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	entry := Entry{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, cache.Put(ctx, "k", entry))

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
}

func TestMemoryExpiry(t *testing.T) {
	cache := NewMemory()
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "k", Entry{Token: "tok", ExpiresAt: now.Add(time.Minute)}))

	now = now.Add(2 * time.Minute)
	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func setupRedisCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client), mr
}

func TestRedisGetPut(t *testing.T) {
	cache, _ := setupRedisCache(t)
	ctx := context.Background()

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	entry := Entry{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, cache.Put(ctx, "k", entry))

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
}

func TestRedisTTLExpiry(t *testing.T) {
	cache, mr := setupRedisCache(t)
	ctx := context.Background()

	entry := Entry{Token: "tok", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, cache.Put(ctx, "k", entry))

	mr.FastForward(2 * time.Minute)
	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisPutSkipsExpiredEntry(t *testing.T) {
	cache, _ := setupRedisCache(t)

	err := cache.Put(context.Background(), "k", Entry{
		Token: "tok", ExpiresAt: time.Now().Add(-time.Second),
	})
	assert.NoError(t, err)

	_, err = cache.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrMiss)
}
