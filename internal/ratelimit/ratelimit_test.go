package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowsUpToLimit(t *testing.T) {
	lim := NewMemory(5, 2*time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := lim.Allow(ctx, "proj", "user")
		require.NoError(t, err)
		assert.True(t, d.OK, "attempt %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d, err := lim.Allow(ctx, "proj", "user")
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.ResetAt.After(time.Now()))
	assert.Greater(t, d.RetryAfter(time.Now()), time.Duration(0))
}

func TestMemoryWindowSlides(t *testing.T) {
	lim := NewMemory(2, time.Hour)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := lim.Allow(ctx, "p", "u")
	assert.True(t, d.OK)

	// Half a window later the second slot goes too.
	now = now.Add(30 * time.Minute)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.True(t, d.OK)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.False(t, d.OK)

	// Only the first attempt has aged out; exactly one slot frees up.
	now = now.Add(31 * time.Minute)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.True(t, d.OK)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.False(t, d.OK)
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	lim := NewMemory(1, time.Hour)
	ctx := context.Background()

	d, _ := lim.Allow(ctx, "p1", "u1")
	assert.True(t, d.OK)

	// Different user, different project: separate windows.
	d, _ = lim.Allow(ctx, "p1", "u2")
	assert.True(t, d.OK)
	d, _ = lim.Allow(ctx, "p2", "u1")
	assert.True(t, d.OK)

	d, _ = lim.Allow(ctx, "p1", "u1")
	assert.False(t, d.OK)
}

func setupRedisLimiter(t *testing.T, limit int, window time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, limit, window), mr
}

func TestRedisAllowsUpToLimit(t *testing.T) {
	lim, _ := setupRedisLimiter(t, 5, 2*time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := lim.Allow(ctx, "proj", "user")
		require.NoError(t, err)
		assert.True(t, d.OK, "attempt %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d, err := lim.Allow(ctx, "proj", "user")
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.FailOpen)
}

func TestRedisWindowSlides(t *testing.T) {
	lim, mr := setupRedisLimiter(t, 2, time.Hour)
	base := time.Now()
	lim.now = func() time.Time { return base }
	ctx := context.Background()

	d, _ := lim.Allow(ctx, "p", "u")
	assert.True(t, d.OK)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.True(t, d.OK)
	d, _ = lim.Allow(ctx, "p", "u")
	assert.False(t, d.OK)

	base = base.Add(61 * time.Minute)
	mr.FastForward(61 * time.Minute)

	d, err := lim.Allow(ctx, "p", "u")
	require.NoError(t, err)
	assert.True(t, d.OK)
}

func TestRedisFailOpenOnBackendLoss(t *testing.T) {
	lim, mr := setupRedisLimiter(t, 5, time.Hour)
	mr.Close()

	d, err := lim.Allow(context.Background(), "p", "u")
	assert.Error(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.FailOpen)
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now()
	d := Decision{OK: false, ResetAt: now.Add(30 * time.Minute)}
	assert.InDelta(t, (30 * time.Minute).Seconds(), d.RetryAfter(now).Seconds(), 1)

	allowed := Decision{OK: true, ResetAt: now.Add(time.Hour)}
	assert.Equal(t, time.Duration(0), allowed.RetryAfter(now))
}
