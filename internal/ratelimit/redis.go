package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow is executed atomically server-side: prune the window, count,
// and only record the attempt when it is admitted. KEYS[1] is the tenant
// bucket; ARGV = now_ms, window_ms, limit, member.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])

if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, 0, oldest[2]}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {1, limit - count - 1, oldest[2]}
`)

// Redis is the production sliding-window Limiter backed by a sorted set per
// (projectID, userID).
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithPrefix overrides the key prefix. Default is "relay".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func NewRedis(client *redis.Client, limit int, window time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "relay",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) bucket(projectID, userID string) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", r.prefix, projectID, userID)
}

// Allow runs the window script. The returned error is non-nil only on
// backend failure; the caller decides fail-open policy (Decision.FailOpen is
// prefilled for that case).
func (r *Redis) Allow(ctx context.Context, projectID, userID string) (Decision, error) {
	now := r.now()

	res, err := slidingWindow.Run(ctx, r.client,
		[]string{r.bucket(projectID, userID)},
		now.UnixMilli(),
		r.window.Milliseconds(),
		r.limit,
		uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{OK: true, Remaining: 0, FailOpen: true},
			fmt.Errorf("rate limiter backend failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{OK: true, FailOpen: true},
			fmt.Errorf("rate limiter backend returned %d values", len(res))
	}

	ok, _ := res[0].(int64)
	remaining, _ := res[1].(int64)

	resetAt := now.Add(r.window)
	if s, isStr := res[2].(string); isStr {
		if oldest, perr := strconv.ParseFloat(s, 64); perr == nil {
			resetAt = time.UnixMilli(int64(oldest)).Add(r.window)
		}
	}

	return Decision{
		OK:        ok == 1,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}, nil
}
