// Package ratelimit implements the grant issuance limiter: a sliding window
// per (projectID, userID). Backend failure is fail-open with a metric; an
// actual deny is authoritative and the caller must refuse.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the limiter's answer for one attempt.
type Decision struct {
	OK        bool
	Remaining int
	ResetAt   time.Time
	// FailOpen marks decisions produced because the backend was
	// unreachable. The attempt was allowed but not accounted.
	FailOpen bool
}

// RetryAfter derives the wait the caller should advertise on a deny.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.OK || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter answers whether one more grant may be issued for the given tenant
// and user. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, projectID, userID string) (Decision, error)
}

// Memory is an in-process sliding-window Limiter for development and tests.
// Keeps per-key attempt timestamps and prunes them on each check.
type Memory struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:    limit,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func key(projectID, userID string) string {
	return projectID + "\x00" + userID
}

func (m *Memory) Allow(_ context.Context, projectID, userID string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	k := key(projectID, userID)

	kept := m.attempts[k][:0]
	for _, ts := range m.attempts[k] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.limit {
		m.attempts[k] = kept
		return Decision{
			OK:        false,
			Remaining: 0,
			ResetAt:   kept[0].Add(m.window),
		}, nil
	}

	kept = append(kept, now)
	m.attempts[k] = kept
	return Decision{
		OK:        true,
		Remaining: m.limit - len(kept),
		ResetAt:   kept[0].Add(m.window),
	}, nil
}
