// Package grantcache is the content-addressed cache of issued grant tokens.
// Two requests that normalize to the same key within a TTL window return
// byte-identical tokens, and cache hits bypass rate limiting (the original
// mint already consumed budget).
package grantcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/echorelay/relay/internal/grant"
)

// ErrMiss is returned when no live entry exists for the key.
var ErrMiss = errors.New("grant cache miss")

// Entry is a cached token with its absolute expiry.
type Entry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache stores issued grants. Implementations must be safe for concurrent
// use. Failures other than ErrMiss are advisory: callers fall through to the
// slow path.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put stores an immutable entry; invalidation is by TTL expiry only.
	Put(ctx context.Context, key string, entry Entry) error
}

// Key derives the content address for a grant request. The topic set must
// already be normalized; the fingerprint stands in for the secret so the raw
// key never reaches a cache backend.
func Key(fingerprint, channel, userID string, topics []grant.TopicScope) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	for _, ts := range topics {
		h.Write([]byte{0})
		h.Write([]byte(ts.Topic))
		h.Write([]byte{':'})
		h.Write([]byte(ts.Scope))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Memory is an in-process Cache for development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !entry.ExpiresAt.After(m.now()) {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (m *Memory) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}
