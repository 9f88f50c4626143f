// Package keystore resolves secret API keys to their owning project. Lookups
// are keyed by the SHA-256 fingerprint of the raw secret so the secret itself
// is never stored or sent to a backend.
package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
)

// Status of a secret key. Only active keys are usable; revocation is one-way.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusRevoked  Status = "revoked"
)

var (
	ErrNotFound    = errors.New("secret key not found")
	ErrKeyDisabled = errors.New("secret key disabled")
	ErrKeyRevoked  = errors.New("secret key revoked")
)

// secretRe matches the printable token format: environment prefix plus 48
// alphabet-restricted characters.
var secretRe = regexp.MustCompile(`^(sk|dv)-er-[A-Za-z0-9]{48}$`)

// Record is the resolved identity of a secret key.
type Record struct {
	ProjectID string `json:"project_id"`
	KeyID     string `json:"key_id"`
	Status    Status `json:"status"`
}

// KeyStore resolves secrets. Implementations must be safe for concurrent use.
type KeyStore interface {
	// Resolve maps a raw secret to its record. Returns ErrNotFound for
	// unknown keys and ErrKeyDisabled/ErrKeyRevoked for unusable ones.
	Resolve(ctx context.Context, secret string) (Record, error)
}

// ValidFormat reports whether the secret is syntactically a relay key. Cheap
// reject before any fingerprinting or backend traffic.
func ValidFormat(secret string) bool {
	return secretRe.MatchString(secret)
}

// Fingerprint returns the hex SHA-256 of the raw secret. All storage and
// cache keys derive from this, never from the secret itself.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// statusErr maps a non-active status to its caller-facing error.
func statusErr(s Status) error {
	switch s {
	case StatusActive:
		return nil
	case StatusDisabled:
		return ErrKeyDisabled
	case StatusRevoked:
		return ErrKeyRevoked
	}
	return ErrNotFound
}

// MemoryStore is an in-process KeyStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // fingerprint -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put registers a secret. The raw secret is fingerprinted and discarded.
func (m *MemoryStore) Put(secret string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[Fingerprint(secret)] = rec
}

// Revoke transitions a key to revoked. One-way: revoked keys never come back.
func (m *MemoryStore) Revoke(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := Fingerprint(secret)
	if rec, ok := m.records[fp]; ok {
		rec.Status = StatusRevoked
		m.records[fp] = rec
	}
}

func (m *MemoryStore) Resolve(_ context.Context, secret string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[Fingerprint(secret)]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := statusErr(rec.Status); err != nil {
		return rec, err
	}
	return rec, nil
}

// SeedFromEnv loads "secret=projectID" pairs (comma separated) into the
// store, for the DEV_SECRET_KEYS convenience. Malformed pairs are skipped.
func (m *MemoryStore) SeedFromEnv(spec string, keyIDFor func(secret string) string) int {
	seeded := 0
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		secret, project, ok := strings.Cut(pair, "=")
		if !ok || !ValidFormat(secret) || project == "" {
			continue
		}
		m.Put(secret, Record{
			ProjectID: project,
			KeyID:     keyIDFor(secret),
			Status:    StatusActive,
		})
		seeded++
	}
	return seeded
}
