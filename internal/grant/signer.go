package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSignerConfig = errors.New("grant signing key missing or malformed")
	ErrMalformed    = errors.New("grant token malformed")
	ErrBadSignature = errors.New("grant token signature invalid")
	ErrExpired      = errors.New("grant token expired")
)

// Claims is the JWT body of a grant token.
type Claims struct {
	ProjectID string       `json:"project_id"`
	Channel   string       `json:"channel"`
	Topics    []TopicScope `json:"topics"`
	UserID    string       `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer mints EdDSA-signed grant tokens. The key is loaded once at init and
// never changes for the life of the process; rotation is a restart.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner builds a Signer from the base64 (std encoding) raw Ed25519
// private key. Both the 64-byte private key and the 32-byte seed form are
// accepted.
func NewSigner(encoded string) (*Signer, error) {
	if encoded == "" {
		return nil, ErrSignerConfig
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &Signer{key: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	}
	return nil, fmt.Errorf("%w: key must be %d or %d bytes, got %d",
		ErrSignerConfig, ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
}

// PublicKey returns the verification half of the signing key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign produces a compact signed token for the grant. IssuedAt and ExpiresAt
// must already be resolved (see ClampExpiry).
func (s *Signer) Sign(g Grant) (string, error) {
	if s == nil || len(s.key) != ed25519.PrivateKeySize {
		return "", ErrSignerConfig
	}
	claims := &Claims{
		ProjectID: g.ProjectID,
		Channel:   g.Channel,
		Topics:    g.Topics,
		UserID:    g.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(g.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.key)
}

// Verifier checks grant tokens against the signer's public key. Verification
// is pure: no network, no state beyond the immutable key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier builds a Verifier from the base64 raw Ed25519 public key.
func NewVerifier(encoded string) (*Verifier, error) {
	if encoded == "" {
		return nil, ErrSignerConfig
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d",
			ErrSignerConfig, ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{key: ed25519.PublicKey(raw)}, nil
}

// NewVerifierFromKey wraps an in-process public key, used when signer and
// verifier share a process.
func NewVerifierFromKey(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify parses and validates a grant token, returning the embedded grant.
// Errors are ErrMalformed, ErrBadSignature, or ErrExpired.
func (v *Verifier) Verify(tokenString string) (*Grant, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		// Pin the method to prevent algorithm confusion.
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}

	g := &Grant{
		ProjectID: claims.ProjectID,
		Channel:   claims.Channel,
		Topics:    claims.Topics,
		UserID:    claims.UserID,
	}
	if claims.IssuedAt != nil {
		g.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
