package grant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := NewSigner(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)

	return signer, NewVerifierFromKey(signer.PublicKey())
}

func testGrant(now time.Time) Grant {
	return Grant{
		ProjectID: "proj-1",
		Channel:   "room",
		Topics:    []TopicScope{{Topic: "chat", Scope: ScopeReadWrite}},
		UserID:    "user-a",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, verifier := newTestSigner(t)
	now := time.Now()

	token, err := signer.Sign(testGrant(now))
	require.NoError(t, err)

	got, err := verifier.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, "room", got.Channel)
	assert.Equal(t, "user-a", got.UserID)
	assert.Equal(t, []TopicScope{{Topic: "chat", Scope: ScopeReadWrite}}, got.Topics)
	assert.WithinDuration(t, now.Add(time.Hour), got.ExpiresAt, time.Second)
}

func TestSignIsDeterministicForSamePayload(t *testing.T) {
	// Ed25519 signatures are deterministic, so identical grants mint
	// byte-identical tokens. The grant cache idempotence property depends
	// on this.
	signer, _ := newTestSigner(t)
	now := time.Unix(1756000000, 0)

	a, err := signer.Sign(testGrant(now))
	require.NoError(t, err)
	b, err := signer.Sign(testGrant(now))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestVerifyExpired(t *testing.T) {
	signer, verifier := newTestSigner(t)

	g := testGrant(time.Now().Add(-2 * time.Hour))
	g.ExpiresAt = time.Now().Add(-time.Second)

	token, err := signer.Sign(g)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	_, verifier := newTestSigner(t)

	_, err := verifier.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = verifier.Verify("")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyWrongKey(t *testing.T) {
	signer, _ := newTestSigner(t)
	_, otherVerifier := newTestSigner(t)

	token, err := signer.Sign(testGrant(time.Now()))
	require.NoError(t, err)

	_, err = otherVerifier.Verify(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	// An HMAC token signed with the raw public key bytes must not verify.
	_, verifier := newTestSigner(t)

	_, err := verifier.Verify("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.e30.x")
	assert.Error(t, err)
}

func TestNewSignerConfigErrors(t *testing.T) {
	_, err := NewSigner("")
	assert.ErrorIs(t, err, ErrSignerConfig)

	_, err = NewSigner("!!!not-base64!!!")
	assert.ErrorIs(t, err, ErrSignerConfig)

	_, err = NewSigner(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrSignerConfig)
}

func TestNewSignerFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	signer, err := NewSigner(base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)

	token, err := signer.Sign(testGrant(time.Now()))
	require.NoError(t, err)

	_, err = NewVerifierFromKey(signer.PublicKey()).Verify(token)
	assert.NoError(t, err)
}
