package channel

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echorelay/relay/internal/protocol"
)

func newTestRegistry(t *testing.T, idleTTL time.Duration) *Registry {
	t.Helper()
	_, verifier := newTestSigner(t)
	r := NewRegistry(testOptions(), idleTTL, verifier, nil, zerolog.Nop())
	t.Cleanup(r.Stop)
	return r
}

func TestRegistryLazyCreation(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	assert.Equal(t, 0, r.ActorCount())

	a := r.Get("p1", "room", "default")
	require.NotNil(t, a)
	assert.Equal(t, 1, r.ActorCount())

	// Same triple returns the same actor.
	assert.Same(t, a, r.Get("p1", "room", "default"))
	assert.Equal(t, 1, r.ActorCount())

	// Different location is a different actor.
	assert.NotSame(t, a, r.Get("p1", "room", "eu"))
	assert.Equal(t, 2, r.ActorCount())
}

func TestRegistryLookupDoesNotCreate(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	_, ok := r.Lookup("p1", "room", "default")
	assert.False(t, ok)
	assert.Equal(t, 0, r.ActorCount())

	created := r.Get("p1", "room", "default")
	found, ok := r.Lookup("p1", "room", "default")
	require.True(t, ok)
	assert.Same(t, created, found)
}

func TestRegistryEvictsIdleActors(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)

	r.Get("p1", "room", "default")
	require.Equal(t, 1, r.ActorCount())

	require.Eventually(t, func() bool {
		return r.ActorCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistryInjectRemoteRouting(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	r.Get("p1", "room", "default")

	body := protocol.MessageBody{ID: "01X", Topic: "chat", Seq: 1}
	assert.True(t, r.InjectRemote("p1", "room", body))
	assert.False(t, r.InjectRemote("p1", "other", body))
	assert.False(t, r.InjectRemote("p2", "room", body))
}
