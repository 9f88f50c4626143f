package grant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDeduplicatesAndSorts(t *testing.T) {
	in := []TopicScope{
		{Topic: "orders", Scope: ScopeRead},
		{Topic: "chat", Scope: ScopeWrite},
		{Topic: "orders", Scope: ScopeReadWrite},
		{Topic: "alerts", Scope: ScopeRead},
	}

	out := Normalize(in)

	assert.Equal(t, []TopicScope{
		{Topic: "alerts", Scope: ScopeRead},
		{Topic: "chat", Scope: ScopeWrite},
		{Topic: "orders", Scope: ScopeReadWrite},
	}, out)
}

func TestNormalizeMergesDuplicateTopics(t *testing.T) {
	// read and write on the same topic union to read-write.
	out := Normalize([]TopicScope{
		{Topic: "chat", Scope: ScopeRead},
		{Topic: "chat", Scope: ScopeWrite},
	})

	assert.Len(t, out, 1)
	assert.Equal(t, ScopeReadWrite, out[0].Scope)

	out = Normalize([]TopicScope{
		{Topic: "chat", Scope: ScopeReadWrite},
		{Topic: "chat", Scope: ScopeRead},
	})
	assert.Equal(t, ScopeReadWrite, out[0].Scope)
}

func TestScopeMergeIsCapabilityUnion(t *testing.T) {
	assert.Equal(t, ScopeReadWrite, ScopeRead.Merge(ScopeWrite))
	assert.Equal(t, ScopeReadWrite, ScopeWrite.Merge(ScopeRead))
	assert.Equal(t, ScopeReadWrite, ScopeReadWrite.Merge(ScopeRead))
	assert.Equal(t, ScopeRead, ScopeRead.Merge(ScopeRead))
	assert.Equal(t, ScopeWrite, ScopeWrite.Merge(ScopeWrite))
}

func TestNormalizeIsIdempotentAndDeterministic(t *testing.T) {
	in := []TopicScope{
		{Topic: "b", Scope: ScopeRead},
		{Topic: "a", Scope: ScopeWrite},
	}
	first := Normalize(in)
	second := Normalize(first)
	assert.Equal(t, first, second)
}

func TestClampExpiry(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// No hint: default to max lifetime.
	assert.Equal(t, now.Add(MaxLifetime), ClampExpiry(now, time.Time{}))

	// Hint below minimum gets raised.
	assert.Equal(t, now.Add(MinLifetime), ClampExpiry(now, now.Add(time.Minute)))

	// Hint in the past gets raised.
	assert.Equal(t, now.Add(MinLifetime), ClampExpiry(now, now.Add(-time.Hour)))

	// Hint beyond maximum gets lowered.
	assert.Equal(t, now.Add(MaxLifetime), ClampExpiry(now, now.Add(6*time.Hour)))

	// Hint in range passes through.
	hint := now.Add(30 * time.Minute)
	assert.Equal(t, hint, ClampExpiry(now, hint))
}

func TestValidation(t *testing.T) {
	assert.True(t, ValidChannel("room-1.a:b_c"))
	assert.False(t, ValidChannel(""))
	assert.False(t, ValidChannel("has space"))
	assert.False(t, ValidChannel(string(make([]byte, 65))))

	assert.True(t, ValidTopic("chat_01"))
	assert.True(t, ValidTopic(Wildcard))
	assert.False(t, ValidTopic("no.dots"))
	assert.False(t, ValidTopic(""))

	assert.True(t, ValidUserID("u-1"))
	assert.False(t, ValidUserID(""))
}

func TestScopeForWildcardWidening(t *testing.T) {
	g := &Grant{Topics: []TopicScope{
		{Topic: Wildcard, Scope: ScopeRead},
		{Topic: "chat", Scope: ScopeWrite},
	}}

	// Explicit entry and wildcard both match: capabilities union.
	s, ok := g.ScopeFor("chat")
	assert.True(t, ok)
	assert.Equal(t, ScopeReadWrite, s)
	assert.True(t, g.CanPublish("chat"))
	assert.True(t, g.CanSubscribe("chat")) // via wildcard read

	// Wildcard alone covers unlisted topics.
	s, ok = g.ScopeFor("other")
	assert.True(t, ok)
	assert.Equal(t, ScopeRead, s)
	assert.False(t, g.CanPublish("other"))
}

func TestScopeForNoMatch(t *testing.T) {
	g := &Grant{Topics: []TopicScope{{Topic: "chat", Scope: ScopeReadWrite}}}

	_, ok := g.ScopeFor("orders")
	assert.False(t, ok)
	assert.False(t, g.CanPublish("orders"))
	assert.False(t, g.CanSubscribe("orders"))
}

func TestScopeCapabilities(t *testing.T) {
	assert.True(t, ScopeWrite.AllowsPublish())
	assert.False(t, ScopeWrite.AllowsSubscribe())
	assert.True(t, ScopeRead.AllowsSubscribe())
	assert.False(t, ScopeRead.AllowsPublish())
	assert.True(t, ScopeReadWrite.AllowsPublish())
	assert.True(t, ScopeReadWrite.AllowsSubscribe())
}
