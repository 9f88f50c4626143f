// Package grant defines the channel grant model: the short-lived signed
// capability that authorizes one user to interact with one channel under a
// topic-scope ACL.
package grant

import (
	"regexp"
	"sort"
	"time"
)

// Scope is a topic permission, ordered by permissiveness.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeReadWrite Scope = "read-write"
)

// Lifetime bounds for issued grants. The requested expiry hint is clamped
// into [MinLifetime, MaxLifetime]; absent a hint the maximum applies.
const (
	MinLifetime = 10 * time.Minute
	MaxLifetime = 2 * time.Hour
)

// MaxTopics bounds the ACL size of a single grant.
const MaxTopics = 64

var (
	channelRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
	topicRe   = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
)

// Wildcard grants the entry's scope on every topic in the channel.
const Wildcard = "*"

func (s Scope) Valid() bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeReadWrite:
		return true
	}
	return false
}

// Merge returns the union of the two scopes' capabilities: a connection
// holding both scopes may do anything either one allows, so read merged with
// write is read-write.
func (s Scope) Merge(other Scope) Scope {
	pub := s.AllowsPublish() || other.AllowsPublish()
	sub := s.AllowsSubscribe() || other.AllowsSubscribe()
	switch {
	case pub && sub:
		return ScopeReadWrite
	case pub:
		return ScopeWrite
	case sub:
		return ScopeRead
	}
	return s
}

// AllowsPublish reports whether the scope permits publishing.
func (s Scope) AllowsPublish() bool {
	return s == ScopeWrite || s == ScopeReadWrite
}

// AllowsSubscribe reports whether the scope permits subscribing.
func (s Scope) AllowsSubscribe() bool {
	return s == ScopeRead || s == ScopeReadWrite
}

// TopicScope is one ACL entry: a topic name (or the wildcard) and a scope.
type TopicScope struct {
	Topic string `json:"topic"`
	Scope Scope  `json:"scope"`
}

// Grant is the payload carried inside a signed grant token.
type Grant struct {
	ProjectID string       `json:"project_id"`
	Channel   string       `json:"channel"`
	Topics    []TopicScope `json:"topics"`
	UserID    string       `json:"user_id"`
	IssuedAt  time.Time    `json:"-"`
	ExpiresAt time.Time    `json:"-"`
}

// ValidChannel reports whether name is a well-formed channel name.
func ValidChannel(name string) bool {
	return channelRe.MatchString(name)
}

// ValidTopic reports whether name is a well-formed topic name or the wildcard.
func ValidTopic(name string) bool {
	return name == Wildcard || topicRe.MatchString(name)
}

// ValidUserID bounds the caller-supplied user identifier.
func ValidUserID(id string) bool {
	return id != "" && len(id) <= 128
}

// Normalize deduplicates ACL entries by topic name, merging duplicate
// entries into their capability union, and sorts entries ascending by topic. The
// result is canonical: two topic sets that authorize identically normalize
// to identical slices, which is what makes the grant cache content-addressed.
func Normalize(topics []TopicScope) []TopicScope {
	merged := make(map[string]Scope, len(topics))
	for _, ts := range topics {
		if existing, ok := merged[ts.Topic]; ok {
			merged[ts.Topic] = existing.Merge(ts.Scope)
		} else {
			merged[ts.Topic] = ts.Scope
		}
	}

	out := make([]TopicScope, 0, len(merged))
	for topic, scope := range merged {
		out = append(out, TopicScope{Topic: topic, Scope: scope})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// ClampExpiry resolves the effective expiry for a grant issued at now with an
// optional caller hint. Zero hint means "no preference".
func ClampExpiry(now time.Time, hint time.Time) time.Time {
	eff := now.Add(MaxLifetime)
	if !hint.IsZero() && hint.Before(eff) {
		eff = hint
	}
	if min := now.Add(MinLifetime); eff.Before(min) {
		eff = min
	}
	return eff
}

// ScopeFor evaluates the grant's ACL for a concrete topic. Wildcard entries
// apply to every topic; when both a wildcard and an explicit entry match, the
// union of their capabilities applies. ok is false when nothing matches.
func (g *Grant) ScopeFor(topic string) (Scope, bool) {
	var out Scope
	found := false
	for _, ts := range g.Topics {
		if ts.Topic == Wildcard || ts.Topic == topic {
			if !found {
				out = ts.Scope
				found = true
			} else {
				out = out.Merge(ts.Scope)
			}
		}
	}
	return out, found
}

// CanPublish reports write authorization on topic.
func (g *Grant) CanPublish(topic string) bool {
	s, ok := g.ScopeFor(topic)
	return ok && s.AllowsPublish()
}

// CanSubscribe reports read authorization on topic.
func (g *Grant) CanSubscribe(topic string) bool {
	s, ok := g.ScopeFor(topic)
	return ok && s.AllowsSubscribe()
}
