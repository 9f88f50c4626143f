// Package usage meters billable actions observed by channel actors and ships
// them to the aggregation tier over an HMAC-signed webhook. Delivery is
// best-effort: events are bounded in memory, retried with backoff, and
// dropped with a logged failure after the retry cap. Nothing here ever
// blocks an actor.
package usage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventType enumerates billable actions.
type EventType string

const (
	EventConnect   EventType = "connect"
	EventSubscribe EventType = "subscribe"
	EventMessage   EventType = "message"
)

// Event is one observed billable action.
type Event struct {
	ProjectID     string    `json:"project_id"`
	KeyID         string    `json:"key_id,omitempty"`
	Event         EventType `json:"event"`
	PayloadLength *int      `json:"payload_length,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink accepts events from channel actors. Record must not block.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events. Used when no webhook is configured.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SignatureHeader carries the hex HMAC-SHA-256 of the raw request body.
const SignatureHeader = "X-Hmac"

// Sign computes the webhook body signature.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the raw body. Exposed
// for receiver implementations and tests; comparison is constant-time.
func VerifySignature(body, secret []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
