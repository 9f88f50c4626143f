// Package protocol defines the wire envelope spoken over the pub/sub socket:
// a tagged {type, data} frame with strict decoding. Unknown packet types and
// unknown fields are protocol errors, not extensions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// PacketType tags a frame.
type PacketType string

const (
	PacketConnect     PacketType = "connect"
	PacketSubscribe   PacketType = "subscribe"
	PacketUnsubscribe PacketType = "unsubscribe"
	PacketPublish     PacketType = "publish"
	PacketAck         PacketType = "ack"
)

// Application close codes, 4000-4999 range.
const (
	CloseBadRequest         = 4400
	CloseUnauthorized       = 4401
	CloseForbidden          = 4403
	CloseTimeout            = 4408
	CloseConflict           = 4409
	ClosePreconditionFailed = 4412
)

// Ack error codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInvalid      = "INVALID"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownPacket  = errors.New("unknown packet type")
	ErrMissingPayload = errors.New("frame missing data payload")
)

// ConnectData authenticates the connection with a signed grant.
type ConnectData struct {
	GrantJWT string `json:"grant_jwt"`
}

// SubscribeData adds the connection to a topic's subscriber set.
type SubscribeData struct {
	Topic     string `json:"topic"`
	RequestID string `json:"request_id,omitempty"`
}

// UnsubscribeData removes the connection from a topic's subscriber set.
type UnsubscribeData struct {
	Topic     string `json:"topic"`
	RequestID string `json:"request_id,omitempty"`
}

// PublishData is a client publish. ClientMsgID and ClientPublishTs are
// preserved verbatim for end-to-end correlation; everything else the server
// assigns itself.
type PublishData struct {
	Topic           string          `json:"topic"`
	Payload         json.RawMessage `json:"payload"`
	ClientMsgID     string          `json:"client_msg_id,omitempty"`
	ClientPublishTs *float64        `json:"client_publish_ts,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Ack             *bool           `json:"ack,omitempty"`
}

// publishWire tolerates the server-owned broadcast fields on an inbound
// publish so an echoed MessageBody does not trip strict decoding. The values
// are discarded at ingress; the server assigns its own.
type publishWire struct {
	PublishData
	ID              json.RawMessage `json:"id"`
	SenderID        json.RawMessage `json:"sender_id"`
	Seq             json.RawMessage `json:"seq"`
	SentAt          json.RawMessage `json:"sent_at"`
	TIngress        json.RawMessage `json:"t_ingress"`
	TEnqueued       json.RawMessage `json:"t_enqueued"`
	TBroadcastBegin json.RawMessage `json:"t_broadcast_begin"`
	TWsWriteEnd     json.RawMessage `json:"t_ws_write_end"`
	TBroadcastEnd   json.RawMessage `json:"t_broadcast_end"`
}

// MessageBody is the enriched broadcast payload. senderId, seq, sentAt and
// the t_* instrumentation are server-owned: client-supplied values are
// discarded at ingress. t_* fields are monotonic-clock milliseconds; sentAt
// is the only wall-clock field (unix ms).
type MessageBody struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	SenderID        string          `json:"sender_id"`
	Seq             uint64          `json:"seq"`
	SentAt          int64           `json:"sent_at"`
	Payload         json.RawMessage `json:"payload"`
	ClientMsgID     string          `json:"client_msg_id,omitempty"`
	ClientPublishTs *float64        `json:"client_publish_ts,omitempty"`
	TIngress        *float64        `json:"t_ingress,omitempty"`
	TEnqueued       *float64        `json:"t_enqueued,omitempty"`
	TBroadcastBegin *float64        `json:"t_broadcast_begin,omitempty"`
	TWsWriteEnd     *float64        `json:"t_ws_write_end,omitempty"`
	TBroadcastEnd   *float64        `json:"t_broadcast_end,omitempty"`
}

// AckResult is the outcome half of an ack.
type AckResult struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// AckData correlates a server outcome back to a client frame.
type AckData struct {
	Path             string    `json:"path"` // publish, subscribe, unsubscribe
	Result           AckResult `json:"result"`
	ClientMsgID      string    `json:"client_msg_id,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	ServerAssignedID string    `json:"server_assigned_id,omitempty"`
	Seq              uint64    `json:"seq,omitempty"`
	TIngress         *float64  `json:"t_ingress,omitempty"`
}

// Frame is a decoded inbound envelope. Exactly one variant pointer is
// non-nil, matching Type.
type Frame struct {
	Type        PacketType
	Connect     *ConnectData
	Subscribe   *SubscribeData
	Unsubscribe *UnsubscribeData
	Publish     *PublishData
}

type rawEnvelope struct {
	Type PacketType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeStrict unmarshals into v rejecting unknown fields and trailing
// content.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after frame", ErrMalformed)
	}
	return nil
}

// Decode parses one inbound frame. maxBytes <= 0 disables the size check
// (the transport usually enforces its own cap first).
func Decode(data []byte, maxBytes int64) (*Frame, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrFrameTooLarge
	}

	var env rawEnvelope
	if err := decodeStrict(data, &env); err != nil {
		return nil, err
	}

	frame := &Frame{Type: env.Type}

	switch env.Type {
	case PacketConnect:
		frame.Connect = &ConnectData{}
		return frame, decodePayload(env.Data, frame.Connect)
	case PacketSubscribe:
		frame.Subscribe = &SubscribeData{}
		return frame, decodePayload(env.Data, frame.Subscribe)
	case PacketUnsubscribe:
		frame.Unsubscribe = &UnsubscribeData{}
		return frame, decodePayload(env.Data, frame.Unsubscribe)
	case PacketPublish:
		var wire publishWire
		if err := decodePayload(env.Data, &wire); err != nil {
			return nil, err
		}
		frame.Publish = &wire.PublishData
		return frame, nil
	case PacketAck:
		// Acks are server-to-client only.
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, env.Type)
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrMissingPayload
	}
	return decodeStrict(data, v)
}

// EncodeAck serializes a server ack frame.
func EncodeAck(data AckData) ([]byte, error) {
	return encode(PacketAck, data)
}

// EncodeMessage serializes a broadcast publish frame.
func EncodeMessage(body MessageBody) ([]byte, error) {
	return encode(PacketPublish, body)
}

func encode(t PacketType, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEnvelope{Type: t, Data: payload})
}
