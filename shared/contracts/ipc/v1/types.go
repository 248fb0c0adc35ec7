// Package v1 defines the TaskSprite IPC envelope contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the hub and every peer service to keep the
// wire protocol authoritative.
package v1

import (
	"encoding/json"
	"time"
)

// Version is the protocol version carried in every envelope.
const Version = 1

// Reserved peer names.
const (
	// PeerHub is the destination for hub-local topics (auth, heartbeat)
	// and the sender of every hub-originated envelope.
	PeerHub = "ipc-hub"

	// PeerBroadcast fans an envelope out to every peer except the sender.
	PeerBroadcast = "broadcast"
)

// Topics the hub acts on directly. Everything else is opaque and routed
// unchanged.
const (
	// TopicAuthHello starts a session handshake (peer -> hub).
	TopicAuthHello = "auth.hello"
	// TopicAuthOK acknowledges the handshake (hub -> peer).
	TopicAuthOK = "auth.ok"
	// TopicAuthError reports a handshake failure (hub -> peer).
	TopicAuthError = "auth.error"

	// TopicIPCError reports a protocol error on an established session.
	TopicIPCError = "ipc.error"

	// TopicPing is a peer heartbeat (peer -> hub).
	TopicPing = "hb.ping"
	// TopicPong answers a heartbeat (hub -> peer).
	TopicPong = "hb.pong"
)

// Envelope is the canonical wire wrapper. One envelope per text frame.
//
// ReplyTo is a pointer so the field round-trips as JSON null when absent:
// the wire schema requires the key to be present on every envelope.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	TS      string          `json:"ts"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Topic   string          `json:"topic"`
	ReplyTo *string         `json:"reply_to"`
	TraceID string          `json:"trace_id"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals the envelope into a single JSON text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// Timestamp returns the current time formatted for the ts field
// (ISO-8601 UTC).
func Timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

// ---- Payloads ----

// HelloPayload authenticates a peer. Capabilities are informational only.
type HelloPayload struct {
	Service      string   `json:"service"`
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthOKPayload acknowledges authentication. SessionToken is opaque,
// unique per session, and never required on subsequent messages.
type AuthOKPayload struct {
	Service      string `json:"service"`
	SessionToken string `json:"session_token,omitempty"`
}

// PingPayload is the hb.ping payload. Source is optional.
type PingPayload struct {
	Source string `json:"source,omitempty"`
}

// ErrorPayload is carried by auth.error and ipc.error envelopes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
