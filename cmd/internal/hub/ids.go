package hub

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewEnvelopeID returns a ULID used as the id of hub-originated
// envelopes. ULIDs are lexicographically sortable, which keeps hub
// replies ordered in logs.
func NewEnvelopeID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// ulid.New only fails when the entropy source fails; fall back
		// to a random UUID rather than emitting an empty id.
		return uuid.NewString()
	}
	return id.String()
}

// NewTraceID returns a ULID trace id for hub-initiated log contexts.
func NewTraceID(now time.Time) string {
	return NewEnvelopeID(now)
}

// NewSessionToken returns the opaque per-session token issued in
// auth.ok. Unique per session, never reused, never stored.
func NewSessionToken() string {
	return uuid.NewString()
}
