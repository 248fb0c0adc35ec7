package ipcclient

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a ULID string, falling back to the zero-entropy form
// only if the entropy source fails (callers treat ids as opaque).
func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.ULID{}.String()
	}
	return id.String()
}

// NewMessageID returns a fresh envelope id.
func NewMessageID() string { return newULID(time.Now().UTC()) }

// NewTraceID returns a fresh trace id for a new logical request chain.
func NewTraceID() string { return newULID(time.Now().UTC()) }
