package ipcclient

import (
	"math/rand"
	"time"
)

// backoff is a capped exponential backoff with jitter for the
// reconnect loop.
type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = 15 * time.Second
	}
	return &backoff{min: min, max: max, next: min}
}

// Delay returns the next wait and advances the schedule.
func (b *backoff) Delay() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	// Up to 25% jitter so a fleet of peers does not reconnect in step.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Reset restarts the schedule after a healthy session.
func (b *backoff) Reset() {
	b.next = b.min
}
