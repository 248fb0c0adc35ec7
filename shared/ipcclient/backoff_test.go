package ipcclient

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	bo := newBackoff(100*time.Millisecond, 800*time.Millisecond)

	prevBase := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := bo.Delay()
		// Jitter adds at most 25% on top of the scheduled base.
		base := 100 * time.Millisecond << uint(i)
		if base > 800*time.Millisecond {
			base = 800 * time.Millisecond
		}
		if d < base || d > base+base/4 {
			t.Fatalf("delay %d = %v outside [%v, %v]", i, d, base, base+base/4)
		}
		if base < prevBase {
			t.Fatalf("schedule shrank at step %d", i)
		}
		prevBase = base
	}
}

func TestBackoffReset(t *testing.T) {
	t.Parallel()

	bo := newBackoff(100*time.Millisecond, time.Second)
	bo.Delay()
	bo.Delay()
	bo.Reset()

	if d := bo.Delay(); d < 100*time.Millisecond || d > 125*time.Millisecond {
		t.Fatalf("delay after reset = %v, want near the minimum", d)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	bo := newBackoff(0, 0)
	if bo.min != 500*time.Millisecond || bo.max != 15*time.Second {
		t.Fatalf("defaults = %v/%v", bo.min, bo.max)
	}
}

func TestNewMessageIDsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if id == "" || seen[id] {
			t.Fatalf("id %q empty or repeated", id)
		}
		seen[id] = true
	}
}
