package hub

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestSweepEvictsStaleSessions(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	stale, staleTr := newTestSession("agent-core", minSendQueueSize)
	fresh, freshTr := newTestSession("desktop-ui", minSendQueueSize)
	for _, s := range []*Session{stale, fresh} {
		if err := reg.Register(s.Name, s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}

	m := NewLivenessMonitor(testLogger(), reg, 20*time.Second, 5*time.Second)

	base := monotonicNow()
	stale.Touch(base)
	fresh.Touch(base + 25*time.Second)
	m.Sweep(base + 30*time.Second)

	if _, ok := reg.Lookup("agent-core"); ok {
		t.Fatal("stale session still registered after sweep")
	}
	closed, code, reason := staleTr.closedWith()
	if !closed || code != websocket.StatusGoingAway || reason != reasonHeartbeatTimeout {
		t.Fatalf("stale close = closed=%v code=%d reason=%q, want 1001 %s", closed, code, reason, reasonHeartbeatTimeout)
	}

	if _, ok := reg.Lookup("desktop-ui"); !ok {
		t.Fatal("fresh session evicted")
	}
	if closed, _, _ := freshTr.closedWith(); closed {
		t.Fatal("fresh transport closed")
	}
}

func TestSweepBoundaryIsExclusive(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	s, _ := newTestSession("voice-service", minSendQueueSize)
	if err := reg.Register(s.Name, s); err != nil {
		t.Fatalf("register: %v", err)
	}

	m := NewLivenessMonitor(testLogger(), reg, 20*time.Second, 5*time.Second)

	// Idle exactly at the timeout stays; one tick past goes.
	base := monotonicNow()
	s.Touch(base)
	m.Sweep(base + 20*time.Second)
	if _, ok := reg.Lookup("voice-service"); !ok {
		t.Fatal("session evicted at exactly the timeout")
	}

	m.Sweep(base + 20*time.Second + time.Millisecond)
	if _, ok := reg.Lookup("voice-service"); ok {
		t.Fatal("session survived past the timeout")
	}
}

func TestSweepSparesReconnectedSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	old, _ := newTestSession("agent-core", minSendQueueSize)
	if err := reg.Register(old.Name, old); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The peer reconnects between snapshot and drop: the registry now
	// holds a newer session under the same name.
	reg.Drop("agent-core", old)
	fresh, freshTr := newTestSession("agent-core", minSendQueueSize)
	if err := reg.Register(fresh.Name, fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	m := NewLivenessMonitor(testLogger(), reg, 20*time.Second, 5*time.Second)
	base := monotonicNow()
	fresh.Touch(base)
	m.Sweep(base + time.Second)

	if got, ok := reg.Lookup("agent-core"); !ok || got != fresh {
		t.Fatal("reconnected session lost")
	}
	if closed, _, _ := freshTr.closedWith(); closed {
		t.Fatal("reconnected transport closed")
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	m := NewLivenessMonitor(testLogger(), reg, 100*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v on cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestMonitorDefaults(t *testing.T) {
	t.Parallel()

	m := NewLivenessMonitor(testLogger(), NewRegistry(testLogger()), 0, 0)
	if m.timeout != defaultHeartbeatTimeout {
		t.Fatalf("timeout = %v, want %v", m.timeout, defaultHeartbeatTimeout)
	}
	if m.interval != defaultHeartbeatTimeout/4 {
		t.Fatalf("interval = %v, want %v", m.interval, defaultHeartbeatTimeout/4)
	}

	m = NewLivenessMonitor(testLogger(), NewRegistry(testLogger()), 20*time.Second, time.Minute)
	if m.interval != 5*time.Second {
		t.Fatalf("oversized interval not clamped: %v", m.interval)
	}
}
