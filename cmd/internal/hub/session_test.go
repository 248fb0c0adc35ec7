package hub

import (
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestSessionEnqueueBounds(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession("desktop-ui", minSendQueueSize)

	for i := 0; i < minSendQueueSize; i++ {
		if !s.Enqueue([]byte("frame")) {
			t.Fatalf("enqueue %d rejected below capacity", i)
		}
	}
	if s.Enqueue([]byte("overflow")) {
		t.Fatal("enqueue accepted on a full queue")
	}
}

func TestSessionEnqueueAfterShutdown(t *testing.T) {
	t.Parallel()

	s, tr := newTestSession("desktop-ui", minSendQueueSize)
	s.Shutdown(websocket.StatusNormalClosure, "bye")

	if s.Enqueue([]byte("late")) {
		t.Fatal("enqueue accepted after shutdown")
	}
	if closed, code, reason := tr.closedWith(); !closed || code != websocket.StatusNormalClosure || reason != "bye" {
		t.Fatalf("transport close mismatch: closed=%v code=%d reason=%q", closed, code, reason)
	}
}

func TestSessionShutdownIdempotent(t *testing.T) {
	t.Parallel()

	s, tr := newTestSession("agent-core", minSendQueueSize)
	s.Shutdown(websocket.StatusGoingAway, reasonHeartbeatTimeout)
	s.Shutdown(websocket.StatusNormalClosure, "bye")

	_, code, reason := tr.closedWith()
	if code != websocket.StatusGoingAway || reason != reasonHeartbeatTimeout {
		t.Fatalf("second shutdown overwrote the first: code=%d reason=%q", code, reason)
	}
	if s.State() != StateClosing {
		t.Fatalf("state = %s, want %s", s.State(), StateClosing)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
}

func TestSessionTouchAdvancesLastSeen(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession("voice-service", minSendQueueSize)
	before := s.LastSeen()

	s.Touch(before + 3*time.Second)
	if got := s.LastSeen(); got != before+3*time.Second {
		t.Fatalf("last seen = %v, want %v", got, before+3*time.Second)
	}
}

func TestSessionStateStrings(t *testing.T) {
	t.Parallel()

	cases := map[SessionState]string{
		StateAwaitingAuth:  "awaiting_auth",
		StateAuthenticated: "authenticated",
		StateClosing:       "closing",
		SessionState(99):   "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Fatalf("state %d string = %q, want %q", st, got, want)
		}
	}
}

func TestNilSessionDone(t *testing.T) {
	t.Parallel()

	var s *Session
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("nil session done channel not closed")
	}
	s.Shutdown(websocket.StatusNormalClosure, "noop")
}
