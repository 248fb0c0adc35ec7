package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// SessionState is the per-connection lifecycle state.
type SessionState int32

const (
	StateAwaitingAuth SessionState = iota
	StateAuthenticated
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// hubEpoch anchors the monotonic clock used for liveness tracking.
// Storing durations since a fixed start keeps Go's monotonic reading,
// which wall-clock timestamps would lose.
var hubEpoch = time.Now()

// monotonicNow returns the current reading of the hub's monotonic clock.
func monotonicNow() time.Duration {
	return time.Since(hubEpoch)
}

// Session is one connected peer.
//
// Design notes:
// - Send is intentionally NOT closed by the hub to keep broadcast
//   fan-out panic-safe under concurrency; done signals shutdown.
// - The session owns exclusive write access to its transport: only the
//   writer goroutine drains Send, everyone else enqueues.
// - Shutdown is idempotent.
type Session struct {
	Name         string
	Capabilities []string
	Token        string

	transport Transport
	send      chan []byte

	state    atomic.Int32
	lastSeen atomic.Int64 // nanoseconds on the hub monotonic clock

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a session in the awaiting_auth state with a
// bounded send queue.
func NewSession(name string, transport Transport, sendQueueSize int) *Session {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	s := &Session{
		Name:      name,
		transport: transport,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateAwaitingAuth))
	s.lastSeen.Store(int64(monotonicNow()))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Touch refreshes the liveness timestamp. Called on every accepted
// inbound message before dispatch.
func (s *Session) Touch(now time.Duration) {
	s.lastSeen.Store(int64(now))
}

// LastSeen returns the monotonic reading of the last accepted inbound
// message.
func (s *Session) LastSeen() time.Duration {
	return time.Duration(s.lastSeen.Load())
}

// Enqueue offers a frame to the session's send queue without blocking.
// It reports false when the session is shutting down or the queue is
// full; the caller decides whether that is an error or a best-effort
// drop.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Shutdown moves the session to closing, stops its goroutines, and
// closes the transport with the given status. Idempotent; safe from the
// gateway, the router, and the liveness sweep alike.
func (s *Session) Shutdown(code websocket.StatusCode, reason string) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		_ = s.transport.Close(code, reason)
	})
}
