package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory Transport for exercising sessions,
// routing, and liveness without a network.
type fakeTransport struct {
	in   chan []byte
	done chan struct{}

	mu          sync.Mutex
	writes      [][]byte
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, net.ErrClosed
	case frame := <-t.in:
		return frame, nil
	}
}

func (t *fakeTransport) Write(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.writes = append(t.writes, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.done)
	return nil
}

func (t *fakeTransport) closedWith() (bool, websocket.StatusCode, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

// newTestSession returns an authenticated session over a fake transport.
func newTestSession(name string, queue int) (*Session, *fakeTransport) {
	tr := newFakeTransport()
	s := NewSession(name, tr, queue)
	s.setState(StateAuthenticated)
	return s, tr
}

// recvFrame pops the next enqueued frame, failing the test on timeout.
func recvFrame(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame := <-s.send:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame enqueued for %s", s.Name)
		return nil
	}
}

func recvEnvelope(t *testing.T, s *Session) v1.Envelope {
	t.Helper()
	env, err := v1.Decode(recvFrame(t, s))
	if err != nil {
		t.Fatalf("decode enqueued frame: %v", err)
	}
	return env
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.send:
		t.Fatalf("unexpected frame for %s: %s", s.Name, frame)
	default:
	}
}

func peerEnvelope(t *testing.T, from, to, topic, traceID string) (v1.Envelope, []byte) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"text": "hi"})
	env := v1.Envelope{
		V:       v1.Version,
		ID:      NewEnvelopeID(time.Now().UTC()),
		TS:      v1.Timestamp(time.Now().UTC()),
		From:    from,
		To:      to,
		Topic:   topic,
		TraceID: traceID,
		Payload: payload,
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return env, raw
}

func errorPayload(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	var ep v1.ErrorPayload
	if err := env.DecodePayload(&ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return ep
}
