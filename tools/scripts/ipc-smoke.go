// Package main provides a CI-friendly smoke test for the TaskSprite
// IPC hub.
//
// It validates:
//   - handshake: auth.hello -> auth.ok with reply_to/trace correlation
//   - unicast routing between two authenticated peers
//   - ERR_UNKNOWN_DESTINATION without session loss
//   - hb.ping -> hb.pong correlation
//   - duplicate service rejection
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokePeer struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		hubURL  = flag.String("url", "ws://127.0.0.1:17171/ws", "Hub WebSocket URL")
		token   = flag.String("token", envOr("TASKSPRITE_IPC_TOKEN", "dev-token"), "Shared secret")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.Parse()

	root := context.Background()

	a := mustAuth(root, "desktop-ui", *hubURL, *token, *timeout)
	defer closeWS(a.conn)

	b := mustAuth(root, "agent-core", *hubURL, *token, *timeout)
	defer closeWS(b.conn)

	// Unicast: A -> B, forwarded unchanged.
	msg := newEnvelope("desktop-ui", "agent-core", "chat.user_message", "trace-route", nil,
		map[string]any{"text": "hello sprite"})
	mustWrite(root, a.conn, msg, *timeout)

	got := b.mustReadTopic(root, "chat.user_message", *timeout)
	if got.ID != msg.ID || got.TraceID != msg.TraceID || got.From != "desktop-ui" {
		fatalf("unicast mismatch: got id=%q trace=%q from=%q", got.ID, got.TraceID, got.From)
	}

	// Unknown destination: error reply, session stays usable.
	ghost := newEnvelope("desktop-ui", "ghost", "chat.user_message", "trace-ghost", nil,
		map[string]any{"text": "anyone there"})
	mustWrite(root, a.conn, ghost, *timeout)

	errEnv := a.mustReadTopic(root, v1.TopicIPCError, *timeout)
	var ep v1.ErrorPayload
	mustUnmarshal(errEnv.Payload, &ep)
	if ep.Code != v1.CodeUnknownDestination {
		fatalf("expected %s, got %s (%s)", v1.CodeUnknownDestination, ep.Code, ep.Message)
	}

	// Heartbeat correlation.
	ping := newEnvelope("desktop-ui", v1.PeerHub, v1.TopicPing, "trace-hb", nil, map[string]any{})
	mustWrite(root, a.conn, ping, *timeout)

	pong := a.mustReadTopic(root, v1.TopicPong, *timeout)
	if pong.ReplyTo == nil || *pong.ReplyTo != ping.ID || pong.TraceID != "trace-hb" {
		fatalf("pong correlation mismatch: reply_to=%v trace=%q", pong.ReplyTo, pong.TraceID)
	}

	// Duplicate name is rejected; the original session survives.
	mustRejectDuplicate(root, "desktop-ui", *hubURL, *token, *timeout)

	still := newEnvelope("desktop-ui", "agent-core", "chat.user_message", "trace-after", nil,
		map[string]any{"text": "still here"})
	mustWrite(root, a.conn, still, *timeout)
	_ = b.mustReadTopic(root, "chat.user_message", *timeout)

	fmt.Println("OK: auth, unicast, unknown-destination, heartbeat, duplicate rejection")
}

func mustAuth(parent context.Context, service, hubURL, token string, stepTimeout time.Duration) *smokePeer {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, hubURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", service, err)
	}
	conn.SetReadLimit(maxReadBytes)

	p := &smokePeer{
		name:  service,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}

	hello := newEnvelope(service, v1.PeerHub, v1.TopicAuthHello, "trace-auth-"+service, nil,
		map[string]any{"service": service, "token": token, "capabilities": []string{"smoke.test"}})
	mustWrite(parent, conn, hello, stepTimeout)

	p.startReadLoop()

	ack := p.mustReadTopic(parent, v1.TopicAuthOK, stepTimeout)
	if ack.ReplyTo == nil || *ack.ReplyTo != hello.ID {
		fatalf("auth.ok reply_to mismatch (%s)", service)
	}
	if ack.TraceID != hello.TraceID {
		fatalf("auth.ok trace mismatch (%s)", service)
	}
	return p
}

func mustRejectDuplicate(parent context.Context, service, hubURL, token string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, hubURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect duplicate %s: %v", service, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxReadBytes)

	hello := newEnvelope(service, v1.PeerHub, v1.TopicAuthHello, "trace-dup", nil,
		map[string]any{"service": service, "token": token})
	mustWrite(parent, conn, hello, stepTimeout)

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("duplicate auth read: %v", err)
	}
	env, err := v1.Decode(data)
	if err != nil {
		fatalf("duplicate auth decode: %v", err)
	}
	var ep v1.ErrorPayload
	mustUnmarshal(env.Payload, &ep)
	if ep.Code != v1.CodeDuplicateService {
		fatalf("expected %s, got %s", v1.CodeDuplicateService, ep.Code)
	}
}

func (p *smokePeer) startReadLoop() {
	go func() {
		defer close(p.inbox)
		for {
			_, data, err := p.conn.Read(context.Background())
			if err != nil {
				select {
				case p.errCh <- err:
				default:
				}
				return
			}
			env, err := v1.Decode(data)
			if err != nil {
				select {
				case p.errCh <- err:
				default:
				}
				return
			}
			p.inbox <- env
		}
	}()
}

func (p *smokePeer) mustReadTopic(parent context.Context, topic string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s)", topic, p.name)
		case err := <-p.errCh:
			fatalf("connection error while waiting for %q (%s): %v", topic, p.name, err)
		case env, ok := <-p.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", topic, p.name)
			}
			if env.Topic == topic {
				return env
			}
			if env.Topic == v1.TopicPong {
				continue
			}
			fatalf("unexpected topic (%s): got=%q want=%q", p.name, env.Topic, topic)
		}
	}
}

func newEnvelope(from, to, topic, traceID string, replyTo *string, payload map[string]any) v1.Envelope {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{
		V:       v1.Version,
		ID:      fmt.Sprintf("%s-%d", topic, time.Now().UnixNano()),
		TS:      v1.Timestamp(time.Now()),
		From:    from,
		To:      to,
		Topic:   topic,
		ReplyTo: replyTo,
		TraceID: traceID,
		Payload: body,
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	frame, err := env.Encode()
	if err != nil {
		fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(raw json.RawMessage, dst any) {
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
