// Package ipcclient implements the peer side of the TaskSprite IPC
// protocol: connect, authenticate, dispatch inbound envelopes to topic
// handlers, heartbeat, and reconnect with backoff.
//
// Every peer service (agent core, automation, voice, skin, the desktop
// shell) speaks to the hub through this package.
package ipcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHubURL = "ws://127.0.0.1:17171/ws"

	defaultDialTimeout       = 5 * time.Second
	defaultAuthTimeout       = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second

	maxFrameBytes = 1 << 20
)

// Handler consumes one validated inbound envelope. A returned error is
// logged; it does not tear the session down.
type Handler func(ctx context.Context, env v1.Envelope) error

// Options configures a Client. Service and Token are required.
type Options struct {
	// Service is this peer's unique name in the hub registry.
	Service string
	// Token is the shared secret; defaults to TASKSPRITE_IPC_TOKEN or
	// dev-token, matching the hub.
	Token string
	// Capabilities are informational, echoed into auth.hello.
	Capabilities []string

	HubURL string

	DialTimeout  time.Duration
	AuthTimeout  time.Duration
	WriteTimeout time.Duration

	// HeartbeatInterval must stay well below the hub's liveness timeout
	// (20s); the default is 5s.
	HeartbeatInterval time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnAuthenticated fires after each successful handshake, inside the
	// session's lifetime. Reconnects fire it again.
	OnAuthenticated func(sessionToken string)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Token == "" {
		o.Token = strings.TrimSpace(os.Getenv("TASKSPRITE_IPC_TOKEN"))
		if o.Token == "" {
			o.Token = "dev-token"
		}
	}
	if o.HubURL == "" {
		o.HubURL = defaultHubURL
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return o
}

// Client is one peer's connection to the hub. Register handlers before
// calling Run; Run owns the connection until its context is cancelled.
type Client struct {
	opts Options
	log  *slog.Logger

	handlers map[string]Handler

	mu            sync.RWMutex
	conn          *websocket.Conn
	sessionToken  string
	authenticated bool

	pendingMu sync.Mutex
	pending   map[string]chan v1.Envelope
}

// New constructs a Client. Service must be non-empty.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Service) == "" {
		return nil, errors.New("ipcclient: service name is required")
	}
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger.With("service", opts.Service),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan v1.Envelope),
	}, nil
}

// Handle registers a handler for a topic. Not safe to call after Run
// has started.
func (c *Client) Handle(topic string, h Handler) {
	c.handlers[topic] = h
}

// Connected reports whether the client currently holds an
// authenticated session.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// SessionToken returns the opaque token from the last auth.ok.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// Run connects and serves until ctx is cancelled, reconnecting with
// capped exponential backoff on any protocol error or transport close.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff(c.opts.ReconnectMin, c.opts.ReconnectMax)

	for {
		err := c.runSession(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("ipc.session.lost", "err", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.Delay()):
		}
	}
}

// runSession dials, authenticates, and serves one connection.
func (c *Client) runSession(ctx context.Context, bo *backoff) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.opts.HubURL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.HubURL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	token, err := c.authenticate(ctx, conn)
	if err != nil {
		return err
	}
	bo.Reset()

	c.mu.Lock()
	c.conn = conn
	c.sessionToken = token
	c.authenticated = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.authenticated = false
		c.mu.Unlock()
	}()

	c.log.Info("ipc.connected", "hub", c.opts.HubURL)
	if c.opts.OnAuthenticated != nil {
		c.opts.OnAuthenticated(token)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	return g.Wait()
}

// authenticate sends auth.hello and waits for the correlated auth.ok.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	traceID := NewTraceID()
	hello := c.newEnvelope(v1.PeerHub, v1.TopicAuthHello, traceID, nil)

	body, err := json.Marshal(v1.HelloPayload{
		Service:      c.opts.Service,
		Token:        c.opts.Token,
		Capabilities: c.opts.Capabilities,
	})
	if err != nil {
		return "", err
	}
	hello.Payload = body

	authCtx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancel()

	if err := c.writeEnvelope(authCtx, conn, hello); err != nil {
		return "", fmt.Errorf("send auth.hello: %w", err)
	}

	for {
		frame, err := readFrame(authCtx, conn)
		if err != nil {
			return "", fmt.Errorf("await auth.ok: %w", err)
		}

		env, err := v1.Decode(frame)
		if err != nil {
			return "", fmt.Errorf("invalid envelope during auth: %w", err)
		}

		switch env.Topic {
		case v1.TopicAuthOK:
			if env.TraceID != traceID {
				continue
			}
			var p v1.AuthOKPayload
			if err := env.DecodePayload(&p); err != nil {
				return "", fmt.Errorf("malformed auth.ok payload: %w", err)
			}
			return p.SessionToken, nil

		case v1.TopicAuthError, v1.TopicIPCError:
			var p v1.ErrorPayload
			_ = env.DecodePayload(&p)
			return "", v1.NewProtocolError(p.Code, "%s", p.Message)

		default:
			// Frames routed before our auth.ok would violate the hub
			// contract; tolerate and keep waiting.
			continue
		}
	}
}

// readLoop validates every inbound envelope with the hub's validator
// and dispatches by topic.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return err
		}

		env, err := v1.Decode(frame)
		if err != nil {
			c.log.Warn("ipc.recv.invalid", "err", err)
			continue
		}

		if env.ReplyTo != nil && c.resolvePending(*env.ReplyTo, env) {
			continue
		}

		switch env.Topic {
		case v1.TopicPong:
			c.log.Debug("ipc.heartbeat.pong", "trace_id", env.TraceID)
			continue
		case v1.TopicIPCError:
			var p v1.ErrorPayload
			_ = env.DecodePayload(&p)
			c.log.Warn("ipc.error", "code", p.Code, "message", p.Message, "trace_id", env.TraceID)
			continue
		}

		h, ok := c.handlers[env.Topic]
		if !ok {
			c.log.Warn("ipc.recv.unhandled", "topic", env.Topic, "from", env.From, "trace_id", env.TraceID)
			continue
		}
		if err := h(ctx, env); err != nil {
			c.log.Error("ipc.handler.fail", "topic", env.Topic, "err", err, "trace_id", env.TraceID)
		}
	}
}

// heartbeatLoop emits hb.ping on a fixed period. A failed send ends the
// session and triggers reconnect.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Send(ctx, v1.PeerHub, v1.TopicPing, v1.PingPayload{Source: c.opts.Service}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// Send delivers a payload to another peer (or the hub) under a fresh
// trace id.
func (c *Client) Send(ctx context.Context, to, topic string, payload any) error {
	return c.SendTraced(ctx, to, topic, NewTraceID(), nil, payload)
}

// SendTraced delivers a payload carrying an existing trace id, with an
// optional reply_to correlation.
func (c *Client) SendTraced(ctx context.Context, to, topic, traceID string, replyTo *string, payload any) error {
	env := c.newEnvelope(to, topic, traceID, replyTo)

	body, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env.Payload = body

	c.mu.RLock()
	conn, authed := c.conn, c.authenticated
	c.mu.RUnlock()
	if !authed || conn == nil {
		return errors.New("ipcclient: not connected")
	}
	return c.writeEnvelope(ctx, conn, env)
}

// Request sends an envelope and waits for the hub-correlated reply
// (reply_to = request id) until ctx expires.
func (c *Client) Request(ctx context.Context, to, topic string, payload any) (v1.Envelope, error) {
	env := c.newEnvelope(to, topic, NewTraceID(), nil)

	body, err := marshalPayload(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env.Payload = body

	ch := make(chan v1.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn, authed := c.conn, c.authenticated
	c.mu.RUnlock()
	if !authed || conn == nil {
		return v1.Envelope{}, errors.New("ipcclient: not connected")
	}
	if err := c.writeEnvelope(ctx, conn, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case reply := <-ch:
		return reply, nil
	}
}

func (c *Client) resolvePending(replyTo string, env v1.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[replyTo]
	if ok {
		delete(c.pending, replyTo)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- env
	}
	return ok
}

// marshalPayload encodes a payload for the wire. A nil payload becomes
// an empty object: the envelope schema requires payload to be a JSON
// object, and marshalling nil would produce null.
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(payload)
}

func (c *Client) newEnvelope(to, topic, traceID string, replyTo *string) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		ID:      NewMessageID(),
		TS:      v1.Timestamp(time.Now()),
		From:    c.opts.Service,
		To:      to,
		Topic:   topic,
		ReplyTo: replyTo,
		TraceID: traceID,
	}
}

func (c *Client) writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}
