package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"

	"github.com/coder/websocket"
)

// Options tunes a Gateway. Zero values fall back to the protocol
// defaults in limits.go.
type Options struct {
	// Token is the shared secret every auth.hello must present.
	Token string

	AuthTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int

	RateEvents int
	RateWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.RateEvents <= 0 {
		o.RateEvents = rateLimitEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = rateLimitWindow
	}
	return o
}

// Gateway is the WebSocket entrypoint of the hub.
//
// It runs the per-connection session state machine
// (awaiting_auth -> authenticated -> closing), validates every frame
// against the envelope schema, and hands validated envelopes to the
// Router.
type Gateway struct {
	log    *slog.Logger
	reg    *Registry
	router *Router
	opts   Options
}

// NewGateway constructs a gateway over its own registry and router.
func NewGateway(log *slog.Logger, reg *Registry, opts Options) *Gateway {
	if reg == nil {
		reg = NewRegistry(log)
	}
	return &Gateway{
		log:    log,
		reg:    reg,
		router: NewRouter(log, reg),
		opts:   opts.withDefaults(),
	}
}

// Registry exposes the session directory (liveness monitor, shutdown,
// tests).
func (g *Gateway) Registry() *Registry { return g.reg }

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs one session to completion.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers are local processes, not browsers; the loopback bind is
		// the trust boundary. Accept's origin check only matters for
		// browser-hosted peers, which are local too.
		OriginPatterns: []string{"localhost", "127.0.0.1"},
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tr := NewWSTransport(conn)

	sess, ok := g.authenticate(ctx, tr, r.RemoteAddr)
	if !ok {
		return
	}

	g.serve(ctx, cancel, sess)
}

// HandleInvalidPath closes upgrade attempts on any path other than the
// configured endpoint with 1008 invalid_path. Plain HTTP requests get
// a 404.
func (g *Gateway) HandleInvalidPath(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "127.0.0.1"},
	})
	if err != nil {
		return
	}
	g.log.Info("ws.reject.path", "path", r.URL.Path, "remote", r.RemoteAddr)
	_ = conn.Close(websocket.StatusPolicyViolation, reasonInvalidPath)
}

// ---- auth phase ----

// authenticate runs the awaiting_auth state: exactly one frame, which
// must be a valid auth.hello with the shared secret, inside the auth
// timeout. On success the session is registered and auth.ok has been
// written; on failure the transport is closed.
func (g *Gateway) authenticate(ctx context.Context, tr Transport, remote string) (*Session, bool) {
	// The timeout races a timer against the read instead of putting a
	// deadline on the read context: expiring the read context tears the
	// connection down before a close frame can go out, and the peer
	// would see a bare EOF instead of 1008 auth_timeout.
	type readResult struct {
		frame []byte
		err   error
	}
	readCh := make(chan readResult, 1)
	go func() {
		frame, err := tr.Read(ctx)
		readCh <- readResult{frame: frame, err: err}
	}()

	timer := time.NewTimer(g.opts.AuthTimeout)
	defer timer.Stop()

	var frame []byte
	select {
	case <-timer.C:
		g.log.Info("ws.auth.timeout", "remote", remote)
		_ = tr.Close(websocket.StatusPolicyViolation, reasonAuthTimeout)
		return nil, false
	case res := <-readCh:
		if res.err != nil {
			return nil, false
		}
		frame = res.frame
	}

	env, err := v1.Decode(frame)
	if err != nil {
		pe, _ := v1.AsProtocolError(err)
		g.failAuth(ctx, tr, v1.TopicAuthError, "", NewTraceID(time.Now()), nil, pe)
		return nil, false
	}

	if env.Topic != v1.TopicAuthHello {
		g.failAuth(ctx, tr, v1.TopicIPCError, env.From, env.TraceID, &env.ID,
			v1.NewProtocolError(v1.CodeAuthRequired, "first message must be auth.hello, got %s", env.Topic))
		return nil, false
	}

	var hello v1.HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		g.failAuth(ctx, tr, v1.TopicIPCError, env.From, env.TraceID, &env.ID,
			v1.NewProtocolError(v1.CodeAuthInvalid, "malformed auth.hello payload"))
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(g.opts.Token)) != 1 {
		g.log.Warn("ws.auth.invalid_token", "remote", remote, "service", hello.Service, "trace_id", env.TraceID)
		g.failAuth(ctx, tr, v1.TopicIPCError, env.From, env.TraceID, &env.ID,
			v1.NewProtocolError(v1.CodeAuthInvalid, "invalid token"))
		return nil, false
	}

	service := strings.TrimSpace(hello.Service)
	if service == "" {
		service = env.From
	}

	sess := NewSession(service, tr, g.opts.SendQueueSize)
	sess.Capabilities = hello.Capabilities
	sess.Token = NewSessionToken()

	if err := g.reg.Register(service, sess); err != nil {
		pe, _ := v1.AsProtocolError(err)
		g.failAuth(ctx, tr, v1.TopicIPCError, service, env.TraceID, &env.ID, pe)
		return nil, false
	}

	sess.setState(StateAuthenticated)
	sess.Touch(monotonicNow())

	// auth.ok goes out synchronously before the writer goroutine starts,
	// so it is always the first frame the peer observes.
	ack, err := NewHubEnvelope(service, v1.TopicAuthOK, env.TraceID, &env.ID, v1.AuthOKPayload{
		Service:      service,
		SessionToken: sess.Token,
	})
	if err == nil {
		err = g.write(ctx, tr, ack)
	}
	if err != nil {
		g.log.Info("ws.auth.ack.fail", "service", service, "err", err)
		g.reg.Drop(service, sess)
		sess.Shutdown(websocket.StatusAbnormalClosure, "write failed")
		return nil, false
	}

	g.log.Info("ws.auth.ok", "service", service, "capabilities", hello.Capabilities, "remote", remote, "trace_id", env.TraceID)
	return sess, true
}

// failAuth reports an error to an unauthenticated transport and closes
// it with 1008. Envelope validation failures use auth.error; auth
// contract failures use ipc.error.
func (g *Gateway) failAuth(ctx context.Context, tr Transport, topic, to, traceID string, replyTo *string, pe *v1.ProtocolError) {
	metricProtocolErrors.WithLabelValues(pe.Code).Inc()

	if strings.TrimSpace(to) == "" {
		to = "unknown"
	}
	frame, err := NewHubEnvelope(to, topic, traceID, replyTo, pe.Payload())
	if err == nil {
		_ = g.write(ctx, tr, frame)
	}
	_ = tr.Close(websocket.StatusPolicyViolation, pe.Code)
}

// ---- authenticated phase ----

func (g *Gateway) serve(ctx context.Context, cancel context.CancelFunc, sess *Session) {
	var closeOnce sync.Once

	// shutdown is idempotent and shared by the read loop and the writer.
	// Drop uses the expected-session guard, so a racing reconnect under
	// the same name is never evicted.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.reg.Drop(sess.Name, sess)
			sess.Shutdown(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case frame := <-sess.send:
				if err := g.write(ctx, sess.transport, frame); err != nil {
					g.log.Info("ws.write.fail", "service", sess.Name, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

readLoop:
	for {
		frame, err := sess.transport.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "service", sess.Name, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			// Written directly, not enqueued: the writer goroutine is about
			// to stop and would race the error frame against the close.
			pe := v1.NewProtocolError(v1.CodeRateLimited, "too many events")
			metricProtocolErrors.WithLabelValues(pe.Code).Inc()
			if frame, ferr := NewHubEnvelope(sess.Name, v1.TopicIPCError, NewTraceID(now), nil, pe.Payload()); ferr == nil {
				_ = g.write(ctx, sess.transport, frame)
			}
			shutdown(websocket.StatusPolicyViolation, reasonRateLimited)
			break readLoop
		}

		env, err := v1.Decode(frame)
		if err != nil {
			// Validation errors on an authenticated session are reported
			// and the session stays open.
			pe, _ := v1.AsProtocolError(err)
			g.router.SendError(sess, NewTraceID(now), nil, pe)
			continue readLoop
		}

		sess.Touch(monotonicNow())
		g.router.Route(sess, env, frame)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
}

func (g *Gateway) write(parent context.Context, tr Transport, frame []byte) error {
	ctx, cancel := context.WithTimeout(parent, g.opts.WriteTimeout)
	defer cancel()
	return tr.Write(ctx, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
