// Package app wires the TaskSprite IPC hub runtime: config, logging,
// the HTTP listener, the websocket gateway, and the liveness monitor.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hgosansn/Deskling/cmd/internal/hub"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// App is the hub runtime: it owns the HTTP server, the gateway, and
// the liveness sweep.
type App struct {
	cfg Config
	log Logger

	gateway *hub.Gateway
	monitor *hub.LivenessMonitor

	mu         sync.Mutex
	listenAddr string
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := hub.NewRegistry(log)
	gateway := hub.NewGateway(log, reg, hub.Options{
		Token:         cfg.Token,
		AuthTimeout:   cfg.AuthTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		SendQueueSize: cfg.SendQueueSize,
		RateEvents:    cfg.RateEvents,
		RateWindow:    cfg.RateWindow,
	})
	monitor := hub.NewLivenessMonitor(log, reg, cfg.HeartbeatTimeout, cfg.SweepInterval)

	return &App{
		cfg:     cfg,
		log:     log,
		gateway: gateway,
		monitor: monitor,
	}, nil
}

// Gateway exposes the websocket gateway (tests mount it directly).
func (a *App) Gateway() *hub.Gateway { return a.gateway }

// ListenAddr returns the bound listen address once Run has opened its
// listener, and "" before that. With a :0 config port this is the only
// way to learn the real port.
func (a *App) ListenAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listenAddr
}

// Run starts the listener and the liveness sweep, and blocks until
// context cancellation or a fatal server error. On shutdown every
// session is closed with a normal closure code; no in-flight frame is
// required to be delivered.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.cfg, a.gateway)

	srv := &http.Server{
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listenAddr = ln.Addr().String()
	a.mu.Unlock()

	a.log.Info("hub.start", "addr", a.ListenAddr(), "path", a.cfg.Path,
		"heartbeat_timeout", a.cfg.HeartbeatTimeout.String(), "sweep_interval", a.cfg.SweepInterval.String())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("hub.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)

		reg := a.gateway.Registry()
		for _, s := range reg.Snapshot() {
			s.Shutdown(websocket.StatusNormalClosure, "shutdown")
			reg.Drop(s.Name, s)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		a.log.Error("hub.fail", "err", err)
		return err
	}

	a.log.Info("hub.stopped")
	return nil
}
