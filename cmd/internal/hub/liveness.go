package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// LivenessMonitor periodically evicts sessions whose last inbound frame
// is older than the heartbeat timeout.
//
// The sweep iterates a registry snapshot, so closing a slow transport
// never happens under the registry lock and never stalls the router.
type LivenessMonitor struct {
	log *slog.Logger
	reg *Registry

	timeout  time.Duration
	interval time.Duration
}

// NewLivenessMonitor constructs a monitor with safe defaults when the
// inputs are invalid.
func NewLivenessMonitor(log *slog.Logger, reg *Registry, timeout, interval time.Duration) *LivenessMonitor {
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	if interval <= 0 || interval > timeout/4 {
		interval = timeout / 4
	}
	return &LivenessMonitor{log: log, reg: reg, timeout: timeout, interval: interval}
}

// Run sweeps until the context is cancelled. It returns nil on
// cancellation so it composes with errgroup supervision.
func (m *LivenessMonitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep(monotonicNow())
		}
	}
}

// Sweep closes and drops every session idle longer than the timeout.
// Drop uses the expected-session guard so a reconnect racing the sweep
// is never evicted.
func (m *LivenessMonitor) Sweep(now time.Duration) {
	for _, s := range m.reg.Snapshot() {
		idle := now - s.LastSeen()
		if idle <= m.timeout {
			continue
		}

		m.log.Info("session.evict", "service", s.Name, "idle_ms", idle.Milliseconds())
		s.Shutdown(websocket.StatusGoingAway, reasonHeartbeatTimeout)
		m.reg.Drop(s.Name, s)
		metricEvictions.Inc()
	}
}
