package app

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment
// variables.
type Config struct {
	// Addr is the hub listen address. Must resolve to a loopback host:
	// the hub is a localhost-only broker by contract.
	Addr string
	// Path is the websocket endpoint path. Upgrades on any other path
	// are closed with 1008 invalid_path.
	Path string

	LogLevel string

	// Token is the shared secret every peer presents in auth.hello.
	Token string

	AuthTimeout      time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	WriteTimeout  time.Duration
	SendQueueSize int

	RateEvents int
	RateWindow time.Duration

	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Addr: EnvString("TASKSPRITE_IPC_ADDR", "127.0.0.1:17171"),
		Path: EnvString("TASKSPRITE_IPC_PATH", "/ws"),

		LogLevel: EnvString("TASKSPRITE_LOG_LEVEL", "info"),

		Token: EnvString("TASKSPRITE_IPC_TOKEN", "dev-token"),

		AuthTimeout:      EnvDuration("TASKSPRITE_AUTH_TIMEOUT", 10*time.Second),
		HeartbeatTimeout: EnvDuration("TASKSPRITE_HEARTBEAT_TIMEOUT", 20*time.Second),
		SweepInterval:    EnvDuration("TASKSPRITE_SWEEP_INTERVAL", 5*time.Second),

		WriteTimeout:  EnvDuration("TASKSPRITE_WRITE_TIMEOUT", 5*time.Second),
		SendQueueSize: EnvInt("TASKSPRITE_SEND_QUEUE", 256),

		RateEvents: EnvInt("TASKSPRITE_RATE_EVENTS", 240),
		RateWindow: EnvDuration("TASKSPRITE_RATE_WINDOW", 10*time.Second),

		ReadHeaderTimeout: EnvDuration("TASKSPRITE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		MaxHeaderBytes:    EnvInt("TASKSPRITE_HTTP_MAX_HEADER_BYTES", 1<<20),
	}
}

// Validate enforces the hub's startup contract. A non-loopback bind is
// a configuration error, not a warning.
func (c Config) Validate() error {
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Addr, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("hub must bind a loopback address, got %q", c.Addr)
	}

	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("endpoint path must start with /, got %q", c.Path)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("shared token must not be empty")
	}

	if c.SweepInterval > c.HeartbeatTimeout/4 {
		return fmt.Errorf("sweep interval %s exceeds heartbeat timeout / 4 (%s)",
			c.SweepInterval, c.HeartbeatTimeout/4)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
