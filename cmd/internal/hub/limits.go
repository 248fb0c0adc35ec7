package hub

import "time"

// Protocol limits and liveness defaults.
// Keep these aligned with docs and the peer client defaults: the client
// heartbeat period must stay well below defaultHeartbeatTimeout.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	// A connection must complete auth.hello within this window.
	defaultAuthTimeout = 10 * time.Second

	// A session is evicted when no inbound frame arrived for this long.
	defaultHeartbeatTimeout = 20 * time.Second

	// Liveness sweep period (<= heartbeat timeout / 4).
	defaultSweepInterval = 5 * time.Second

	defaultWriteTimeout = 5 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)

// Close reasons on the wire.
const (
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonInvalidPath      = "invalid_path"
	reasonAuthTimeout      = "auth_timeout"
	reasonRateLimited      = "rate_limited"
)
