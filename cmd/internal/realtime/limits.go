package realtime

import "time"

// Protocol limits shared by the gateway and the client transport.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max notification title/body length accepted by the gateway (runes).
	maxNotificationChars = 2000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	defaultDialTimeout  = 10 * time.Second
	handshakeTimeout    = 10 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32
	eventBufferSize      = 64

	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second

	// Per-connection inbound rate limit (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
