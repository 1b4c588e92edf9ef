package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Inbound frames only
	// carry join/leave requests.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max length of a document id accepted from a client.
	maxDocumentIDLen = 128
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second

	// Outbound queue per session.
	defaultSendQueueSize = 256
	minSendQueueSize     = 32
)
