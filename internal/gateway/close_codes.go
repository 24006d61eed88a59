package gateway

import "errors"

// Custom WebSocket close codes used by the gateway. Standard codes (1000,
// 1001) are defined by RFC 6455; the 4000 range is reserved for application
// use.
const (
	CloseUnknownError      = 4000
	CloseProtocolViolation = 4002
	CloseAuthFailed        = 4004
	CloseRateLimited       = 4008
	CloseIdleTimeout       = 4009
	CloseServerShutdown    = 4010
	CloseMaxConnections    = 4011
)

// Sentinel errors for gateway failure modes.
var (
	ErrMaxConnections = errors.New("maximum connections reached")
	ErrSlotGone       = errors.New("connection slot no longer exists")
)
