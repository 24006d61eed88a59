package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound
	// WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue depth. A full buffer
	// drops frames rather than stalling the writer.
	sendBuffer = 256

	// maxViolations is how many malformed or unroutable frames a connection
	// may send before it is closed.
	maxViolations = 5
)

// Conn is one WebSocket connection slot. Each connection runs two goroutines
// (readPump and writePump) and talks to the supervisor through its fd.
type Conn struct {
	fd         uint64
	sup        *Supervisor
	ws         *websocket.Conn
	send       chan []byte
	log        zerolog.Logger
	remoteAddr string
	openedAt   time.Time

	closeOnce sync.Once

	// Strike and rate-limit state, only touched from readPump.
	violations   int
	authFailures int
	frameCount   int
	windowStart  time.Time
}

func newConn(fd uint64, sup *Supervisor, ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		fd:         fd,
		sup:        sup,
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		log:        logger.With().Uint64("fd", fd).Logger(),
		remoteAddr: ws.RemoteAddr().String(),
		openedAt:   time.Now(),
	}
}

// readPump reads frames from the socket and hands them to the supervisor's
// router. It owns the read deadline: any inbound traffic counts as liveness,
// so a client that keeps publishing never needs to ping.
func (c *Conn) readPump() {
	defer func() {
		c.sup.handleClose(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.sup.cfg.HeartbeatIdleTime))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.sup.cfg.HeartbeatIdleTime))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.sup.cfg.HeartbeatIdleTime))

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		if !c.sup.handleFrame(c, message) {
			return
		}
	}
}

// writePump drains the send channel to the socket and probes idle clients
// with pings. Exits when the send channel is closed.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.sup.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// enqueue queues a payload for delivery. A full buffer drops the payload and
// keeps the connection open; durable messages are covered by offline
// delivery and the client can re-request the rest.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Msg("send buffer full, frame dropped")
		return false
	}
}

// closeSend closes the send channel exactly once, releasing writePump.
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// closeWithCode sends a close frame with the given code and reason, then
// closes the socket.
func (c *Conn) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// rateLimited reports whether the connection exceeded the per-window inbound
// frame budget.
func (c *Conn) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.sup.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.frameCount = 0
		c.windowStart = now
	}
	c.frameCount++
	return c.frameCount > c.sup.cfg.RateLimitWSCount
}
