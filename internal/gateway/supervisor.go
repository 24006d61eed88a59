// Package gateway owns the WebSocket side of the server: accepting
// connections, routing inbound frames, fanning published messages out to
// subscribers on this node, and relaying them to the others.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/config"
	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/presence"
	"github.com/chanbridge/chanbridge-server/internal/registry"
	"github.com/chanbridge/chanbridge-server/internal/route"
	"github.com/chanbridge/chanbridge-server/internal/session"
	"github.com/chanbridge/chanbridge-server/internal/store"
	"github.com/chanbridge/chanbridge-server/internal/wire"
)

// Dispatcher queues a virtual HTTP request for execution off the read loop.
type Dispatcher interface {
	Dispatch(fd uint64, correlationID string, req *route.Request, scopes map[route.Scope]bool) (uint64, error)
}

// Supervisor is the connection registry for this node. It hands out fd slots,
// owns the inbound frame router, and is the push surface the registry and
// task bus deliver through.
type Supervisor struct {
	cfg      *config.Config
	sessions *session.Manager
	store    store.Store
	presence *presence.Index
	rdb      *redis.Client
	log      zerolog.Logger

	// Bound after construction; the registry and task bus need the
	// supervisor as their push surface first.
	reg     *registry.Registry
	tasks   Dispatcher
	natives *route.Registry

	// frameSlots caps how many native frame handlers run at once across
	// all connections.
	frameSlots chan struct{}

	mu     sync.RWMutex
	conns  map[uint64]*Conn
	nextFD atomic.Uint64
}

// NewSupervisor creates the connection supervisor.
func NewSupervisor(cfg *config.Config, sessions *session.Manager, st store.Store, idx *presence.Index, rdb *redis.Client, logger zerolog.Logger) *Supervisor {
	workers := cfg.WorkerNum
	if workers < 1 {
		workers = 1
	}
	return &Supervisor{
		cfg:        cfg,
		sessions:   sessions,
		store:      st,
		presence:   idx,
		rdb:        rdb,
		conns:      make(map[uint64]*Conn),
		frameSlots: make(chan struct{}, workers),
		log:        logger.With().Str("component", "gateway").Logger(),
	}
}

// Attach binds the subscription registry and task dispatcher. Must be called
// before the first connection is served.
func (s *Supervisor) Attach(reg *registry.Registry, tasks Dispatcher) {
	s.reg = reg
	s.tasks = tasks
}

// ServeConn runs an upgraded WebSocket connection until it closes. The
// greeting carries the slot's fd so clients can correlate their connection
// in support logs.
func (s *Supervisor) ServeConn(ws *websocket.Conn) {
	fd := s.nextFD.Add(1)
	c := newConn(fd, s, ws, s.log)

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		metrics.CapacityExhausted.WithLabelValues("connections").Inc()
		c.closeWithCode(CloseMaxConnections, "maximum connections reached")
		return
	}
	s.conns[fd] = c
	total := len(s.conns)
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(total))

	if hello, err := wire.NewSystemEnvelope("connected", "connection established", fd); err == nil {
		c.enqueue(hello)
	}

	s.log.Debug().Uint64("fd", fd).Str("remote", c.remoteAddr).Int("total", total).Msg("connection opened")

	go c.writePump()
	c.readPump()
}

// Push queues a payload for the given slot. Reports false when the slot is
// gone or its buffer is full; callers treat that as an offline recipient.
func (s *Supervisor) Push(fd uint64, payload []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[fd]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(payload)
}

func (s *Supervisor) connFor(fd uint64) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[fd]
	return c, ok
}

// handleClose tears down a slot: membership first so fan-out stops hitting
// it, then presence, then the auth row.
func (s *Supervisor) handleClose(c *Conn) {
	s.mu.Lock()
	current, ok := s.conns[c.fd]
	if !ok || current != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.fd)
	total := len(s.conns)
	s.mu.Unlock()

	c.closeSend()
	metrics.ConnectionsActive.Set(float64(total))

	s.reg.DropConnection(c.fd)

	var accountID, profileID int64
	if sess, err := s.sessions.SessionFor(c.fd); err == nil {
		accountID, profileID = sess.AccountID, sess.ProfileID
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.presence.Delete(ctx, sess.ProfileID); err != nil {
			s.log.Warn().Err(err).Int64("profile_id", sess.ProfileID).Msg("presence delete failed")
		}
		cancel()
	}
	s.sessions.Clear(c.fd)

	s.log.Debug().Uint64("fd", c.fd).
		Int64("account_id", accountID).
		Int64("profile_id", profileID).
		Int("total", total).
		Msg("connection closed")
}

// sendDigest pushes the profile's offline digest, if any, and clears it once
// it is on the wire.
func (s *Supervisor) sendDigest(ctx context.Context, fd uint64, profileID int64) {
	rows, err := s.store.BuildDigest(ctx, profileID)
	if err != nil {
		s.log.Warn().Err(err).Int64("profile_id", profileID).Msg("digest build failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	channels := make([]wire.DigestChannel, len(rows))
	for i, row := range rows {
		channels[i] = wire.DigestChannel{Channel: row.Channel, Count: row.Count, Preview: row.Preview}
	}
	payload, err := wire.NewDigestEnvelope(channels)
	if err != nil {
		s.log.Error().Err(err).Msg("encode digest envelope")
		return
	}
	if !s.Push(fd, payload) {
		return
	}
	if err := s.store.ClearDigest(ctx, profileID); err != nil {
		s.log.Warn().Err(err).Int64("profile_id", profileID).Msg("digest clear failed")
	}
}

// Shutdown closes every connection with a going-away code. Called after the
// listener stops accepting.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[uint64]*Conn)
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(CloseServerShutdown, "server shutting down")
		c.closeSend()
	}
	metrics.ConnectionsActive.Set(0)
	s.log.Info().Int("closed", len(conns)).Msg("all connections closed")
}
