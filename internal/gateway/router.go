package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/route"
	"github.com/chanbridge/chanbridge-server/internal/session"
	"github.com/chanbridge/chanbridge-server/internal/store"
	"github.com/chanbridge/chanbridge-server/internal/table"
	"github.com/chanbridge/chanbridge-server/internal/task"
	"github.com/chanbridge/chanbridge-server/internal/wire"
)

// frameTimeout bounds the inline execution of one native frame.
const frameTimeout = 10 * time.Second

// handleFrame routes one inbound message. Returns false when the connection
// must close. Each frame produces at most one direct response envelope;
// anything else a handler emits is a server-initiated push.
func (s *Supervisor) handleFrame(c *Conn, raw []byte) bool {
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return s.violation(c, "invalid JSON")
	}

	if frame.IsVirtualHTTP() {
		metrics.FramesTotal.WithLabelValues("virtual").Inc()
		return s.dispatchVirtual(c, &frame)
	}

	if frame.Type == "" {
		return s.violation(c, "frame has no type")
	}
	metrics.FramesTotal.WithLabelValues(frame.Type).Inc()

	match, err := s.natives.Lookup("WS", frame.Type)
	if err != nil {
		return s.violation(c, "unknown frame type")
	}

	sess, sessErr := s.sessions.SessionFor(c.fd)
	authed := sessErr == nil
	if err := route.Authorize(match, route.ScopesForClient(authed)); err != nil {
		s.sendError(c, "authentication required", 401)
		return true
	}

	req := &route.Request{Method: "WS", Path: frame.Type, Body: raw}
	if authed {
		req.Identity = route.Identity{
			AccountID: sess.AccountID,
			ProfileID: sess.ProfileID,
			EntityID:  sess.EntityID,
			ClientFD:  c.fd,
		}
	} else {
		req.Identity = route.Identity{ClientFD: c.fd}
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	// Bound concurrent inline execution so a burst of expensive frames
	// cannot starve the rest of the process.
	select {
	case s.frameSlots <- struct{}{}:
	case <-ctx.Done():
		s.sendError(c, "server busy, try again", 503)
		return true
	}
	resp, err := func() (*route.Response, error) {
		defer func() { <-s.frameSlots }()
		return match.Handler(ctx, req)
	}()
	if err != nil {
		return s.handleNativeError(c, frame.Type, err)
	}
	if resp != nil && len(resp.Data) > 0 {
		c.enqueue(resp.Data)
	}
	return true
}

// dispatchVirtual queues a virtual HTTP frame on the task bus and
// acknowledges with a queued envelope. The read loop never executes route
// handlers itself.
func (s *Supervisor) dispatchVirtual(c *Conn, frame *wire.Frame) bool {
	if frame.Route == "" {
		return s.violation(c, "virtual frame has no route")
	}

	method := frame.Method
	if method == "" {
		method = "GET"
	}
	correlationID := frame.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	sess, err := s.sessions.SessionFor(c.fd)
	authed := err == nil

	identity := wire.InjectedIdentity{ClientFD: c.fd, TraceID: uuid.NewString()}
	reqIdentity := route.Identity{ClientFD: c.fd, TraceID: identity.TraceID}
	if authed {
		identity.AccountID = sess.AccountID
		identity.ProfileID = sess.ProfileID
		reqIdentity.AccountID = sess.AccountID
		reqIdentity.ProfileID = sess.ProfileID
		reqIdentity.EntityID = sess.EntityID
	}

	// Client-supplied meta headers are overwritten by the injected identity;
	// a caller cannot impersonate another account.
	headers := make(map[string]string, len(frame.Headers)+4)
	for k, v := range frame.Headers {
		headers[k] = v
	}
	for k, v := range identity.Headers() {
		headers[k] = v
	}

	req := &route.Request{
		Method:   method,
		Path:     frame.Route,
		Query:    frame.Query,
		Headers:  headers,
		Body:     frame.Body,
		Identity: reqIdentity,
	}

	taskID, err := s.tasks.Dispatch(c.fd, correlationID, req, route.ScopesForClient(authed))
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			metrics.CapacityExhausted.WithLabelValues("task_queue").Inc()
			s.sendError(c, "server busy, try again", 503)
			return true
		}
		s.sendError(c, "dispatch failed", 500)
		return true
	}

	if ack, err := wire.NewQueuedEnvelope(correlationID, taskID); err == nil {
		c.enqueue(ack)
	}
	return true
}

// handleNativeError maps a handler error onto an error envelope and decides
// whether the connection survives. Only repeated protocol violations or
// repeated auth failures are fatal.
func (s *Supervisor) handleNativeError(c *Conn, frameType string, err error) bool {
	switch {
	case errors.Is(err, session.ErrMalformedToken),
		errors.Is(err, session.ErrBadSignature),
		errors.Is(err, session.ErrExpiredToken),
		errors.Is(err, session.ErrProfileNotFound):
		c.authFailures++
		s.sendError(c, "authentication failed", 401)
		if c.authFailures >= s.cfg.AuthFailureLimit {
			c.closeWithCode(CloseAuthFailed, "too many failed authentication attempts")
			return false
		}
		return true

	case errors.Is(err, session.ErrNotAuthed):
		s.sendError(c, "authentication required", 401)
		return true

	case errors.Is(err, table.ErrCapacityExhausted):
		// The connection stays open; the client may retry or shed load.
		s.sendError(c, "capacity exhausted", 503)
		return true

	case errors.Is(err, store.ErrDeliveryNotFound):
		s.sendError(c, "no such delivery", 404)
		return true

	case errors.Is(err, errBadFrame):
		return s.violation(c, err.Error())

	default:
		s.log.Error().Err(err).Str("frame_type", frameType).Uint64("fd", c.fd).Msg("native frame failed")
		s.sendError(c, "internal error", 500)
		return true
	}
}

// violation sends an error envelope and counts a strike. The connection
// closes only after repeated violations.
func (s *Supervisor) violation(c *Conn, reason string) bool {
	c.violations++
	s.sendError(c, reason, 400)
	if c.violations >= maxViolations {
		c.closeWithCode(CloseProtocolViolation, "too many protocol violations")
		return false
	}
	return true
}

func (s *Supervisor) sendError(c *Conn, message string, status int) {
	payload, err := wire.NewErrorEnvelope(message, status)
	if err != nil {
		s.log.Error().Err(err).Msg("encode error envelope")
		return
	}
	c.enqueue(payload)
}
