package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/route"
	"github.com/chanbridge/chanbridge-server/internal/store"
	"github.com/chanbridge/chanbridge-server/internal/wire"
)

// errBadFrame marks a structurally valid JSON frame whose fields do not make
// sense for its type. The router counts it as a protocol violation.
var errBadFrame = errors.New("malformed frame")

// pendingLimit caps how many undelivered messages a pending frame returns.
const pendingLimit = 100

// RegisterNative builds the native frame table. Auth and ping are reachable
// before authentication; everything else needs a session.
func (s *Supervisor) RegisterNative() {
	r := route.NewRegistry()
	r.Register([]string{"WS"}, wire.TypeAuth, s.handleAuth, route.ScopePublic)
	r.Register([]string{"WS"}, wire.TypePing, s.handlePing, route.ScopePublic)
	r.Register([]string{"WS"}, wire.TypeSubscribe, s.handleSubscribe, route.ScopeRead)
	r.Register([]string{"WS"}, wire.TypeUnsubscribe, s.handleUnsubscribe, route.ScopeRead)
	r.Register([]string{"WS"}, wire.TypePublish, s.handlePublish, route.ScopeWrite)
	r.Register([]string{"WS"}, wire.TypeAck, s.handleAck, route.ScopeRead)
	r.Register([]string{"WS"}, wire.TypePending, s.handlePending, route.ScopeRead)
	r.Register([]string{"WS"}, wire.TypeFingerprint, s.handleFingerprint, route.ScopeRead)
	s.natives = r
}

func decodeFrame(req *route.Request) (*wire.Frame, error) {
	var frame wire.Frame
	if err := json.Unmarshal(req.Body, &frame); err != nil {
		return nil, fmt.Errorf("%w: %s", errBadFrame, err)
	}
	return &frame, nil
}

// handleAuth binds a session to the slot, restores durable subscriptions,
// and replays the offline digest. The ack goes out before the digest.
func (s *Supervisor) handleAuth(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}
	if frame.Token == "" {
		return nil, fmt.Errorf("%w: auth frame has no token", errBadFrame)
	}
	fd := req.Identity.ClientFD

	// Re-authenticating a live session is a no-op: ack with the bound
	// identity and leave the session, subscriptions, and digest alone.
	if cur, err := s.sessions.SessionFor(fd); err == nil {
		ack, err := wire.NewAuthAck(wire.Identity{AccountID: cur.AccountID, ProfileID: cur.ProfileID})
		if err != nil {
			return nil, fmt.Errorf("encode auth ack: %w", err)
		}
		return &route.Response{Status: 200, Data: ack}, nil
	}

	sess, err := s.sessions.Authenticate(ctx, fd, frame.Token)
	if err != nil {
		return nil, err
	}

	if err := s.presence.Set(ctx, sess.ProfileID, s.cfg.NodeID); err != nil {
		s.log.Warn().Err(err).Int64("profile_id", sess.ProfileID).Msg("presence set failed")
	}

	ack, err := wire.NewAuthAck(wire.Identity{AccountID: sess.AccountID, ProfileID: sess.ProfileID})
	if err != nil {
		return nil, fmt.Errorf("encode auth ack: %w", err)
	}
	s.Push(fd, ack)

	if restored, err := s.reg.Resubscribe(ctx, fd, sess.ProfileID); err != nil {
		s.log.Warn().Err(err).Uint64("fd", fd).Msg("resubscribe failed")
	} else if len(restored) > 0 {
		s.log.Debug().Uint64("fd", fd).Strs("channels", restored).Msg("subscriptions restored")
	}

	s.sendDigest(ctx, fd, sess.ProfileID)
	return &route.Response{Status: 200}, nil
}

// handlePing answers with a pong and refreshes presence for authenticated
// slots. Reachable before auth so load balancers can probe.
func (s *Supervisor) handlePing(ctx context.Context, req *route.Request) (*route.Response, error) {
	if req.Identity.ProfileID != 0 {
		if err := s.presence.Refresh(ctx, req.Identity.ProfileID); err != nil {
			s.log.Warn().Err(err).Int64("profile_id", req.Identity.ProfileID).Msg("presence refresh failed")
		}
	}
	pong, err := wire.NewPongEnvelope()
	if err != nil {
		return nil, fmt.Errorf("encode pong: %w", err)
	}
	return &route.Response{Status: 200, Data: pong}, nil
}

func (s *Supervisor) handleSubscribe(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}
	if frame.Channel == "" {
		return nil, fmt.Errorf("%w: subscribe frame has no channel", errBadFrame)
	}

	if err := s.reg.Subscribe(ctx, req.Identity.ClientFD, frame.Channel); err != nil {
		return nil, err
	}

	ack, err := wire.NewSubscriptionAck(wire.TypeSubscribe, frame.Channel)
	if err != nil {
		return nil, fmt.Errorf("encode subscribe ack: %w", err)
	}
	return &route.Response{Status: 200, Data: ack}, nil
}

func (s *Supervisor) handleUnsubscribe(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}
	if frame.Channel == "" {
		return nil, fmt.Errorf("%w: unsubscribe frame has no channel", errBadFrame)
	}

	if err := s.reg.Unsubscribe(ctx, req.Identity.ClientFD, frame.Channel); err != nil {
		return nil, err
	}

	ack, err := wire.NewSubscriptionAck(wire.TypeUnsubscribe, frame.Channel)
	if err != nil {
		return nil, fmt.Errorf("encode unsubscribe ack: %w", err)
	}
	return &route.Response{Status: 200, Data: ack}, nil
}

// handlePublish persists the message, fans it out locally, relays it to the
// other nodes, and folds it into the digest of every offline recipient.
func (s *Supervisor) handlePublish(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}
	if frame.Channel == "" || len(frame.Message) == 0 {
		return nil, fmt.Errorf("%w: publish frame needs channel and message", errBadFrame)
	}

	// The client may supply its own message id for retry idempotence; it
	// must be a UUID since that is what the store keys messages by.
	messageID := frame.MessageID
	if messageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id.String()
	} else if _, err := uuid.Parse(messageID); err != nil {
		return nil, fmt.Errorf("%w: message_id is not a UUID", errBadFrame)
	}
	messageType := frame.MessageType
	if messageType == "" {
		messageType = "message"
	}

	recipients, err := s.store.SubscribersOf(ctx, frame.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	created, err := s.store.Persist(ctx, store.Message{
		ID:              messageID,
		Channel:         frame.Channel,
		Body:            frame.Message,
		SenderProfileID: req.Identity.ProfileID,
		SenderAccountID: req.Identity.AccountID,
		Type:            messageType,
		Priority:        frame.Priority,
	}, recipients)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	ack, ackErr := wire.NewPublishAck(messageID, len(recipients))
	if ackErr != nil {
		return nil, fmt.Errorf("encode publish ack: %w", ackErr)
	}

	// A duplicate id means this is a client retry; the first attempt already
	// fanned out.
	if !created {
		return &route.Response{Status: 200, Data: ack}, nil
	}
	metrics.MessagesPublished.Inc()

	envelope, err := wire.NewMessageEnvelope(frame.Channel, messageID, messageType, frame.Priority, frame.Message,
		wire.Identity{AccountID: req.Identity.AccountID, ProfileID: req.Identity.ProfileID})
	if err != nil {
		return nil, fmt.Errorf("encode message envelope: %w", err)
	}

	delivered := s.reg.Fanout(frame.Channel, envelope, req.Identity.ClientFD)
	if len(delivered) > 0 {
		if err := s.store.MarkDelivered(ctx, messageID, delivered); err != nil {
			s.log.Warn().Err(err).Str("message_id", messageID).Msg("mark delivered failed")
		}
	}

	if err := s.publishRelay(ctx, frame.Channel, messageID, envelope); err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("relay publish failed")
	}

	s.digestOffline(ctx, frame.Channel, frame.Message, frame.Priority, recipients, delivered, req.Identity.ProfileID)

	return &route.Response{Status: 200, Data: ack}, nil
}

// digestOffline folds the message into the digest of every durable
// subscriber who neither got a local copy nor is online on another node.
func (s *Supervisor) digestOffline(ctx context.Context, channel string, body json.RawMessage, priority int16, recipients, delivered []int64, sender int64) {
	local := make(map[int64]bool, len(delivered))
	for _, id := range delivered {
		local[id] = true
	}

	var candidates []int64
	for _, id := range recipients {
		if id == sender || local[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return
	}

	// Profiles online on another node get the message over the relay.
	online, err := s.presence.OnlineSet(ctx, candidates)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence lookup failed, digesting all candidates")
		online = nil
	}

	for _, id := range candidates {
		if node, ok := online[id]; ok && node != s.cfg.NodeID {
			continue
		}
		if err := s.store.UpsertDigest(ctx, id, channel, body, priority); err != nil {
			s.log.Warn().Err(err).Int64("profile_id", id).Str("channel", channel).Msg("digest upsert failed")
		}
	}
}

// handleAck advances a delivery's state. Success has no response envelope.
func (s *Supervisor) handleAck(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}
	if frame.MessageID == "" {
		return nil, fmt.Errorf("%w: ack frame has no message_id", errBadFrame)
	}
	level := store.AckLevel(frame.Level)
	if _, ok := level.State(); !ok {
		return nil, fmt.Errorf("%w: unknown ack level %q", errBadFrame, frame.Level)
	}

	if err := s.store.RecordAck(ctx, frame.MessageID, req.Identity.ProfileID, level); err != nil {
		return nil, err
	}
	return &route.Response{Status: 204}, nil
}

// handlePending replays undelivered messages to the caller, optionally
// restricted to one channel, and marks them delivered once queued.
func (s *Supervisor) handlePending(ctx context.Context, req *route.Request) (*route.Response, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.GetPending(ctx, req.Identity.ProfileID, frame.Channel, pendingLimit)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}

	deliveries := make([]wire.PendingDelivery, len(pending))
	ids := make([]string, len(pending))
	for i, p := range pending {
		deliveries[i] = wire.PendingDelivery{
			MessageID: p.ID,
			Channel:   p.Channel,
			Message:   p.Body,
			Priority:  p.Priority,
			State:     string(p.State),
			CreatedAt: p.CreatedAt.UnixMilli(),
		}
		ids[i] = p.ID
	}

	payload, err := wire.NewPendingEnvelope(deliveries)
	if err != nil {
		return nil, fmt.Errorf("encode pending envelope: %w", err)
	}

	for _, id := range ids {
		if err := s.store.MarkDelivered(ctx, id, []int64{req.Identity.ProfileID}); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("mark delivered failed")
		}
	}
	return &route.Response{Status: 200, Data: payload}, nil
}

// handleFingerprint reports the slot's connection metadata back to the
// caller.
func (s *Supervisor) handleFingerprint(_ context.Context, req *route.Request) (*route.Response, error) {
	fd := req.Identity.ClientFD
	c, ok := s.connFor(fd)
	if !ok {
		return nil, ErrSlotGone
	}

	sess, err := s.sessions.SessionFor(fd)
	if err != nil {
		return nil, err
	}

	payload, err := wire.NewFingerprintEnvelope(fd, sess.DeviceHash, c.remoteAddr, c.openedAt)
	if err != nil {
		return nil, fmt.Errorf("encode fingerprint envelope: %w", err)
	}
	return &route.Response{Status: 200, Data: payload}, nil
}
