package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// relayChannel is the Valkey pub/sub channel carrying published messages
// between nodes.
const relayChannel = "chanbridge.relay"

// RelayEnvelope wraps one published message for cross-node fan-out. Payload
// is the already-serialised message envelope, pushed to remote subscribers
// verbatim.
type RelayEnvelope struct {
	Origin    string          `json:"origin"`
	Channel   string          `json:"channel"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

// publishRelay hands a message envelope to the other nodes.
func (s *Supervisor) publishRelay(ctx context.Context, channel, messageID string, payload []byte) error {
	data, err := json.Marshal(RelayEnvelope{
		Origin:    s.cfg.NodeID,
		Channel:   channel,
		MessageID: messageID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := s.rdb.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("publish relay: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel and fans remote messages out to local
// subscribers. It blocks until the context is cancelled or the subscription
// fails.
func (s *Supervisor) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = sub.Close() }()

	s.log.Info().Str("node_id", s.cfg.NodeID).Msg("relay subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleRelay(msg.Payload)
		}
	}
}

func (s *Supervisor) handleRelay(payload string) {
	var env RelayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		s.log.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if env.Origin == s.cfg.NodeID {
		return
	}

	delivered := s.reg.Fanout(env.Channel, env.Payload, 0)
	if len(delivered) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkDelivered(ctx, env.MessageID, delivered); err != nil {
		s.log.Warn().Err(err).Str("message_id", env.MessageID).Msg("mark delivered failed")
	}
}
