package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// InvalidateChannel is the pub/sub channel for cache invalidation.
const InvalidateChannel = "chanbridge.cache.invalidate"

// InvalidationMessage is published when a cache entry changes so every node
// drops its in-process copy. Exactly one of Key or Prefix is set; an empty
// message flushes everything.
type InvalidationMessage struct {
	Origin string `json:"origin"`
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub.
type Publisher struct {
	client *redis.Client
	origin string
}

// NewPublisher creates an invalidation publisher stamped with this node's id.
func NewPublisher(client *redis.Client, origin string) *Publisher {
	return &Publisher{client: client, origin: origin}
}

// InvalidateKey publishes an invalidation for one qualified key.
func (p *Publisher) InvalidateKey(ctx context.Context, key string) error {
	return p.publish(ctx, InvalidationMessage{Origin: p.origin, Key: key})
}

// InvalidatePrefix publishes an invalidation for every key under prefix.
func (p *Publisher) InvalidatePrefix(ctx context.Context, prefix string) error {
	return p.publish(ctx, InvalidationMessage{Origin: p.origin, Prefix: prefix})
}

// InvalidateAll publishes a full flush of every node's in-process tier.
func (p *Publisher) InvalidateAll(ctx context.Context) error {
	return p.publish(ctx, InvalidationMessage{Origin: p.origin})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return p.client.Publish(ctx, InvalidateChannel, data).Err()
}

// Subscriber listens for invalidation messages and drops the matching
// entries from the local in-process tier.
type Subscriber struct {
	l1     *L1
	client *redis.Client
	origin string
	log    zerolog.Logger
}

// NewSubscriber creates an invalidation subscriber for this node. Messages
// stamped with the node's own origin are skipped, the publishing path has
// already updated the local tier.
func NewSubscriber(l1 *L1, client *redis.Client, origin string, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		l1:     l1,
		client: client,
		origin: origin,
		log:    logger.With().Str("component", "cache_invalidate").Logger(),
	}
}

// Run subscribes to the invalidation channel and processes messages until
// the context is cancelled. This method blocks and should be called in a
// goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn().Err(err).Str("payload", payload).Msg("invalid invalidation message")
		return
	}
	if msg.Origin == s.origin {
		return
	}

	switch {
	case msg.Key != "":
		s.l1.Delete(msg.Key)
	case msg.Prefix != "":
		s.l1.DeletePrefix(msg.Prefix)
	default:
		s.l1.Flush()
	}
}
