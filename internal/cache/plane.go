package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
)

// Plane ties the two cache tiers together with read-through gets and
// write-through sets. Every mutation is broadcast so other nodes drop their
// in-process copies.
type Plane struct {
	l1  *L1
	l2  *L2
	pub *Publisher
	log zerolog.Logger
}

// NewPlane creates the cache plane for this node.
func NewPlane(l1 *L1, l2 *L2, pub *Publisher, logger zerolog.Logger) *Plane {
	return &Plane{
		l1:  l1,
		l2:  l2,
		pub: pub,
		log: logger.With().Str("component", "cache").Logger(),
	}
}

// Get reads key through both tiers. A shared-tier hit repopulates the
// in-process tier on the way out.
func (p *Plane) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok := p.l1.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("l1", "hit").Inc()
		return value, true, nil
	}
	metrics.CacheRequests.WithLabelValues("l1", "miss").Inc()

	value, ok, err := p.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues("l2", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheRequests.WithLabelValues("l2", "hit").Inc()

	p.l1.Set(key, value)
	return value, true, nil
}

// Set writes key to the shared tier, tells other nodes to drop it, and then
// refreshes the local in-process copy. Ordering matters: the shared tier
// must hold the new value before any node can re-read it.
func (p *Plane) Set(ctx context.Context, key string, value []byte) error {
	if err := p.l2.Set(ctx, key, value); err != nil {
		return err
	}
	if err := p.pub.InvalidateKey(ctx, key); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	p.l1.Set(key, value)
	return nil
}

// Delete removes key from both tiers on every node.
func (p *Plane) Delete(ctx context.Context, key string) error {
	if err := p.l2.Delete(ctx, key); err != nil {
		return err
	}
	if err := p.pub.InvalidateKey(ctx, key); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	p.l1.Delete(key)
	return nil
}

// FlushNamespace removes every entry in one namespace for one entity scope,
// on every node.
func (p *Plane) FlushNamespace(ctx context.Context, entityID int64, namespace string) error {
	prefix := NamespacePrefix(entityID, namespace)
	if err := p.l2.DeletePrefix(ctx, prefix); err != nil {
		return err
	}
	if err := p.pub.InvalidatePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	p.l1.DeletePrefix(prefix)
	p.log.Info().Int64("entity_id", entityID).Str("namespace", namespace).Msg("namespace flushed")
	return nil
}

// FlushAll removes every cache entry on every node. The shared tier is
// cleared prefix by prefix so unrelated keys in the same Valkey instance
// survive.
func (p *Plane) FlushAll(ctx context.Context) error {
	for _, prefix := range []string{"entity:", "global:"} {
		if err := p.l2.DeletePrefix(ctx, prefix); err != nil {
			return err
		}
	}
	if err := p.pub.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	p.l1.Flush()
	p.log.Info().Msg("cache flushed")
	return nil
}
