// Package registry maps live connections to channel subscriptions and fans
// published messages out to the local members of a channel. Membership lives
// in a bounded shared table; the durable subscription mirror in the store is
// what offline delivery is computed from.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/session"
	"github.com/chanbridge/chanbridge-server/internal/store"
	"github.com/chanbridge/chanbridge-server/internal/table"
)

// ConnPusher delivers a payload to a local connection slot. Push reports
// false when the slot is gone or its send buffer is full.
type ConnPusher interface {
	Push(fd uint64, payload []byte) bool
}

// Registry owns channel membership for this node.
type Registry struct {
	channels *table.ChannelsTable
	store    store.Store
	sessions *session.Manager
	conns    ConnPusher
	log      zerolog.Logger
}

// New creates a subscription registry.
func New(channels *table.ChannelsTable, st store.Store, sessions *session.Manager, conns ConnPusher, logger zerolog.Logger) *Registry {
	return &Registry{
		channels: channels,
		store:    st,
		sessions: sessions,
		conns:    conns,
		log:      logger.With().Str("component", "registry").Logger(),
	}
}

// Subscribe joins fd to channel and mirrors the subscription durably.
// Requires an authenticated session. A full membership table surfaces as
// table.ErrCapacityExhausted.
func (r *Registry) Subscribe(ctx context.Context, fd uint64, channel string) error {
	sess, err := r.sessions.SessionFor(fd)
	if err != nil {
		return err
	}

	// Durable state first, then the shared table. A failure in between
	// leaves only a durable row, which is recoverable: the profile keeps
	// receiving offline delivery and rejoins on the next subscribe or
	// reconnect.
	if err := r.store.SaveSubscription(ctx, sess.ProfileID, channel); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	if err := r.channels.Add(channel, fd); err != nil {
		if errors.Is(err, table.ErrCapacityExhausted) {
			metrics.CapacityExhausted.WithLabelValues("channels").Inc()
		}
		return err
	}

	metrics.TableOccupancy.WithLabelValues("channels").Set(float64(r.channels.Len()))
	r.log.Debug().Uint64("fd", fd).Str("channel", channel).Msg("subscribed")
	return nil
}

// Unsubscribe removes fd from channel and drops the durable mirror.
// Idempotent: unsubscribing from a channel the connection never joined is a
// successful no-op.
func (r *Registry) Unsubscribe(ctx context.Context, fd uint64, channel string) error {
	sess, err := r.sessions.SessionFor(fd)
	if err != nil {
		return err
	}

	r.channels.Remove(channel, fd)

	if err := r.store.DeleteSubscription(ctx, sess.ProfileID, channel); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}

	metrics.TableOccupancy.WithLabelValues("channels").Set(float64(r.channels.Len()))
	r.log.Debug().Uint64("fd", fd).Str("channel", channel).Msg("unsubscribed")
	return nil
}

// Resubscribe rejoins fd to every channel the profile is durably subscribed
// to. Used on reconnect so a client resumes its subscriptions without
// replaying subscribe frames. Returns the channels joined.
func (r *Registry) Resubscribe(ctx context.Context, fd uint64, profileID int64) ([]string, error) {
	channels, err := r.store.ChannelsFor(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	joined := make([]string, 0, len(channels))
	for _, channel := range channels {
		if err := r.channels.Add(channel, fd); err != nil {
			r.log.Warn().Err(err).Uint64("fd", fd).Str("channel", channel).Msg("resubscribe skipped channel")
			continue
		}
		joined = append(joined, channel)
	}
	metrics.TableOccupancy.WithLabelValues("channels").Set(float64(r.channels.Len()))
	return joined, nil
}

// MembersOf returns the local connection slots subscribed to channel.
func (r *Registry) MembersOf(channel string) []uint64 {
	return r.channels.Members(channel)
}

// ChannelsOf returns the channels fd is subscribed to on this node.
func (r *Registry) ChannelsOf(fd uint64) []string {
	return r.channels.ChannelsOf(fd)
}

// IsSubscribed reports whether fd is subscribed to channel on this node.
func (r *Registry) IsSubscribed(fd uint64, channel string) bool {
	return r.channels.Contains(channel, fd)
}

// DropConnection removes fd from every channel, returning the channels it
// was in. Durable subscriptions are left alone so the profile keeps
// receiving offline delivery.
func (r *Registry) DropConnection(fd uint64) []string {
	channels := r.channels.DropFD(fd)
	metrics.TableOccupancy.WithLabelValues("channels").Set(float64(r.channels.Len()))
	return channels
}

// Fanout pushes payload to every local member of channel except excludeFD,
// returning the profile ids that got a copy. A slot whose send buffer is
// full simply misses the frame; offline delivery covers it.
func (r *Registry) Fanout(channel string, payload []byte, excludeFD uint64) []int64 {
	members := r.channels.Members(channel)
	delivered := make([]int64, 0, len(members))
	for _, fd := range members {
		if fd == excludeFD {
			continue
		}
		if !r.conns.Push(fd, payload) {
			continue
		}
		if sess, err := r.sessions.SessionFor(fd); err == nil {
			delivered = append(delivered, sess.ProfileID)
		}
	}
	return delivered
}
