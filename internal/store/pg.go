package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/postgres"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore creates a new PostgreSQL-backed message store.
func NewPGStore(db *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: logger.With().Str("component", "store").Logger()}
}

// Persist inserts the message and one pending delivery row per recipient in a
// single transaction. A conflicting message id means a client retry; the
// whole write is skipped.
func (s *PGStore) Persist(ctx context.Context, msg Message, recipients []int64) (bool, error) {
	created := false
	err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO messages (id, channel, body, sender_profile_id, sender_account_id, message_type, priority)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			msg.ID, msg.Channel, msg.Body, msg.SenderProfileID, msg.SenderAccountID, msg.Type, msg.Priority,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true

		for _, recipient := range recipients {
			if _, err := tx.Exec(ctx,
				`INSERT INTO deliveries (message_id, recipient_profile_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				msg.ID, recipient,
			); err != nil {
				return fmt.Errorf("insert delivery for profile %d: %w", recipient, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// MarkDelivered advances pending deliveries to delivered.
func (s *PGStore) MarkDelivered(ctx context.Context, messageID string, recipients []int64) error {
	if len(recipients) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE deliveries SET state = 'delivered', delivered_at = NOW()
		 WHERE message_id = $1 AND recipient_profile_id = ANY($2) AND state = 'pending'`,
		messageID, recipients,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// RecordAck advances one delivery to the state for level. The rank guard in
// the WHERE clause makes backward and repeated acks no-ops; only a missing
// row is an error.
func (s *PGStore) RecordAck(ctx context.Context, messageID string, recipient int64, level AckLevel) error {
	target, ok := level.State()
	if !ok {
		return fmt.Errorf("unknown ack level %q", level)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE deliveries SET state = $3, acked_at = NOW()
		 WHERE message_id = $1 AND recipient_profile_id = $2
		   AND state <> 'expired'
		   AND CASE state
		         WHEN 'pending' THEN 0
		         WHEN 'delivered' THEN 1
		         WHEN 'ack_client' THEN 2
		         WHEN 'ack_app' THEN 3
		       END < $4`,
		messageID, recipient, string(target), stateRank[target],
	)
	if err != nil {
		return fmt.Errorf("record ack: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: either the delivery is already at or past the target
	// state, which is fine, or it never existed.
	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deliveries WHERE message_id = $1 AND recipient_profile_id = $2)`,
		messageID, recipient,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check delivery exists: %w", err)
	}
	if !exists {
		return ErrDeliveryNotFound
	}
	return nil
}

// GetPending returns unacknowledged messages for the recipient. Delivered
// rows stay eligible: a message pushed over a connection that died before
// the client saw it must remain fetchable until an ack arrives.
func (s *PGStore) GetPending(ctx context.Context, recipient int64, channel string, limit int) ([]PendingMessage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT m.id, m.channel, m.body, m.sender_profile_id, m.sender_account_id, m.message_type, m.priority, m.created_at, d.state
		 FROM deliveries d JOIN messages m ON m.id = d.message_id
		 WHERE d.recipient_profile_id = $1 AND d.state IN ('pending', 'delivered')
		   AND ($2 = '' OR m.channel = $2)
		 ORDER BY m.priority DESC, m.created_at ASC
		 LIMIT $3`,
		recipient, channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var pending []PendingMessage
	for rows.Next() {
		var p PendingMessage
		if err := rows.Scan(
			&p.ID, &p.Channel, &p.Body, &p.SenderProfileID, &p.SenderAccountID,
			&p.Type, &p.Priority, &p.CreatedAt, &p.State,
		); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return pending, nil
}

// UpsertDigest folds one missed message into the recipient's digest row for
// the channel.
func (s *PGStore) UpsertDigest(ctx context.Context, recipient int64, channel string, preview json.RawMessage, priority int16) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO notification_digests (recipient_profile_id, channel, count, preview, priority, updated_at)
		 VALUES ($1, $2, 1, $3, $4, NOW())
		 ON CONFLICT (recipient_profile_id, channel) DO UPDATE SET
		   count = notification_digests.count + 1,
		   preview = EXCLUDED.preview,
		   priority = GREATEST(notification_digests.priority, EXCLUDED.priority),
		   updated_at = NOW()`,
		recipient, channel, preview, priority,
	)
	if err != nil {
		return fmt.Errorf("upsert digest: %w", err)
	}
	return nil
}

// BuildDigest returns the recipient's digest rows.
func (s *PGStore) BuildDigest(ctx context.Context, recipient int64) ([]DigestChannel, error) {
	rows, err := s.db.Query(ctx,
		`SELECT channel, count, preview, priority, updated_at
		 FROM notification_digests
		 WHERE recipient_profile_id = $1
		 ORDER BY priority DESC, updated_at ASC`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("query digest: %w", err)
	}
	defer rows.Close()

	var digest []DigestChannel
	for rows.Next() {
		var d DigestChannel
		if err := rows.Scan(&d.Channel, &d.Count, &d.Preview, &d.Priority, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan digest row: %w", err)
		}
		digest = append(digest, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest: %w", err)
	}
	return digest, nil
}

// ClearDigest drops all digest rows for the recipient.
func (s *PGStore) ClearDigest(ctx context.Context, recipient int64) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM notification_digests WHERE recipient_profile_id = $1", recipient)
	if err != nil {
		return fmt.Errorf("clear digest: %w", err)
	}
	return nil
}

// SaveSubscription records a durable channel subscription. Re-subscribing is
// a no-op: the primary key already holds the row and the unique violation is
// swallowed.
func (s *PGStore) SaveSubscription(ctx context.Context, profileID int64, channel string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO channel_subscriptions (profile_id, channel) VALUES ($1, $2)",
		profileID, channel,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a durable channel subscription.
func (s *PGStore) DeleteSubscription(ctx context.Context, profileID int64, channel string) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM channel_subscriptions WHERE profile_id = $1 AND channel = $2",
		profileID, channel,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// SubscribersOf returns the profile ids durably subscribed to channel.
func (s *PGStore) SubscribersOf(ctx context.Context, channel string) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		"SELECT profile_id FROM channel_subscriptions WHERE channel = $1", channel)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subscribers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subscribers = append(subscribers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subscribers, nil
}

// ChannelsFor returns the channels the profile is durably subscribed to.
func (s *PGStore) ChannelsFor(ctx context.Context, profileID int64) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT channel FROM channel_subscriptions WHERE profile_id = $1 ORDER BY channel", profileID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return channels, nil
}

// ExpireDeliveries moves undelivered rows for old messages to expired.
func (s *PGStore) ExpireDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE deliveries SET state = 'expired'
		 WHERE state IN ('pending', 'delivered')
		   AND message_id IN (SELECT id FROM messages WHERE created_at < $1)`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("expire deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeMessages deletes messages older than the cutoff. Delivery rows follow
// via the foreign key cascade.
func (s *PGStore) PurgeMessages(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM messages WHERE created_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
