// Package store persists messages, per-recipient delivery state, offline
// digests, and durable channel subscriptions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for the store package.
var (
	ErrDeliveryNotFound = errors.New("no delivery for this message and recipient")
)

// DeliveryState tracks how far a message has travelled toward one recipient.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateAckClient DeliveryState = "ack_client"
	StateAckApp    DeliveryState = "ack_app"
	StateExpired   DeliveryState = "expired"
)

// AckLevel is the acknowledgement depth a client reports.
type AckLevel string

const (
	AckClient AckLevel = "client" // frame reached the client runtime
	AckApp    AckLevel = "app"    // application code consumed the message
)

// State returns the delivery state an acknowledgement at this level lands in.
func (l AckLevel) State() (DeliveryState, bool) {
	switch l {
	case AckClient:
		return StateAckClient, true
	case AckApp:
		return StateAckApp, true
	default:
		return "", false
	}
}

// stateRank orders delivery states so transitions only ever move forward.
// Expired is terminal and unreachable by rank comparison.
var stateRank = map[DeliveryState]int{
	StatePending:   0,
	StateDelivered: 1,
	StateAckClient: 2,
	StateAckApp:    3,
}

// CanTransition reports whether a delivery may move from one state to
// another. Backward moves and any move out of a terminal state are rejected.
func CanTransition(from, to DeliveryState) bool {
	if from == StateExpired {
		return false
	}
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Message is a persisted channel message.
type Message struct {
	ID              string
	Channel         string
	Body            json.RawMessage
	SenderProfileID int64
	SenderAccountID int64
	Type            string
	Priority        int16
	CreatedAt       time.Time
}

// PendingMessage pairs a message with the recipient's delivery state, for
// replay to reconnecting clients.
type PendingMessage struct {
	Message
	State DeliveryState
}

// DigestChannel summarises undelivered traffic on one channel for one
// offline recipient.
type DigestChannel struct {
	Channel   string
	Count     int
	Preview   json.RawMessage
	Priority  int16
	UpdatedAt time.Time
}

// Store is the durable side of the message plane.
type Store interface {
	// Persist writes the message and a pending delivery row per recipient.
	// Re-persisting an already-stored message id is a no-op and returns
	// created=false, making publishes idempotent under client retry.
	Persist(ctx context.Context, msg Message, recipients []int64) (created bool, err error)

	// MarkDelivered advances pending deliveries to delivered for the given
	// recipients.
	MarkDelivered(ctx context.Context, messageID string, recipients []int64) error

	// RecordAck advances one delivery to the acknowledged state for level.
	// Acking a delivery already at or past that state, or one that has
	// expired, succeeds without changing anything. A missing delivery row
	// returns ErrDeliveryNotFound.
	RecordAck(ctx context.Context, messageID string, recipient int64, level AckLevel) error

	// GetPending returns up to limit unacknowledged messages for the
	// recipient (states pending and delivered), highest priority first,
	// oldest first within a priority. A non-empty channel restricts the
	// result to that channel.
	GetPending(ctx context.Context, recipient int64, channel string, limit int) ([]PendingMessage, error)

	// UpsertDigest folds one missed message into the recipient's per-channel
	// digest: the count increments, the preview is replaced, and the priority
	// only ever rises.
	UpsertDigest(ctx context.Context, recipient int64, channel string, preview json.RawMessage, priority int16) error

	// BuildDigest returns the recipient's digest rows, highest priority
	// first, least recently touched first within a priority.
	BuildDigest(ctx context.Context, recipient int64) ([]DigestChannel, error)

	// ClearDigest drops all digest rows for the recipient.
	ClearDigest(ctx context.Context, recipient int64) error

	// SaveSubscription records a durable channel subscription.
	SaveSubscription(ctx context.Context, profileID int64, channel string) error

	// DeleteSubscription removes a durable channel subscription.
	DeleteSubscription(ctx context.Context, profileID int64, channel string) error

	// SubscribersOf returns the profile ids durably subscribed to channel.
	SubscribersOf(ctx context.Context, channel string) ([]int64, error)

	// ChannelsFor returns the channels the profile is durably subscribed to.
	ChannelsFor(ctx context.Context, profileID int64) ([]string, error)

	// ExpireDeliveries moves pending and delivered rows for messages created
	// before the cutoff into the expired state, returning how many changed.
	ExpireDeliveries(ctx context.Context, before time.Time) (int64, error)

	// PurgeMessages deletes messages created before the cutoff along with
	// their delivery rows, returning how many messages were removed.
	PurgeMessages(ctx context.Context, before time.Time) (int64, error)
}
