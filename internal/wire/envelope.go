package wire

import (
	"encoding/json"
	"time"
)

// Outbound envelope types.
const (
	EnvelopeSystem      = "system"
	EnvelopeError       = "error"
	EnvelopeMessage     = "message"
	EnvelopeDigest      = "digest"
	EnvelopePong        = "pong"
	EnvelopeQueued      = "endpoint_queued"
	EnvelopeAPIResponse = "api_response"
	EnvelopeAPIError    = "api_error"
)

// Identity is the public view of an authenticated sender included in auth
// acknowledgements and fanned-out messages.
type Identity struct {
	AccountID int64 `json:"account_id"`
	ProfileID int64 `json:"profile_id"`
}

func now() int64 { return time.Now().UnixMilli() }

// SystemEnvelope announces connection lifecycle events.
type SystemEnvelope struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Message   string `json:"message,omitempty"`
	FD        uint64 `json:"fd"`
	Timestamp int64  `json:"timestamp"`
}

// NewSystemEnvelope returns a serialised system envelope.
func NewSystemEnvelope(event, message string, fd uint64) ([]byte, error) {
	return json.Marshal(SystemEnvelope{
		Type: EnvelopeSystem, Event: event, Message: message, FD: fd, Timestamp: now(),
	})
}

// ErrorEnvelope reports a failed operation to the originating connection. The
// Status field carries the HTTP-semantic marker (401, 403, 404, …) when the
// failure maps onto one.
type ErrorEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorEnvelope returns a serialised error envelope. A zero status is
// omitted from the JSON.
func NewErrorEnvelope(message string, status int) ([]byte, error) {
	return json.Marshal(ErrorEnvelope{
		Type: EnvelopeError, Message: message, Status: status, Timestamp: now(),
	})
}

// PongEnvelope answers an application-level ping.
type PongEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPongEnvelope returns a serialised pong envelope carrying the server
// timestamp.
func NewPongEnvelope() ([]byte, error) {
	return json.Marshal(PongEnvelope{Type: EnvelopePong, Timestamp: now()})
}

// AuthAck acknowledges an auth frame.
type AuthAck struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	User      *Identity `json:"user,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewAuthAck returns a serialised successful auth acknowledgement.
func NewAuthAck(user Identity) ([]byte, error) {
	return json.Marshal(AuthAck{Type: TypeAuth, Success: true, User: &user, Timestamp: now()})
}

// SubscriptionAck acknowledges a subscribe or unsubscribe frame.
type SubscriptionAck struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
}

// NewSubscriptionAck returns a serialised subscribe/unsubscribe
// acknowledgement; typ is "subscribe" or "unsubscribe".
func NewSubscriptionAck(typ, channel string) ([]byte, error) {
	return json.Marshal(SubscriptionAck{Type: typ, Success: true, Channel: channel, Timestamp: now()})
}

// PublishAck acknowledges a publish frame to the sender.
type PublishAck struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	SentTo    int    `json:"sent_to"`
	Timestamp int64  `json:"timestamp"`
}

// NewPublishAck returns a serialised publish acknowledgement. sentTo counts
// the recipients the message was addressed to, not only those online.
func NewPublishAck(messageID string, sentTo int) ([]byte, error) {
	return json.Marshal(PublishAck{
		Type: TypePublish, Success: true, MessageID: messageID, SentTo: sentTo, Timestamp: now(),
	})
}

// MessageEnvelope is the fanned-out form of a published message as seen by a
// subscriber.
type MessageEnvelope struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel"`
	Message     json.RawMessage `json:"message"`
	MessageID   string          `json:"message_id"`
	MessageType string          `json:"message_type,omitempty"`
	Priority    int16           `json:"priority,omitempty"`
	From        Identity        `json:"from"`
	Timestamp   int64           `json:"timestamp"`
}

// NewMessageEnvelope returns a serialised message envelope for fan-out.
func NewMessageEnvelope(channel, messageID, messageType string, priority int16, body json.RawMessage, from Identity) ([]byte, error) {
	return json.Marshal(MessageEnvelope{
		Type: EnvelopeMessage, Channel: channel, Message: body, MessageID: messageID,
		MessageType: messageType, Priority: priority, From: from, Timestamp: now(),
	})
}

// DigestChannel is one channel's rollup inside a digest envelope.
type DigestChannel struct {
	Channel string          `json:"channel"`
	Count   int             `json:"count"`
	Preview json.RawMessage `json:"preview,omitempty"`
}

// DigestEnvelope summarises messages missed while offline, pushed once after
// a successful authentication.
type DigestEnvelope struct {
	Type      string          `json:"type"`
	Total     int             `json:"total"`
	Channels  []DigestChannel `json:"channels"`
	Timestamp int64           `json:"timestamp"`
}

// NewDigestEnvelope returns a serialised digest envelope.
func NewDigestEnvelope(channels []DigestChannel) ([]byte, error) {
	total := 0
	for _, ch := range channels {
		total += ch.Count
	}
	return json.Marshal(DigestEnvelope{
		Type: EnvelopeDigest, Total: total, Channels: channels, Timestamp: now(),
	})
}

// QueuedEnvelope acknowledges that a virtual-HTTP frame was handed to a task
// worker.
type QueuedEnvelope struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	TaskID        uint64 `json:"task_id"`
	Timestamp     int64  `json:"timestamp"`
}

// NewQueuedEnvelope returns a serialised endpoint_queued envelope.
func NewQueuedEnvelope(correlationID string, taskID uint64) ([]byte, error) {
	return json.Marshal(QueuedEnvelope{
		Type: EnvelopeQueued, CorrelationID: correlationID, TaskID: taskID, Timestamp: now(),
	})
}

// ResultEnvelope carries a completed task's outcome back to the originating
// connection. Data is set for api_response, Message for api_error.
type ResultEnvelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// NewAPIResponse returns a serialised api_response envelope.
func NewAPIResponse(correlationID string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(ResultEnvelope{
		Type: EnvelopeAPIResponse, CorrelationID: correlationID, Status: "success",
		Data: data, Timestamp: now(),
	})
}

// NewAPIError returns a serialised api_error envelope. status is a short
// machine-readable marker such as "404" or "error".
func NewAPIError(correlationID, status, message string) ([]byte, error) {
	return json.Marshal(ResultEnvelope{
		Type: EnvelopeAPIError, CorrelationID: correlationID, Status: status,
		Message: message, Timestamp: now(),
	})
}

// PendingDelivery is one entry in a pending envelope.
type PendingDelivery struct {
	MessageID string          `json:"message_id"`
	Channel   string          `json:"channel"`
	Message   json.RawMessage `json:"message"`
	Priority  int16           `json:"priority"`
	State     string          `json:"state"`
	CreatedAt int64           `json:"created_at"`
}

// PendingEnvelope lists the caller's undelivered and unacknowledged
// messages.
type PendingEnvelope struct {
	Type       string            `json:"type"`
	Deliveries []PendingDelivery `json:"deliveries"`
	Timestamp  int64             `json:"timestamp"`
}

// NewPendingEnvelope returns a serialised pending envelope.
func NewPendingEnvelope(deliveries []PendingDelivery) ([]byte, error) {
	if deliveries == nil {
		deliveries = []PendingDelivery{}
	}
	return json.Marshal(PendingEnvelope{
		Type: TypePending, Deliveries: deliveries, Timestamp: now(),
	})
}

// FingerprintEnvelope echoes the connection's identity binding back to the
// client.
type FingerprintEnvelope struct {
	Type       string `json:"type"`
	FD         uint64 `json:"fd"`
	DeviceHash string `json:"device_hash"`
	RemoteAddr string `json:"remote_addr"`
	OpenedAt   int64  `json:"opened_at"`
	Timestamp  int64  `json:"timestamp"`
}

// NewFingerprintEnvelope returns a serialised fingerprint envelope.
func NewFingerprintEnvelope(fd uint64, deviceHash, remoteAddr string, openedAt time.Time) ([]byte, error) {
	return json.Marshal(FingerprintEnvelope{
		Type: TypeFingerprint, FD: fd, DeviceHash: deviceHash, RemoteAddr: remoteAddr,
		OpenedAt: openedAt.UnixMilli(), Timestamp: now(),
	})
}
