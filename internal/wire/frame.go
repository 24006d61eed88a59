// Package wire defines the JSON frames exchanged over a channel-server
// WebSocket connection: the single inbound frame shape and the family of
// outbound envelopes. All envelope constructors return the serialised bytes
// ready to hand to a connection's send queue.
package wire

import (
	"encoding/json"
	"strconv"
)

// Frame type constants for the virtual-HTTP classification. Any other value
// is treated as a native frame type and resolved through the handler
// registry.
const (
	TypeAPI      = "api"
	TypeEndpoint = "endpoint"
)

// Native frame types the router recognises.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeAck         = "ack"
	TypePing        = "ping"
	TypePending     = "pending"
	TypeFingerprint = "fingerprint"
)

// Frame is the decoded form of an inbound WebSocket message. Only the fields
// relevant to the frame's type are populated; the rest stay at their zero
// values.
type Frame struct {
	Type          string            `json:"type"`
	Route         string            `json:"route,omitempty"`
	Method        string            `json:"method,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Query         map[string]string `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Token         string            `json:"token,omitempty"`

	// Native pub/sub fields.
	Channel     string          `json:"channel,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	MessageType string          `json:"message_type,omitempty"`
	Priority    int16           `json:"priority,omitempty"`
	Level       string          `json:"level,omitempty"`
}

// IsVirtualHTTP reports whether the frame should be dispatched as a virtual
// HTTP request rather than a native frame. A frame with a route and no type
// is virtual; so are the explicit "api" and "endpoint" types.
func (f *Frame) IsVirtualHTTP() bool {
	if f.Type == TypeAPI || f.Type == TypeEndpoint {
		return true
	}
	return f.Type == "" && f.Route != ""
}

// InjectedIdentity carries the authenticated caller's identity from the frame
// router into a task worker. It replaces free-form meta headers with a typed
// struct so the contract between router and dispatch cannot drift.
type InjectedIdentity struct {
	AccountID int64  `json:"account_id"`
	ProfileID int64  `json:"profile_id"`
	ClientFD  uint64 `json:"client_fd"`
	TraceID   string `json:"trace_id"`
}

// Headers renders the identity in its header form for handlers that expect
// the documented X-* meta keys.
func (id InjectedIdentity) Headers() map[string]string {
	return map[string]string{
		"X-Account-ID": strconv.FormatInt(id.AccountID, 10),
		"X-Profile-ID": strconv.FormatInt(id.ProfileID, 10),
		"X-Client-FD":  strconv.FormatUint(id.ClientFD, 10),
		"X-Trace-ID":   id.TraceID,
	}
}
