// Package protocol defines the wire messages exchanged between the bridge
// and its WebSocket clients.
//
// Inbound frames are JSON records tagged by an "event" field plus a
// "user_id" naming the account the request targets. Outbound frames are
// flat JSON records tagged by "event" with a "userid" field; the field
// names follow the wire format deployed clients already speak.
package protocol

import "encoding/json"

// Request event tags recognized by the router. Anything else is
// forwarded as a generic request rather than rejected.
const (
	EventInitiate         = "initiate"
	EventGetMessages      = "get_messages"
	EventStopMessages     = "stop_messages"
	EventGetGroups        = "get_groups"
	EventSendMessage      = "send_message"
	EventGetGroupMessages = "get_group_messages"
	EventDisconnect       = "disconnect"
)

// Request is one inbound client frame.
type Request struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	StartTime string `json:"startTime,omitempty"` // ISO-8601
	EndTime   string `json:"endTime,omitempty"`   // ISO-8601
}

// RequestKind is the closed variant the router dispatches on. Unknown
// tags map to KindGeneric, which preserves the open-forwarding behavior.
type RequestKind int

const (
	KindGeneric RequestKind = iota
	KindInitiate
	KindGetMessages
	KindStopMessages
	KindGetGroups
	KindSendMessage
	KindGetGroupMessages
	KindDisconnect
)

// Kind maps the request's event tag onto the closed variant.
func (r *Request) Kind() RequestKind {
	switch r.Event {
	case EventInitiate:
		return KindInitiate
	case EventGetMessages:
		return KindGetMessages
	case EventStopMessages:
		return KindStopMessages
	case EventGetGroups:
		return KindGetGroups
	case EventSendMessage:
		return KindSendMessage
	case EventGetGroupMessages:
		return KindGetGroupMessages
	case EventDisconnect:
		return KindDisconnect
	default:
		return KindGeneric
	}
}

// EventKind classifies outbound events for fan-out. Only content messages
// are gated by the per-subscription delivery flag; every other kind is
// delivered to all subscribers of the user.
type EventKind string

const (
	KindQR            EventKind = "qr"
	KindAuthenticated EventKind = "authenticated"
	KindReady         EventKind = "ready"
	KindDisconnected  EventKind = "disconnected"
	KindError         EventKind = "error"
	KindContent       EventKind = "message"
	KindGroupList     EventKind = "group_list"
	KindGroupMessages EventKind = "group_messages"
	KindMessageSent   EventKind = "message_sent"
	KindForwarded     EventKind = "generic"
)

// Message is the normalized content-message schema relayed to clients.
type Message struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// Group describes one group chat in a group_list response.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// --- Outbound frames ---

// QRNotice carries a login challenge to be answered out-of-band.
type QRNotice struct {
	Event  string `json:"event"` // "qr"
	UserID string `json:"userid"`
	QRCode string `json:"qr_code"`
}

// StateNotice covers the bare lifecycle events: authenticated, ready,
// disconnected.
type StateNotice struct {
	Event  string `json:"event"`
	UserID string `json:"userid"`
}

// ErrorNotice reports a request- or session-scoped failure.
type ErrorNotice struct {
	Event   string `json:"event"` // "error"
	UserID  string `json:"userid"`
	Message string `json:"message"`
}

// GroupList is the response to get_groups.
type GroupList struct {
	Event  string  `json:"event"` // "group_list"
	UserID string  `json:"userid"`
	Groups []Group `json:"groups"`
}

// GroupMessages is the response to get_group_messages.
type GroupMessages struct {
	Event    string    `json:"event"` // "group_messages"
	UserID   string    `json:"userid"`
	GroupID  string    `json:"group_id"`
	Messages []Message `json:"messages"`
	Date     string    `json:"date"` // fetch time, RFC 3339
}

// ContentMessage relays one inbound account message.
type ContentMessage struct {
	Event   string  `json:"event"` // "message"
	UserID  string  `json:"userid"`
	Message Message `json:"message"`
}

// MessageSent confirms an outbound send.
type MessageSent struct {
	Event       string `json:"event"` // "message_sent"
	UserID      string `json:"userid"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
}

// Forwarded echoes an unrecognized-but-well-formed request back to the
// user's subscribers. Raw is the original frame.
type Forwarded struct {
	Event  string          `json:"event"`
	UserID string          `json:"userid"`
	Raw    json.RawMessage `json:"data,omitempty"`
}
