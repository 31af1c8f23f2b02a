// Package relay fans session events out to subscribed connections. It is
// the single chokepoint through which session-originated data reaches the
// network.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wabridge/wabridge/bridge/registry"
	"github.com/wabridge/wabridge/bridge/store"
	"github.com/wabridge/wabridge/pkg/protocol"
)

// Relay shapes outbound frames and writes them to every connection the
// registry resolves for the event.
type Relay struct {
	registry *registry.Registry
	store    store.Store
	logger   *slog.Logger
}

// New creates a relay over the given registry. Content messages passing
// through are archived to the store.
func New(reg *registry.Registry, s store.Store, logger *slog.Logger) *Relay {
	return &Relay{
		registry: reg,
		store:    s,
		logger:   logger.With("component", "relay"),
	}
}

// QR relays a login challenge.
func (r *Relay) QR(userID, code string) {
	r.deliver(userID, protocol.KindQR, protocol.QRNotice{
		Event: "qr", UserID: userID, QRCode: code,
	})
}

// Authenticated relays a successful authentication.
func (r *Relay) Authenticated(userID string) {
	r.deliver(userID, protocol.KindAuthenticated, protocol.StateNotice{
		Event: "authenticated", UserID: userID,
	})
}

// Ready relays session readiness.
func (r *Relay) Ready(userID string) {
	r.deliver(userID, protocol.KindReady, protocol.StateNotice{
		Event: "ready", UserID: userID,
	})
}

// Disconnected relays a session disconnect.
func (r *Relay) Disconnected(userID string) {
	r.deliver(userID, protocol.KindDisconnected, protocol.StateNotice{
		Event: "disconnected", UserID: userID,
	})
}

// Error relays a request- or session-scoped failure to the user's
// subscribers.
func (r *Relay) Error(userID, message string) {
	r.deliver(userID, protocol.KindError, protocol.ErrorNotice{
		Event: "error", UserID: userID, Message: message,
	})
}

// Content relays one inbound account message to subscriptions with
// delivery enabled, and archives it.
func (r *Relay) Content(userID string, msg protocol.Message) {
	if err := r.store.ArchiveMessage(context.Background(), &store.ArchivedMessage{
		ID:         uuid.New().String(),
		UserID:     userID,
		MessageID:  msg.ID,
		Sender:     msg.Sender,
		Body:       msg.Body,
		Type:       msg.Type,
		ReplyToID:  msg.ReplyToID,
		Timestamp:  msg.Timestamp,
		ReceivedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("archive message failed", "user_id", userID, "error", err)
	}

	r.deliver(userID, protocol.KindContent, protocol.ContentMessage{
		Event: "message", UserID: userID, Message: msg,
	})
}

// GroupList relays a get_groups response.
func (r *Relay) GroupList(userID string, groups []protocol.Group) {
	if groups == nil {
		groups = []protocol.Group{}
	}
	r.deliver(userID, protocol.KindGroupList, protocol.GroupList{
		Event: "group_list", UserID: userID, Groups: groups,
	})
}

// GroupMessages relays a get_group_messages response.
func (r *Relay) GroupMessages(userID, groupID string, msgs []protocol.Message) {
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	r.deliver(userID, protocol.KindGroupMessages, protocol.GroupMessages{
		Event:    "group_messages",
		UserID:   userID,
		GroupID:  groupID,
		Messages: msgs,
		Date:     time.Now().Format(time.RFC3339),
	})
}

// MessageSent relays a send confirmation.
func (r *Relay) MessageSent(userID, recipientID, body string) {
	r.deliver(userID, protocol.KindMessageSent, protocol.MessageSent{
		Event: "message_sent", UserID: userID, RecipientID: recipientID, Message: body,
	})
}

// Forward echoes an unrecognized request back to the user's subscribers.
func (r *Relay) Forward(userID, event string, raw json.RawMessage) {
	r.deliver(userID, protocol.KindForwarded, protocol.Forwarded{
		Event: event, UserID: userID, Raw: raw,
	})
}

// deliver resolves targets and writes the frame to each. An empty target
// set is logged, not an error. A failed write removes that subscription
// only; the rest of the fan-out proceeds.
func (r *Relay) deliver(userID string, kind protocol.EventKind, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Warn("marshal outbound frame failed", "kind", kind, "error", err)
		return
	}

	targets := r.registry.ResolveTargets(userID, kind)
	if len(targets) == 0 {
		r.logger.Debug("no subscribers for event", "user_id", userID, "kind", kind)
		return
	}

	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			r.logger.Debug("send failed, dropping subscription",
				"conn_id", conn.ID, "user_id", userID, "error", err)
			r.registry.Unsubscribe(conn.ID, userID)
		}
	}
}
