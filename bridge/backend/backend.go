// Package backend defines the contract the bridge holds against the
// account automation backend. The backend itself lives out of process;
// the bridge only ever sees this interface plus the event stream.
package backend

import (
	"context"

	"github.com/wabridge/wabridge/pkg/protocol"
)

// State is the backend's view of the account connection.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateLoggedOut    State = "LOGGED_OUT"
	StateUnpaired     State = "UNPAIRED"
	StateUnknown      State = "UNKNOWN"
)

// Terminal reports whether the state voids the stored credentials. A
// terminal state means reconnecting is pointless until the user pairs
// the account again.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateUnpaired
}

// EventKind tags an entry on the backend event stream.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventError         EventKind = "error"
	EventMessage       EventKind = "message"
)

// Event is one entry on a client's event stream. Exactly the fields for
// its kind are set: QRCode for qr, Reason for disconnected, ErrMessage
// for error, Message for message.
type Event struct {
	Kind       EventKind
	QRCode     string
	Reason     string
	ErrMessage string
	Message    *protocol.Message
}

// Client is one live automation context for one user identity.
type Client interface {
	// Connect starts (or restarts) the authenticated context. Events
	// resulting from the attempt arrive on the event stream.
	Connect(ctx context.Context) error

	// State reports the backend's current connection state.
	State(ctx context.Context) (State, error)

	// Groups lists the account's group chats.
	Groups(ctx context.Context) ([]protocol.Group, error)

	// FetchMessages returns up to limit messages from the group,
	// most recent first.
	FetchMessages(ctx context.Context, groupID string, limit int) ([]protocol.Message, error)

	// SendMessage delivers body to a backend-addressable recipient.
	SendMessage(ctx context.Context, to, body string) error

	// Events returns the client's event stream. The channel is closed
	// when the client is closed.
	Events() <-chan Event

	// Close releases the automation context. Safe to call more than once.
	Close() error
}

// Factory builds one Client per user identity.
type Factory interface {
	New(ctx context.Context, userID string) (Client, error)
}
