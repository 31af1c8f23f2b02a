// Package session owns the lifecycle of one automation session per user
// identity: the connect/authenticate/ready/disconnect/terminate state
// machine, bounded challenge retry, and delayed reconnection.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wabridge/wabridge/bridge/backend"
	"github.com/wabridge/wabridge/pkg/protocol"
)

// State is a session's lifecycle state. A user with no session at all is
// simply absent from the manager.
type State string

const (
	StateInitializing  State = "INITIALIZING"
	StateAwaitingQR    State = "AWAITING_QR"
	StateAuthenticated State = "AUTHENTICATED"
	StateReady         State = "READY"
	StateDisconnected  State = "DISCONNECTED"
	StateTerminated    State = "TERMINATED"
)

// Notifier receives session events for fan-out. Implemented by the relay.
type Notifier interface {
	QR(userID, code string)
	Authenticated(userID string)
	Ready(userID string)
	Disconnected(userID string)
	Error(userID, message string)
	Content(userID string, msg protocol.Message)
	Forward(userID, event string, raw json.RawMessage)
}

// Session is the live (or attempting-to-be-live) automation context for
// one user identity.
type Session struct {
	UserID    string
	CreatedAt time.Time

	logger *slog.Logger

	mu        sync.Mutex
	state     State
	qrRetries int
	lastError string // annotation; never replaces the connectivity state
	client    backend.Client
}

func newSession(userID string, logger *slog.Logger) *Session {
	return &Session{
		UserID:    userID,
		CreatedAt: time.Now(),
		state:     StateInitializing,
		logger:    logger.With("user_id", userID),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent backend error annotation, if any.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// QRRetries returns the number of challenges issued since the last
// successful authentication.
func (s *Session) QRRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrRetries
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setClient(c backend.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) getClient() backend.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// bumpQR increments the challenge counter and reports whether it has
// reached the cap.
func (s *Session) bumpQR(cap int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrRetries++
	return s.qrRetries, s.qrRetries >= cap
}

func (s *Session) resetQR() {
	s.mu.Lock()
	s.qrRetries = 0
	s.mu.Unlock()
}

func (s *Session) annotateError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// Groups lists the account's group chats.
func (s *Session) Groups(ctx context.Context) ([]protocol.Group, error) {
	c := s.getClient()
	if c == nil {
		return nil, fmt.Errorf("session %s has no backend client", s.UserID)
	}
	return c.Groups(ctx)
}

// FetchMessages returns up to limit messages from the group, most recent
// first.
func (s *Session) FetchMessages(ctx context.Context, groupID string, limit int) ([]protocol.Message, error) {
	c := s.getClient()
	if c == nil {
		return nil, fmt.Errorf("session %s has no backend client", s.UserID)
	}
	return c.FetchMessages(ctx, groupID, limit)
}

// SendMessage delivers body to a backend-addressable recipient.
func (s *Session) SendMessage(ctx context.Context, to, body string) error {
	c := s.getClient()
	if c == nil {
		return fmt.Errorf("session %s has no backend client", s.UserID)
	}
	return c.SendMessage(ctx, to, body)
}

func (s *Session) closeClient() {
	if c := s.getClient(); c != nil {
		if err := c.Close(); err != nil {
			s.logger.Warn("backend close failed", "error", err)
		}
	}
}
