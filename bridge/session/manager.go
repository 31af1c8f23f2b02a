package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wabridge/wabridge/bridge/backend"
	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/bridge/store"
)

// Manager owns the session map. It is the sole mutator: concurrent
// Connect calls for the same user collapse to at most one backend
// initialize in flight, the others observing the in-progress record.
type Manager struct {
	cfg     config.SessionConfig
	factory backend.Factory
	notify  Notifier
	store   store.Store
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, factory backend.Factory, notify Notifier, s store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		notify:   notify,
		store:    s,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Connect ensures a session exists for the user and is moving toward
// READY. On an already-READY session it re-confirms readiness; on any
// other live state it triggers a backend re-initialize instead of
// creating a second session. Backend failures are caught and logged,
// never returned to the caller.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		if sess.State() == StateReady {
			m.logger.Debug("connect on ready session", "user_id", userID)
			m.notify.Ready(userID)
			return
		}
		go m.reinitialize(sess)
		return
	}

	sess := newSession(userID, m.logger)
	m.sessions[userID] = sess
	m.mu.Unlock()

	m.journal(sess)
	m.logger.Info("session created", "user_id", userID)
	go m.initialize(sess)
}

// initialize builds the backend client for a fresh session, starts its
// event loop, and kicks off the connect. Runs off the caller's goroutine
// so a slow backend never blocks other users.
func (m *Manager) initialize(sess *Session) {
	ctx := context.Background()

	client, err := m.factory.New(ctx, sess.UserID)
	if err != nil {
		m.logger.Error("backend create failed", "user_id", sess.UserID, "error", err)
		sess.annotateError(err.Error())
		sess.setState(StateDisconnected)
		m.journal(sess)
		m.notify.Error(sess.UserID, "failed to start session")
		return
	}
	sess.setClient(client)

	// One goroutine per session consumes the event stream, so event
	// order within a session is preserved.
	go m.consumeEvents(sess, client)

	if err := client.Connect(ctx); err != nil {
		m.logger.Warn("backend connect failed", "user_id", sess.UserID, "error", err)
		sess.annotateError(err.Error())
		sess.setState(StateDisconnected)
		m.journal(sess)
		m.notify.Error(sess.UserID, "failed to connect session")
	}
}

// reinitialize handles connect on an existing, not-yet-ready session.
// The backend state decides the path: connected means the ready event is
// still in flight, a terminal state voids the credentials, anything else
// gets a fresh connect attempt.
func (m *Manager) reinitialize(sess *Session) {
	ctx := context.Background()

	client := sess.getClient()
	if client == nil {
		// Initialize is still in flight; it owns the connect.
		return
	}

	state, err := client.State(ctx)
	if err != nil {
		m.logger.Warn("backend state check failed", "user_id", sess.UserID, "error", err)
		sess.annotateError(err.Error())
		sess.setState(StateDisconnected)
		m.journal(sess)
		m.notify.Error(sess.UserID, "failed to check session state")
		return
	}

	switch {
	case state == backend.StateConnected:
		// Authenticated but the ready event has not fired yet; nothing
		// to do.
	case state.Terminal():
		m.logger.Info("session credentials void, terminating",
			"user_id", sess.UserID, "backend_state", state)
		m.Terminate(sess.UserID)
		m.notify.Error(sess.UserID, "session logged out, re-authentication required")
	default:
		sess.setState(StateInitializing)
		m.journal(sess)
		if err := client.Connect(ctx); err != nil {
			m.logger.Warn("backend reconnect failed", "user_id", sess.UserID, "error", err)
			sess.annotateError(err.Error())
			sess.setState(StateDisconnected)
			m.journal(sess)
			m.notify.Error(sess.UserID, "failed to reconnect session")
		}
	}
}

// consumeEvents drives the state machine from the backend event stream.
// Returns when the client closes its stream.
func (m *Manager) consumeEvents(sess *Session, client backend.Client) {
	for ev := range client.Events() {
		m.handleEvent(sess, ev)
	}
	m.logger.Debug("event stream closed", "user_id", sess.UserID)
}

func (m *Manager) handleEvent(sess *Session, ev backend.Event) {
	userID := sess.UserID

	switch ev.Kind {
	case backend.EventQR:
		retries, capped := sess.bumpQR(m.cfg.QRMaxRetries)
		if capped {
			// An unanswered challenge loop means the account will never
			// authenticate; holding the backend instance open wastes it.
			m.logger.Warn("challenge cap reached, terminating session",
				"user_id", userID, "retries", retries)
			m.Terminate(userID)
			m.notify.Error(userID, "login challenge limit reached, session terminated")
			return
		}
		sess.setState(StateAwaitingQR)
		m.journal(sess)
		m.notify.QR(userID, ev.QRCode)

	case backend.EventAuthenticated:
		sess.resetQR()
		sess.setState(StateAuthenticated)
		m.journal(sess)
		m.notify.Authenticated(userID)

	case backend.EventReady:
		sess.setState(StateReady)
		m.journal(sess)
		m.logger.Info("session ready", "user_id", userID)
		m.notify.Ready(userID)

	case backend.EventDisconnected:
		if sess.State() == StateTerminated {
			return
		}
		if backend.State(ev.Reason).Terminal() {
			m.logger.Info("backend reports logged out", "user_id", userID, "reason", ev.Reason)
			m.Terminate(userID)
			m.notify.Error(userID, "session logged out, re-authentication required")
			return
		}
		sess.setState(StateDisconnected)
		m.journal(sess)
		m.logger.Info("session disconnected, scheduling reconnect",
			"user_id", userID, "reason", ev.Reason)
		m.notify.Disconnected(userID)
		m.Restart(userID)

	case backend.EventError:
		m.logger.Warn("backend error", "user_id", userID, "error", ev.ErrMessage)
		sess.annotateError(ev.ErrMessage)
		m.journal(sess)
		m.notify.Error(userID, ev.ErrMessage)

	case backend.EventMessage:
		if ev.Message != nil {
			m.notify.Content(userID, *ev.Message)
		}

	default:
		m.logger.Debug("unknown backend event", "user_id", userID, "kind", ev.Kind)
	}
}

// Get returns the session for the user, if one exists.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

// GetIfReady returns the session only when it is READY. Used by every
// read/write action; never errors.
func (m *Manager) GetIfReady(userID string) (*Session, bool) {
	sess, ok := m.Get(userID)
	if !ok || sess.State() != StateReady {
		return nil, false
	}
	return sess, true
}

// Terminate tears down the user's session and releases the backend
// instance. Idempotent.
func (m *Manager) Terminate(userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sess.setState(StateTerminated)
	m.journal(sess)
	sess.closeClient()
	m.logger.Info("session terminated", "user_id", userID)
}

// Restart schedules a reconnect attempt after the configured delay. The
// delayed task re-checks state and no-ops when the session terminated or
// recovered in the meantime.
func (m *Manager) Restart(userID string) {
	time.AfterFunc(m.cfg.ReconnectDelay.Duration, func() {
		sess, ok := m.Get(userID)
		if !ok {
			return // superseded by terminate
		}
		switch sess.State() {
		case StateDisconnected:
			m.logger.Info("reconnecting session", "user_id", userID)
			m.Connect(userID)
		default:
			// Recovered or terminated while the timer ran.
		}
	})
}

// HandleGeneric is the extensibility point for unrecognized-but-well-
// formed requests: they are logged and echoed to the user's subscribers
// rather than rejected.
func (m *Manager) HandleGeneric(userID, event string, raw json.RawMessage) {
	m.logger.Info("forwarding generic request", "user_id", userID, "event", event)
	m.notify.Forward(userID, event, raw)
}

// List returns the journal view of every live session.
func (m *Manager) List() []store.SessionRecord {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	recs := make([]store.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		recs = append(recs, store.SessionRecord{
			UserID:    s.UserID,
			State:     string(s.State()),
			QRRetries: s.QRRetries(),
			LastError: s.LastError(),
			CreatedAt: s.CreatedAt,
		})
	}
	return recs
}

// CloseAll terminates every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	userIDs := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()

	for _, id := range userIDs {
		m.Terminate(id)
	}
}

// journal records the session's current state in the store. Best effort.
func (m *Manager) journal(sess *Session) {
	rec := &store.SessionRecord{
		UserID:    sess.UserID,
		State:     string(sess.State()),
		QRRetries: sess.QRRetries(),
		LastError: sess.LastError(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if err := m.store.RecordSessionState(context.Background(), rec); err != nil {
		m.logger.Warn("journal session state failed", "user_id", sess.UserID, "error", err)
	}
}
