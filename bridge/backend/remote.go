package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/pkg/protocol"
)

// ErrClientClosed is returned for calls against a closed client.
var ErrClientClosed = errors.New("backend client closed")

// engineFrame is the wire format spoken with the automation engine. A
// frame carrying an ID is a reply to a pending request; everything else
// is an unsolicited event.
type engineFrame struct {
	ID    string `json:"id,omitempty"`
	Op    string `json:"op,omitempty"`
	Event string `json:"event,omitempty"`

	// Request fields.
	GroupID string `json:"group_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	To      string `json:"to,omitempty"`
	Body    string `json:"body,omitempty"`

	// Reply and event fields.
	OK       bool               `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
	State    string             `json:"state,omitempty"`
	QRCode   string             `json:"qr_code,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Message  *protocol.Message  `json:"message,omitempty"`
	Groups   []protocol.Group   `json:"groups,omitempty"`
	Messages []protocol.Message `json:"messages,omitempty"`
}

// RemoteFactory dials one engine websocket per user identity.
type RemoteFactory struct {
	cfg    config.BackendConfig
	logger *slog.Logger
}

// NewRemoteFactory creates a factory for the configured engine.
func NewRemoteFactory(cfg config.BackendConfig, logger *slog.Logger) *RemoteFactory {
	return &RemoteFactory{
		cfg:    cfg,
		logger: logger.With("component", "backend"),
	}
}

// New dials the engine for the given user and starts the read loop.
func (f *RemoteFactory) New(ctx context.Context, userID string) (Client, error) {
	u, err := url.Parse(f.cfg.EngineURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if f.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}

	c := &remoteClient{
		userID:  userID,
		conn:    conn,
		timeout: f.cfg.RequestTimeout.Duration,
		logger:  f.logger.With("user", userID),
		pending: make(map[string]chan engineFrame),
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// remoteClient is one live engine connection for one user.
type remoteClient struct {
	userID  string
	conn    *websocket.Conn
	timeout time.Duration
	logger  *slog.Logger

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[string]chan engineFrame
	closed  bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *remoteClient) readLoop() {
	// The read loop owns the event channel: it is the only sender, so it
	// is the only goroutine allowed to close it.
	defer close(c.events)
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame engineFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame from engine", "error", err)
			continue
		}

		if frame.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		ev, ok := eventFromFrame(frame)
		if !ok {
			c.logger.Debug("unrecognized engine event", "event", frame.Event)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func eventFromFrame(frame engineFrame) (Event, bool) {
	switch EventKind(frame.Event) {
	case EventQR:
		return Event{Kind: EventQR, QRCode: frame.QRCode}, true
	case EventAuthenticated:
		return Event{Kind: EventAuthenticated}, true
	case EventReady:
		return Event{Kind: EventReady}, true
	case EventDisconnected:
		return Event{Kind: EventDisconnected, Reason: frame.Reason}, true
	case EventError:
		return Event{Kind: EventError, ErrMessage: frame.Error}, true
	case EventMessage:
		return Event{Kind: EventMessage, Message: frame.Message}, true
	}
	return Event{}, false
}

// call sends a request frame and waits for the matching reply.
func (c *remoteClient) call(ctx context.Context, req engineFrame) (engineFrame, error) {
	req.ID = uuid.New().String()

	ch := make(chan engineFrame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engineFrame{}, ErrClientClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return engineFrame{}, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return engineFrame{}, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.OK {
			return engineFrame{}, fmt.Errorf("engine %s: %s", req.Op, reply.Error)
		}
		return reply, nil
	case <-timer.C:
		return engineFrame{}, fmt.Errorf("engine %s: timed out after %s", req.Op, c.timeout)
	case <-ctx.Done():
		return engineFrame{}, ctx.Err()
	case <-c.done:
		return engineFrame{}, ErrClientClosed
	}
}

func (c *remoteClient) Connect(ctx context.Context) error {
	_, err := c.call(ctx, engineFrame{Op: "connect"})
	return err
}

func (c *remoteClient) State(ctx context.Context) (State, error) {
	reply, err := c.call(ctx, engineFrame{Op: "state"})
	if err != nil {
		return StateUnknown, err
	}
	switch s := State(reply.State); s {
	case StateConnected, StateDisconnected, StateLoggedOut, StateUnpaired:
		return s, nil
	}
	return StateUnknown, nil
}

func (c *remoteClient) Groups(ctx context.Context) ([]protocol.Group, error) {
	reply, err := c.call(ctx, engineFrame{Op: "groups"})
	if err != nil {
		return nil, err
	}
	return reply.Groups, nil
}

func (c *remoteClient) FetchMessages(ctx context.Context, groupID string, limit int) ([]protocol.Message, error) {
	reply, err := c.call(ctx, engineFrame{Op: "fetch_messages", GroupID: groupID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (c *remoteClient) SendMessage(ctx context.Context, to, body string) error {
	_, err := c.call(ctx, engineFrame{Op: "send_message", To: to, Body: body})
	return err
}

func (c *remoteClient) Events() <-chan Event {
	return c.events
}

func (c *remoteClient) Close() error {
	c.shutdown()
	return nil
}

// shutdown closes the socket and fails pending calls. Closing the
// socket unblocks the read loop, which then closes the event stream.
func (c *remoteClient) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
	})
}
