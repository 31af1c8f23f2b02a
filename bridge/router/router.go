// Package router accepts client WebSocket connections, validates inbound
// frames, and dispatches them to the session manager and registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wabridge/wabridge/bridge/auth"
	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/bridge/registry"
	"github.com/wabridge/wabridge/bridge/relay"
	"github.com/wabridge/wabridge/bridge/session"
	"github.com/wabridge/wabridge/bridge/store"
	"github.com/wabridge/wabridge/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router parses inbound connection messages and dispatches them.
type Router struct {
	registry *registry.Registry
	sessions *session.Manager
	relay    *relay.Relay
	store    store.Store
	auth     auth.Provider // nil when the bridge runs open
	logger   *slog.Logger

	upgrader       websocket.Upgrader
	maxClientBytes int64
	normalizer     *Normalizer
	history        historyConfig
}

// New creates a Router.
func New(reg *registry.Registry, sm *session.Manager, rl *relay.Relay, s store.Store,
	ap auth.Provider, cfg *config.Config, logger *slog.Logger) *Router {
	return &Router{
		registry:       reg,
		sessions:       sm,
		relay:          rl,
		store:          s,
		auth:           ap,
		logger:         logger.With("component", "router"),
		upgrader:       makeUpgrader(cfg.Server.AllowedOrigins),
		maxClientBytes: cfg.Server.MaxClientBytes,
		normalizer:     NewNormalizer(cfg.Outbound),
		history:        historyConfig{limits: cfg.History.FetchLimits},
	}
}

// wsSink adapts a gorilla connection to the registry's Sink. The mutex
// serializes data frames; control frames are safe to write concurrently.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// HandleClientWS upgrades a client connection and runs its read loop.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	if r.auth != nil {
		// Browsers cannot set custom headers on the WebSocket handshake,
		// so the token also rides a query parameter.
		tokenStr := req.URL.Query().Get("token")
		if tokenStr == "" {
			tokenStr = req.Header.Get("Authorization")
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
		}
		if _, err := r.auth.ValidateToken(req.Context(), tokenStr); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = wsConn.Close() }()

	sink := &wsSink{conn: wsConn}
	conn := r.registry.Register(sink)
	wsConn.SetReadLimit(r.maxClientBytes)

	cancelKeepalive := startWSKeepalive(wsConn, &sink.mu)
	defer cancelKeepalive()

	r.logger.Info("client connected", "conn_id", conn.ID)
	r.audit("connection.open", "", conn.ID, nil)

	defer func() {
		r.registry.UnregisterConnection(conn.ID)
		r.audit("connection.close", "", conn.ID, nil)
		r.logger.Info("client disconnected", "conn_id", conn.ID)
	}()

	for {
		_, msg, err := wsConn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "conn_id", conn.ID, "error", err)
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(wsPongWait))

		// Dispatch off the read loop so a slow history fetch for one
		// user never delays delivery for another.
		go r.dispatch(conn, msg)
	}
}

// dispatch validates one inbound frame and routes it. A malformed frame
// fails that request only; the connection stays open.
func (r *Router) dispatch(conn *registry.Conn, raw []byte) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		r.logger.Warn("unparseable frame", "conn_id", conn.ID, "error", err)
		return
	}

	if req.UserID == "" {
		r.logger.Warn("frame missing user_id", "conn_id", conn.ID, "event", req.Event)
		return
	}
	if req.Event == "" {
		r.logger.Warn("frame missing event tag", "conn_id", conn.ID, "user_id", req.UserID)
		r.relay.Error(req.UserID, "missing event tag")
		return
	}

	ctx := context.Background()

	switch req.Kind() {
	case protocol.KindInitiate:
		r.registry.Subscribe(conn.ID, req.UserID)
		r.audit("session.initiate", req.UserID, conn.ID, nil)
		r.sessions.Connect(req.UserID)

	case protocol.KindGetMessages:
		r.registry.SetDelivery(conn.ID, req.UserID, true)

	case protocol.KindStopMessages:
		r.registry.SetDelivery(conn.ID, req.UserID, false)

	case protocol.KindGetGroups:
		sess, ok := r.sessions.GetIfReady(req.UserID)
		if !ok {
			r.relay.Error(req.UserID, "no active session, send initiate first")
			return
		}
		groups, err := sess.Groups(ctx)
		if err != nil {
			r.logger.Warn("fetch groups failed", "user_id", req.UserID, "error", err)
			r.relay.Error(req.UserID, "failed to fetch groups")
			return
		}
		r.relay.GroupList(req.UserID, groups)

	case protocol.KindSendMessage:
		r.handleSend(ctx, conn, &req)

	case protocol.KindGetGroupMessages:
		r.handleGroupMessages(ctx, &req)

	case protocol.KindDisconnect:
		r.registry.Unsubscribe(conn.ID, req.UserID)
		r.audit("session.disconnect", req.UserID, conn.ID, nil)
		// Local echo: the one place the router writes to a connection
		// directly instead of going through the relay.
		ack, _ := json.Marshal(protocol.StateNotice{Event: "disconnected", UserID: req.UserID})
		if err := conn.Send(ack); err != nil {
			r.logger.Debug("disconnect ack failed", "conn_id", conn.ID, "error", err)
		}

	default:
		r.sessions.HandleGeneric(req.UserID, req.Event, raw)
	}
}

func (r *Router) handleSend(ctx context.Context, conn *registry.Conn, req *protocol.Request) {
	if req.Recipient == "" || req.Message == "" {
		r.relay.Error(req.UserID, "send_message requires recipient and message")
		return
	}

	sess, ok := r.sessions.GetIfReady(req.UserID)
	if !ok {
		r.relay.Error(req.UserID, "no active session, send initiate first")
		return
	}

	recipientID := r.normalizer.Canonical(req.Recipient)
	if err := sess.SendMessage(ctx, recipientID, req.Message); err != nil {
		r.logger.Warn("send message failed", "user_id", req.UserID, "recipient", recipientID, "error", err)
		r.relay.Error(req.UserID, "failed to send message")
		return
	}

	detail, _ := json.Marshal(map[string]string{"recipient": recipientID})
	r.audit("message.send", req.UserID, conn.ID, detail)
	r.relay.MessageSent(req.UserID, recipientID, req.Message)
}

func (r *Router) handleGroupMessages(ctx context.Context, req *protocol.Request) {
	if req.GroupID == "" {
		r.relay.Error(req.UserID, "get_group_messages requires group_id")
		return
	}

	sess, ok := r.sessions.GetIfReady(req.UserID)
	if !ok {
		r.relay.Error(req.UserID, "no active session, send initiate first")
		return
	}

	start, err := parseTimeBound(req.StartTime)
	if err != nil {
		r.relay.Error(req.UserID, fmt.Sprintf("invalid startTime: %s", req.StartTime))
		return
	}
	end, err := parseTimeBound(req.EndTime)
	if err != nil {
		r.relay.Error(req.UserID, fmt.Sprintf("invalid endTime: %s", req.EndTime))
		return
	}

	msgs, err := r.fetchWindow(ctx, sess, req.GroupID, start, end)
	if err != nil {
		r.logger.Warn("history fetch failed", "user_id", req.UserID, "group_id", req.GroupID, "error", err)
		r.relay.Error(req.UserID, "failed to fetch group messages")
		return
	}

	r.relay.GroupMessages(req.UserID, req.GroupID, msgs)
}

// audit records a bridge-level action. Best effort.
func (r *Router) audit(action, userID, connID string, detail json.RawMessage) {
	err := r.store.LogAuditEvent(context.Background(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		ConnID:    connID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("audit log failed", "action", action, "error", err)
	}
}
