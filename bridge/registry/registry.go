// Package registry tracks live client connections and their per-user
// subscriptions. It is the single owner of both maps; every mutation goes
// through its operation set.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wabridge/wabridge/pkg/protocol"
)

// Sink is the write side of one transport channel. The transport layer
// owns the channel; the registry holds only this wrapper.
type Sink interface {
	WriteMessage(data []byte) error
	Close() error
}

// Conn is a registered connection. All writes go through Send, which
// serializes frames on the connection's own mutex.
type Conn struct {
	ID   string
	sink Sink
	mu   sync.Mutex
}

// Send writes one frame to the connection.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink.WriteMessage(data)
}

type subscription struct {
	deliveryEnabled bool
}

// Registry maps connections to the user identities they observe.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	subs  map[string]map[string]*subscription // connID -> userID -> sub
	users map[string]map[string]bool          // userID -> connID set
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*Conn),
		subs:   make(map[string]map[string]*subscription),
		users:  make(map[string]map[string]bool),
	}
}

// Register wraps a transport channel and tracks it under a fresh
// connection ID.
func (r *Registry) Register(sink Sink) *Conn {
	conn := &Conn{ID: uuid.New().String(), sink: sink}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.logger.Debug("connection registered", "conn_id", conn.ID)
	return conn
}

// Subscribe records that the connection observes the user. Idempotent;
// a fresh subscription starts with delivery disabled. Subscribing on an
// unregistered connection is a no-op.
func (r *Registry) Subscribe(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return
	}
	if r.subs[connID] == nil {
		r.subs[connID] = make(map[string]*subscription)
	}
	if _, ok := r.subs[connID][userID]; !ok {
		r.subs[connID][userID] = &subscription{}
	}
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]bool)
	}
	r.users[userID][connID] = true
}

// SetDelivery toggles content-message delivery for one subscription.
// No-op when the subscription does not exist.
func (r *Registry) SetDelivery(connID, userID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[connID][userID]; ok {
		sub.deliveryEnabled = enabled
	}
}

// Unsubscribe removes one (connection, user) subscription.
func (r *Registry) Unsubscribe(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropSubscription(connID, userID)
}

// UnregisterConnection removes the connection and all its subscriptions.
func (r *Registry) UnregisterConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID := range r.subs[connID] {
		r.dropSubscription(connID, userID)
	}
	delete(r.subs, connID)
	delete(r.conns, connID)
}

// dropSubscription removes one subscription edge. Caller holds r.mu.
func (r *Registry) dropSubscription(connID, userID string) {
	if subs, ok := r.subs[connID]; ok {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.subs, connID)
		}
	}
	if set, ok := r.users[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
}

// ResolveTargets returns the connections subscribed to the user, ordered
// by connection ID. Content messages are restricted to subscriptions with
// delivery enabled; every other event kind is delivered unconditionally.
func (r *Registry) ResolveTargets(userID string, kind protocol.EventKind) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []*Conn
	for connID := range r.users[userID] {
		conn, ok := r.conns[connID]
		if !ok {
			continue
		}
		if kind == protocol.KindContent {
			if sub, ok := r.subs[connID][userID]; !ok || !sub.deliveryEnabled {
				continue
			}
		}
		targets = append(targets, conn)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// Subscribed reports whether the (connection, user) subscription exists.
func (r *Registry) Subscribed(connID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[connID][userID]
	return ok
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
