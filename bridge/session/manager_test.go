package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/wabridge/wabridge/bridge/backend"
	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/bridge/store"
	"github.com/wabridge/wabridge/pkg/protocol"
)

// fakeClient is a scripted backend client.
type fakeClient struct {
	mu           sync.Mutex
	connectCalls int
	state        backend.State
	closed       bool
	events       chan backend.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		state:  backend.StateDisconnected,
		events: make(chan backend.Event, 16),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	return nil
}

func (c *fakeClient) State(ctx context.Context) (backend.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *fakeClient) setState(s backend.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeClient) connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeClient) Groups(ctx context.Context) ([]protocol.Group, error) {
	return []protocol.Group{{ID: "g1", Name: "family"}}, nil
}

func (c *fakeClient) FetchMessages(ctx context.Context, groupID string, limit int) ([]protocol.Message, error) {
	return nil, nil
}

func (c *fakeClient) SendMessage(ctx context.Context, to, body string) error {
	return nil
}

func (c *fakeClient) Events() <-chan backend.Event {
	return c.events
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory counts client builds.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (f *fakeFactory) New(ctx context.Context, userID string) (backend.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient()
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

// fakeNotifier records relayed events.
type fakeNotifier struct {
	mu       sync.Mutex
	qrs      []string
	ready    int
	auth     int
	disc     int
	errors   []string
	content  []protocol.Message
	forwards []string
}

func (n *fakeNotifier) QR(userID, code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.qrs = append(n.qrs, code)
}
func (n *fakeNotifier) Authenticated(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.auth++
}
func (n *fakeNotifier) Ready(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready++
}
func (n *fakeNotifier) Disconnected(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disc++
}
func (n *fakeNotifier) Error(userID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}
func (n *fakeNotifier) Content(userID string, msg protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.content = append(n.content, msg)
}
func (n *fakeNotifier) Forward(userID, event string, raw json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwards = append(n.forwards, event)
}

type notifierSnapshot struct {
	qrs      []string
	ready    int
	auth     int
	disc     int
	errors   []string
	content  []protocol.Message
	forwards []string
}

func (n *fakeNotifier) snapshot() notifierSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return notifierSnapshot{
		qrs: append([]string(nil), n.qrs...), ready: n.ready, auth: n.auth,
		disc: n.disc, errors: append([]string(nil), n.errors...),
		content:  append([]protocol.Message(nil), n.content...),
		forwards: append([]string(nil), n.forwards...),
	}
}

func newTestManager(t *testing.T, cfg config.SessionConfig) (*Manager, *fakeFactory, *fakeNotifier) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg.QRMaxRetries == 0 {
		cfg.QRMaxRetries = 10
	}
	if cfg.ReconnectDelay.Duration == 0 {
		cfg.ReconnectDelay.Duration = 10 * time.Millisecond
	}

	factory := &fakeFactory{}
	notify := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, factory, notify, s, logger), factory, notify
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectSingleFlight(t *testing.T) {
	m, factory, _ := newTestManager(t, config.SessionConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect("alice")
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return factory.builds() >= 1 }, "backend never built")
	// Give stragglers a chance to (incorrectly) build a second client.
	time.Sleep(20 * time.Millisecond)

	if got := factory.builds(); got != 1 {
		t.Fatalf("expected exactly 1 backend client for 10 concurrent connects, got %d", got)
	}
	if _, ok := m.Get("alice"); !ok {
		t.Fatal("session missing after connect")
	}
}

func TestLifecycleToReady(t *testing.T) {
	m, factory, notify := newTestManager(t, config.SessionConfig{})

	m.Connect("bob")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")
	client := factory.client(0)

	client.events <- backend.Event{Kind: backend.EventQR, QRCode: "qr-data"}
	client.events <- backend.Event{Kind: backend.EventAuthenticated}
	client.events <- backend.Event{Kind: backend.EventReady}

	waitFor(t, func() bool {
		_, ok := m.GetIfReady("bob")
		return ok
	}, "session never became ready")

	snap := notify.snapshot()
	if len(snap.qrs) != 1 || snap.qrs[0] != "qr-data" {
		t.Errorf("qr notices: got %v", snap.qrs)
	}
	if snap.auth != 1 || snap.ready != 1 {
		t.Errorf("auth=%d ready=%d, want 1/1", snap.auth, snap.ready)
	}

	sess, _ := m.Get("bob")
	if sess.QRRetries() != 0 {
		t.Errorf("qr retries not reset on authenticate: %d", sess.QRRetries())
	}
}

func TestQRCapTerminatesSession(t *testing.T) {
	m, factory, notify := newTestManager(t, config.SessionConfig{QRMaxRetries: 3})

	m.Connect("carol")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")
	client := factory.client(0)

	for i := 0; i < 3; i++ {
		client.events <- backend.Event{Kind: backend.EventQR, QRCode: "qr"}
	}

	waitFor(t, func() bool {
		_, ok := m.Get("carol")
		return !ok
	}, "session not terminated at challenge cap")

	waitFor(t, client.isClosed, "backend client not released on terminate")

	snap := notify.snapshot()
	// The capping challenge is swallowed; only the ones below the cap relay.
	if len(snap.qrs) != 2 {
		t.Errorf("expected 2 relayed challenges before the cap, got %d", len(snap.qrs))
	}
	if len(snap.errors) == 0 {
		t.Error("expected a terminal error notice")
	}
}

func TestTerminalDisconnectTearsDown(t *testing.T) {
	m, factory, notify := newTestManager(t, config.SessionConfig{})

	m.Connect("dave")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")
	client := factory.client(0)

	client.events <- backend.Event{Kind: backend.EventReady}
	waitFor(t, func() bool {
		_, ok := m.GetIfReady("dave")
		return ok
	}, "session never became ready")

	client.events <- backend.Event{Kind: backend.EventDisconnected, Reason: string(backend.StateLoggedOut)}

	waitFor(t, func() bool {
		_, ok := m.Get("dave")
		return !ok
	}, "logged-out session not terminated")

	// No reconnect: the factory must not build a replacement.
	time.Sleep(40 * time.Millisecond)
	if factory.builds() != 1 {
		t.Errorf("terminal disconnect triggered a rebuild, builds=%d", factory.builds())
	}

	snap := notify.snapshot()
	if len(snap.errors) == 0 {
		t.Error("expected an error notice for the voided credentials")
	}
	if snap.disc != 0 {
		t.Errorf("terminal teardown must not relay plain disconnected, got %d", snap.disc)
	}
}

func TestTransientDisconnectReconnects(t *testing.T) {
	m, factory, notify := newTestManager(t, config.SessionConfig{
		ReconnectDelay: config.Duration{Duration: 5 * time.Millisecond},
	})

	m.Connect("erin")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")
	client := factory.client(0)

	client.events <- backend.Event{Kind: backend.EventReady}
	waitFor(t, func() bool {
		_, ok := m.GetIfReady("erin")
		return ok
	}, "session never became ready")

	client.setState(backend.StateDisconnected)
	client.events <- backend.Event{Kind: backend.EventDisconnected, Reason: "stream error"}

	// The delayed restart re-connects on the existing client.
	waitFor(t, func() bool { return client.connects() >= 2 }, "no reconnect attempt")

	if factory.builds() != 1 {
		t.Errorf("reconnect built a second client, builds=%d", factory.builds())
	}
	if notify.snapshot().disc != 1 {
		t.Errorf("disconnected notices: got %d, want 1", notify.snapshot().disc)
	}
}

func TestGetIfReadyGatesOnState(t *testing.T) {
	m, factory, _ := newTestManager(t, config.SessionConfig{})

	if _, ok := m.GetIfReady("frank"); ok {
		t.Fatal("GetIfReady on absent session")
	}

	m.Connect("frank")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")

	if _, ok := m.GetIfReady("frank"); ok {
		t.Fatal("GetIfReady true before ready event")
	}

	factory.client(0).events <- backend.Event{Kind: backend.EventReady}
	waitFor(t, func() bool {
		_, ok := m.GetIfReady("frank")
		return ok
	}, "session never became ready")
}

func TestInboundMessageRelayed(t *testing.T) {
	m, factory, notify := newTestManager(t, config.SessionConfig{})

	m.Connect("grace")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")

	factory.client(0).events <- backend.Event{
		Kind:    backend.EventMessage,
		Message: &protocol.Message{ID: "m1", Sender: "peer", Body: "hi"},
	}

	waitFor(t, func() bool { return len(notify.snapshot().content) == 1 }, "message never relayed")
	if got := notify.snapshot().content[0].Body; got != "hi" {
		t.Errorf("relayed body: got %q", got)
	}
}

func TestHandleGenericForwards(t *testing.T) {
	m, _, notify := newTestManager(t, config.SessionConfig{})

	m.HandleGeneric("henry", "custom_ping", json.RawMessage(`{"event":"custom_ping","user_id":"henry"}`))

	snap := notify.snapshot()
	if len(snap.forwards) != 1 || snap.forwards[0] != "custom_ping" {
		t.Fatalf("forwards: got %v", snap.forwards)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	m, factory, _ := newTestManager(t, config.SessionConfig{})

	m.Connect("iris")
	waitFor(t, func() bool { return factory.builds() == 1 }, "backend never built")

	m.Terminate("iris")
	m.Terminate("iris")

	if _, ok := m.Get("iris"); ok {
		t.Fatal("session survived terminate")
	}
	waitFor(t, factory.client(0).isClosed, "client not closed on terminate")
}

func TestCloseAll(t *testing.T) {
	m, factory, _ := newTestManager(t, config.SessionConfig{})

	m.Connect("jack")
	m.Connect("kate")
	waitFor(t, func() bool { return factory.builds() == 2 }, "backends never built")

	m.CloseAll()

	if _, ok := m.Get("jack"); ok {
		t.Error("jack survived CloseAll")
	}
	if _, ok := m.Get("kate"); ok {
		t.Error("kate survived CloseAll")
	}
}
