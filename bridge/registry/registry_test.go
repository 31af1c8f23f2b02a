package registry

import (
	"io"
	"sync"
	"testing"

	"log/slog"

	"github.com/wabridge/wabridge/pkg/protocol"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSink) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubscribeIdempotent(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeSink{})

	r.Subscribe(conn.ID, "alice")
	r.SetDelivery(conn.ID, "alice", true)

	// Re-subscribing must not reset delivery.
	r.Subscribe(conn.ID, "alice")

	targets := r.ResolveTargets("alice", protocol.KindContent)
	if len(targets) != 1 {
		t.Fatalf("expected 1 content target after re-subscribe, got %d", len(targets))
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	r.Subscribe("no-such-conn", "alice")

	if r.Subscribed("no-such-conn", "alice") {
		t.Error("subscription recorded for unregistered connection")
	}
	if got := r.ResolveTargets("alice", protocol.KindReady); len(got) != 0 {
		t.Errorf("expected no targets, got %d", len(got))
	}
}

func TestDeliveryGateOnlyAffectsContent(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeSink{})
	r.Subscribe(conn.ID, "alice")

	// Fresh subscription: delivery disabled.
	if got := r.ResolveTargets("alice", protocol.KindContent); len(got) != 0 {
		t.Errorf("content delivered to fresh subscription, got %d targets", len(got))
	}
	// Lifecycle events are unconditional.
	for _, kind := range []protocol.EventKind{protocol.KindQR, protocol.KindReady, protocol.KindError, protocol.KindGroupList} {
		if got := r.ResolveTargets("alice", kind); len(got) != 1 {
			t.Errorf("%s: expected 1 target, got %d", kind, len(got))
		}
	}

	r.SetDelivery(conn.ID, "alice", true)
	if got := r.ResolveTargets("alice", protocol.KindContent); len(got) != 1 {
		t.Errorf("content after enable: expected 1 target, got %d", len(got))
	}

	r.SetDelivery(conn.ID, "alice", false)
	if got := r.ResolveTargets("alice", protocol.KindContent); len(got) != 0 {
		t.Errorf("content after disable: expected 0 targets, got %d", len(got))
	}
}

func TestResolveTargetsScopedToUser(t *testing.T) {
	r := newTestRegistry()
	c1 := r.Register(&fakeSink{})
	c2 := r.Register(&fakeSink{})
	r.Subscribe(c1.ID, "alice")
	r.Subscribe(c2.ID, "bob")

	targets := r.ResolveTargets("alice", protocol.KindReady)
	if len(targets) != 1 || targets[0].ID != c1.ID {
		t.Fatalf("expected only alice's connection, got %d targets", len(targets))
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	r := newTestRegistry()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c := r.Register(&fakeSink{})
		r.Subscribe(c.ID, "alice")
		conns = append(conns, c)
	}

	targets := r.ResolveTargets("alice", protocol.KindQR)
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	// Deterministic order by connection ID.
	for i := 1; i < len(targets); i++ {
		if targets[i-1].ID >= targets[i].ID {
			t.Fatal("targets not ordered by connection ID")
		}
	}
	_ = conns
}

func TestUnsubscribeRemovesOneEdge(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeSink{})
	r.Subscribe(conn.ID, "alice")
	r.Subscribe(conn.ID, "bob")

	r.Unsubscribe(conn.ID, "alice")

	if r.Subscribed(conn.ID, "alice") {
		t.Error("alice subscription survived unsubscribe")
	}
	if !r.Subscribed(conn.ID, "bob") {
		t.Error("bob subscription dropped by alice's unsubscribe")
	}
	if r.ConnCount() != 1 {
		t.Errorf("connection dropped by unsubscribe, count=%d", r.ConnCount())
	}
}

func TestUnregisterConnectionDropsAllSubscriptions(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeSink{})
	other := r.Register(&fakeSink{})
	r.Subscribe(conn.ID, "alice")
	r.Subscribe(conn.ID, "bob")
	r.Subscribe(other.ID, "alice")

	r.UnregisterConnection(conn.ID)

	if r.ConnCount() != 1 {
		t.Fatalf("expected 1 connection left, got %d", r.ConnCount())
	}
	if r.Subscribed(conn.ID, "alice") || r.Subscribed(conn.ID, "bob") {
		t.Error("subscriptions survived unregister")
	}
	// The other connection is untouched.
	if got := r.ResolveTargets("alice", protocol.KindReady); len(got) != 1 || got[0].ID != other.ID {
		t.Errorf("expected other connection to remain subscribed")
	}
	if got := r.ResolveTargets("bob", protocol.KindReady); len(got) != 0 {
		t.Errorf("expected bob to have no subscribers, got %d", len(got))
	}
}

func TestConcurrentSubscribeResolve(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeSink{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Subscribe(conn.ID, "alice")
			r.ResolveTargets("alice", protocol.KindReady)
			r.SetDelivery(conn.ID, "alice", true)
		}()
	}
	wg.Wait()

	if got := r.ResolveTargets("alice", protocol.KindContent); len(got) != 1 {
		t.Fatalf("expected 1 target after concurrent churn, got %d", len(got))
	}
}
