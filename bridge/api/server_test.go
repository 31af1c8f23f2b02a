package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/wabridge/wabridge/bridge/auth"
	"github.com/wabridge/wabridge/bridge/backend"
	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/bridge/registry"
	"github.com/wabridge/wabridge/bridge/relay"
	"github.com/wabridge/wabridge/bridge/router"
	"github.com/wabridge/wabridge/bridge/session"
	"github.com/wabridge/wabridge/bridge/store"
)

type nullFactory struct{}

func (nullFactory) New(ctx context.Context, userID string) (backend.Client, error) {
	return nil, context.Canceled
}

// newTestServer wires the full stack behind the API, optionally with
// builtin auth.
func newTestServer(t *testing.T, withAuth bool) (*httptest.Server, store.Store, *session.Manager) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	secret := ""
	if withAuth {
		secret = "test-secret-at-least-32-chars-long"
	}
	cfg := config.Default(secret)
	cfg.Auth.InitialAdmin = nil
	if withAuth {
		cfg.Auth.InitialAdmin = &config.InitialAdmin{Username: "api-admin", Password: "admin-password"}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var authService *auth.Service
	if withAuth {
		authService = auth.NewService(s, cfg.Auth)
		if err := authService.Bootstrap(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	reg := registry.New(logger)
	rl := relay.New(reg, s, logger)
	sessions := session.NewManager(cfg.Session, nullFactory{}, rl, s, logger)
	var provider auth.Provider
	if authService != nil {
		provider = authService
	}
	rt := router.New(reg, sessions, rl, s, provider, cfg, logger)

	srv := httptest.NewServer(NewServer(s, authService, sessions, rt, cfg, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, s, sessions
}

func login(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out["token"]
}

func authedGet(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("body: %v", out)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestLoginFlow(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	token := login(t, srv, "api-admin", "admin-password")
	if token == "" {
		t.Fatal("empty token")
	}

	body, _ := json.Marshal(map[string]string{"username": "api-admin", "password": "wrong"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status: %d", resp.StatusCode)
	}
}

func TestLoginRouteAbsentWhenOpen(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
		t.Errorf("login route reachable on open bridge: %d", resp.StatusCode)
	}
}

func TestSessionsEndpointRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp := authedGet(t, srv, "/api/sessions", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status: %d", resp.StatusCode)
	}

	token := login(t, srv, "api-admin", "admin-password")
	resp = authedGet(t, srv, "/api/sessions", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status: %d", resp.StatusCode)
	}
	var recs []store.SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
}

func TestSessionsEndpointIncludesJournal(t *testing.T) {
	srv, s, _ := newTestServer(t, false)

	err := s.RecordSessionState(context.Background(), &store.SessionRecord{
		UserID: "api-journal-user", State: "DISCONNECTED",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := authedGet(t, srv, "/api/sessions", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var recs []store.SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range recs {
		if r.UserID == "api-journal-user" && r.State == "DISCONNECTED" {
			found = true
		}
	}
	if !found {
		t.Errorf("journaled session missing: %+v", recs)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	resp := authedGet(t, srv, "/api/sessions/api-no-such-user", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	srv, s, _ := newTestServer(t, false)

	err := s.ArchiveMessage(context.Background(), &store.ArchivedMessage{
		ID: "api-arch-1", UserID: "api-arch-user", MessageID: "m1",
		Sender: "peer", Body: "kept", Type: "chat", ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := authedGet(t, srv, "/api/archive/api-arch-user", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var msgs []store.ArchivedMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "kept" {
		t.Errorf("archive: %+v", msgs)
	}
}

func TestAdminCreateUser(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	token := login(t, srv, "api-admin", "admin-password")

	body, _ := json.Marshal(map[string]string{
		"username": "api-created", "password": "password123", "role": "user",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/users", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	// The new user can log in.
	if tok := login(t, srv, "api-created", "password123"); tok == "" {
		t.Error("created user cannot log in")
	}
}

func TestAdminRouteForbiddenForUser(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	adminToken := login(t, srv, "api-admin", "admin-password")

	// Create a plain user via the admin, then act as them.
	body, _ := json.Marshal(map[string]string{
		"username": "api-plain", "password": "password123",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/users", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	userToken := login(t, srv, "api-plain", "password123")
	resp = authedGet(t, srv, "/api/audit", userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("audit as plain user: %d", resp.StatusCode)
	}
}
