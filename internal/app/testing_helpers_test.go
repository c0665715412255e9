package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/auth"
	"galaxydocs/api/internal/comments"
	"galaxydocs/api/internal/gateway"
	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
)

// fakeStore is the in-memory store with an overridable Ping.
type fakeStore struct {
	*store.Memory
	pingFn func(context.Context) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeConns struct{ n int }

func (f fakeConns) Connections() int { return f.n }

// roomMember is a live session that records what the room sends it.
type roomMember struct {
	id   string
	user string

	mu   sync.Mutex
	sent []protocol.Outbound
}

func (m *roomMember) SessionID() string   { return m.id }
func (m *roomMember) UserID() string      { return m.user }
func (m *roomMember) DisplayName() string { return m.user }
func (m *roomMember) Color() string       { return "#4ECDC4" }
func (m *roomMember) Closed() bool        { return false }

func (m *roomMember) Send(msg protocol.Outbound) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return true
}

func (m *roomMember) messages() []protocol.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Outbound(nil), m.sent...)
}

type testEnv struct {
	store    *fakeStore
	verifier *auth.Verifier
	registry *room.Registry
	service  *Service
	server   *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, HTTPOptions{CORSOrigin: "*"})
}

func newTestEnvWith(t *testing.T, opts HTTPOptions) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	fs := &fakeStore{Memory: store.NewMemory()}
	verifier := auth.NewVerifier([]byte("test-secret"), "galaxydocs", "galaxydocs-users")
	guard := rbac.NewGuard(fs, time.Second)
	registry := room.NewRegistry(guard, logger)
	engine, err := relay.NewSetEngine()
	if err != nil {
		t.Fatalf("NewSetEngine: %v", err)
	}
	rl := relay.New(guard, registry, fs, engine, relay.Options{PersistTimeout: time.Second}, logger)
	registry.Observe(rl)
	manager := comments.NewManager(fs, guard, registry, nil, time.Second, logger)

	svc := New(Deps{
		Store:    fs,
		Auth:     gateway.NewAuthenticator(verifier, nil, fs, time.Second, logger),
		Guard:    guard,
		Relay:    rl,
		Comments: manager,
		Rooms:    registry,
		Conns:    fakeConns{n: 3},
		Logger:   logger,
	})
	return &testEnv{
		store:    fs,
		verifier: verifier,
		registry: registry,
		service:  svc,
		server:   NewHTTPServer(svc, nil, opts, logger),
	}
}

func (e *testEnv) token(t *testing.T, sub string) string {
	t.Helper()
	token, err := e.verifier.Issue(sub, sub, sub+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) seedDocument(t *testing.T, doc store.Document) {
	t.Helper()
	if err := e.store.InsertDocument(context.Background(), doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
}

// do sends a request as user (empty for anonymous) and decodes the JSON body.
func (e *testEnv) do(t *testing.T, user, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr.Code, payload
}
