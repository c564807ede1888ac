package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/audit"
	"github.com/nerrad567/venus-bridge/internal/auth"
	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/history"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/database"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/venus-bridge/internal/marstek"
	"github.com/nerrad567/venus-bridge/migrations"
)

// fakeDevice implements marstek.Caller. Methods without a handler answer
// with an empty result.
type fakeDevice struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(params map[string]any) (marstek.Result, error)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{handlers: make(map[string]func(map[string]any) (marstek.Result, error))}
}

func (f *fakeDevice) Call(_ context.Context, method string, params map[string]any) (marstek.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()

	if h == nil {
		return marstek.Result{}, nil
	}
	return h(params)
}

func (f *fakeDevice) on(method string, h func(params map[string]any) (marstek.Result, error)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeDevice) reply(method string, r marstek.Result) {
	f.on(method, func(map[string]any) (marstek.Result, error) { return r, nil })
}

func (f *fakeDevice) fail(method string, err error) {
	f.on(method, func(map[string]any) (marstek.Result, error) { return nil, err })
}

func (f *fakeDevice) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func statusResult(soc float64) marstek.Result {
	return marstek.Result{
		"id":           float64(0),
		"bat_soc":      soc,
		"bat_cap":      float64(5120),
		"pv_power":     float64(0),
		"ongrid_power": float64(-400),
	}
}

const testJWTSecret = "test-secret-key-for-jwt-signing-0123"

func testToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateAccessToken("test-"+string(role), role, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return token
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testEnv is a running API backed by two fake devices and a temporary
// SQLite database.
type testEnv struct {
	srv     *Server
	http    *httptest.Server
	devices map[string]*fakeDevice
	manager *venus.Manager
	audit   *audit.SQLiteRepository
	history *history.SQLiteRepository

	// operatorToken is sent by do; viewerToken is for permission checks.
	operatorToken string
	viewerToken   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "venus.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	env := &testEnv{
		devices: map[string]*fakeDevice{},
		manager: venus.NewManager(nil, 0),
		audit:   audit.NewSQLiteRepository(db.DB),
		history: history.NewSQLiteRepository(db.DB),

		operatorToken: testToken(t, auth.RoleOperator),
		viewerToken:   testToken(t, auth.RoleViewer),
	}

	for _, id := range []string{"venus-1", "venus-2"} {
		dev := newFakeDevice()
		dev.reply(marstek.MethodGetStatus, statusResult(50))
		coord, err := venus.NewCoordinator(venus.CoordinatorConfig{
			DeviceID: id,
			Client:   marstek.NewClient(dev),
			Interval: time.Hour,
		})
		if err != nil {
			t.Fatalf("NewCoordinator() error = %v", err)
		}
		if err := env.manager.Add(coord); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		env.devices[id] = dev
	}

	srv, err := New(Deps{
		WS:       config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testJWTSecret}},
		Logger:   testLogger(),
		Manager:  env.manager,
		DB:       db,
		Audit:    env.audit,
		History:  env.history,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.startBackground(context.Background())
	env.srv = srv

	env.http = httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		env.http.Close()
		srv.Close() //nolint:errcheck // Test cleanup
	})
	return env
}

// do sends an authenticated request as an operator.
func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.doAs(t, e.operatorToken, method, path, body)
}

// doAs sends a request with the given bearer token; an empty token sends
// no Authorization header.
func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
