package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/devices"
	"github.com/owliabot/owliabot/internal/infra"
	"github.com/owliabot/owliabot/pkg/models"
)

type testServer struct {
	server  *Server
	devices *devices.Store
	infra   *infra.Store
}

func newTestServer(t *testing.T, config Config) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := sql.Open("sqlite3", filepath.Join(dir, "devices.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	deviceStore, err := devices.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	infraDB, err := sql.Open("sqlite3", filepath.Join(dir, "infra.db"))
	if err != nil {
		t.Fatal(err)
	}
	infraDB.SetMaxOpenConns(1)
	infraStore, err := infra.NewStoreWithDB(infraDB)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { infraStore.Close() })

	registry := agent.NewRegistry()
	mustRegister := func(def *agent.ToolDefinition) {
		t.Helper()
		if err := registry.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister(&agent.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input",
		Security:    agent.ToolSecurity{Level: agent.SecurityRead},
		Execute: func(ctx context.Context, args map[string]any, tcx *agent.ToolContext) (any, error) {
			return args["text"], nil
		},
	})
	mustRegister(&agent.ToolDefinition{
		Name:     "transfer",
		Security: agent.ToolSecurity{Level: agent.SecurityWrite},
		Execute: func(ctx context.Context, args map[string]any, tcx *agent.ToolContext) (any, error) {
			return "transferred", nil
		},
	})
	mustRegister(&agent.ToolDefinition{
		Name:     "notes__search",
		Security: agent.ToolSecurity{Level: agent.SecurityRead},
		Execute: func(ctx context.Context, args map[string]any, tcx *agent.ToolContext) (any, error) {
			return "found", nil
		},
	})
	executor := agent.NewExecutor(agent.ExecutorConfig{}, agent.ExecutorDeps{Registry: registry})

	if config.GatewayToken == "" {
		config.GatewayToken = "gw-secret"
	}
	server, err := NewServer(config, Deps{
		Devices:  deviceStore,
		Infra:    infraStore,
		Registry: registry,
		Executor: executor,
		AgentID:  "owlia",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{server: server, devices: deviceStore, infra: infraStore}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return env
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Gateway-Token": "gw-secret"}
}

// pairDevice walks the full pairing flow and returns auth headers.
func (ts *testServer) pairDevice(t *testing.T, id string, scopes []models.DeviceScope) map[string]string {
	t.Helper()
	w := ts.do(t, "POST", "/pair/request", pairRequest{DeviceID: id}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pair request: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, "POST", "/admin/approve", deviceActionRequest{DeviceID: id, Scopes: scopes}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	token := env.Data.(map[string]any)["token"].(string)
	return map[string]string{"X-Device-Id": id, "X-Device-Token": token}
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, Config{Version: "1.2.3"})
	w := ts.do(t, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if !env.OK || env.Data.(map[string]any)["version"] != "1.2.3" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestGatewayTokenRequired(t *testing.T) {
	ts := newTestServer(t, Config{})

	w := ts.do(t, "GET", "/status", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token code = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != ErrUnauthorized {
		t.Errorf("error = %+v", env.Error)
	}

	w = ts.do(t, "GET", "/status", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("valid token code = %d", w.Code)
	}
}

func TestPairingFlowAndDeviceAuth(t *testing.T) {
	ts := newTestServer(t, Config{})

	// Status before pairing.
	w := ts.do(t, "GET", "/pair/status?device_id=dev1", nil, nil)
	env := decodeEnvelope(t, w)
	if env.Data.(map[string]any)["status"] != "unknown" {
		t.Errorf("status = %v", env.Data)
	}

	headers := ts.pairDevice(t, "dev1", []models.DeviceScope{models.ScopeChat})

	w = ts.do(t, "GET", "/pair/status?device_id=dev1", nil, nil)
	env = decodeEnvelope(t, w)
	if env.Data.(map[string]any)["status"] != "paired" {
		t.Errorf("status = %v", env.Data)
	}

	w = ts.do(t, "GET", "/events/poll", nil, headers)
	if w.Code != http.StatusOK {
		t.Errorf("events poll code = %d body=%s", w.Code, w.Body.String())
	}

	// Wrong token is rejected.
	w = ts.do(t, "GET", "/events/poll", nil, map[string]string{
		"X-Device-Id": "dev1", "X-Device-Token": "nope",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token code = %d", w.Code)
	}
}

func TestAutoEnrollQueuesPending(t *testing.T) {
	ts := newTestServer(t, Config{AutoEnroll: true})

	w := ts.do(t, "GET", "/events/poll", nil, map[string]string{"X-Device-Id": "newdev"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error.Code != ErrDeviceNotPaired {
		t.Errorf("error code = %q", env.Error.Code)
	}

	status, err := ts.devices.Status(context.Background(), "newdev")
	if err != nil {
		t.Fatal(err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}
}

func TestCommandToolScopes(t *testing.T) {
	ts := newTestServer(t, Config{})
	readOnly := ts.pairDevice(t, "reader", []models.DeviceScope{models.ScopeChat})
	writer := ts.pairDevice(t, "writer", []models.DeviceScope{models.ScopeTier3})

	call := func(name string) map[string]any {
		return map[string]any{"calls": []map[string]any{{"name": name, "arguments": map[string]any{"text": "hi"}}}}
	}

	// Read tools need no scope bit.
	w := ts.do(t, "POST", "/command/tool", call("echo"), readOnly)
	if w.Code != http.StatusOK {
		t.Errorf("read tool code = %d body=%s", w.Code, w.Body.String())
	}

	// Write tool requires tier3.
	w = ts.do(t, "POST", "/command/tool", call("transfer"), readOnly)
	if w.Code != http.StatusForbidden {
		t.Errorf("unscoped write code = %d", w.Code)
	}
	w = ts.do(t, "POST", "/command/tool", call("transfer"), writer)
	if w.Code != http.StatusOK {
		t.Errorf("scoped write code = %d body=%s", w.Code, w.Body.String())
	}

	// MCP-bridged names need mcp scope even when the tool reads.
	w = ts.do(t, "POST", "/command/tool", call("notes__search"), readOnly)
	if w.Code != http.StatusForbidden {
		t.Errorf("mcp tool without scope code = %d", w.Code)
	}

	// Unknown tools fail closed without executing.
	w = ts.do(t, "POST", "/command/tool", call("rm_rf"), writer)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unknown tool code = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error.Code != ErrUnknownTool {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

func TestCommandToolIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t, Config{})
	headers := ts.pairDevice(t, "dev1", []models.DeviceScope{models.ScopeChat})
	headers["Idempotency-Key"] = "op-1"

	body := map[string]any{"calls": []map[string]any{{"name": "echo", "arguments": map[string]any{"text": "once"}}}}

	first := ts.do(t, "POST", "/command/tool", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first code = %d", first.Code)
	}
	second := ts.do(t, "POST", "/command/tool", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("second code = %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestDeviceRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{DeviceRateWindow: time.Minute, DeviceRateMax: 2})
	headers := ts.pairDevice(t, "dev1", []models.DeviceScope{models.ScopeChat})

	for i := 0; i < 2; i++ {
		if w := ts.do(t, "GET", "/events/poll", nil, headers); w.Code != http.StatusOK {
			t.Fatalf("request %d code = %d", i, w.Code)
		}
	}
	w := ts.do(t, "GET", "/events/poll", nil, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error.Code != ErrRateLimit {
		t.Errorf("error code = %q", env.Error.Code)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("reset header missing")
	}
}

func TestEventsPollAckAndCursor(t *testing.T) {
	ts := newTestServer(t, Config{})
	headers := ts.pairDevice(t, "dev1", []models.DeviceScope{models.ScopeChat})
	ctx := context.Background()

	var lastID int64
	for _, msg := range []string{"one", "two", "three"} {
		id, err := ts.infra.InsertEvent(ctx, models.Event{Type: "test", Message: msg})
		if err != nil {
			t.Fatal(err)
		}
		lastID = id
	}

	w := ts.do(t, "GET", "/events/poll", nil, headers)
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	if got := len(data["events"].([]any)); got != 3 {
		t.Fatalf("events = %d", got)
	}
	cursor := int64(data["cursor"].(float64))
	if cursor != lastID {
		t.Errorf("cursor = %d, want %d", cursor, lastID)
	}

	// ACK everything, nothing left.
	w = ts.do(t, "GET", "/events/poll?ack="+jsonInt(cursor), nil, headers)
	env = decodeEnvelope(t, w)
	if got := len(env.Data.(map[string]any)["events"].([]any)); got != 0 {
		t.Errorf("events after ack = %d", got)
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestIPAllowlist(t *testing.T) {
	ts := newTestServer(t, Config{IPAllowlist: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Gateway-Token", "gw-secret")
	req.RemoteAddr = "192.168.1.50:4000"
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("blocked ip code = %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Gateway-Token", "gw-secret")
	req.RemoteAddr = "[::ffff:10.1.2.3]:4000"
	w = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("mapped v4 code = %d body=%s", w.Code, w.Body.String())
	}

	// Health stays public.
	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.168.1.50:4000"
	w = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health code = %d", w.Code)
	}
}

func TestNormalizeRemoteAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:8080", "127.0.0.1"},
		{"[::1]:8080", "127.0.0.1"},
		{"::ffff:10.0.0.1", "10.0.0.1"},
		{"[::ffff:10.0.0.1]:443", "10.0.0.1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := normalizeRemoteAddr(tt.in); got != tt.want {
			t.Errorf("normalizeRemoteAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{})

	w := ts.do(t, "POST", "/admin/api-keys", apiKeyRequest{Name: "ci", Scopes: []models.DeviceScope{models.ScopeChat}}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("create code = %d body=%s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	plaintext := data["key"].(string)
	keyID := data["id"].(string)
	if !strings.HasPrefix(plaintext, devices.APIKeyPrefix) {
		t.Errorf("key = %q", plaintext)
	}

	// Bearer auth works for device routes.
	w = ts.do(t, "GET", "/events/poll", nil, map[string]string{"Authorization": "Bearer " + plaintext})
	if w.Code != http.StatusOK {
		t.Errorf("bearer poll code = %d body=%s", w.Code, w.Body.String())
	}

	w = ts.do(t, "DELETE", "/admin/api-keys/"+keyID, nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("delete code = %d", w.Code)
	}
	w = ts.do(t, "GET", "/events/poll", nil, map[string]string{"Authorization": "Bearer " + plaintext})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("deleted key code = %d", w.Code)
	}
}

func TestCommandSystem(t *testing.T) {
	ts := newTestServer(t, Config{Version: "9.9"})
	system := ts.pairDevice(t, "ops", []models.DeviceScope{models.ScopeSystem})
	admin := ts.pairDevice(t, "root", []models.DeviceScope{models.ScopeAdmin})
	plain := ts.pairDevice(t, "plain", []models.DeviceScope{models.ScopeChat})

	w := ts.do(t, "POST", "/command/system", systemCommandRequest{Action: "status"}, system)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d body=%s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env.Data.(map[string]any)["version"] != "9.9" {
		t.Errorf("data = %v", env.Data)
	}

	// Admin implies system.
	w = ts.do(t, "POST", "/command/system", systemCommandRequest{Action: "ping"}, admin)
	if w.Code != http.StatusOK {
		t.Errorf("admin code = %d body=%s", w.Code, w.Body.String())
	}

	w = ts.do(t, "POST", "/command/system", systemCommandRequest{Action: "status"}, plain)
	if w.Code != http.StatusForbidden {
		t.Errorf("unscoped code = %d", w.Code)
	}

	w = ts.do(t, "POST", "/command/system", systemCommandRequest{Action: "explode"}, system)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown action code = %d", w.Code)
	}
}

func TestCommandToolDeviceFilter(t *testing.T) {
	ts := newTestServer(t, Config{})
	w := ts.do(t, "POST", "/pair/request", pairRequest{DeviceID: "filtered"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pair request: %d", w.Code)
	}
	w = ts.do(t, "POST", "/admin/approve", deviceActionRequest{
		DeviceID:      "filtered",
		Scopes:        []models.DeviceScope{models.ScopeTier3, models.ScopeMCP},
		ToolAllowlist: []string{"echo"},
		ToolDenylist:  []string{"transfer"},
	}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	token := decodeEnvelope(t, w).Data.(map[string]any)["token"].(string)
	headers := map[string]string{"X-Device-Id": "filtered", "X-Device-Token": token}

	call := func(name string) map[string]any {
		return map[string]any{"calls": []map[string]any{{"name": name, "arguments": map[string]any{"text": "hi"}}}}
	}

	w = ts.do(t, "POST", "/command/tool", call("echo"), headers)
	if w.Code != http.StatusOK {
		t.Errorf("allowlisted tool code = %d body=%s", w.Code, w.Body.String())
	}

	// Scope would permit the write, but the denylist wins.
	w = ts.do(t, "POST", "/command/tool", call("transfer"), headers)
	if w.Code != http.StatusForbidden {
		t.Errorf("denylisted tool code = %d", w.Code)
	}

	// Anything outside a non-empty allowlist is rejected too.
	w = ts.do(t, "POST", "/command/tool", call("notes__search"), headers)
	if w.Code != http.StatusForbidden {
		t.Errorf("unlisted tool code = %d", w.Code)
	}
}
