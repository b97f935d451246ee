package devices

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owliabot/owliabot/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestPairingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	device, err := store.RequestPairing(ctx, "dev1", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != models.DevicePending {
		t.Fatalf("status = %q", device.Status)
	}

	// Repeat request is idempotent.
	again, err := store.RequestPairing(ctx, "dev1", "other-name")
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != "laptop" {
		t.Errorf("repeat pairing overwrote name: %q", again.Name)
	}

	token, err := store.Approve(ctx, "dev1", Grant{Scopes: []models.DeviceScope{models.ScopeChat, models.ScopeTier3}})
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("approval must return a plaintext token")
	}

	status, err := store.Status(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "paired" {
		t.Errorf("status = %q", status)
	}

	// Plaintext is never stored.
	device, _ = store.Get(ctx, "dev1")
	if strings.Contains(device.TokenHash, token) {
		t.Error("token stored in plaintext")
	}

	authed, err := store.Authenticate(ctx, "dev1", token)
	if err != nil {
		t.Fatal(err)
	}
	if !authed.HasScope(models.ScopeTier3) || authed.HasScope(models.ScopeAdmin) {
		t.Errorf("scopes = %v", authed.Scopes)
	}
	if authed.LastSeenAt.IsZero() {
		t.Error("authenticate should touch last_seen_at")
	}

	if _, err := store.Authenticate(ctx, "dev1", "wrong"); !errors.Is(err, ErrBadToken) {
		t.Errorf("bad token err = %v", err)
	}

	if err := store.Revoke(ctx, "dev1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Authenticate(ctx, "dev1", token); !errors.Is(err, ErrNotPaired) {
		t.Errorf("revoked auth err = %v", err)
	}
}

func TestStatusUnknown(t *testing.T) {
	store := newTestStore(t)
	status, err := store.Status(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if status != "unknown" {
		t.Errorf("status = %q, want unknown", status)
	}
}

func TestApproveRequiresPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Approve(ctx, "ghost", Grant{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}

	if _, err := store.RequestPairing(ctx, "dev1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Approve(ctx, "dev1", Grant{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Approve(ctx, "dev1", Grant{}); !errors.Is(err, ErrNotPending) {
		t.Errorf("double approve err = %v", err)
	}
}

func TestReject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RequestPairing(ctx, "dev1", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Reject(ctx, "dev1"); err != nil {
		t.Fatal(err)
	}
	status, _ := store.Status(ctx, "dev1")
	if status != "unknown" {
		t.Errorf("status after reject = %q", status)
	}
}

func TestRotateToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RequestPairing(ctx, "dev1", ""); err != nil {
		t.Fatal(err)
	}
	old, err := store.Approve(ctx, "dev1", Grant{Scopes: []models.DeviceScope{models.ScopeChat}})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := store.RotateToken(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("rotation must change the token")
	}
	if _, err := store.Authenticate(ctx, "dev1", old); !errors.Is(err, ErrBadToken) {
		t.Error("old token must stop working")
	}
	if _, err := store.Authenticate(ctx, "dev1", fresh); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestSetGrantValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RequestPairing(ctx, "dev1", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.SetGrant(ctx, "dev1", Grant{Scopes: []models.DeviceScope{"superuser"}}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("err = %v", err)
	}
	if err := store.SetGrant(ctx, "dev1", Grant{Scopes: []models.DeviceScope{models.ScopeSystem}}); err != nil {
		t.Fatal(err)
	}
	device, _ := store.Get(ctx, "dev1")
	if len(device.Scopes) != 1 || device.Scopes[0] != models.ScopeSystem {
		t.Errorf("scopes = %v", device.Scopes)
	}
}

func TestToolFilterPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RequestPairing(ctx, "dev1", ""); err != nil {
		t.Fatal(err)
	}
	token, err := store.Approve(ctx, "dev1", Grant{
		Scopes:        []models.DeviceScope{models.ScopeTier3},
		ToolAllowlist: []string{"get_balance", "send_payment"},
		ToolDenylist:  []string{"send_payment"},
	})
	if err != nil {
		t.Fatal(err)
	}

	device, err := store.Authenticate(ctx, "dev1", token)
	if err != nil {
		t.Fatal(err)
	}
	if !device.AllowsTool("get_balance") {
		t.Error("allowlisted tool should pass")
	}
	if device.AllowsTool("send_payment") {
		t.Error("denylist must win over allowlist")
	}
	if device.AllowsTool("other_tool") {
		t.Error("non-empty allowlist must exclude unlisted tools")
	}

	// Clearing the filter re-admits everything the scopes allow.
	if err := store.SetGrant(ctx, "dev1", Grant{Scopes: []models.DeviceScope{models.ScopeTier3}}); err != nil {
		t.Fatal(err)
	}
	device, _ = store.Get(ctx, "dev1")
	if !device.AllowsTool("other_tool") {
		t.Error("cleared filter should admit any tool")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, plaintext, err := store.CreateAPIKey(ctx, "ci", []models.DeviceScope{models.ScopeMCP})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		t.Errorf("key = %q, want %s prefix", plaintext, APIKeyPrefix)
	}

	resolved, err := store.AuthenticateAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ID != key.ID || len(resolved.Scopes) != 1 {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := store.AuthenticateAPIKey(ctx, APIKeyPrefix+"nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown key err = %v", err)
	}
	if _, err := store.AuthenticateAPIKey(ctx, "bearer-without-prefix"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("prefixless key err = %v", err)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %d", len(keys))
	}

	if err := store.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteAPIKey(ctx, key.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}
