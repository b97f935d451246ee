package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/owliabot/owliabot/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testMeta() SessionMeta {
	return SessionMeta{
		AgentID:        "main",
		Channel:        models.ChannelTelegram,
		ConversationID: "42",
		DisplayName:    "Alice",
	}
}

func TestSessionKey(t *testing.T) {
	got := SessionKey("main", models.ChannelTelegram, "42")
	if got != "agent:main:telegram:conv:42" {
		t.Errorf("key = %q", got)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := SessionKey("main", models.ChannelTelegram, "42")

	first, err := store.GetOrCreate(ctx, key, testMeta())
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "" || first.Key != key {
		t.Fatalf("session = %+v", first)
	}

	second, err := store.GetOrCreate(ctx, key, testMeta())
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("repeated GetOrCreate rotated the id: %q != %q", second.ID, first.ID)
	}
	if second.DisplayName != "Alice" || second.Channel != models.ChannelTelegram {
		t.Errorf("session = %+v", second)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	session, err := store.Get(context.Background(), "agent:main:http:conv:none")
	if err != nil {
		t.Fatal(err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
}

func TestRotate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := SessionKey("main", models.ChannelTelegram, "42")

	first, err := store.GetOrCreate(ctx, key, testMeta())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetProviderSessionID(ctx, key, "cli-9"); err != nil {
		t.Fatal(err)
	}

	rotated, err := store.Rotate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.ID == first.ID {
		t.Error("rotate must issue a new id")
	}
	if rotated.ProviderSessionID != "" {
		t.Error("rotate must clear the provider session id")
	}

	// GetOrCreate after rotate yields the new id.
	after, err := store.GetOrCreate(ctx, key, testMeta())
	if err != nil {
		t.Fatal(err)
	}
	if after.ID != rotated.ID {
		t.Errorf("GetOrCreate after rotate = %q, want %q", after.ID, rotated.ID)
	}
}

func TestRotateUnknownKey(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Rotate(context.Background(), "agent:main:http:conv:none"); err == nil {
		t.Fatal("expected error rotating an unknown key")
	}
}

func TestModelOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := SessionKey("main", models.ChannelTelegram, "42")
	if _, err := store.GetOrCreate(ctx, key, testMeta()); err != nil {
		t.Fatal(err)
	}

	if err := store.SetModelOverride(ctx, key, "anthropic/claude-sonnet-4-5"); err != nil {
		t.Fatal(err)
	}
	session, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if session.ModelOverride != "anthropic/claude-sonnet-4-5" {
		t.Errorf("override = %q", session.ModelOverride)
	}

	// Override survives rotation.
	rotated, err := store.Rotate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.ModelOverride != "anthropic/claude-sonnet-4-5" {
		t.Error("model override should survive rotation")
	}

	if err := store.SetModelOverride(ctx, key, ""); err != nil {
		t.Fatal(err)
	}
	session, _ = store.Get(ctx, key)
	if session.ModelOverride != "" {
		t.Error("empty ref should clear the override")
	}
}
