package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	creds := &Credentials{
		Provider: "Anthropic",
		Type:     CredentialOAuth,
		AccessToken: "at-1", RefreshToken: "rt-1",
		Expiry: time.Now().Add(time.Hour),
	}
	if err := store.Save(creds); err != nil {
		t.Fatal(err)
	}

	// Provider names are case-insensitive.
	loaded, err := store.Load("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AccessToken != "at-1" || loaded.RefreshToken != "rt-1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on save")
	}
}

func TestStoreFileMode(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save(&Credentials{Provider: "openai", Type: CredentialAPIKey, APIKey: "sk-x"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "openai.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteAndList(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, p := range []string{"openai", "anthropic"} {
		if err := store.Save(&Credentials{Provider: p, Type: CredentialAPIKey, APIKey: "k"}); err != nil {
			t.Fatal(err)
		}
	}

	providers, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 2 || providers[0] != "anthropic" || providers[1] != "openai" {
		t.Errorf("providers = %v", providers)
	}

	if err := store.Delete("openai"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("openai"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted credentials should not load")
	}
	if err := store.Delete("openai"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}

func TestCredentialsExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		creds Credentials
		want  bool
	}{
		{"api key never expires", Credentials{Type: CredentialAPIKey}, false},
		{"no expiry", Credentials{Type: CredentialOAuth}, false},
		{"future", Credentials{Type: CredentialOAuth, Expiry: now.Add(time.Hour)}, false},
		{"past", Credentials{Type: CredentialOAuth, Expiry: now.Add(-time.Minute)}, true},
		{"inside skew", Credentials{Type: CredentialOAuth, Expiry: now.Add(10 * time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.Expired(now); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}
