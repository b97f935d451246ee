// Package auth stores model-provider credentials on disk and hands the
// provider layer fresh access tokens, refreshing OAuth grants as they
// expire.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("credentials not found")

// CredentialType distinguishes static API keys from OAuth grants.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credentials is the on-disk record for one provider.
type Credentials struct {
	Provider     string         `json:"provider"`
	Type         CredentialType `json:"type"`
	APIKey       string         `json:"api_key,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Expired reports whether the access token needs a refresh. A small
// skew keeps tokens from expiring mid-request.
func (c *Credentials) Expired(now time.Time) bool {
	if c.Type != CredentialOAuth || c.Expiry.IsZero() {
		return false
	}
	return now.Add(30 * time.Second).After(c.Expiry)
}

// Store persists credentials as one JSON file per provider under the
// auth directory, mode 0600.
type Store struct {
	dir string
	mu  sync.Mutex
}

// DefaultDir returns <home>/.owliabot/auth.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".owliabot", "auth")
}

// NewStore creates a store rooted at dir. An empty dir uses the
// default location.
func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir}
}

// Load reads the credentials for a provider.
func (s *Store) Load(provider string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(provider)
}

// Save writes the credentials for a provider atomically.
func (s *Store) Save(creds *Credentials) error {
	if creds == nil || strings.TrimSpace(creds.Provider) == "" {
		return errors.New("credentials require a provider name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(creds)
}

// Delete removes the credentials for a provider.
func (s *Store) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(provider))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// List returns the providers with stored credentials, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var providers []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		providers = append(providers, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(providers)
	return providers, nil
}

func (s *Store) loadLocked(provider string) (*Credentials, error) {
	data, err := os.ReadFile(s.path(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials for %s: %w", provider, err)
	}
	return &creds, nil
}

func (s *Store) saveLocked(creds *Credentials) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	creds.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(creds.Provider), data, 0o600)
}

func (s *Store) path(provider string) string {
	return filepath.Join(s.dir, normalizeProvider(provider)+".json")
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
