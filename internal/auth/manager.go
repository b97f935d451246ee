package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/owliabot/owliabot/internal/agent/providers"
)

// OAuthEndpoint configures the refresh endpoint for one provider.
type OAuthEndpoint struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Manager resolves access tokens for providers, refreshing OAuth
// grants through the configured endpoints. Refresh-and-save is
// serialized per provider so concurrent requests cannot clobber each
// other's rotated refresh token.
type Manager struct {
	store     *Store
	endpoints map[string]OAuthEndpoint
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager over a credential store.
func NewManager(store *Store, endpoints map[string]OAuthEndpoint, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make(map[string]OAuthEndpoint, len(endpoints))
	for name, ep := range endpoints {
		normalized[normalizeProvider(name)] = ep
	}
	return &Manager{
		store:     store,
		endpoints: normalized,
		logger:    logger.With("component", "auth"),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// TokenSource returns a providers.TokenSource for the named provider.
func (m *Manager) TokenSource(provider string) providers.TokenSource {
	return func(ctx context.Context) (string, error) {
		return m.Token(ctx, provider)
	}
}

// Token returns a usable secret for the provider: the stored API key,
// or the OAuth access token after any needed refresh.
func (m *Manager) Token(ctx context.Context, provider string) (string, error) {
	provider = normalizeProvider(provider)

	lock := m.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	creds, err := m.store.Load(provider)
	if err != nil {
		return "", fmt.Errorf("load credentials for %s: %w", provider, err)
	}

	switch creds.Type {
	case CredentialAPIKey:
		return creds.APIKey, nil
	case CredentialOAuth:
		if !creds.Expired(m.now()) {
			return creds.AccessToken, nil
		}
		return m.refresh(ctx, provider, creds)
	default:
		return "", fmt.Errorf("unknown credential type %q for %s", creds.Type, provider)
	}
}

func (m *Manager) refresh(ctx context.Context, provider string, creds *Credentials) (string, error) {
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("credentials for %s expired and no refresh token is stored", provider)
	}
	endpoint, ok := m.endpoints[provider]
	if !ok {
		return "", fmt.Errorf("no oauth endpoint configured for %s", provider)
	}

	config := oauth2.Config{
		ClientID:     endpoint.ClientID,
		ClientSecret: endpoint.ClientSecret,
		Scopes:       endpoint.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: endpoint.TokenURL},
	}
	token, err := config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.Expiry,
	}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", provider, err)
	}

	creds.AccessToken = token.AccessToken
	creds.TokenType = token.TokenType
	creds.Expiry = token.Expiry
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	if err := m.store.Save(creds); err != nil {
		return "", fmt.Errorf("save refreshed credentials for %s: %w", provider, err)
	}
	m.logger.Info("refreshed oauth credentials", "provider", provider, "expiry", creds.Expiry)
	return creds.AccessToken, nil
}

func (m *Manager) providerLock(provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[provider]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[provider] = lock
	}
	return lock
}
