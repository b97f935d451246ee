// Package devices manages paired HTTP clients and standalone API keys.
// Tokens and keys are stored as SHA-256 hashes; plaintext is returned
// exactly once, at issue time.
package devices

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owliabot/pkg/models"
)

var (
	ErrNotFound     = errors.New("device not found")
	ErrNotPending   = errors.New("device is not pending")
	ErrNotPaired    = errors.New("device is not paired")
	ErrBadToken     = errors.New("device token mismatch")
	ErrKeyNotFound  = errors.New("api key not found")
	ErrInvalidScope = errors.New("invalid scope")
)

// APIKeyPrefix marks bearer credentials issued by this store.
const APIKeyPrefix = "owk_"

// APIKey is the metadata for a standalone bearer credential.
type APIKey struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Scopes    []models.DeviceScope `json:"scopes"`
	CreatedAt time.Time            `json:"created_at"`
}

// Store persists devices and API keys.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const devicesSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	token_hash     TEXT NOT NULL DEFAULT '',
	scopes         TEXT NOT NULL DEFAULT '[]',
	tool_allowlist TEXT NOT NULL DEFAULT '[]',
	tool_denylist  TEXT NOT NULL DEFAULT '[]',
	created_at     INTEGER NOT NULL,
	approved_at    INTEGER NOT NULL DEFAULT 0,
	last_seen_at   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	key_hash   TEXT NOT NULL UNIQUE,
	scopes     TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
`

// NewStore creates the schema on a shared database handle.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(devicesSchema); err != nil {
		return nil, fmt.Errorf("init devices schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// RequestPairing records a device as pending. Repeated requests for
// the same id are idempotent; paired and revoked devices are left
// untouched.
func (s *Store) RequestPairing(ctx context.Context, id, name string) (*models.Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("device id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, status, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, strings.TrimSpace(name), string(models.DevicePending), s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Grant is a device capability assignment: scope bits plus the
// optional per-device tool filter.
type Grant struct {
	Scopes        []models.DeviceScope
	ToolAllowlist []string
	ToolDenylist  []string
}

// Get returns a device, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, token_hash, scopes, tool_allowlist, tool_denylist,
		       created_at, approved_at, last_seen_at
		FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// Status returns the pairing state, with "unknown" for absent ids.
func (s *Store) Status(ctx context.Context, id string) (string, error) {
	device, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "unknown", nil
	}
	if err != nil {
		return "", err
	}
	return string(device.Status), nil
}

// List returns every device, pending first, then by creation time.
func (s *Store) List(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, token_hash, scopes, tool_allowlist, tool_denylist,
		       created_at, approved_at, last_seen_at
		FROM devices ORDER BY status = 'pending' DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

// Approve transitions a pending device to paired, assigns its grant,
// and returns the one-time plaintext token.
func (s *Store) Approve(ctx context.Context, id string, grant Grant) (string, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if device.Status != models.DevicePending {
		return "", ErrNotPending
	}
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	scopesJSON, err := encodeScopes(grant.Scopes)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, token_hash = ?, scopes = ?,
			tool_allowlist = ?, tool_denylist = ?, approved_at = ?
		WHERE id = ?`,
		string(models.DevicePaired), hashSecret(token), scopesJSON,
		encodeNames(grant.ToolAllowlist), encodeNames(grant.ToolDenylist),
		s.now().UnixMilli(), id)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Reject removes a pending device.
func (s *Store) Reject(ctx context.Context, id string) error {
	device, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if device.Status != models.DevicePending {
		return ErrNotPending
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	return err
}

// Revoke invalidates a paired device.
func (s *Store) Revoke(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, token_hash = '' WHERE id = ?`,
		string(models.DeviceRevoked), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetGrant replaces a device's scopes and tool filter.
func (s *Store) SetGrant(ctx context.Context, id string, grant Grant) error {
	scopesJSON, err := encodeScopes(grant.Scopes)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET scopes = ?, tool_allowlist = ?, tool_denylist = ?
		WHERE id = ?`,
		scopesJSON, encodeNames(grant.ToolAllowlist), encodeNames(grant.ToolDenylist), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// RotateToken issues a fresh token for a paired device, invalidating
// the old one.
func (s *Store) RotateToken(ctx context.Context, id string) (string, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if device.Status != models.DevicePaired {
		return "", ErrNotPaired
	}
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE devices SET token_hash = ? WHERE id = ?`, hashSecret(token), id)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate verifies a device id + token pair and touches
// last_seen_at on success.
func (s *Store) Authenticate(ctx context.Context, id, token string) (*models.Device, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DevicePaired {
		return nil, ErrNotPaired
	}
	if subtle.ConstantTimeCompare([]byte(device.TokenHash), []byte(hashSecret(token))) != 1 {
		return nil, ErrBadToken
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, now.UnixMilli(), id); err != nil {
		return nil, err
	}
	device.LastSeenAt = now
	return device, nil
}

// CreateAPIKey mints an owk_ bearer key and returns it once.
func (s *Store) CreateAPIKey(ctx context.Context, name string, scopes []models.DeviceScope) (*APIKey, string, error) {
	raw, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	plaintext := APIKeyPrefix + raw
	scopesJSON, err := encodeScopes(scopes)
	if err != nil {
		return nil, "", err
	}
	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Scopes:    scopes,
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, scopes, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.Name, hashSecret(plaintext), scopesJSON, key.CreatedAt.UnixMilli())
	if err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// ListAPIKeys returns key metadata, oldest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scopes, created_at FROM api_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		var key APIKey
		var scopesJSON string
		var createdAt int64
		if err := rows.Scan(&key.ID, &key.Name, &scopesJSON, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scopesJSON), &key.Scopes); err != nil {
			return nil, err
		}
		key.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &key)
	}
	return out, rows.Err()
}

// DeleteAPIKey removes a key by id.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// AuthenticateAPIKey resolves a bearer key to its scope grants.
func (s *Store) AuthenticateAPIKey(ctx context.Context, plaintext string) (*APIKey, error) {
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		return nil, ErrKeyNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, scopes, created_at FROM api_keys WHERE key_hash = ?`,
		hashSecret(plaintext))
	var key APIKey
	var scopesJSON string
	var createdAt int64
	err := row.Scan(&key.ID, &key.Name, &scopesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopesJSON), &key.Scopes); err != nil {
		return nil, err
	}
	key.CreatedAt = time.UnixMilli(createdAt)
	return &key, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var device models.Device
	var status, scopesJSON, allowJSON, denyJSON string
	var createdAt, approvedAt, lastSeenAt int64
	err := row.Scan(&device.ID, &device.Name, &status, &device.TokenHash,
		&scopesJSON, &allowJSON, &denyJSON, &createdAt, &approvedAt, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	device.Status = models.DeviceStatus(status)
	if err := json.Unmarshal([]byte(scopesJSON), &device.Scopes); err != nil {
		return nil, fmt.Errorf("decode device scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(allowJSON), &device.ToolAllowlist); err != nil {
		return nil, fmt.Errorf("decode device tool allowlist: %w", err)
	}
	if err := json.Unmarshal([]byte(denyJSON), &device.ToolDenylist); err != nil {
		return nil, fmt.Errorf("decode device tool denylist: %w", err)
	}
	device.CreatedAt = time.UnixMilli(createdAt)
	if approvedAt > 0 {
		device.ApprovedAt = time.UnixMilli(approvedAt)
	}
	if lastSeenAt > 0 {
		device.LastSeenAt = time.UnixMilli(lastSeenAt)
	}
	return &device, nil
}

func encodeScopes(scopes []models.DeviceScope) (string, error) {
	for _, scope := range scopes {
		switch scope {
		case models.ScopeChat, models.ScopeTier1, models.ScopeTier2, models.ScopeTier3,
			models.ScopeMCP, models.ScopeSystem, models.ScopeAdmin:
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
		}
	}
	if scopes == nil {
		scopes = []models.DeviceScope{}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// encodeNames marshals a tool name list, normalizing nil to [].
func encodeNames(names []string) string {
	if names == nil {
		names = []string{}
	}
	raw, _ := json.Marshal(names)
	return string(raw)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
