package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/owliabot/owliabot/pkg/models"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	key                 TEXT PRIMARY KEY,
	id                  TEXT NOT NULL,
	agent_id            TEXT NOT NULL,
	channel             TEXT NOT NULL,
	conversation_id     TEXT NOT NULL,
	display_name        TEXT NOT NULL DEFAULT '',
	model_override      TEXT NOT NULL DEFAULT '',
	provider_session_id TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the session database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB exposes the handle so sibling stores can share the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string, meta SessionMeta) (*models.Session, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, id, agent_id, channel, conversation_id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, uuid.NewString(), meta.AgentID, string(meta.Channel), meta.ConversationID,
		meta.DisplayName, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %q vanished after create", key)
	}
	return session, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, id, agent_id, channel, conversation_id, display_name,
		       model_override, provider_session_id, created_at, updated_at
		FROM sessions WHERE key = ?`, key)

	var session models.Session
	var channel string
	var createdAt, updatedAt int64
	err := row.Scan(&session.Key, &session.ID, &session.AgentID, &channel,
		&session.ConversationID, &session.DisplayName, &session.ModelOverride,
		&session.ProviderSessionID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.Channel = models.ChannelType(channel)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// Rotate issues a fresh session id under the same key. The model
// override is kept; the provider session id is cleared since it
// belongs to the abandoned transcript.
func (s *SQLiteStore) Rotate(ctx context.Context, key string) (*models.Session, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET id = ?, provider_session_id = '', updated_at = ?
		WHERE key = ?`,
		uuid.NewString(), s.now().UnixMilli(), key)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("rotate session: key %q not found", key)
	}
	return s.Get(ctx, key)
}

func (s *SQLiteStore) Touch(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE key = ?`, s.now().UnixMilli(), key)
	return err
}

func (s *SQLiteStore) SetModelOverride(ctx context.Context, key string, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET model_override = ?, updated_at = ? WHERE key = ?`,
		ref, s.now().UnixMilli(), key)
	return err
}

func (s *SQLiteStore) SetProviderSessionID(ctx context.Context, key string, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET provider_session_id = ?, updated_at = ? WHERE key = ?`,
		id, s.now().UnixMilli(), key)
	return err
}
