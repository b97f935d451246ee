// Package infra is the durable operational store: rate-limit windows,
// idempotency records, and the device-polled event log. Everything
// lives in one SQLite database so a single handle can be shared with
// the device store.
package infra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owliabot/owliabot/pkg/models"
)

// DefaultMaxEventsPerPoll caps one poll response.
const DefaultMaxEventsPerPoll = 500

// DefaultEventTTL is how long unacked events stay pollable.
const DefaultEventTTL = 24 * time.Hour

// Store implements the infra primitives on SQLite.
type Store struct {
	db       *sql.DB
	eventTTL time.Duration
	now      func() time.Time
}

const infraSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	bucket       TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency (
	key          TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	response     TEXT NOT NULL DEFAULT '',
	expires_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS event_acks (
	device_id  TEXT PRIMARY KEY,
	acked_id   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewStore opens (or creates) the infra database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open infra db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing handle, creating the schema.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(infraSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init infra schema: %w", err)
	}
	return &Store{db: db, eventTTL: DefaultEventTTL, now: time.Now}, nil
}

// DB exposes the handle so the device store can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CheckRateLimit counts a hit against a fixed window and reports
// whether it fit. The hit is consumed even when denied so that
// hammering does not extend the window.
func (s *Store) CheckRateLimit(ctx context.Context, bucket string, window time.Duration, max int, now time.Time) (RateDecision, error) {
	if max <= 0 {
		return RateDecision{Allowed: true, Remaining: 0, ResetAt: now.Add(window)}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RateDecision{}, err
	}
	defer tx.Rollback()

	var windowStart, count int64
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_limits WHERE bucket = ?`, bucket).
		Scan(&windowStart, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		windowStart, count = now.UnixMilli(), 0
	case err != nil:
		return RateDecision{}, err
	}

	start := time.UnixMilli(windowStart)
	if now.Sub(start) >= window {
		start, count = now, 0
	}

	allowed := count < int64(max)
	if allowed {
		count++
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (bucket, window_start, count) VALUES (?, ?, ?)
		ON CONFLICT(bucket) DO UPDATE SET window_start = excluded.window_start, count = excluded.count`,
		bucket, start.UnixMilli(), count)
	if err != nil {
		return RateDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return RateDecision{}, err
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{Allowed: allowed, Remaining: remaining, ResetAt: start.Add(window)}, nil
}

// IdempotencyRecord is a stored request outcome for duplicate detection.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Response    string
	ExpiresAt   time.Time
}

// GetIdempotency returns the non-expired record for a key, or nil.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, request_hash, response, expires_at FROM idempotency WHERE key = ?`, key)
	var rec IdempotencyRecord
	var expiresAt int64
	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.Response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	if !rec.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// SaveIdempotency stores or overwrites the record for a key.
func (s *Store) SaveIdempotency(ctx context.Context, key, requestHash, response string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, request_hash, response, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET request_hash = excluded.request_hash,
			response = excluded.response, expires_at = excluded.expires_at`,
		key, requestHash, response, expiresAt.UnixMilli())
	return err
}

// InsertEvent appends to the event log and returns the assigned id.
func (s *Store) InsertEvent(ctx context.Context, ev models.Event) (int64, error) {
	now := s.now()
	expires := ev.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.eventTTL)
	}
	metadata := ""
	if ev.Metadata != nil {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode event metadata: %w", err)
		}
		metadata = string(raw)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, status, source, message, metadata, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Status, ev.Source, ev.Message, metadata, now.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// AckEvents advances a device's watermark. Acks never move backward.
func (s *Store) AckEvents(ctx context.Context, deviceID string, uptoID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_acks (device_id, acked_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			acked_id = MAX(acked_id, excluded.acked_id),
			updated_at = excluded.updated_at`,
		deviceID, uptoID, s.now().UnixMilli())
	return err
}

// PollResult is one page of events for a device.
type PollResult struct {
	Cursor  int64
	Events  []models.Event
	Dropped int
}

// PollEventsForDevice returns live events after max(since, the
// device's ACK watermark), oldest first, capped at limit. Events past
// the cap stay queued for the next poll; only ids that expired before
// delivery are counted as dropped.
func (s *Store) PollEventsForDevice(ctx context.Context, deviceID string, since int64, limit int) (*PollResult, error) {
	if limit <= 0 || limit > DefaultMaxEventsPerPoll {
		limit = DefaultMaxEventsPerPoll
	}
	now := s.now()

	var acked int64
	err := s.db.QueryRowContext(ctx,
		`SELECT acked_id FROM event_acks WHERE device_id = ?`, deviceID).Scan(&acked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	cursor := since
	if acked > cursor {
		cursor = acked
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, source, message, metadata, created_at, expires_at
		FROM events WHERE id > ? AND expires_at > ?
		ORDER BY id ASC LIMIT ?`,
		cursor, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var metadata string
		var createdAt, expiresAt int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Status, &ev.Source, &ev.Message,
			&metadata, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		ev.CreatedAt = time.UnixMilli(createdAt)
		ev.ExpiresAt = time.UnixMilli(expiresAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ids are assigned monotonically, so any gap between the cursor
	// and the first live event is expiry loss.
	result := &PollResult{Cursor: cursor, Events: events}
	if len(events) > 0 {
		result.Cursor = events[len(events)-1].ID
		result.Dropped = int(events[0].ID - cursor - 1)
		return result, nil
	}

	var maxID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events WHERE id > ?`, cursor).Scan(&maxID); err != nil {
		return nil, err
	}
	if maxID > cursor {
		// Everything newer than the cursor already expired. Skip the
		// dead range so the device does not poll it forever.
		result.Dropped = int(maxID - cursor)
		result.Cursor = maxID
	}
	return result, nil
}

// Cleanup removes expired idempotency records, expired events, and
// stale rate windows. Called opportunistically and by the maintenance
// cron.
func (s *Store) Cleanup(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return err
	}
	// Rate windows older than a day are dead weight.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start <= ?`, now.Add(-24*time.Hour).UnixMilli())
	return err
}
