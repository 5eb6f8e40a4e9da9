// Package sessionstore is the local SQLite-backed history of completed
// query sessions. WAL is enabled so the HTTP history endpoint can read
// while sessions are being written.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Entry is one finished query session.
type Entry struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Query      string `json:"query"`
	Provider   string `json:"provider"`
	Format     string `json:"format"`
	Iterations int    `json:"iterations"`
	Errors     string `json:"errors,omitempty"`
	DurationMs int64  `json:"duration_ms"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS query_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	query TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	iterations INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_sessions_user_created
	ON query_sessions (user_id, created_at_unix_ms DESC);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Record persists one finished session. A missing timestamp is stamped.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("missing session id")
	}
	if e.CreatedAtUnixMs <= 0 {
		e.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO query_sessions (session_id, user_id, query, provider, format, iterations, errors, duration_ms, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	provider = excluded.provider,
	format = excluded.format,
	iterations = excluded.iterations,
	errors = excluded.errors,
	duration_ms = excluded.duration_ms
`, e.SessionID, e.UserID, e.Query, e.Provider, e.Format, e.Iterations, e.Errors, e.DurationMs, e.CreatedAtUnixMs)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// History returns the newest sessions of one user, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, user_id, query, provider, format, iterations, errors, duration_ms, created_at_unix_ms
FROM query_sessions
WHERE user_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.Query, &e.Provider, &e.Format, &e.Iterations, &e.Errors, &e.DurationMs, &e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
