package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codexbridge/codexd/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite, in WAL mode for
// concurrent readers alongside the registry's own access pattern.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository, creating dbPath's
// parent directory and the schema if either is absent.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS known_threads (
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_known_threads_user ON known_threads(user_id, created_at);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertThread records that threadID belongs to userID, retrying once
// on a transient SQLITE_BUSY since this is called from the request
// path and a single collision shouldn't surface as a 500.
func (s *SQLiteStore) UpsertThread(ctx context.Context, userID, threadID string) error {
	query := `
	INSERT INTO known_threads (user_id, thread_id, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id, thread_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, userID, threadID, time.Now().Unix())
	if err != nil && shared.IsSQLiteConflictError(err) {
		time.Sleep(50 * time.Millisecond)
		_, err = s.db.ExecContext(ctx, query, userID, threadID, time.Now().Unix())
	}
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// KnownThread reports whether threadID was previously recorded for userID.
func (s *SQLiteStore) KnownThread(ctx context.Context, userID, threadID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM known_threads WHERE user_id = ? AND thread_id = ?`,
		userID, threadID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup known thread: %w", err)
	}
	return count > 0, nil
}

// ListThreads returns a page of known threads for userID, most recent first.
func (s *SQLiteStore) ListThreads(ctx context.Context, userID string, limit int) ([]ThreadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, created_at FROM known_threads
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close known_threads rows", "error", closeErr)
		}
	}()

	var out []ThreadRecord
	for rows.Next() {
		var threadID string
		var createdAt int64
		if err := rows.Scan(&threadID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan known thread row: %w", err)
		}
		out = append(out, ThreadRecord{UserID: userID, ThreadID: threadID, CreatedAt: time.Unix(createdAt, 0)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known threads: %w", err)
	}
	return out, nil
}

// RecordEvent appends a session lifecycle event to the audit log.
func (s *SQLiteStore) RecordEvent(ctx context.Context, evtType, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (event_type, user_id, ts) VALUES (?, ?, ?)`,
		evtType, userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record session event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent audit log entries, newest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, user_id, ts FROM session_events ORDER BY ts DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session_events rows", "error", closeErr)
		}
	}()

	var out []SessionEvent
	for rows.Next() {
		var evt SessionEvent
		var ts int64
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.UserID, &ts); err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		evt.Timestamp = time.Unix(ts, 0)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return out, nil
}

// PruneEvents deletes audit log entries older than olderThan.
func (s *SQLiteStore) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE ts < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	return result.RowsAffected()
}
