// Package store provides the durable cache the bridge keeps alongside
// the upstream conversation store: known thread ids (so a restart
// doesn't forget which threads a user has touched) and a session
// lifecycle audit log for operators. Conversation content itself is
// never cached here — listConversations/getConversation against the
// child remain the source of truth.
package store

import (
	"context"
	"time"
)

// ThreadRecord is a cached, minimal fact about a conversation: that it
// exists and belongs to a user, for fast thread_id validation across
// session restarts.
type ThreadRecord struct {
	UserID    string
	ThreadID  string
	CreatedAt time.Time
}

// SessionEvent is one row of the lifecycle audit log, mirroring
// session.Event but durable.
type SessionEvent struct {
	ID        int64
	Type      string
	UserID    string
	Timestamp time.Time
}

// Repository defines the durable cache the bridge keeps.
type Repository interface {
	// UpsertThread records that threadID belongs to userID.
	UpsertThread(ctx context.Context, userID, threadID string) error

	// KnownThread reports whether threadID was previously recorded for userID.
	KnownThread(ctx context.Context, userID, threadID string) (bool, error)

	// ListThreads returns a page of known threads for userID, most recent first.
	ListThreads(ctx context.Context, userID string, limit int) ([]ThreadRecord, error)

	// RecordEvent appends a session lifecycle event to the audit log.
	RecordEvent(ctx context.Context, evtType, userID string) error

	// RecentEvents returns the most recent audit log entries, newest first.
	RecentEvents(ctx context.Context, limit int) ([]SessionEvent, error)

	// PruneEvents deletes audit log entries older than olderThan.
	PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
