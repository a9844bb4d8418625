// Package history implements the pure-passthrough thread listing and
// conversation lookup operations: listConversations/getConversation
// against the upstream child, with preview truncation and 404 mapping
// for the HTTP surface. These acquire/release a session but never take
// its turn lock, since they issue no writes.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/session"
	"github.com/codexbridge/codexd/internal/store"
	"github.com/segmentio/encoding/json"
)

// Service looks up conversations through a session acquired from mgr.
// repo is the durable known_threads cache: a fast path for thread_id
// confirmation, not a source of truth. A nil repo simply disables the
// fast path and the cache-population side effects.
type Service struct {
	mgr          *session.Manager
	repo         store.Repository
	previewChars int
}

func NewService(mgr *session.Manager, repo store.Repository, previewChars int) *Service {
	if previewChars <= 0 {
		previewChars = 200
	}
	return &Service{mgr: mgr, repo: repo, previewChars: previewChars}
}

// remember best-effort caches threadID as belonging to userID. Failures
// only degrade the fast path on a future call, so they're logged, not
// propagated.
func (s *Service) remember(ctx context.Context, userID, threadID string) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpsertThread(ctx, userID, threadID); err != nil {
		slog.Warn("history: failed to cache known thread", "user_id", userID, "thread_id", threadID, "error", err)
	}
}

// ThreadSummary is one row of the /threads listing.
type ThreadSummary struct {
	ThreadID  string    `json:"thread_id"`
	Preview   string    `json:"preview,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ThreadPage is the /threads response envelope.
type ThreadPage struct {
	Threads    []ThreadSummary `json:"threads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ThreadDetail is the /history response envelope.
type ThreadDetail struct {
	ThreadID  string          `json:"thread_id"`
	Preview   string          `json:"preview,omitempty"`
	Turns     json.RawMessage `json:"turns"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// List returns a page of conversations for userID from the upstream
// listConversations call, with each preview truncated to the configured
// length and every listed thread_id recorded as known.
func (s *Service) List(ctx context.Context, userID string, limit int, cursor string) (*ThreadPage, error) {
	sess, err := s.mgr.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer s.mgr.Release(sess)

	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	raw, err := sess.Call(ctx, "listConversations", params)
	if err != nil {
		return nil, apierr.Upstream(err, "listConversations")
	}

	var parsed struct {
		Threads []struct {
			ThreadID  string    `json:"thread_id"`
			Preview   string    `json:"preview"`
			CreatedAt time.Time `json:"created_at"`
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"threads"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apierr.Upstream(err, "listConversations: unexpected result shape")
	}

	page := &ThreadPage{NextCursor: parsed.NextCursor}
	for _, t := range parsed.Threads {
		sess.KnownConversation(t.ThreadID)
		s.remember(ctx, userID, t.ThreadID)
		page.Threads = append(page.Threads, ThreadSummary{
			ThreadID:  t.ThreadID,
			Preview:   truncate(t.Preview, s.previewChars),
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return page, nil
}

// Get fetches one conversation's turns, 404ing if the upstream doesn't
// recognize threadID.
func (s *Service) Get(ctx context.Context, userID, threadID string) (*ThreadDetail, error) {
	sess, err := s.mgr.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer s.mgr.Release(sess)

	raw, err := sess.Call(ctx, "getConversation", map[string]interface{}{"conversation_id": threadID})
	if err != nil {
		return nil, apierr.NotFound("Thread not found: %s", threadID)
	}

	var parsed struct {
		ThreadID  string          `json:"thread_id"`
		Turns     json.RawMessage `json:"turns"`
		CreatedAt time.Time       `json:"created_at"`
		Preview   string          `json:"preview"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apierr.Upstream(err, "getConversation: unexpected result shape")
	}
	sess.KnownConversation(threadID)
	s.remember(ctx, userID, threadID)

	return &ThreadDetail{
		ThreadID:  threadID,
		Preview:   truncate(parsed.Preview, s.previewChars),
		Turns:     parsed.Turns,
		CreatedAt: parsed.CreatedAt,
	}, nil
}

// ConfirmFn returns a callback suitable for session.Session.ValidateThreadID:
// it confirms an unknown thread_id against the known_threads cache first,
// only falling through to the upstream getConversation round-trip on a
// cache miss (or when there's no cache at all), so a restart that loses
// only the session's in-memory known-conversations set doesn't force an
// RPC for every previously-confirmed thread_id.
func (s *Service) ConfirmFn(userID string) func(ctx context.Context, threadID string) (bool, error) {
	return func(ctx context.Context, threadID string) (bool, error) {
		if s.repo != nil {
			known, err := s.repo.KnownThread(ctx, userID, threadID)
			if err != nil {
				slog.Warn("history: known_threads lookup failed, falling back to upstream", "user_id", userID, "thread_id", threadID, "error", err)
			} else if known {
				return true, nil
			}
		}

		sess, err := s.mgr.Acquire(ctx, userID)
		if err != nil {
			return false, err
		}
		defer s.mgr.Release(sess)

		_, err = sess.Call(ctx, "getConversation", map[string]interface{}{"conversation_id": threadID})
		if err != nil {
			return false, nil
		}
		s.remember(ctx, userID, threadID)
		return true, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
