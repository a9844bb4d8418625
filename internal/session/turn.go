package session

import (
	"context"
	"time"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/rpcio"
	"github.com/segmentio/encoding/json"
)

// TurnHandle is the scope of one send_turn call: a lazy, finite sequence
// of notification envelopes terminated by turn/completed or turn/failed.
// Closing it unsubscribes and releases the session's turn lock exactly
// once, however it's reached (completion, failure, timeout, or
// client-initiated close).
type TurnHandle struct {
	ThreadID string

	notifications <-chan rpcio.Notification
	unsubscribe   func()
	releaseLock   func()
	released      bool
}

// Events returns the channel of notifications for this turn. The channel
// is never closed: consumers stop reading at the terminal notification
// (see IsTerminal) or when they give up on the turn and Close the handle.
func (h *TurnHandle) Events() <-chan rpcio.Notification { return h.notifications }

// Close unsubscribes from the transport and releases the turn lock. Safe
// to call more than once.
func (h *TurnHandle) Close() {
	if h.released {
		return
	}
	h.released = true
	h.unsubscribe()
	h.releaseLock()
}

// IsTerminal reports whether a notification's method ends a turn.
func IsTerminal(method string) bool {
	return method == "turn/completed" || method == "turn/failed"
}

// SendTurn acquires the turn lock (failing fast if another turn is
// already in flight for this session), ensures a conversation exists,
// issues the negotiated send-turn call, and returns a handle scoped to
// that conversation's notifications.
//
// conversationID may be empty (start a new conversation) or a
// previously-validated thread id.
func (s *Session) SendTurn(ctx context.Context, conversationID, text, model string) (*TurnHandle, error) {
	if !s.turnMu.TryLock() {
		return nil, apierr.Capacity("a turn is already in flight for this session")
	}

	lockReleased := false
	release := func() {
		if !lockReleased {
			lockReleased = true
			s.turnMu.Unlock()
		}
	}

	convID := conversationID
	if convID == "" {
		result, err := s.transport.Call(ctx, "newConversation", map[string]interface{}{"model": model})
		if err != nil {
			release()
			return nil, apierr.Upstream(err, "newConversation")
		}
		var parsed struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil || parsed.ConversationID == "" {
			release()
			return nil, apierr.Upstream(err, "newConversation: unexpected result shape")
		}
		convID = parsed.ConversationID
		s.KnownConversation(convID)
	}

	notifications, unsubscribe := s.transport.Subscribe(64, func(n rpcio.Notification) bool {
		return notificationConversationID(n) == convID
	})

	params := map[string]interface{}{"conversationId": convID, "text": text}
	if model != "" {
		params["model"] = model
	}
	if err := s.sendTurnCall(ctx, params); err != nil {
		unsubscribe()
		release()
		return nil, err
	}

	s.Touch()

	return &TurnHandle{
		ThreadID:      convID,
		notifications: notifications,
		unsubscribe:   unsubscribe,
		releaseLock:   release,
	}, nil
}

// sendTurnCall issues the negotiated send-turn call. When the handshake
// never advertised a method name, it tries sendUserTurn first and falls
// back to sendUserMessage on a method-not-found error, so neither
// spelling is ever hard-coded as the only one a session will speak.
func (s *Session) sendTurnCall(ctx context.Context, params map[string]interface{}) error {
	method := s.protocol.SendTurnMethod
	if method == "" {
		method = "sendUserTurn"
	}
	_, err := s.transport.Call(ctx, method, params)
	if err == nil {
		return nil
	}
	if s.protocol.SendTurnMethod == "" && isMethodNotFound(err) {
		method = "sendUserMessage"
		_, err = s.transport.Call(ctx, method, params)
		if err == nil {
			return nil
		}
	}
	return apierr.Upstream(err, "%s", method)
}

// isMethodNotFound reports whether err is a JSON-RPC "method not found"
// error, the signal that the child doesn't speak the method we just
// tried.
func isMethodNotFound(err error) bool {
	rpcErr, ok := err.(*rpcio.Error)
	return ok && rpcErr.Code == -32601
}

// notificationConversationID extracts params.conversationId from a
// notification's raw params, tolerating absence.
func notificationConversationID(n rpcio.Notification) string {
	if len(n.Params) == 0 {
		return ""
	}
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return ""
	}
	return p.ConversationID
}

// WaitTurnTimeout wraps ctx with the configured per-turn wall clock
// limit. Callers that hit the deadline should Close the handle (which
// unsubscribes and releases the lock) and surface a timeout error,
// per spec.md §4.4's turn-timeout behavior — this does not kill the
// session; a slow turn is not a sick session.
func WaitTurnTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
