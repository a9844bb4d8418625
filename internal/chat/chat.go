// Package chat implements the chat orchestrator: validates the
// request, acquires a session, drives a turn, and renders the result
// either as a streamed sequence of SSE frames or a single aggregated
// JSON envelope.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/rpcio"
	"github.com/codexbridge/codexd/internal/session"
	"github.com/segmentio/encoding/json"
)

// ConfirmFn confirms an unknown thread_id against the upstream source
// of truth, matching session.Session.ValidateThreadID's callback shape.
type ConfirmFn func(ctx context.Context, threadID string) (bool, error)

// Orchestrator wires a session.Manager to the /chat operation.
type Orchestrator struct {
	mgr         *session.Manager
	turnTimeout time.Duration
}

func NewOrchestrator(mgr *session.Manager, turnTimeout time.Duration) *Orchestrator {
	return &Orchestrator{mgr: mgr, turnTimeout: turnTimeout}
}

// Request is the normalized input to a turn, already identity-resolved
// and validated by the HTTP layer for shape (only Text's emptiness is
// re-checked here, since that's this operation's own invariant).
type Request struct {
	UserID   string
	ThreadID string
	Text     string
	Model    string
	Stream   bool
	Confirm  ConfirmFn
}

// Result is the non-streaming response envelope.
type Result struct {
	ThreadID string             `json:"thread_id"`
	Message  string             `json:"message"`
	Events   []wireNotification `json:"events"`
}

// sessionFrame is the synthesized first SSE frame of every successful
// chat stream, emitted before any upstream notification so the client
// learns the conversation id up front.
type sessionFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// wireNotification is how a rpcio.Notification is re-serialized onto
// the wire: the method and params the upstream sent, verbatim.
type wireNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func toWire(n rpcio.Notification) wireNotification {
	return wireNotification{Method: n.Method, Params: n.Params}
}

// Handle runs one chat turn to completion, writing either an SSE stream
// or a single JSON envelope depending on req.Stream.
func (o *Orchestrator) Handle(ctx context.Context, w http.ResponseWriter, req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return apierr.Validation("Empty message")
	}

	sess, err := o.mgr.Acquire(ctx, req.UserID)
	if err != nil {
		return err
	}
	defer o.mgr.Release(sess)

	if req.ThreadID != "" {
		if err := sess.ValidateThreadID(ctx, req.ThreadID, req.Confirm); err != nil {
			return err
		}
	}

	turnCtx, cancel := session.WaitTurnTimeout(ctx, o.turnTimeout)
	defer cancel()

	handle, err := sess.SendTurn(turnCtx, req.ThreadID, req.Text, req.Model)
	if err != nil {
		return err
	}
	defer handle.Close()

	if req.Stream {
		return streamSSE(turnCtx, w, handle)
	}
	return aggregate(turnCtx, w, handle)
}

func streamSSE(ctx context.Context, w http.ResponseWriter, handle *session.TurnHandle) error {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	writeFrame := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "data: %s\n\n", data); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := writeFrame(sessionFrame{Type: "session", ThreadID: handle.ThreadID}); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnected or the turn timed out: close the
			// handle (unsubscribes, releases the turn lock) and let
			// the upstream turn run to completion with its tail
			// discarded, per the client-disconnect behavior.
			return nil
		case n, ok := <-handle.Events():
			if !ok {
				return nil
			}
			if err := writeFrame(toWire(n)); err != nil {
				return nil
			}
			if session.IsTerminal(n.Method) {
				_, _ = fmt.Fprint(bw, "data: [DONE]\n\n")
				_ = bw.Flush()
				if flusher != nil {
					flusher.Flush()
				}
				return nil
			}
		}
	}
}

func aggregate(ctx context.Context, w http.ResponseWriter, handle *session.TurnHandle) error {
	var events []wireNotification
	var message strings.Builder

	for {
		select {
		case <-ctx.Done():
			return apierr.Timeout("turn did not complete within the configured timeout")
		case n, ok := <-handle.Events():
			if !ok {
				return apierr.Upstream(ctx.Err(), "turn ended without a terminal notification")
			}
			events = append(events, toWire(n))
			if strings.Contains(n.Method, "agentMessage") {
				if text := extractAgentMessageText(n.Params); text != "" {
					message.WriteString(text)
				}
			}
			if session.IsTerminal(n.Method) {
				if n.Method == "turn/failed" {
					return apierr.Upstream(fmt.Errorf("%s", n.Params), "turn failed")
				}
				result := Result{ThreadID: handle.ThreadID, Message: message.String(), Events: events}
				w.Header().Set("Content-Type", "application/json")
				return json.NewEncoder(w).Encode(result)
			}
		}
	}
}

// extractAgentMessageText pulls the delta/text field out of an
// item/agentMessage(/delta) notification's params, tolerating either
// shape the upstream may emit.
func extractAgentMessageText(params json.RawMessage) string {
	var p struct {
		Delta string `json:"delta"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	if p.Delta != "" {
		return p.Delta
	}
	return p.Text
}
