// Package admin exposes a websocket observability stream of Session
// Manager lifecycle events for operators, gated behind a config flag
// since it has no bearing on request correctness — only the audit
// trail.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/encoding/json"

	"github.com/codexbridge/codexd/internal/session"
)

// Stream fans out session.Event values to every connected admin
// websocket. Events that arrive with no subscribers connected are
// simply dropped — this is an observability channel, not a durable
// log, so there is no back-pressure contract here unlike rpcio's
// notification fan-out.
type Stream struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *slog.Logger
}

type client struct {
	send chan session.Event
}

func NewStream(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{clients: make(map[*client]struct{}), log: log}
}

// OnEvent is passed as session.Config.OnEvent to wire the registry's
// lifecycle notifications into this stream.
func (s *Stream) OnEvent(evt session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- evt:
		default:
			// Slow admin client: drop rather than stall the registry
			// that produced the event.
		}
	}
}

// ServeHTTP upgrades to a websocket and streams events until the client
// disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("admin stream: accept failed", "err", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "stream closed")

	c := &client{send: make(chan session.Event, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				return
			}
		case evt := <-c.send:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) != -1 {
					return
				}
				s.log.Debug("admin stream: write error", "err", err)
				return
			}
		}
	}
}
