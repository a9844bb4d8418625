// Package rpcio implements the JSON-RPC 2.0 transport spoken over a
// child process's stdin/stdout: request/response correlation by
// monotonic integer id, and fan-out of server-initiated notifications
// to predicate-filtered subscribers. One Transport owns one child's
// pipes; callers above it (internal/session) never see raw JSON.
package rpcio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
)

// Request is a JSON-RPC 2.0 request or notification. ID is nil for
// notifications we send (fire-and-forget); it is set for calls that
// expect a response.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Frame is the shape used to sniff an incoming line before deciding
// whether it is a response (has "id", no "method") or a notification /
// server-initiated request (has "method").
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a decoded server-initiated frame handed to subscribers.
// ServerRequestID is non-nil when the frame expects a response via Reply.
type Notification struct {
	Method          string
	Params          json.RawMessage
	ServerRequestID *int64
}

// Subscriber receives notifications matching its Predicate. Predicates
// are evaluated under the transport's subscriber lock, so they must be
// cheap and must never call back into the Transport.
type Subscriber struct {
	Predicate func(Notification) bool
	C         chan Notification
}

// Transport owns one child process's stdin/stdout pipes and multiplexes
// JSON-RPC traffic over them. The reader goroutine is the only writer of
// pending/subscribers state besides Call/Subscribe/Unsubscribe, which
// take the same locks, so there is never a data race between request
// completion and notification dispatch.
type Transport struct {
	stdin  io.WriteCloser
	stdout io.Reader
	log    *slog.Logger

	writeMu sync.Mutex

	nextID int64 // atomic

	pendingMu sync.Mutex
	pending   map[int64]chan Response

	subMu sync.Mutex
	subs  map[int]*Subscriber
	nextSubID int

	onServerRequest func(Notification, func(result interface{}, errObj *Error))

	closed  chan struct{}
	closeMu sync.Mutex
	stopped bool
}

// New wraps a child process's stdin/stdout into a Transport. onServerRequest,
// if non-nil, is invoked for frames with both a method and an id (the
// upstream server calling back into us); it is given a reply func that
// must be called exactly once.
func New(stdin io.WriteCloser, stdout io.Reader, log *slog.Logger, onServerRequest func(Notification, func(interface{}, *Error))) *Transport {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		stdin:           stdin,
		stdout:          stdout,
		log:             log,
		pending:         make(map[int64]chan Response),
		subs:            make(map[int]*Subscriber),
		onServerRequest: onServerRequest,
		closed:          make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Call sends a request and blocks until the matching response arrives,
// the context is cancelled, or the transport closes.
func (t *Transport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	ch := make(chan Response, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	req := Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.writeJSON(req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("rpcio: write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpcio: transport closed before response for %s (id=%d)", method, id)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("rpcio: transport closed before response for %s (id=%d)", method, id)
	}
}

// Notify sends a fire-and-forget notification (no id, no response).
func (t *Transport) Notify(method string, params interface{}) error {
	return t.writeJSON(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// Reply answers a server-initiated request identified by id.
func (t *Transport) Reply(id int64, result interface{}, errObj *Error) error {
	resp := Response{JSONRPC: "2.0", ID: &id}
	if errObj != nil {
		resp.Error = errObj
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("rpcio: marshal reply result: %w", err)
		}
		resp.Result = raw
	}
	return t.writeJSON(resp)
}

// Subscribe registers a channel that receives every notification for
// which predicate returns true. The returned unsubscribe func is safe to
// call more than once.
func (t *Transport) Subscribe(bufferSize int, predicate func(Notification) bool) (<-chan Notification, func()) {
	sub := &Subscriber{Predicate: predicate, C: make(chan Notification, bufferSize)}

	t.subMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = sub
	t.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
	return sub.C, unsubscribe
}

// Closed reports a channel closed when the transport's reader loop exits.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// Close closes the child's stdin, so no further writes are accepted.
// Pending callers are released when the reader loop exits at the end of
// the child's stdout, not by Close itself. It does not kill the child
// process; callers own that via the Launcher.Handle.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	err := t.stdin.Close()
	return err
}

func (t *Transport) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpcio: marshal: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *Transport) readLoop() {
	defer close(t.closed)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		t.dispatchLine(cp)
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("rpcio: read loop stopped", "err", err)
	}

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *Transport) dispatchLine(line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.log.Warn("rpcio: invalid JSON from child", "err", err)
		return
	}

	if frame.Method == "" {
		// A response to one of our own requests.
		if frame.ID == nil {
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[*frame.ID]
		if ok {
			delete(t.pending, *frame.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- Response{JSONRPC: frame.JSONRPC, ID: frame.ID, Result: frame.Result, Error: frame.Error}
		}
		return
	}

	n := Notification{Method: normalizeMethod(frame.Method), Params: frame.Params, ServerRequestID: frame.ID}

	if n.ServerRequestID != nil && t.onServerRequest != nil {
		id := *n.ServerRequestID
		t.onServerRequest(n, func(result interface{}, errObj *Error) {
			if err := t.Reply(id, result, errObj); err != nil {
				t.log.Warn("rpcio: failed to reply to server request", "method", n.Method, "err", err)
			}
		})
		return
	}

	t.fanOut(n)
}

// fanOut delivers n to every matching subscriber. It deliberately blocks
// on a full subscriber channel instead of dropping: dropping would
// violate per-subscriber ordering and silently lose a turn's tail. A
// subscriber that will not keep draining must call its unsubscribe func,
// not rely on us to protect it.
//
// The send happens under subMu, so a concurrent unsubscribe cannot race
// with a send to the channel it's about to unregister (subscriber
// channels are never closed; delete-from-map plus garbage collection is
// how a subscription goes away).
func (t *Transport) fanOut(n Notification) {
	validateNotification(t.log, n)

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, sub := range t.subs {
		if sub.Predicate(n) {
			sub.C <- n
		}
	}
}

// normalizeMethod resolves the dot/slash spelling ambiguity of the turn
// notifications (`turn.completed`/`turn/completed`, and likewise for
// turn.started and turn.failed) by canonicalizing on the slash form
// subscribers match against.
func normalizeMethod(method string) string {
	switch method {
	case "turn.started":
		return "turn/started"
	case "turn.completed":
		return "turn/completed"
	case "turn.failed":
		return "turn/failed"
	}
	return method
}
