package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codexbridge/codexd/internal/chat"
	"github.com/codexbridge/codexd/internal/config"
	"github.com/codexbridge/codexd/internal/domain"
	"github.com/codexbridge/codexd/internal/history"
	"github.com/codexbridge/codexd/internal/identity"
	"github.com/codexbridge/codexd/internal/launcher"
	"github.com/codexbridge/codexd/internal/session"
)

// scenarioHandle is a fuller fake child than stubHandle above: every
// newConversation call mints and remembers a fresh conversation id (so
// one child can accumulate many threads, as a real session does across
// several chats), getConversation/listConversations answer from that
// memory, and every send-turn call streams one agentMessage delta
// (always the text "4") followed by turn/completed scoped
// to the conversation id the caller supplied.
type scenarioHandle struct {
	stdinR, outR, errR *io.PipeReader
	stdinW             *io.PipeWriter
	outW               *io.PipeWriter
	errW               *io.PipeWriter

	userPrefix string
	outMu      sync.Mutex

	convMu  sync.Mutex
	convSeq int
	convs   []string

	killed   chan struct{}
	killOnce sync.Once
}

func newScenarioHandle(userPrefix string) *scenarioHandle {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h := &scenarioHandle{
		stdinR: inR, stdinW: inW,
		outR: outR, outW: outW,
		errR: errR, errW: errW,
		userPrefix: userPrefix,
		killed:     make(chan struct{}),
	}
	go h.serve()
	return h
}

func (h *scenarioHandle) writeLine(v interface{}) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	h.outMu.Lock()
	defer h.outMu.Unlock()
	_, _ = h.outW.Write(data)
}

func (h *scenarioHandle) newConversationID() string {
	h.convMu.Lock()
	defer h.convMu.Unlock()
	h.convSeq++
	id := fmt.Sprintf("conv-%s-%d", h.userPrefix, h.convSeq)
	h.convs = append(h.convs, id)
	return id
}

func (h *scenarioHandle) knownConversation(id string) bool {
	h.convMu.Lock()
	defer h.convMu.Unlock()
	for _, c := range h.convs {
		if c == id {
			return true
		}
	}
	return false
}

func (h *scenarioHandle) conversationIDs() []string {
	h.convMu.Lock()
	defer h.convMu.Unlock()
	out := make([]string, len(h.convs))
	copy(out, h.convs)
	return out
}

func (h *scenarioHandle) serve() {
	scanner := bufio.NewScanner(h.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		switch req.Method {
		case "initialize", "loginApiKey":
			h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]bool{"ok": true}})
		case "newConversation":
			id := h.newConversationID()
			h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]string{"conversationId": id}})
		case "listConversations":
			type thread struct {
				ThreadID string `json:"thread_id"`
			}
			var threads []thread
			for _, id := range h.conversationIDs() {
				threads = append(threads, thread{ThreadID: id})
			}
			result, _ := json.Marshal(map[string]interface{}{"threads": threads, "next_cursor": ""})
			h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": json.RawMessage(result)})
		case "getConversation":
			var p struct {
				ConversationID string `json:"conversation_id"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if h.knownConversation(p.ConversationID) {
				result, _ := json.Marshal(map[string]interface{}{
					"thread_id": p.ConversationID,
					"turns":     []map[string]string{{"role": "agent", "content": "4"}},
				})
				h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": json.RawMessage(result)})
			} else {
				h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]interface{}{"code": 404, "message": "unknown conversation"}})
			}
		case "sendUserTurn", "sendUserMessage":
			h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]bool{"ok": true}})
			var p struct {
				ConversationID string `json:"conversationId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			convID := p.ConversationID
			go func() {
				delta, _ := json.Marshal(map[string]string{"conversationId": convID, "delta": "4"})
				h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "method": "item/agentMessage", "params": json.RawMessage(delta)})
				time.Sleep(5 * time.Millisecond)
				done, _ := json.Marshal(map[string]string{"conversationId": convID})
				h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "method": "turn/completed", "params": json.RawMessage(done)})
			}()
		default:
			h.writeLine(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]interface{}{"code": -32601, "message": "unhandled"}})
		}
	}
}

func (h *scenarioHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *scenarioHandle) Stdout() io.Reader     { return h.outR }
func (h *scenarioHandle) Stderr() io.Reader     { return h.errR }
func (h *scenarioHandle) Wait() error           { <-h.killed; return nil }
func (h *scenarioHandle) Kill() error {
	h.killOnce.Do(func() { close(h.killed) })
	return nil
}

// scenarioLauncher counts launches and kills so capacity and idle-reap
// scenarios can observe how many child processes actually came and
// went.
type scenarioLauncher struct {
	launches int32
	kills    int32

	mu     sync.Mutex
	handles []*scenarioHandle
}

func (l *scenarioLauncher) Launch(_ context.Context, userID, _ string, _ map[string]string) (launcher.Handle, error) {
	n := atomic.AddInt32(&l.launches, 1)
	h := newScenarioHandle(fmt.Sprintf("%s-%d", userID, n))
	wrapped := &countingHandle{scenarioHandle: h, onKill: func() { atomic.AddInt32(&l.kills, 1) }}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return wrapped, nil
}

// countingHandle wraps scenarioHandle to report each Kill to its
// launcher exactly once, independent of scenarioHandle's own
// idempotent close.
type countingHandle struct {
	*scenarioHandle
	onKill   func()
	killOnce sync.Once
}

func (h *countingHandle) Kill() error {
	h.killOnce.Do(h.onKill)
	return h.scenarioHandle.Kill()
}

func newScenarioHandler(t *testing.T, l *scenarioLauncher, maxSessions int, idleTimeout, cleanupInterval time.Duration) (*Handler, *session.Manager) {
	t.Helper()
	cfg := &config.Config{
		SecurityMethod:      config.SecurityNone,
		AllowUserIDOverride: true,
	}
	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	mgr := session.NewManager(session.Config{
		Launcher:        l,
		BaseDataDir:     t.TempDir(),
		MaxSessions:     maxSessions,
		IdleTimeout:     idleTimeout,
		CleanupInterval: cleanupInterval,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background(), 200*time.Millisecond) })

	hist := history.NewService(mgr, nil, 200)
	orch := chat.NewOrchestrator(mgr, 2*time.Second)

	h, err := NewHandler(cfg, resolver, orch, hist)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, mgr
}

// Scenario 1: empty message.
func TestScenarioEmptyMessage(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)
	w := httptest.NewRecorder()
	body := `{"messages":[{"content":""}]}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))

	h.Chat(w, r)

	if w.Code != 400 {
		t.Fatalf("Code = %d, want 400, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["detail"] != "Empty message" {
		t.Errorf("detail = %q, want %q", resp["detail"], "Empty message")
	}
}

// Scenario 2: unknown thread.
func TestScenarioUnknownThread(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)
	w := httptest.NewRecorder()
	body := `{"thread_id":"invalid-id","messages":[{"content":"hi"}]}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))

	h.Chat(w, r)

	if w.Code != 404 {
		t.Fatalf("Code = %d, want 404, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["detail"] != "Thread not found: invalid-id" {
		t.Errorf("detail = %q, want %q", resp["detail"], "Thread not found: invalid-id")
	}
}

// Scenario 3: new conversation, non-streaming.
func TestScenarioNewConversationNonStreaming(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)
	w := httptest.NewRecorder()
	body := `{"messages":[{"content":"What is 2+2?"}],"stream":false}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))

	h.Chat(w, r)

	if w.Code != 0 && w.Code != 200 {
		t.Fatalf("Code = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var result chat.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v, body=%s", err, w.Body.String())
	}
	if result.ThreadID == "" {
		t.Errorf("expected a non-empty thread_id")
	}
	if result.Message != "4" {
		t.Errorf("Message = %q, want %q", result.Message, "4")
	}
	completed := 0
	for _, evt := range result.Events {
		if evt.Method == "turn/completed" {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("turn/completed count = %d, want exactly 1", completed)
	}
}

// Scenario 4: streaming SSE frame order.
func TestScenarioStreamingSSEOrder(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)
	w := httptest.NewRecorder()
	body := `{"messages":[{"content":"hi"}],"stream":true}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))

	h.Chat(w, r)

	raw := strings.TrimSpace(w.Body.String())
	frames := strings.Split(raw, "\n\n")
	if len(frames) < 3 {
		t.Fatalf("expected at least 3 SSE frames, got %d: %q", len(frames), raw)
	}

	first := strings.TrimPrefix(frames[0], "data: ")
	var session0 struct {
		Type     string `json:"type"`
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal([]byte(first), &session0); err != nil {
		t.Fatalf("unmarshal first frame: %v", err)
	}
	if session0.Type != "session" || session0.ThreadID == "" {
		t.Errorf("first frame = %+v, want type=session with a thread_id", session0)
	}

	last := frames[len(frames)-1]
	if !strings.Contains(last, "[DONE]") {
		t.Fatalf("last frame = %q, want [DONE]", last)
	}
	beforeLast := strings.TrimPrefix(frames[len(frames)-2], "data: ")
	var final struct {
		Method string `json:"method"`
		Params struct {
			ConversationID string `json:"conversationId"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(beforeLast), &final); err != nil {
		t.Fatalf("unmarshal frame before [DONE]: %v", err)
	}
	if final.Method != "turn/completed" {
		t.Errorf("frame before [DONE] method = %q, want turn/completed", final.Method)
	}
	if final.Params.ConversationID != session0.ThreadID {
		t.Errorf("final conversation id = %q, want %q", final.Params.ConversationID, session0.ThreadID)
	}
}

// Scenario 5: capacity rejection leaves the busy session ready.
func TestScenarioCapacityRejectionLeavesBusySessionReady(t *testing.T) {
	l := &scenarioLauncher{}
	h, mgr := newScenarioHandler(t, l, 1, time.Hour, time.Hour)

	sess, err := mgr.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	defer mgr.Release(sess)

	w := httptest.NewRecorder()
	body := `{"messages":[{"content":"hi"}],"user_id":"b","stream":false}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
	h.Chat(w, r)

	if w.Code != 503 {
		t.Fatalf("Code = %d, want 503, body=%s", w.Code, w.Body.String())
	}
	if sess.State() != domain.SessionReady {
		t.Errorf("busy session's state = %v, want ready", sess.State())
	}
}

// Scenario 6: idle reap kills exactly one child between requests.
func TestScenarioIdleReapKillsExactlyOneChild(t *testing.T) {
	l := &scenarioLauncher{}
	h, _ := newScenarioHandler(t, l, 4, 50*time.Millisecond, 20*time.Millisecond)

	w1 := httptest.NewRecorder()
	body := `{"messages":[{"content":"hi"}],"user_id":"c","stream":false}`
	h.Chat(w1, httptest.NewRequest("POST", "/chat", strings.NewReader(body)))
	if w1.Code != 0 && w1.Code != 200 {
		t.Fatalf("first request Code = %d, body=%s", w1.Code, w1.Body.String())
	}

	time.Sleep(200 * time.Millisecond) // longer than idleTimeout+cleanupInterval

	w2 := httptest.NewRecorder()
	h.Chat(w2, httptest.NewRequest("POST", "/chat", strings.NewReader(body)))
	if w2.Code != 0 && w2.Code != 200 {
		t.Fatalf("second request Code = %d, body=%s", w2.Code, w2.Body.String())
	}

	if got := atomic.LoadInt32(&l.launches); got != 2 {
		t.Errorf("launches = %d, want 2 (a fresh child after the idle reap)", got)
	}
	if got := atomic.LoadInt32(&l.kills); got != 1 {
		t.Errorf("kills = %d, want exactly 1", got)
	}
}

// Round-trip: non-streaming /chat followed by /history?thread_id=<returned>
// yields turns whose last agent message equals /chat's own message field.
func TestRoundTripChatThenHistoryAgreeOnLastMessage(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)

	w := httptest.NewRecorder()
	body := `{"messages":[{"content":"what is 2+2"}],"user_id":"d","stream":false}`
	h.Chat(w, httptest.NewRequest("POST", "/chat", strings.NewReader(body)))
	if w.Code != 0 && w.Code != 200 {
		t.Fatalf("chat Code = %d, body=%s", w.Code, w.Body.String())
	}
	var result chat.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if result.ThreadID == "" {
		t.Fatalf("expected a non-empty thread_id from /chat")
	}

	hw := httptest.NewRecorder()
	hr := httptest.NewRequest("GET", "/history?thread_id="+result.ThreadID+"&user_id=d", nil)
	h.History(hw, hr)
	if hw.Code != 200 {
		t.Fatalf("history Code = %d, body=%s", hw.Code, hw.Body.String())
	}

	var detail history.ThreadDetail
	if err := json.Unmarshal(hw.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode history response: %v", err)
	}
	var turns []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(detail.Turns, &turns); err != nil {
		t.Fatalf("decode turns: %v", err)
	}
	if len(turns) == 0 {
		t.Fatalf("expected at least one turn in history")
	}
	if turns[len(turns)-1].Content != result.Message {
		t.Errorf("last turn content = %q, want it to equal /chat's message %q", turns[len(turns)-1].Content, result.Message)
	}
}

// Round-trip: /threads after N successful new conversations for the same
// user contains all N thread_ids (the fake child never evicts anything,
// so pagination doesn't come into play here).
func TestRoundTripThreadsListsEveryConversation(t *testing.T) {
	h, _ := newScenarioHandler(t, &scenarioLauncher{}, 4, time.Hour, time.Hour)

	const n = 3
	wantThreads := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		w := httptest.NewRecorder()
		body := `{"messages":[{"content":"hi"}],"user_id":"e","stream":false}`
		h.Chat(w, httptest.NewRequest("POST", "/chat", strings.NewReader(body)))
		if w.Code != 0 && w.Code != 200 {
			t.Fatalf("chat #%d Code = %d, body=%s", i, w.Code, w.Body.String())
		}
		var result chat.Result
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode chat #%d response: %v", i, err)
		}
		wantThreads[result.ThreadID] = true
	}
	if len(wantThreads) != n {
		t.Fatalf("expected %d distinct thread ids from %d new conversations, got %d", n, n, len(wantThreads))
	}

	tw := httptest.NewRecorder()
	tr := httptest.NewRequest("GET", "/threads?user_id=e", nil)
	h.Threads(tw, tr)
	if tw.Code != 200 {
		t.Fatalf("threads Code = %d, body=%s", tw.Code, tw.Body.String())
	}

	var page history.ThreadPage
	if err := json.Unmarshal(tw.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode threads response: %v", err)
	}
	got := make(map[string]bool, len(page.Threads))
	for _, th := range page.Threads {
		got[th.ThreadID] = true
	}
	for id := range wantThreads {
		if !got[id] {
			t.Errorf("threads listing missing %q", id)
		}
	}
}
