package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codexbridge/codexd/internal/chat"
	"github.com/codexbridge/codexd/internal/config"
	"github.com/codexbridge/codexd/internal/history"
	"github.com/codexbridge/codexd/internal/identity"
	"github.com/codexbridge/codexd/internal/launcher"
	"github.com/codexbridge/codexd/internal/session"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestBuildEndpointTemplates(t *testing.T) {
	endpoints, err := buildEndpointTemplates()
	if err != nil {
		t.Fatalf("buildEndpointTemplates: %v", err)
	}
	for _, name := range []string{"self", "status", "threads", "history", "chat"} {
		if _, ok := endpoints[name]; !ok {
			t.Errorf("endpoints missing %q", name)
		}
	}
}

// stubHandle answers the initialize handshake and listConversations so
// Threads/History can be exercised end to end through a real session
// Manager without a real child process.
type stubHandle struct {
	stdinR, outR, errR *io.PipeReader
	stdinW             *io.PipeWriter
	outW               *io.PipeWriter
	errW               *io.PipeWriter
	killed             chan struct{}
	killOnce           sync.Once
}

func newStubHandle() *stubHandle {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h := &stubHandle{stdinR: inR, stdinW: inW, outR: outR, outW: outW, errR: errR, errW: errW, killed: make(chan struct{})}
	go h.serve()
	return h
}

func (h *stubHandle) serve() {
	scanner := bufio.NewScanner(h.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		var resp map[string]interface{}
		switch req.Method {
		case "initialize", "loginApiKey":
			resp = map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]bool{"ok": true}}
		case "listConversations":
			resp = map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": json.RawMessage(`{"threads":[],"next_cursor":""}`)}
		default:
			resp = map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]interface{}{"code": -32601, "message": "unhandled"}}
		}
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		if _, err := h.outW.Write(data); err != nil {
			return
		}
	}
}

func (h *stubHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *stubHandle) Stdout() io.Reader     { return h.outR }
func (h *stubHandle) Stderr() io.Reader     { return h.errR }
func (h *stubHandle) Wait() error           { <-h.killed; return nil }
func (h *stubHandle) Kill() error {
	h.killOnce.Do(func() { close(h.killed) })
	return nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(_ context.Context, _, _ string, _ map[string]string) (launcher.Handle, error) {
	return newStubHandle(), nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := &config.Config{
		SecurityMethod:      config.SecurityNone,
		AllowUserIDOverride: true,
		ChildBinaryPath:     "",
		ChildAPIKey:         "",
	}
	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	mgr := session.NewManager(session.Config{
		Launcher:        stubLauncher{},
		BaseDataDir:     t.TempDir(),
		MaxSessions:     4,
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background(), 200*time.Millisecond) })

	hist := history.NewService(mgr, nil, 100)
	orch := chat.NewOrchestrator(mgr, 2*time.Second)

	h, err := NewHandler(cfg, resolver, orch, hist)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestRootListsEndpoints(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	h.Root(w, r)

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["name"] != "codexd" {
		t.Errorf("name = %v, want codexd", body["name"])
	}
	if _, ok := body["endpoints"]; !ok {
		t.Errorf("expected an endpoints field")
	}
}

func TestStatusUnavailableWithoutBinaryOrKey(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/status", nil)

	h.Status(w, r)

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "unavailable" {
		t.Errorf("status = %v, want unavailable", body["status"])
	}
	if body["api_key_configured"] != false {
		t.Errorf("api_key_configured = %v, want false", body["api_key_configured"])
	}
}

func TestThreadsReturnsEmptyPage(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/threads?user_id=alice", nil)

	h.Threads(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var page history.ThreadPage
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHistoryRequiresThreadID(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/history?user_id=alice", nil)

	h.History(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Code = %d, want 400, body=%s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] == "" {
		t.Errorf("expected a non-empty detail message")
	}
}

func TestChatRejectsInvalidJSONBody(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/chat", strings.NewReader("not json"))

	h.Chat(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Code = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	body := `{"messages":[],"user_id":"alice","stream":false}`
	r := httptest.NewRequest("POST", "/chat", strings.NewReader(body))

	h.Chat(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Code = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}
