// Package api provides the HTTP handlers for the bridge's external
// surface: root discovery, status, thread listing/history and chat.
package api

import (
	"net/http"
	"os/exec"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/yosida95/uritemplate/v3"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/chat"
	"github.com/codexbridge/codexd/internal/config"
	"github.com/codexbridge/codexd/internal/history"
	"github.com/codexbridge/codexd/internal/identity"
)

const apiVersion = "1.0.0"

// Handler wires the HTTP surface to the chat/history/identity collaborators.
type Handler struct {
	cfg      *config.Config
	resolver *identity.Resolver
	chat     *chat.Orchestrator
	history  *history.Service

	endpoints map[string]string
}

// NewHandler constructs a Handler, pre-parsing the root endpoint's URI
// templates so a malformed template fails at startup, not on first request.
func NewHandler(cfg *config.Config, resolver *identity.Resolver, orch *chat.Orchestrator, hist *history.Service) (*Handler, error) {
	endpoints, err := buildEndpointTemplates()
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, resolver: resolver, chat: orch, history: hist, endpoints: endpoints}, nil
}

func buildEndpointTemplates() (map[string]string, error) {
	specs := map[string]string{
		"self":    "/",
		"status":  "/status",
		"threads": "/threads{?limit,cursor,user_id}",
		"history": "/history{?thread_id,user_id}",
		"chat":    "/chat",
	}
	out := make(map[string]string, len(specs))
	for name, tpl := range specs {
		parsed, err := uritemplate.New(tpl)
		if err != nil {
			return nil, err
		}
		out[name] = parsed.Raw()
	}
	return out, nil
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Root handles GET / — a discovery document listing the API's endpoints.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"name":      "codexd",
		"version":   apiVersion,
		"endpoints": h.endpoints,
	})
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	binaryResolvable := h.cfg.ChildBinaryPath != ""
	if !binaryResolvable {
		if _, err := exec.LookPath("codex"); err == nil {
			binaryResolvable = true
		}
	} else if _, err := exec.LookPath(h.cfg.ChildBinaryPath); err != nil {
		binaryResolvable = false
	}
	keyConfigured := h.cfg.ChildAPIKey != ""

	status := "degraded"
	switch {
	case binaryResolvable && keyConfigured:
		status = "ok"
	case !binaryResolvable && !keyConfigured:
		status = "unavailable"
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status":             status,
		"codex_available":    binaryResolvable,
		"codex_version":      "",
		"api_key_configured": keyConfigured,
	})
}

// Threads handles GET /threads.
func (h *Handler) Threads(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolver.Resolve(r, r.URL.Query().Get("user_id"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, convErr := strconv.Atoi(v); convErr == nil && parsed >= 0 {
			limit = parsed
		}
	}

	page, err := h.history.List(r.Context(), userID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

// History handles GET /history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		apierr.Write(w, r, apierr.Validation("thread_id is required"))
		return
	}

	userID, err := h.resolver.Resolve(r, r.URL.Query().Get("user_id"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}

	detail, err := h.history.Get(r.Context(), userID, threadID)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

// chatBody is the /chat request envelope.
type chatBody struct {
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
	ThreadID string `json:"thread_id"`
	Model    string `json:"model"`
	Stream   *bool  `json:"stream"`
	UserID   string `json:"user_id"`
}

// Chat handles POST /chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.Write(w, r, apierr.Validation("invalid request body"))
		return
	}

	userID, err := h.resolver.Resolve(r, body.UserID)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}

	var text string
	if len(body.Messages) > 0 {
		text = body.Messages[len(body.Messages)-1].Content
	}

	stream := true
	if body.Stream != nil {
		stream = *body.Stream
	}

	req := chat.Request{
		UserID:   userID,
		ThreadID: body.ThreadID,
		Text:     text,
		Model:    body.Model,
		Stream:   stream,
		Confirm:  h.history.ConfirmFn(userID),
	}

	if err := h.chat.Handle(r.Context(), w, req); err != nil {
		apierr.Write(w, r, err)
	}
}
