// Package session implements the per-user agent Session and the
// registry (Session Manager) that owns the collection of them: lazy
// creation, capacity enforcement, idle reaping and orderly shutdown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/domain"
	"github.com/codexbridge/codexd/internal/launcher"
	"github.com/codexbridge/codexd/internal/rpcio"
	"github.com/segmentio/encoding/json"
)

// Protocol is the negotiated method-name shape for starting a turn,
// resolved once at handshake time per the accept-both-spellings open
// question: some app-server builds expose sendUserTurn, others
// sendUserMessage. A zero Protocol (SendTurnMethod == "") means the
// handshake didn't advertise either spelling, so send_turn tries both
// for the life of the session instead of locking onto one.
type Protocol struct {
	SendTurnMethod string // "sendUserTurn", "sendUserMessage", or "" for unknown
}

// parseInitializeProtocol inspects the initialize result for an
// advertised send-turn method name. Absent or unrecognized, it returns
// the zero Protocol so send_turn falls back to trying both spellings.
func parseInitializeProtocol(result json.RawMessage) Protocol {
	var body struct {
		Capabilities struct {
			SendTurnMethod string `json:"sendTurnMethod"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &body); err == nil {
		switch body.Capabilities.SendTurnMethod {
		case "sendUserTurn", "sendUserMessage":
			return Protocol{SendTurnMethod: body.Capabilities.SendTurnMethod}
		}
	}
	return Protocol{}
}

// Session wraps one child process's RPC Transport with the bookkeeping
// spec.md's data model calls for: known conversation ids, last_active,
// state, and a turn lock that allows at most one in-flight turn.
type Session struct {
	UserID  string
	DataDir string

	record *domain.SessionRecord

	launcher launcher.Launcher
	handle   launcher.Handle
	transport *rpcio.Transport
	protocol Protocol

	apiKey string
	env    map[string]string

	log *slog.Logger

	turnMu sync.Mutex // turn_lock: at most one in-flight turn per session

	stderrBuf *ringBuffer
}

// NewSession constructs a Session in the starting state. Callers must
// call Start before using it.
func NewSession(userID, dataDir string, l launcher.Launcher, apiKey string, env map[string]string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		UserID:    userID,
		DataDir:   dataDir,
		record:    domain.NewSessionRecord(userID, dataDir),
		launcher:  l,
		apiKey:    apiKey,
		env:       env,
		log:       log.With("user_id", userID),
		stderrBuf: newRingBuffer(16 * 1024),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() domain.SessionState { return s.record.State() }

// Touch updates last_active; called by the registry on every access.
func (s *Session) Touch() { s.record.Touch() }

// IdleFor reports how long the session has been idle.
func (s *Session) IdleFor(now time.Time) time.Duration { return s.record.IdleFor(now) }

// AddLease/RemoveLease/LeaseCount delegate to the underlying record.
func (s *Session) AddLease() int      { return s.record.AddLease() }
func (s *Session) RemoveLease() int   { return s.record.RemoveLease() }
func (s *Session) LeaseCount() int    { return s.record.LeaseCount() }

// Start creates the data directory if absent, launches the child,
// attaches an RPC Transport, and performs the initialize (+ loginApiKey,
// if an api key is configured) handshake. Any failure transitions the
// session to dead and is returned.
func (s *Session) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		s.record.SetState(domain.SessionDead)
		return fmt.Errorf("session: create data dir %s: %w", s.DataDir, err)
	}

	env := map[string]string{"CODEX_HOME": s.DataDir}
	if s.apiKey != "" {
		env["OPENAI_API_KEY"] = s.apiKey
	}
	for k, v := range s.env {
		env[k] = v
	}

	handle, err := s.launcher.Launch(ctx, s.UserID, s.DataDir, env)
	if err != nil {
		s.record.SetState(domain.SessionDead)
		return fmt.Errorf("session: launch child: %w", err)
	}
	s.handle = handle

	go drainStderr(handle.Stderr(), s.stderrBuf)

	s.transport = rpcio.New(handle.Stdin(), handle.Stdout(), s.log, nil)

	initResult, err := s.transport.Call(ctx, "initialize", map[string]interface{}{
		"clientInfo": map[string]string{"name": "codexd", "version": "1.0.0"},
	})
	if err != nil {
		s.teardownAfterHandshakeFailure()
		return fmt.Errorf("session: initialize handshake: %w%s", err, s.stderrBuf.Tail())
	}
	s.protocol = parseInitializeProtocol(initResult)

	if s.apiKey != "" {
		if _, err := s.transport.Call(ctx, "loginApiKey", map[string]string{"apiKey": s.apiKey}); err != nil {
			s.teardownAfterHandshakeFailure()
			return fmt.Errorf("session: loginApiKey handshake: %w%s", err, s.stderrBuf.Tail())
		}
	}

	s.record.SetState(domain.SessionReady)
	return nil
}

func (s *Session) teardownAfterHandshakeFailure() {
	s.record.SetState(domain.SessionDead)
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.handle != nil {
		_ = s.handle.Kill()
	}
}

// KnownConversation records a conversation id as belonging to this
// session; IsKnownConversation reports whether an id has been recorded.
func (s *Session) KnownConversation(id string) { s.record.KnownConversation(id) }
func (s *Session) IsKnownConversation(id string) bool { return s.record.IsKnownConversation(id) }

// ValidateThreadID implements spec.md §4.2's thread_id validity rule: a
// client-supplied id is accepted iff it's already known to this session,
// or confirmFn confirms it. confirmFn is passed in so callers (the
// history package, whose check consults its known_threads cache and then
// the upstream getConversation call) can supply it without this package
// importing them.
func (s *Session) ValidateThreadID(ctx context.Context, threadID string, confirmFn func(ctx context.Context, threadID string) (bool, error)) error {
	if threadID == "" {
		return nil
	}
	if s.IsKnownConversation(threadID) {
		return nil
	}
	if confirmFn != nil {
		ok, err := confirmFn(ctx, threadID)
		if err != nil {
			return apierr.Upstream(err, "confirm thread %s", threadID)
		}
		if ok {
			s.KnownConversation(threadID)
			return nil
		}
	}
	return apierr.NotFound("Thread not found: %s", threadID)
}

// Call issues an RPC against the session's transport.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.transport.Call(ctx, method, params)
}

// Close tears down the transport and kills the child. It is idempotent.
func (s *Session) Close() {
	s.record.SetState(domain.SessionDead)
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.handle != nil {
		_ = s.handle.Kill()
	}
}

// dataDirFor builds the per-user data directory path.
func dataDirFor(baseDir, userID string) string {
	return filepath.Join(baseDir, "users", userID)
}
