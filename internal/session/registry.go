package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/domain"
	"github.com/codexbridge/codexd/internal/launcher"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Manager is the Session Manager: the single owner of the
// user_id -> Session map. It enforces capacity, coalesces concurrent
// acquires for the same user, reaps idle sessions, and drains
// in-flight leases on shutdown. All mutation of the map happens under
// mu; a Session's own fields are guarded separately so a long-running
// RPC never holds the registry lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	launcher launcher.Launcher
	log      *slog.Logger

	baseDataDir string
	apiKey      string
	childEnv    map[string]string

	maxSessions     int
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	group singleflight.Group

	closing  bool
	stopReap chan struct{}
	reapDone chan struct{}

	events func(Event)
}

// Event is a lifecycle notification the registry emits for observability
// consumers (the admin stream). Consumers that don't care pass a nil
// callback to NewManager.
type Event struct {
	Type   string // session.started|ready|dead|evicted|capacity_rejected; marking a session draining emits no event
	UserID string
}

// Config bundles the construction-time parameters a Manager needs,
// narrowed from the full process configuration so this package doesn't
// import internal/config directly.
type Config struct {
	Launcher        launcher.Launcher
	BaseDataDir     string
	APIKey          string
	ChildEnv        map[string]string
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	Log             *slog.Logger
	OnEvent         func(Event)
}

// NewManager constructs a Manager and starts its idle reaper.
func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		sessions:        make(map[string]*Session),
		launcher:        cfg.Launcher,
		log:             log,
		baseDataDir:     cfg.BaseDataDir,
		apiKey:          cfg.APIKey,
		childEnv:        cfg.ChildEnv,
		maxSessions:     cfg.MaxSessions,
		idleTimeout:     cfg.IdleTimeout,
		cleanupInterval: cfg.CleanupInterval,
		stopReap:        make(chan struct{}),
		reapDone:        make(chan struct{}),
		events:          cfg.OnEvent,
	}
	go m.reapLoop()
	return m
}

func (m *Manager) emit(evt string, userID string) {
	if m.events != nil {
		m.events(Event{Type: evt, UserID: userID})
	}
}

// Acquire returns a ready, leased Session for userID, lazily starting one
// if none exists. Concurrent acquires for the same user_id are coalesced
// onto a single start attempt via singleflight. Callers must call
// Release when done with the session.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	existing, exists := m.sessions[userID]
	// Only the fast path skips singleflight entirely. A session still
	// Starting must not be handed out here: its transport is nil until
	// Start finishes, so a caller that raced ahead of it into Call would
	// dereference a nil transport. Route it through group.Do instead,
	// which coalesces onto the in-flight Start rather than invoking a
	// second one.
	if exists && existing.State() != domain.SessionStarting {
		existing.AddLease()
		m.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	if m.closing {
		m.mu.Unlock()
		return nil, apierr.Capacity("server is shutting down")
	}
	if !exists && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.emit("session.capacity_rejected", userID)
		return nil, apierr.Capacity("session registry is at capacity (%d sessions)", m.maxSessions)
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do(userID, func() (interface{}, error) {
		// Re-check after winning the singleflight race: another
		// concurrent Acquire for a different user may have filled the
		// last slot, or a prior call for this exact user may have
		// already started it while we waited to enter Do.
		m.mu.Lock()
		if sess, ok := m.sessions[userID]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		if len(m.sessions) >= m.maxSessions {
			m.mu.Unlock()
			m.emit("session.capacity_rejected", userID)
			return nil, apierr.Capacity("session registry is at capacity (%d sessions)", m.maxSessions)
		}
		dataDir := filepath.Join(m.baseDataDir, "users", userID)
		sess := NewSession(userID, dataDir, m.launcher, m.apiKey, m.childEnv, m.log)
		m.sessions[userID] = sess
		m.mu.Unlock()

		m.emit("session.started", userID)
		if err := sess.Start(ctx); err != nil {
			m.mu.Lock()
			delete(m.sessions, userID)
			m.mu.Unlock()
			m.emit("session.dead", userID)
			return nil, apierr.Upstream(err, "start session for %s", userID)
		}
		m.emit("session.ready", userID)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	sess := result.(*Session)
	sess.AddLease()
	sess.Touch()
	return sess, nil
}

// Release drops a lease on sess. If the session has been marked
// draining (by the reaper or shutdown) and this was its last lease, it
// is torn down and removed from the registry.
func (m *Manager) Release(sess *Session) {
	remaining := sess.RemoveLease()
	if remaining > 0 {
		return
	}
	if sess.State() != domain.SessionDraining {
		return
	}
	m.teardown(sess)
}

func (m *Manager) teardown(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.UserID] == sess {
		delete(m.sessions, sess.UserID)
	}
	m.mu.Unlock()
	sess.Close()
	m.emit("session.dead", sess.UserID)
}

// reapLoop periodically marks idle, unleased sessions draining and
// tears them down. Marking draining first (rather than closing
// in-place) lets a lease acquired in the gap between the idle check and
// teardown win: Release only tears down a draining session once its
// lease count reaches zero, so a session is never killed out from
// under an in-flight request.
func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-m.stopReap:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()
	var expired []*Session

	m.mu.Lock()
	for _, sess := range m.sessions {
		if sess.State() == domain.SessionReady && sess.IdleFor(now) >= m.idleTimeout && sess.LeaseCount() == 0 {
			sess.record.SetState(domain.SessionDraining)
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		if sess.LeaseCount() == 0 {
			m.emit("session.evicted", sess.UserID)
			m.teardown(sess)
		}
	}
}

// Shutdown marks every session draining, refuses new acquires, and
// waits up to grace for in-flight leases to drain before force-closing
// whatever remains.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sess.record.SetState(domain.SessionDraining)
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	close(m.stopReap)
	<-m.reapDone

	deadline := time.Now().Add(grace)
	for _, sess := range sessions {
		for sess.LeaseCount() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}

	group, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		group.Go(func() error {
			m.teardown(sess)
			return nil
		})
	}
	return group.Wait()
}

// Len reports the current number of tracked sessions, for status
// reporting.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
