package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
)

// KeyKind selects which index a session key addresses.
type KeyKind string

const (
	// KeySession addresses server-issued session IDs (launch path).
	KeySession KeyKind = "session"
	// KeyConversation addresses client-supplied conversation IDs
	// (OpenAI-compatibility path).
	KeyConversation KeyKind = "conversation"
)

// Launch carries the resolved inputs for a container spawn.
type Launch struct {
	Config *registry.AgentConfig
	APIKey string
	McpEnv map[string]string
}

// Resolver produces the launch inputs for a new session. It is invoked at
// most once per successful creation.
type Resolver func() (*Launch, error)

// Spawner is the container backend the manager drives. *container.Manager
// satisfies it; tests fake it.
type Spawner interface {
	Spawn(ctx context.Context, req container.SpawnRequest) (*container.Agent, error)
	Teardown(ctx context.Context, agent *container.Agent)
	ContainerStats(ctx context.Context, agent *container.Agent) (*container.Stats, error)
	Exits() <-chan container.ExitEvent
}

// reservation is the single-writer cell that guarantees at most one spawn
// per key. The first caller installs it; late callers await done.
type reservation struct {
	done chan struct{}
	sess *Session
	err  error
}

// Manager indexes active sessions by session ID and conversation ID and
// enforces at-most-one container per key.
type Manager struct {
	mu             sync.RWMutex
	bySession      map[string]*Session
	byConversation map[string]*Session
	reservations   map[string]*reservation

	spawner Spawner
	events  *hub.Hub
	cfg     config.SessionsConfig

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a session manager. Call Run to start the idle reaper
// and the container-exit watcher.
func NewManager(spawner Spawner, events *hub.Hub, cfg config.SessionsConfig) *Manager {
	return &Manager{
		bySession:      make(map[string]*Session),
		byConversation: make(map[string]*Session),
		reservations:   make(map[string]*reservation),
		spawner:        spawner,
		events:         events,
		cfg:            cfg,
		done:           make(chan struct{}),
	}
}

// Run starts the background tasks.
func (m *Manager) Run() {
	m.wg.Add(2)
	go m.reapLoop()
	go m.watchExits()
}

// Close stops background tasks and releases every session.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()

	for _, s := range m.snapshot() {
		m.Release(context.Background(), s.ID)
	}
}

// Get looks up a running session by server-issued session ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.bySession[sessionID]
	m.mu.RUnlock()
	if !ok || s.Status().Terminal() {
		return nil, errdefs.New(errdefs.KindSessionNotFound, "session %q not found", sessionID)
	}
	return s, nil
}

// Launch creates a brand-new session under a fresh server-issued ID.
func (m *Manager) Launch(ctx context.Context, resolve Resolver) (*Session, error) {
	return m.Acquire(ctx, KeySession, uuid.NewString(), resolve)
}

// Acquire resolves or creates the session for a key.
//
// An existing running session is touched and returned. A terminal one is
// dropped and recreated. Concurrent calls for the same key observe a single
// reservation: exactly one spawn happens, and every waiter receives the same
// session or the same error.
func (m *Manager) Acquire(ctx context.Context, kind KeyKind, key string, resolve Resolver) (*Session, error) {
	mapKey := string(kind) + ":" + key

	m.mu.Lock()
	if s := m.lookupLocked(kind, key); s != nil {
		if s.Status() == StatusRunning {
			m.mu.Unlock()
			s.Touch()
			return s, nil
		}
		m.removeLocked(s)
	}
	if res, ok := m.reservations[mapKey]; ok {
		m.mu.Unlock()
		select {
		case <-res.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.err != nil {
			return nil, res.err
		}
		res.sess.Touch()
		return res.sess, nil
	}
	res := &reservation{done: make(chan struct{})}
	m.reservations[mapKey] = res
	m.mu.Unlock()

	sess, err := m.create(ctx, kind, key, resolve)

	m.mu.Lock()
	delete(m.reservations, mapKey)
	if err == nil {
		m.bySession[sess.ID] = sess
		if sess.ConversationID != "" {
			m.byConversation[sess.ConversationID] = sess
		}
	}
	m.mu.Unlock()

	res.sess, res.err = sess, err
	close(res.done)
	return sess, err
}

func (m *Manager) create(ctx context.Context, kind KeyKind, key string, resolve Resolver) (*Session, error) {
	launch, err := resolve()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ConfigID:  launch.Config.ID,
		CreatedAt: time.Now(),
		status:    StatusStarting,
	}
	if kind == KeySession {
		sess.ID = key
	} else {
		sess.ID = uuid.NewString()
		sess.ConversationID = key
	}
	sess.Touch()

	agent, err := m.spawner.Spawn(ctx, container.SpawnRequest{
		SessionID: sess.ID,
		Config:    launch.Config,
		APIKey:    launch.APIKey,
		McpEnv:    launch.McpEnv,
	})
	if err != nil {
		return nil, err
	}

	sess.agent = agent
	sess.AgentID = agent.ID
	sess.setStatus(StatusRunning)
	sess.Touch()

	slog.Info("session created",
		"session_id", sess.ID,
		"conversation_id", sess.ConversationID,
		"config_id", sess.ConfigID,
		"agent_id", sess.AgentID,
	)
	return sess, nil
}

// Release marks a session stopping, tears its container down, and drops it
// from both indexes. Unknown IDs and repeat calls are no-ops.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	m.release(ctx, sessionID, StatusStopped)
}

// Fail releases a session whose connection was lost mid-turn. The next
// request on the same key gets a fresh container.
func (m *Manager) Fail(ctx context.Context, sessionID string) {
	m.release(ctx, sessionID, StatusError)
}

func (m *Manager) release(ctx context.Context, sessionID string, final Status) {
	m.mu.Lock()
	s, ok := m.bySession[sessionID]
	if ok {
		m.removeLocked(s)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if !s.markStopping(final) {
		return
	}

	m.spawner.Teardown(ctx, s.agent)
	m.events.CloseSession(s.ID)
	slog.Info("session released", "session_id", s.ID, "agent_id", s.AgentID, "status", final)
}

// List snapshots all current sessions. With stats enabled, container stats
// are fetched on demand; failures leave the field empty.
func (m *Manager) List(ctx context.Context, withStats bool) []Summary {
	sessions := m.snapshot()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		sum := s.summarize()
		if withStats && s.Status() == StatusRunning {
			if stats, err := m.spawner.ContainerStats(ctx, s.agent); err == nil {
				sum.Stats = stats
			}
		}
		out = append(out, sum)
	}
	return out
}

// Stats fetches a live resource snapshot for one session's container.
func (m *Manager) Stats(ctx context.Context, s *Session) (*container.Stats, error) {
	return m.spawner.ContainerStats(ctx, s.agent)
}

func (m *Manager) lookupLocked(kind KeyKind, key string) *Session {
	switch kind {
	case KeyConversation:
		return m.byConversation[key]
	default:
		return m.bySession[key]
	}
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.bySession, s.ID)
	if s.ConversationID != "" {
		delete(m.byConversation, s.ConversationID)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.bySession))
	for _, s := range m.bySession {
		out = append(out, s)
	}
	return out
}

// reapLoop releases idle sessions every cleanup interval. It iterates a
// snapshot so it never holds the index lock across teardowns.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.IdleTimeout())
			for _, s := range m.snapshot() {
				if s.LastActive().Before(cutoff) {
					slog.Info("reaping idle session", "session_id", s.ID, "last_active", s.LastActive())
					m.Release(context.Background(), s.ID)
				}
			}
		case <-m.done:
			return
		}
	}
}

// watchExits transitions sessions whose container died underneath them.
// Ordinary releases tear the container down first, so by the time the exit
// arrives the session is already gone and this is a no-op.
func (m *Manager) watchExits() {
	defer m.wg.Done()
	exits := m.spawner.Exits()
	for {
		select {
		case ev, ok := <-exits:
			if !ok {
				return
			}
			m.mu.RLock()
			s := m.bySession[ev.SessionID]
			m.mu.RUnlock()
			if s == nil {
				continue
			}
			slog.Warn("container exited under live session",
				"session_id", ev.SessionID,
				"agent_id", ev.AgentID,
				"exit_code", ev.ExitCode,
				"error", ev.Err,
			)
			m.release(context.Background(), ev.SessionID, StatusError)
		case <-m.done:
			return
		}
	}
}
