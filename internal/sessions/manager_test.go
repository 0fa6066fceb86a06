package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
)

// fakeSpawner counts spawns and teardowns without touching Docker.
type fakeSpawner struct {
	spawns    atomic.Int32
	teardowns atomic.Int32
	spawnErr  error
	delay     time.Duration
	exits     chan container.ExitEvent
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{exits: make(chan container.ExitEvent, 8)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, req container.SpawnRequest) (*container.Agent, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.spawns.Add(1)
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return &container.Agent{
		ID:          "agent-" + req.SessionID[:8],
		ContainerID: "ctr-" + req.SessionID,
		SessionID:   req.SessionID,
		ConfigID:    req.Config.ID,
		IP:          "172.18.0.2",
	}, nil
}

func (f *fakeSpawner) Teardown(ctx context.Context, agent *container.Agent) {
	f.teardowns.Add(1)
}

func (f *fakeSpawner) ContainerStats(ctx context.Context, agent *container.Agent) (*container.Stats, error) {
	return &container.Stats{AgentID: agent.ID, MemoryUsage: 1 << 20}, nil
}

func (f *fakeSpawner) Exits() <-chan container.ExitEvent { return f.exits }

func testConfig() config.SessionsConfig {
	return config.SessionsConfig{
		IdleTimeoutSec:     1800,
		CleanupIntervalSec: 300,
		TurnTimeoutSec:     300,
		DefaultConfigID:    "code-assistant",
		SubscriberBacklog:  16,
	}
}

func testResolver() Resolver {
	return func() (*Launch, error) {
		return &Launch{
			Config: &registry.AgentConfig{ID: "code-assistant", Name: "Code Assistant"},
			APIKey: "sk-ant-test",
		}, nil
	}
}

func TestLaunchAndGet(t *testing.T) {
	sp := newFakeSpawner()
	m := NewManager(sp, hub.New(16), testConfig())

	sess, err := m.Launch(context.Background(), testResolver())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if sess.Status() != StatusRunning {
		t.Errorf("status = %v, want running", sess.Status())
	}
	if sess.ConfigID != "code-assistant" {
		t.Errorf("config = %q", sess.ConfigID)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != sess {
		t.Error("Get returned a different session")
	}

	if _, err := m.Get("nope"); errdefs.KindOf(err) != errdefs.KindSessionNotFound {
		t.Errorf("Get(nope) kind = %v", errdefs.KindOf(err))
	}
}

func TestAcquireByConversation(t *testing.T) {
	sp := newFakeSpawner()
	m := NewManager(sp, hub.New(16), testConfig())
	ctx := context.Background()

	a, err := m.Acquire(ctx, KeyConversation, "conv-1", testResolver())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", a.ConversationID)
	}
	if a.ID == "conv-1" {
		t.Error("session id must be server-issued, not the conversation key")
	}

	b, err := m.Acquire(ctx, KeyConversation, "conv-1", testResolver())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if b != a {
		t.Error("same conversation key must route to the same session")
	}
	if n := sp.spawns.Load(); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}

	c, err := m.Acquire(ctx, KeyConversation, "conv-2", testResolver())
	if err != nil {
		t.Fatalf("Acquire conv-2: %v", err)
	}
	if c == a {
		t.Error("different conversation keys must not share a session")
	}
}

func TestConcurrentAcquireSpawnsOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("N concurrent acquires, one spawn, same session", prop.ForAll(
		func(n int) bool {
			sp := newFakeSpawner()
			sp.delay = 2 * time.Millisecond
			m := NewManager(sp, hub.New(16), testConfig())

			var wg sync.WaitGroup
			results := make([]*Session, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					s, err := m.Acquire(context.Background(), KeyConversation, "conv-x", testResolver())
					if err == nil {
						results[i] = s
					}
				}(i)
			}
			wg.Wait()

			if sp.spawns.Load() != 1 {
				return false
			}
			for _, s := range results {
				if s == nil || s != results[0] {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}

func TestAcquirePropagatesSpawnErrorToAllWaiters(t *testing.T) {
	sp := newFakeSpawner()
	sp.spawnErr = errdefs.New(errdefs.KindContainerStartFailed, "image missing")
	sp.delay = 2 * time.Millisecond
	m := NewManager(sp, hub.New(16), testConfig())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background(), KeyConversation, "conv-err", testResolver())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if errdefs.KindOf(err) != errdefs.KindContainerStartFailed {
			t.Errorf("waiter %d: kind = %v, want KindContainerStartFailed", i, errdefs.KindOf(err))
		}
	}

	// Failure leaves no residue: the next acquire spawns fresh.
	sp.spawnErr = nil
	if _, err := m.Acquire(context.Background(), KeyConversation, "conv-err", testResolver()); err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	sp := newFakeSpawner()
	events := hub.New(16)
	m := NewManager(sp, events, testConfig())

	sess, err := m.Launch(context.Background(), testResolver())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	ch, cancel := events.Subscribe(sess.ID)
	defer cancel()

	m.Release(context.Background(), sess.ID)
	m.Release(context.Background(), sess.ID)

	if n := sp.teardowns.Load(); n != 1 {
		t.Errorf("teardowns = %d, want 1", n)
	}
	if _, err := m.Get(sess.ID); errdefs.KindOf(err) != errdefs.KindSessionNotFound {
		t.Errorf("released session still visible: %v", err)
	}
	if _, open := <-ch; open {
		t.Error("tool-event subscribers should observe end-of-stream on release")
	}
}

func TestReleaseFreesConversationKey(t *testing.T) {
	sp := newFakeSpawner()
	m := NewManager(sp, hub.New(16), testConfig())
	ctx := context.Background()

	a, _ := m.Acquire(ctx, KeyConversation, "conv-1", testResolver())
	m.Release(ctx, a.ID)

	b, err := m.Acquire(ctx, KeyConversation, "conv-1", testResolver())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if b == a {
		t.Error("released conversation must get a fresh session")
	}
	if n := sp.spawns.Load(); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}
}

func TestIdleReaper(t *testing.T) {
	sp := newFakeSpawner()
	cfg := testConfig()
	cfg.IdleTimeoutSec = 0 // everything is instantly idle
	cfg.CleanupIntervalSec = 0
	m := NewManager(sp, hub.New(16), cfg)

	sess, err := m.Launch(context.Background(), testResolver())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// Drive one reap pass directly rather than racing the ticker.
	cutoff := time.Now().Add(time.Second)
	for _, s := range m.snapshot() {
		if s.LastActive().Before(cutoff) {
			m.Release(context.Background(), s.ID)
		}
	}

	if _, err := m.Get(sess.ID); errdefs.KindOf(err) != errdefs.KindSessionNotFound {
		t.Error("idle session should be reaped")
	}
	if n := sp.teardowns.Load(); n != 1 {
		t.Errorf("teardowns = %d, want 1", n)
	}
}

func TestContainerExitReleasesSession(t *testing.T) {
	sp := newFakeSpawner()
	m := NewManager(sp, hub.New(16), testConfig())
	m.Run()
	defer m.Close()

	sess, err := m.Launch(context.Background(), testResolver())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	sp.exits <- container.ExitEvent{AgentID: sess.AgentID, SessionID: sess.ID, ExitCode: 137}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := m.Get(sess.ID); errdefs.KindOf(err) == errdefs.KindSessionNotFound {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session not released after container exit")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if sess.Status() != StatusError {
		t.Errorf("status = %v, want error", sess.Status())
	}
}

func TestListWithStats(t *testing.T) {
	sp := newFakeSpawner()
	m := NewManager(sp, hub.New(16), testConfig())

	if _, err := m.Launch(context.Background(), testResolver()); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	plain := m.List(context.Background(), false)
	if len(plain) != 1 || plain[0].Stats != nil {
		t.Fatalf("List(false) = %+v", plain)
	}

	withStats := m.List(context.Background(), true)
	if len(withStats) != 1 || withStats[0].Stats == nil {
		t.Fatalf("List(true) missing stats: %+v", withStats)
	}
	if withStats[0].Stats.MemoryUsage != 1<<20 {
		t.Errorf("stats = %+v", withStats[0].Stats)
	}
}

func TestTouchMonotonic(t *testing.T) {
	s := &Session{}
	s.Touch()
	first := s.LastActive()
	s.Touch()
	if s.LastActive().Before(first) {
		t.Error("Touch moved last-active backwards")
	}
}
