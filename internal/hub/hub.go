// Package hub fans harness events out to per-session subscribers: SSE tool
// streams, UI proxies, anything that wants the structured event feed.
package hub

import (
	"log/slog"
	"sync"

	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

// DefaultBacklog is the per-subscriber queue depth when none is configured.
const DefaultBacklog = 256

// Hub is a per-session pub/sub for harness events. Publication never blocks
// the publisher: a subscriber whose queue is full is disconnected, not
// waited on.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	backlog int
}

type topic struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch chan *protocol.Event
}

// New creates a hub with the given per-subscriber queue depth.
func New(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{topics: make(map[string]*topic), backlog: backlog}
}

// Subscribe registers a listener on a session's event stream. The returned
// channel yields events in publish order from this moment on; there is no
// replay. The cancel func is idempotent and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan *protocol.Event, func()) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		h.topics[sessionID] = t
	}
	h.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &subscriber{ch: make(chan *protocol.Event, h.backlog)}
	if t.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if s, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(s.ch)
			}
			t.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish fans an event out to every live subscriber of the session. Slow
// subscribers are dropped so the translator's forward path never stalls.
func (h *Hub) Publish(sessionID string, ev *protocol.Event) {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(t.subs, id)
			close(sub.ch)
			slog.Warn("dropping slow tool-event subscriber", "session_id", sessionID)
		}
	}
}

// CloseSession tears down a session's topic, closing all subscriber
// channels. Subscribers observe the close as end-of-stream.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	delete(h.topics, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		close(sub.ch)
	}
}

// Subscribers reports the live subscriber count for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
