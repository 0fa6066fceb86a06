// Package sessions indexes live conversations and binds each one to exactly
// one running agent container.
package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusStopping || s == StatusStopped || s == StatusError
}

// Session is one logical conversation bound to one running container. The
// manager exclusively owns the record; the connection is owned by the
// session and released on termination.
type Session struct {
	ID             string
	ConversationID string
	ConfigID       string
	AgentID        string

	CreatedAt time.Time

	agent      *container.Agent
	lastActive atomic.Int64 // unix nanos, monotonically non-decreasing

	statusMu sync.Mutex
	status   Status

	// turnMu serializes turns: one in-flight request drains fully before
	// the next begins.
	turnMu sync.Mutex
}

// Conn returns the live harness connection.
func (s *Session) Conn() *container.Connection { return s.agent.Conn }

// Touch advances last-active to now. Never moves backwards.
func (s *Session) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.lastActive.Load()
		if prev >= now || s.lastActive.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActive returns the last send/receive time.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// markStopping transitions to stopping exactly once; later callers get
// false so release stays idempotent.
func (s *Session) markStopping(final Status) bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = final
	return true
}

// BeginTurn acquires the per-session turn lock and returns the release
// func. A second concurrent request on the same session waits here until
// the first turn drains.
func (s *Session) BeginTurn() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// Summary is the listing view of a session.
type Summary struct {
	SessionID      string           `json:"session_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ConfigID       string           `json:"config_id"`
	AgentID        string           `json:"agent_id"`
	Status         Status           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActive     time.Time        `json:"last_active"`
	Stats          *container.Stats `json:"stats,omitempty"`
}

func (s *Session) summarize() Summary {
	return Summary{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		ConfigID:       s.ConfigID,
		AgentID:        s.AgentID,
		Status:         s.Status(),
		CreatedAt:      s.CreatedAt,
		LastActive:     s.LastActive(),
	}
}
