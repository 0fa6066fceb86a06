// Package protocol defines the harness WebSocket wire format: the
// line-delimited JSON frames exchanged with the agent runtime listening on
// port 8765 inside each container.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds pushed from the harness to the gateway.
const (
	EventSystem       = "system"
	EventContent      = "content"
	EventThinking     = "thinking"
	EventToolStart    = "tool_start"
	EventToolComplete = "tool_complete"
	EventTodoUpdate   = "todo_update"
	EventMetadata     = "metadata"
)

// System event statuses (in Event.Status).
const (
	SystemInit     = "init"
	SystemReady    = "ready"
	SystemShutdown = "shutdown"
)

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TodoItem is one entry of a todo_update event.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// Event is a harness event. Kind discriminates which fields are populated;
// Raw always holds the original frame so unknown kinds can be forwarded
// to subscribers untouched.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// system
	Status    string `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// content / thinking
	Text string `json:"text,omitempty"`

	// tool_start / tool_complete
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// todo_update
	Todos []TodoItem `json:"todos,omitempty"`

	// metadata (end of turn)
	FinalContent *string  `json:"final_content,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	DurationMS   *int64   `json:"duration_ms,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes a harness frame. Unknown kinds parse successfully and
// keep their payload in Raw only. A missing timestamp is filled with the
// receive time so downstream ordering stays well-defined.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse harness event: %w", err)
	}
	if ev.Kind == "" {
		return nil, fmt.Errorf("parse harness event: missing kind")
	}

	// Legacy harnesses encode the tool use ID in tool_name on completion.
	if ev.Kind == EventToolComplete && ev.ToolUseID == "" && ev.ToolName != "" {
		ev.ToolUseID = ev.ToolName
		ev.ToolName = ""
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	ev.Raw = raw
	return &ev, nil
}

// Known reports whether the event kind is part of the typed vocabulary.
// Unknown kinds are forwarded raw to tool-event subscribers and skipped by
// the chat text path.
func (e *Event) Known() bool {
	switch e.Kind {
	case EventSystem, EventContent, EventThinking, EventToolStart,
		EventToolComplete, EventTodoUpdate, EventMetadata:
		return true
	}
	return false
}

// EndOfTurn reports whether the event terminates the current turn.
func (e *Event) EndOfTurn() bool {
	if e.Kind == EventMetadata {
		return true
	}
	return e.Kind == EventSystem && e.Status == SystemShutdown
}
