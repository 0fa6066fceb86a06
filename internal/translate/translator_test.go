package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// scriptedHarness answers the first user_message with the given frames, then
// keeps the socket open.
func scriptedHarness(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var frame protocol.ClientFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Kind != protocol.FrameUserMessage {
				continue
			}
			for _, f := range frames {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// wsSpawner satisfies sessions.Spawner by dialing the scripted harness.
type wsSpawner struct {
	url string
}

func (s *wsSpawner) Spawn(ctx context.Context, req container.SpawnRequest) (*container.Agent, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	return &container.Agent{
		ID:        "agent-1",
		SessionID: req.SessionID,
		ConfigID:  req.Config.ID,
		Conn:      container.NewConnection(ws, nil),
	}, nil
}

func (s *wsSpawner) Teardown(ctx context.Context, agent *container.Agent) {
	if agent != nil && agent.Conn != nil {
		agent.Conn.Close()
	}
}

func (s *wsSpawner) ContainerStats(ctx context.Context, agent *container.Agent) (*container.Stats, error) {
	return nil, errors.New("no stats in tests")
}

func (s *wsSpawner) Exits() <-chan container.ExitEvent { return nil }

func harnessSession(t *testing.T, events *hub.Hub, frames []string) *sessions.Session {
	t.Helper()
	srv := scriptedHarness(t, frames)
	sp := &wsSpawner{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	m := sessions.NewManager(sp, events, config.SessionsConfig{SubscriberBacklog: 64})
	t.Cleanup(func() { m.Close() })

	sess, err := m.Launch(context.Background(), func() (*sessions.Launch, error) {
		return &sessions.Launch{
			Config: &registry.AgentConfig{ID: "code-assistant", Name: "Code Assistant"},
			APIKey: "sk-ant-test",
		}, nil
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return sess
}

func TestExtractUserText(t *testing.T) {
	mustDecode := func(t *testing.T, body string) []ChatMessage {
		t.Helper()
		var req ChatCompletionRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return req.Messages
	}

	t.Run("last user message wins", func(t *testing.T) {
		msgs := mustDecode(t, `{"messages":[
			{"role":"user","content":"first"},
			{"role":"assistant","content":"reply"},
			{"role":"user","content":"second"}]}`)
		text, err := ExtractUserText(msgs)
		if err != nil {
			t.Fatalf("ExtractUserText: %v", err)
		}
		if text != "second" {
			t.Errorf("text = %q, want second", text)
		}
	})

	t.Run("multi-part content flattened", func(t *testing.T) {
		msgs := mustDecode(t, `{"messages":[{"role":"user","content":[
			{"type":"text","text":"line one"},
			{"type":"image_url"},
			{"type":"text","text":"line two"}]}]}`)
		text, err := ExtractUserText(msgs)
		if err != nil {
			t.Fatalf("ExtractUserText: %v", err)
		}
		if text != "line one\nline two" {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("empty user content is valid", func(t *testing.T) {
		msgs := mustDecode(t, `{"messages":[{"role":"user","content":""}]}`)
		text, err := ExtractUserText(msgs)
		if err != nil {
			t.Fatalf("ExtractUserText: %v", err)
		}
		if text != "" {
			t.Errorf("text = %q, want empty", text)
		}
	})

	t.Run("no user message rejected", func(t *testing.T) {
		msgs := mustDecode(t, `{"messages":[{"role":"system","content":"be nice"}]}`)
		_, err := ExtractUserText(msgs)
		if errdefs.KindOf(err) != errdefs.KindMalformedRequest {
			t.Errorf("kind = %v, want KindMalformedRequest", errdefs.KindOf(err))
		}
	})
}

func TestTurn(t *testing.T) {
	t.Run("accumulates content in order", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"Hello"}`,
			`{"kind":"thinking","text":"..."}`,
			`{"kind":"content","text":", world"}`,
			`{"kind":"metadata","usage":{"input_tokens":5,"output_tokens":7}}`,
		})

		tr := New(events, time.Second)
		var deltas []string
		res, err := tr.Turn(context.Background(), sess, "hi", func(first bool, text string) error {
			if first != (len(deltas) == 0) {
				t.Errorf("first flag wrong at delta %d", len(deltas))
			}
			deltas = append(deltas, text)
			return nil
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.Content != "Hello, world" {
			t.Errorf("content = %q", res.Content)
		}
		if res.Usage == nil || res.Usage.OutputTokens != 7 {
			t.Errorf("usage = %+v", res.Usage)
		}
		if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != ", world" {
			t.Errorf("deltas = %v", deltas)
		}
		if res.Interrupted {
			t.Error("turn should not be interrupted")
		}
	})

	t.Run("final_content overrides accumulated text", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"partial"}`,
			`{"kind":"metadata","final_content":"authoritative"}`,
		})

		tr := New(events, time.Second)
		res, err := tr.Turn(context.Background(), sess, "hi", nil)
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.Content != "authoritative" {
			t.Errorf("content = %q, want final_content to win", res.Content)
		}
	})

	t.Run("empty content turn", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"tool_start","tool_name":"Bash","tool_use_id":"toolu_1"}`,
			`{"kind":"tool_complete","tool_use_id":"toolu_1"}`,
			`{"kind":"metadata"}`,
		})

		tr := New(events, time.Second)
		res, err := tr.Turn(context.Background(), sess, "do it quietly", nil)
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.Content != "" {
			t.Errorf("content = %q, want empty", res.Content)
		}
	})

	t.Run("all events reach subscribers", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"x"}`,
			`{"kind":"tool_start","tool_name":"Read","tool_use_id":"toolu_2"}`,
			`{"kind":"todo_update","todos":[{"content":"step","status":"pending"}]}`,
			`{"kind":"metadata"}`,
		})
		ch, cancel := events.Subscribe(sess.ID)
		defer cancel()

		tr := New(events, time.Second)
		if _, err := tr.Turn(context.Background(), sess, "go", nil); err != nil {
			t.Fatalf("Turn: %v", err)
		}

		var kinds []string
		for i := 0; i < 4; i++ {
			select {
			case ev := <-ch:
				kinds = append(kinds, ev.Kind)
			case <-time.After(time.Second):
				t.Fatalf("subscriber saw %d events, want 4", i)
			}
		}
		want := []string{"content", "tool_start", "todo_update", "metadata"}
		for i := range want {
			if kinds[i] != want[i] {
				t.Fatalf("kinds = %v, want %v", kinds, want)
			}
		}
	})

	t.Run("dead sink drains the turn", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"a"}`,
			`{"kind":"content","text":"b"}`,
			`{"kind":"content","text":"c"}`,
			`{"kind":"metadata"}`,
		})

		tr := New(events, time.Second)
		calls := 0
		res, err := tr.Turn(context.Background(), sess, "hi", func(first bool, text string) error {
			calls++
			return errors.New("client went away")
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if calls != 1 {
			t.Errorf("sink called %d times, want 1 (dead after first error)", calls)
		}
		if !res.Interrupted {
			t.Error("result should be marked interrupted")
		}
		if res.Content != "abc" {
			t.Errorf("content = %q, drain must continue past sink death", res.Content)
		}
	})

	t.Run("harness inactivity times out as connection lost", func(t *testing.T) {
		events := hub.New(64)
		// Harness never answers.
		sess := harnessSession(t, events, nil)

		tr := New(events, 50*time.Millisecond)
		_, err := tr.Turn(context.Background(), sess, "hi", nil)
		if errdefs.KindOf(err) != errdefs.KindConnectionLost {
			t.Errorf("kind = %v, want KindConnectionLost", errdefs.KindOf(err))
		}
	})

	t.Run("system shutdown ends the turn", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"bye"}`,
			`{"kind":"system","status":"shutdown"}`,
		})

		tr := New(events, time.Second)
		res, err := tr.Turn(context.Background(), sess, "quit", nil)
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.Content != "bye" {
			t.Errorf("content = %q", res.Content)
		}
	})

	t.Run("turns serialize per session", func(t *testing.T) {
		events := hub.New(64)
		sess := harnessSession(t, events, []string{
			`{"kind":"content","text":"ok"}`,
			`{"kind":"metadata"}`,
		})

		tr := New(events, time.Second)
		done := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				_, err := tr.Turn(context.Background(), sess, "ping", nil)
				done <- err
			}()
		}
		for i := 0; i < 2; i++ {
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("turn %d: %v", i, err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("turns deadlocked")
			}
		}
	})
}
