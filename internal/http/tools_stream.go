package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
)

// ToolStreamHandler exposes a session's structured event feed as SSE.
// Events are named "tool"; failures surface as "error" events with a fatal
// flag so clients can tell retryable conditions from terminal ones.
type ToolStreamHandler struct {
	sessions     *sessions.Manager
	events       *hub.Hub
	writeTimeout time.Duration
}

// NewToolStreamHandler creates the handler.
func NewToolStreamHandler(sm *sessions.Manager, events *hub.Hub, writeTimeout time.Duration) *ToolStreamHandler {
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	return &ToolStreamHandler{sessions: sm, events: events, writeTimeout: writeTimeout}
}

// RegisterRoutes registers the stream route.
func (h *ToolStreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tools/{id}/stream", h.handleStream)
}

func (h *ToolStreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sess.Touch()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	rc := http.NewResponseController(w)
	ch, cancel := h.events.Subscribe(sess.ID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	writeEvent := func(name string, data []byte) error {
		// A client that stops reading is dropped, not waited on.
		rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if _, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				// The session being gone is terminal; a dropped slow
				// subscriber can reconnect.
				msg, fatal := "subscriber dropped, reconnect to resume", false
				if _, gerr := h.sessions.Get(sess.ID); gerr != nil {
					msg, fatal = "session closed", true
				}
				b, _ := json.Marshal(map[string]any{"error": msg, "fatal": fatal})
				writeEvent("error", b)
				return
			}
			if err := writeEvent("tool", ev.Raw); err != nil {
				return
			}
			sess.Touch()

		case <-heartbeat.C:
			rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if _, werr := fmt.Fprint(w, ": ping\n\n"); werr != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
