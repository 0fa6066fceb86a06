package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/translate"
)

// Session addressing headers. X-Session-ID references a launched session;
// X-Conversation-ID is the legacy OpenAI-compatibility key and creates the
// session on first use.
const (
	HeaderSessionID      = "X-Session-ID"
	HeaderConversationID = "X-Conversation-ID"
)

// ChatCompletionsHandler serves the OpenAI-compatible chat endpoint.
type ChatCompletionsHandler struct {
	sessions   *sessions.Manager
	registry   *registry.Registry
	translator *translate.Translator

	defaultConfigID string
	rateAllow       func() bool // nil = unlimited
}

// NewChatCompletionsHandler wires the chat endpoint.
func NewChatCompletionsHandler(sm *sessions.Manager, reg *registry.Registry, tr *translate.Translator, defaultConfigID string) *ChatCompletionsHandler {
	return &ChatCompletionsHandler{
		sessions:        sm,
		registry:        reg,
		translator:      tr,
		defaultConfigID: defaultConfigID,
	}
}

// SetRateLimiter installs a gateway-wide admission check.
func (h *ChatCompletionsHandler) SetRateLimiter(allow func() bool) { h.rateAllow = allow }

// RegisterRoutes registers the endpoint and its /v1 alias.
func (h *ChatCompletionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/completions", h.handle)
	mux.HandleFunc("POST /v1/chat/completions", h.handle)
}

func (h *ChatCompletionsHandler) handle(w http.ResponseWriter, r *http.Request) {
	if h.rateAllow != nil && !h.rateAllow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"message": "rate limit exceeded", "type": "rate_limit_error"},
		})
		return
	}

	apiKey := extractBearerToken(r)
	if apiKey == "" {
		writeError(w, errdefs.New(errdefs.KindMissingAPIKey, "missing API key"))
		return
	}

	var req translate.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindMalformedRequest, err, "invalid JSON"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, errdefs.New(errdefs.KindMalformedRequest, "messages list is empty"))
		return
	}
	text, err := translate.ExtractUserText(req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.resolveSession(r, apiKey)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		h.stream(w, r, sess, req.Model, text)
		return
	}

	result, err := h.translator.Turn(r.Context(), sess, text, nil)
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindConnectionLost {
			h.sessions.Fail(r.Context(), sess.ID)
		}
		writeError(w, err)
		return
	}
	sess.Touch()

	usage := &translate.Usage{}
	if result.Usage != nil {
		usage.PromptTokens = result.Usage.InputTokens
		usage.CompletionTokens = result.Usage.OutputTokens
		usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}
	writeJSON(w, http.StatusOK, translate.ChatCompletionResponse{
		ID:        "chatcmpl-" + uuid.NewString(),
		Object:    "chat.completion",
		Created:   time.Now().Unix(),
		Model:     req.Model,
		SessionID: sess.ID,
		Choices: []translate.ChatCompletionChoice{{
			Index:        0,
			Message:      &translate.ChatCompletionMessage{Role: "assistant", Content: result.Content},
			FinishReason: strPtr("stop"),
		}},
		Usage: usage,
	})
}

// resolveSession maps the request headers onto a session. A session ID must
// already exist; a conversation ID (or no key at all) creates on demand
// with the default config.
func (h *ChatCompletionsHandler) resolveSession(r *http.Request, apiKey string) (*sessions.Session, error) {
	if sid := r.Header.Get(HeaderSessionID); sid != "" {
		return h.sessions.Get(sid)
	}

	resolve := func() (*sessions.Launch, error) {
		cfg, err := h.registry.Get(h.defaultConfigID)
		if err != nil {
			return nil, err
		}
		return &sessions.Launch{Config: cfg, APIKey: apiKey}, nil
	}

	if cid := r.Header.Get(HeaderConversationID); cid != "" {
		return h.sessions.Acquire(r.Context(), sessions.KeyConversation, cid, resolve)
	}
	// No key: one fresh session per request.
	return h.sessions.Launch(r.Context(), resolve)
}

func (h *ChatCompletionsHandler) stream(w http.ResponseWriter, r *http.Request, sess *sessions.Session, model, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	writeChunk := func(choice translate.ChatCompletionChoice) error {
		b, _ := json.Marshal(translate.ChatCompletionResponse{
			ID:        id,
			Object:    "chat.completion.chunk",
			Created:   time.Now().Unix(),
			Model:     model,
			SessionID: sess.ID,
			Choices:   []translate.ChatCompletionChoice{choice},
		})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.translator.Turn(r.Context(), sess, text, func(first bool, fragment string) error {
		delta := &translate.ChatCompletionMessage{Content: fragment}
		if first {
			delta.Role = "assistant"
		}
		return writeChunk(translate.ChatCompletionChoice{Index: 0, Delta: delta})
	})
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindConnectionLost {
			h.sessions.Fail(r.Context(), sess.ID)
		}
		// Headers are already out; surface the failure as a final SSE event.
		b, _ := json.Marshal(map[string]any{
			"error": map[string]any{"message": err.Error(), "type": "server_error"},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
		return
	}
	sess.Touch()

	if result.Interrupted {
		slog.Debug("client disconnected mid-stream, turn drained", "session_id", sess.ID)
		return
	}

	writeChunk(translate.ChatCompletionChoice{
		Index:        0,
		Delta:        &translate.ChatCompletionMessage{},
		FinishReason: strPtr("stop"),
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
