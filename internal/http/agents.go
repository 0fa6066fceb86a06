package http

import (
	"encoding/json"
	"net/http"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

// AgentsHandler serves session launch and lifecycle endpoints.
type AgentsHandler struct {
	sessions        *sessions.Manager
	registry        *registry.Registry
	defaultConfigID string
}

// NewAgentsHandler creates the handler.
func NewAgentsHandler(sm *sessions.Manager, reg *registry.Registry, defaultConfigID string) *AgentsHandler {
	return &AgentsHandler{sessions: sm, registry: reg, defaultConfigID: defaultConfigID}
}

// RegisterRoutes registers all agent session routes.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agents/launch", h.handleLaunch)
	mux.HandleFunc("GET /api/agents/sessions", h.handleList)
	mux.HandleFunc("GET /api/agents/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/agents/sessions/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/agents/sessions/{id}/interrupt", h.handleInterrupt)
}

type launchRequest struct {
	APIKey   string                `json:"api_key"`
	ConfigID string                `json:"config_id,omitempty"`
	Config   *registry.AgentConfig `json:"config,omitempty"`
	McpEnv   map[string]string     `json:"mcp_env,omitempty"`
}

type launchResponse struct {
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	ConfigID  string          `json:"config_id"`
	Status    sessions.Status `json:"status"`
}

func (h *AgentsHandler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindMalformedRequest, err, "invalid JSON"))
		return
	}
	if req.APIKey == "" {
		writeError(w, errdefs.New(errdefs.KindMissingAPIKey, "api_key is required"))
		return
	}

	cfg, err := h.resolveConfig(&req)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.sessions.Launch(r.Context(), func() (*sessions.Launch, error) {
		return &sessions.Launch{Config: cfg, APIKey: req.APIKey, McpEnv: req.McpEnv}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, launchResponse{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		ConfigID:  sess.ConfigID,
		Status:    sess.Status(),
	})
}

// resolveConfig picks the inline config (validated) or a registry lookup.
func (h *AgentsHandler) resolveConfig(req *launchRequest) (*registry.AgentConfig, error) {
	if req.Config != nil {
		if errs := registry.Validate(req.Config); len(errs) > 0 {
			fields := make(map[string]string, len(errs))
			for _, e := range errs {
				fields[e.Field] = e.Msg
			}
			return nil, errdefs.Invalid(fields)
		}
		req.Config.ApplyDefaults()
		return req.Config, nil
	}
	id := req.ConfigID
	if id == "" {
		id = h.defaultConfigID
	}
	return h.registry.Get(id)
}

func (h *AgentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List(r.Context(), true)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *AgentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sess.Touch()

	list := h.sessions.List(r.Context(), false)
	for _, sum := range list {
		if sum.SessionID == sess.ID {
			if stats, serr := h.sessions.Stats(r.Context(), sess); serr == nil {
				sum.Stats = stats
			}
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	writeError(w, errdefs.New(errdefs.KindSessionNotFound, "session %q not found", sess.ID))
}

func (h *AgentsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}
	h.sessions.Release(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(sessions.StatusStopped)})
}

func (h *AgentsHandler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sess.Touch()
	// Best effort: the frame is fire-and-forget and never closes the
	// connection.
	if err := sess.Conn().Send(protocol.Interrupt()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "status": "interrupted"})
}
