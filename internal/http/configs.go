package http

import (
	"encoding/json"
	"net/http"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
)

// ConfigsHandler serves the agent config registry endpoints.
type ConfigsHandler struct {
	registry *registry.Registry
}

// NewConfigsHandler creates the handler.
func NewConfigsHandler(reg *registry.Registry) *ConfigsHandler {
	return &ConfigsHandler{registry: reg}
}

// RegisterRoutes registers the config routes.
func (h *ConfigsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/configs/", h.handleList)
	mux.HandleFunc("GET /api/configs/{id}", h.handleGet)
	mux.HandleFunc("POST /api/configs/custom", h.handlePutCustom)
}

func (h *ConfigsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"configs": h.registry.List()})
}

func (h *ConfigsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ConfigsHandler) handlePutCustom(w http.ResponseWriter, r *http.Request) {
	var cfg registry.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindMalformedRequest, err, "invalid JSON"))
		return
	}
	if err := h.registry.PutCustom(&cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID, "status": "saved"})
}
