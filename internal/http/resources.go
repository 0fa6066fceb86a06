package http

import (
	"net/http"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
)

// ResourcesHandler reports aggregate container resource usage.
type ResourcesHandler struct {
	sessions *sessions.Manager
}

// NewResourcesHandler creates the handler.
func NewResourcesHandler(sm *sessions.Manager) *ResourcesHandler {
	return &ResourcesHandler{sessions: sm}
}

// RegisterRoutes registers the stats route.
func (h *ResourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/resources/stats", h.handleStats)
}

func (h *ResourcesHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List(r.Context(), true)

	containers := make([]*container.Stats, 0, len(list))
	var totalMem uint64
	for _, sum := range list {
		if sum.Stats == nil {
			continue
		}
		containers = append(containers, sum.Stats)
		totalMem += sum.Stats.MemoryUsage
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":           len(list),
		"containers":         containers,
		"total_memory_usage": totalMem,
	})
}
