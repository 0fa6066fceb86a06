// Package gateway composes the HTTP front: routing, rate limiting, and
// server lifecycle.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	httpapi "github.com/whiteboardmonk/agcluster-container-sub000/internal/http"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/translate"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	sessions   *sessions.Manager
	events     *hub.Hub
	translator *translate.Translator

	rateLimiter *RateLimiter
	httpServer  *http.Server
	mux         *http.ServeMux
}

// NewServer wires the gateway components into a server.
func NewServer(cfg *config.Config, reg *registry.Registry, sm *sessions.Manager, events *hub.Hub, tr *translate.Translator) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		sessions:   sm,
		events:     events,
		translator: tr,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	chat := httpapi.NewChatCompletionsHandler(s.sessions, s.registry, s.translator, s.cfg.Sessions.DefaultConfigID)
	if s.rateLimiter.Enabled() {
		chat.SetRateLimiter(s.rateLimiter.Allow)
	}
	chat.RegisterRoutes(mux)

	httpapi.NewAgentsHandler(s.sessions, s.registry, s.cfg.Sessions.DefaultConfigID).RegisterRoutes(mux)
	httpapi.NewConfigsHandler(s.registry).RegisterRoutes(mux)
	httpapi.NewToolStreamHandler(s.sessions, s.events, s.cfg.Sessions.SSEWriteTimeout()).RegisterRoutes(mux)
	httpapi.NewResourcesHandler(s.sessions).RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start listens until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, len(s.sessions.List(r.Context(), false)))
}
