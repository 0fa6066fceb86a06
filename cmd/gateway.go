package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/gateway"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/tracing"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/translate"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing (no-op when disabled)
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	// Agent config registry: seed presets, load, watch for edits.
	presetDir := config.ExpandHome(cfg.Registry.PresetDir)
	customDir := config.ExpandHome(cfg.Registry.CustomDir)
	if err := registry.EnsurePresets(presetDir); err != nil {
		slog.Warn("preset seeding failed", "error", err)
	}
	reg, err := registry.New(presetDir, customDir)
	if err != nil {
		slog.Error("failed to load agent configs", "error", err)
		os.Exit(1)
	}
	defer reg.Close()
	if cfg.Registry.Watch {
		if err := reg.Watch(); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}

	// Docker runtime
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		slog.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	containers := container.NewManager(cli, cfg.Container)
	if n := containers.ReapOrphans(ctx); n > 0 {
		slog.Info("reaped orphaned agent containers", "count", n)
	}

	events := hub.New(cfg.Sessions.SubscriberBacklog)
	sessionMgr := sessions.NewManager(containers, events, cfg.Sessions)
	sessionMgr.Run()
	defer sessionMgr.Close()

	translator := translate.New(events, cfg.Sessions.TurnTimeout())

	srv := gateway.NewServer(cfg, reg, sessionMgr, events, translator)
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
