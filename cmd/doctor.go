package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/config"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/container"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/registry"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agcluster doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Registry dirs
	fmt.Println()
	fmt.Println("  Agent configs:")
	presetDir := config.ExpandHome(cfg.Registry.PresetDir)
	customDir := config.ExpandHome(cfg.Registry.CustomDir)
	checkDir("Presets", presetDir)
	checkDir("Custom", customDir)
	if reg, regErr := registry.New(presetDir, customDir); regErr == nil {
		fmt.Printf("    %-10s %d loaded\n", "Configs:", len(reg.List()))
		reg.Close()
	} else {
		fmt.Printf("    %-10s LOAD FAILED (%s)\n", "Configs:", regErr)
	}

	// Docker
	fmt.Println()
	fmt.Println("  Docker:")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Printf("    %-10s CLIENT FAILED (%s)\n", "Daemon:", err)
		return
	}
	defer cli.Close()

	ping, err := cli.Ping(ctx)
	if err != nil {
		fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Daemon:", err)
		return
	}
	fmt.Printf("    %-10s OK (API %s)\n", "Daemon:", ping.APIVersion)

	images, err := cli.ImageList(ctx, imagetypes.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", cfg.Container.Image)),
	})
	if err != nil || len(images) == 0 {
		fmt.Printf("    %-10s %s (NOT FOUND, pull or build it)\n", "Image:", cfg.Container.Image)
	} else {
		fmt.Printf("    %-10s %s (OK)\n", "Image:", cfg.Container.Image)
	}

	owned, err := cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", container.LabelOwned+"=true")),
	})
	if err == nil {
		fmt.Printf("    %-10s %d gateway-owned\n", "Containers:", len(owned))
	}
}

func checkDir(name, dir string) {
	if info, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-10s %s (missing, created on start)\n", name+":", dir)
	} else if !info.IsDir() {
		fmt.Printf("    %-10s %s (NOT A DIRECTORY)\n", name+":", dir)
	} else {
		fmt.Printf("    %-10s %s (OK)\n", name+":", dir)
	}
}
