package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			RateLimitRPM: 0,
		},
		Container: ContainerConfig{
			Image:            "agcluster/agent:latest",
			Network:          "agcluster-network",
			CPUQuotaMicros:   200000,
			MemoryLimit:      "4g",
			StorageLimit:     "10g",
			HarnessPort:      8765,
			ReadyTimeoutSec:  15,
			StopGraceSeconds: 5,
		},
		Sessions: SessionsConfig{
			IdleTimeoutSec:     1800,
			CleanupIntervalSec: 300,
			TurnTimeoutSec:     300,
			DefaultConfigID:    "code-assistant",
			SSEWriteTimeoutSec: 60,
			SubscriberBacklog:  256,
		},
		Registry: RegistryConfig{
			PresetDir: "~/.agcluster/presets",
			CustomDir: "~/.agcluster/custom",
			Watch:     true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGCLUSTER_HOST", &c.Gateway.Host)
	envInt("AGCLUSTER_PORT", &c.Gateway.Port)
	envInt("AGCLUSTER_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)

	envStr("AGCLUSTER_AGENT_IMAGE", &c.Container.Image)
	envStr("AGCLUSTER_NETWORK", &c.Container.Network)
	envStr("AGCLUSTER_MEMORY_LIMIT", &c.Container.MemoryLimit)
	envStr("AGCLUSTER_STORAGE_LIMIT", &c.Container.StorageLimit)
	if v := os.Getenv("AGCLUSTER_CPU_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Container.CPUQuotaMicros = n
		}
	}

	// Session lifecycle knobs keep their documented (unprefixed) names.
	envInt("SESSION_IDLE_TIMEOUT", &c.Sessions.IdleTimeoutSec)
	envInt("SESSION_CLEANUP_INTERVAL", &c.Sessions.CleanupIntervalSec)
	envInt("AGCLUSTER_TURN_TIMEOUT", &c.Sessions.TurnTimeoutSec)
	envStr("AGCLUSTER_DEFAULT_CONFIG", &c.Sessions.DefaultConfigID)

	envStr("AGCLUSTER_PRESET_DIR", &c.Registry.PresetDir)
	envStr("AGCLUSTER_CUSTOM_DIR", &c.Registry.CustomDir)

	envStr("AGCLUSTER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGCLUSTER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGCLUSTER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGCLUSTER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGCLUSTER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
