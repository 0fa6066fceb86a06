// Package config holds the gateway process configuration: HTTP listener,
// container runtime settings, session lifecycle knobs, and telemetry.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the agcluster gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Container ContainerConfig `json:"container"`
	Sessions  SessionsConfig  `json:"sessions"`
	Registry  RegistryConfig  `json:"registry"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig configures the HTTP front.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // 0 = disabled
}

// ContainerConfig configures agent container spawning.
type ContainerConfig struct {
	Image   string `json:"image"`   // agent harness image reference
	Network string `json:"network"` // dedicated bridge network name

	// Default resource caps, overridable per agent config.
	CPUQuotaMicros int64  `json:"cpu_quota_micros"` // per 100ms period; 100000 = 1 CPU
	MemoryLimit    string `json:"memory_limit"`     // e.g. "4g"
	StorageLimit   string `json:"storage_limit"`    // e.g. "10g"

	HarnessPort      int `json:"harness_port"`
	ReadyTimeoutSec  int `json:"ready_timeout_sec"`
	StopGraceSeconds int `json:"stop_grace_sec"`
}

// SessionsConfig configures session lifecycle.
type SessionsConfig struct {
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`
	CleanupIntervalSec int    `json:"cleanup_interval_sec"`
	TurnTimeoutSec     int    `json:"turn_timeout_sec"` // per-turn harness inactivity
	DefaultConfigID    string `json:"default_config_id"`
	SSEWriteTimeoutSec int    `json:"sse_write_timeout_sec"`
	SubscriberBacklog  int    `json:"subscriber_backlog"` // tool-event queue depth per subscriber
}

// RegistryConfig configures the agent config registry directories.
type RegistryConfig struct {
	PresetDir string `json:"preset_dir"`
	CustomDir string `json:"custom_dir"`
	Watch     bool   `json:"watch"` // hot-reload preset/custom dirs
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func (c *ContainerConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSec) * time.Second
}

func (c *ContainerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

func (c *SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func (c *SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

func (c *SessionsConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

func (c *SessionsConfig) SSEWriteTimeout() time.Duration {
	return time.Duration(c.SSEWriteTimeoutSec) * time.Second
}
