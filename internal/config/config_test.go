package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Gateway.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Gateway.Port)
	}
	if cfg.Container.HarnessPort != 8765 {
		t.Errorf("harness port = %d, want 8765", cfg.Container.HarnessPort)
	}
	if cfg.Sessions.IdleTimeout() != 30*time.Minute {
		t.Errorf("idle timeout = %v, want 30m", cfg.Sessions.IdleTimeout())
	}
	if cfg.Sessions.DefaultConfigID != "code-assistant" {
		t.Errorf("default config = %q", cfg.Sessions.DefaultConfigID)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
	  // json5 config with comments
	  gateway: { port: 9100, rate_limit_rpm: 120 },
	  container: { image: "agcluster/agent:v2", memory_limit: "8g" },
	  sessions: { idle_timeout_sec: 600 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Gateway.Port)
	}
	if cfg.Gateway.RateLimitRPM != 120 {
		t.Errorf("rate limit = %d", cfg.Gateway.RateLimitRPM)
	}
	if cfg.Container.Image != "agcluster/agent:v2" {
		t.Errorf("image = %q", cfg.Container.Image)
	}
	if cfg.Sessions.IdleTimeout() != 10*time.Minute {
		t.Errorf("idle timeout = %v", cfg.Sessions.IdleTimeout())
	}
	// Unset fields keep defaults.
	if cfg.Container.Network != "agcluster-network" {
		t.Errorf("network = %q, want default", cfg.Container.Network)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGCLUSTER_PORT", "9200")
	t.Setenv("AGCLUSTER_AGENT_IMAGE", "agcluster/agent:edge")
	t.Setenv("SESSION_IDLE_TIMEOUT", "120")
	t.Setenv("SESSION_CLEANUP_INTERVAL", "30")
	t.Setenv("AGCLUSTER_TELEMETRY_ENABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9200 {
		t.Errorf("port = %d, want env override 9200", cfg.Gateway.Port)
	}
	if cfg.Container.Image != "agcluster/agent:edge" {
		t.Errorf("image = %q", cfg.Container.Image)
	}
	if cfg.Sessions.IdleTimeoutSec != 120 || cfg.Sessions.CleanupIntervalSec != 30 {
		t.Errorf("session knobs = %d/%d, want 120/30", cfg.Sessions.IdleTimeoutSec, cfg.Sessions.CleanupIntervalSec)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry should be enabled via env")
	}
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("AGCLUSTER_PORT", "not-a-number")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8000 {
		t.Errorf("port = %d, want default kept on bad env value", cfg.Gateway.Port)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/x/y", home + "/x/y"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
