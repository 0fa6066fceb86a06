package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
)

// Registry is the in-memory catalog of agent configs: read-mostly lookups,
// writer-locked custom config persistence.
type Registry struct {
	mu        sync.RWMutex
	presets   map[string]*AgentConfig
	customs   map[string]*AgentConfig
	presetDir string
	customDir string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads presets and customs from disk. Per-file load errors are
// non-fatal: the file is logged and skipped.
func New(presetDir, customDir string) (*Registry, error) {
	r := &Registry{
		presets:   make(map[string]*AgentConfig),
		customs:   make(map[string]*AgentConfig),
		presetDir: presetDir,
		customDir: customDir,
		done:      make(chan struct{}),
	}
	if customDir != "" {
		if err := os.MkdirAll(customDir, 0o755); err != nil {
			return nil, fmt.Errorf("create custom config dir: %w", err)
		}
	}
	r.reload()
	return r, nil
}

// reload re-reads both directories into fresh maps and swaps them in.
func (r *Registry) reload() {
	presets := loadDir(r.presetDir)
	customs := loadDir(r.customDir)

	// Presets win on duplicate IDs; the shadowed custom stays on disk.
	for id := range customs {
		if _, ok := presets[id]; ok {
			slog.Warn("custom config shadowed by preset", "id", id)
			delete(customs, id)
		}
	}

	r.mu.Lock()
	r.presets = presets
	r.customs = customs
	r.mu.Unlock()
	slog.Info("config registry loaded", "presets", len(presets), "customs", len(customs))
}

func loadDir(dir string) map[string]*AgentConfig {
	configs := make(map[string]*AgentConfig)
	if dir == "" {
		return configs
	}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".json" && ext != ".json5" {
			return nil
		}
		cfg, err := loadFile(path)
		if err != nil {
			slog.Error("skipping invalid agent config", "path", path, "error", err)
			return nil
		}
		if prev, ok := configs[cfg.ID]; ok {
			slog.Warn("duplicate config id, keeping first", "id", cfg.ID, "kept", prev.Name)
			return nil
		}
		configs[cfg.ID] = cfg
		return nil
	})
	return configs
}

func loadFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg AgentConfig
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("validate: %s", strings.Join(msgs, "; "))
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// List returns summaries of every registered config, sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.presets)+len(r.customs))
	for _, cfg := range r.presets {
		out = append(out, cfg.Summarize())
	}
	for _, cfg := range r.customs {
		out = append(out, cfg.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up a config by id.
func (r *Registry) Get(id string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.presets[id]; ok {
		return cfg, nil
	}
	if cfg, ok := r.customs[id]; ok {
		return cfg, nil
	}
	return nil, errdefs.New(errdefs.KindUnknownConfig, "unknown config %q", id)
}

// PutCustom validates and persists a custom config. IDs that collide with a
// preset are rejected.
func (r *Registry) PutCustom(cfg *AgentConfig) error {
	if errs := Validate(cfg); len(errs) > 0 {
		fields := make(map[string]string, len(errs))
		for _, e := range errs {
			fields[e.Field] = e.Msg
		}
		return errdefs.Invalid(fields)
	}
	cfg.ApplyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.presets[cfg.ID]; ok {
		return errdefs.New(errdefs.KindConflict, "config id %q collides with a preset", cfg.ID)
	}
	if r.customDir == "" {
		return fmt.Errorf("custom config dir not configured")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(r.customDir, cfg.ID+".json")
	tmp, err := os.CreateTemp(r.customDir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist config: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist config: %w", err)
	}

	r.customs[cfg.ID] = cfg
	slog.Info("custom config saved", "id", cfg.ID, "path", path)
	return nil
}

// Watch starts a filesystem watcher that reloads the registry when preset or
// custom files change. Safe to skip; Close is still valid either way.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	for _, dir := range []string{r.presetDir, r.customDir} {
		if dir == "" {
			continue
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("config watch skipped", "dir", dir, "error", err)
		}
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					slog.Debug("config dir changed, reloading", "event", ev.String())
					r.reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// defaultPreset is seeded when the preset directory is empty so a fresh
// install can serve chat requests immediately.
const defaultPreset = `{
  // Seeded default preset. Edit or add more files in this directory.
  id: "code-assistant",
  name: "Code Assistant",
  description: "General-purpose coding agent with file and shell access",
  allowed_tools: ["Read", "Write", "Edit", "Bash", "Glob", "Grep", "LS", "TodoWrite"],
  system_prompt: { "kind": "preset", "preset": "claude_code" },
  permission_mode: "acceptEdits",
  max_turns: 100,
}
`

// EnsurePresets seeds the default preset when the directory is empty.
func EnsurePresets(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// Any entry counts: presets load recursively, so a subdirectory may
	// already hold configs.
	if len(entries) > 0 {
		return nil
	}
	path := filepath.Join(dir, "code-assistant.json5")
	if err := os.WriteFile(path, []byte(defaultPreset), 0o644); err != nil {
		return err
	}
	slog.Info("seeded default preset", "path", path)
	return nil
}
