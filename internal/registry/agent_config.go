// Package registry loads and validates the catalog of agent configurations:
// declarative preset files plus user-persisted custom configs.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Permission modes accepted by the harness.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

// DefaultMaxTurns applies when max_turns is omitted.
const DefaultMaxTurns = 100

// ApplyDefaults fills omitted optional fields. Every path a config enters
// the registry through calls this after validation, so downstream consumers
// never see a zero max_turns.
func (c *AgentConfig) ApplyDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = DefaultMaxTurns
	}
}

// AgentConfig is the declarative specification of an agent.
type AgentConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`

	AllowedTools   []string      `json:"allowed_tools"`
	SystemPrompt   *SystemPrompt `json:"system_prompt,omitempty"`
	PermissionMode string        `json:"permission_mode,omitempty"`
	MaxTurns       int           `json:"max_turns,omitempty"`

	SubAgents  map[string]SubAgent  `json:"sub_agents,omitempty"`
	McpServers map[string]McpServer `json:"mcp_servers,omitempty"`

	Resources *ResourceLimits   `json:"resources,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
}

// SubAgent describes a delegable sub-agent.
type SubAgent struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"` // nil = inherit from parent
	Model       string   `json:"model,omitempty"` // sonnet | opus | haiku | inherit
}

// ResourceLimits caps a container's resources. Zero values fall back to the
// gateway-wide defaults.
type ResourceLimits struct {
	CPUQuotaMicros int64  `json:"cpu_quota_micros,omitempty"`
	MemoryLimit    string `json:"memory_limit,omitempty"`
	StorageLimit   string `json:"storage_limit,omitempty"`
}

// System prompt kinds.
const (
	PromptText   = "text"
	PromptPreset = "preset"
)

// SystemPrompt is either free-form text or a named preset with an optional
// appended suffix. On the wire it is a bare string or a tagged object.
type SystemPrompt struct {
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Preset string `json:"preset,omitempty"`
	Append string `json:"append,omitempty"`
}

func (p *SystemPrompt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = SystemPrompt{Kind: PromptText, Text: s}
		return nil
	}
	type alias SystemPrompt
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Kind == "" {
		a.Kind = PromptPreset
	}
	*p = SystemPrompt(a)
	return nil
}

func (p SystemPrompt) MarshalJSON() ([]byte, error) {
	if p.Kind == PromptText {
		return json.Marshal(p.Text)
	}
	type alias SystemPrompt
	return json.Marshal(alias(p))
}

// MCP server transports.
const (
	McpStdio = "stdio"
	McpSSE   = "sse"
	McpHTTP  = "http"
)

// McpServer is a transport-tagged MCP server endpoint. Stdio servers carry
// command/args/env; sse and http servers carry url/headers.
type McpServer struct {
	Kind    string            `json:"kind"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveValue substitutes ${VAR} placeholders in a single value. A
// placeholder with no supplied variable is an error.
func ResolveValue(v string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(v, func(m string) string {
		name := m[2 : len(m)-1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// ResolvePlaceholders substitutes ${VAR} placeholders in every env value of
// the config's MCP servers using the supplied per-session variables. A
// placeholder with no supplied value fails the whole resolution; this is a
// launch-time check, not a load-time one.
func ResolvePlaceholders(cfg *AgentConfig, vars map[string]string) (map[string]McpServer, error) {
	if len(cfg.McpServers) == 0 {
		return nil, nil
	}
	resolved := make(map[string]McpServer, len(cfg.McpServers))
	for key, srv := range cfg.McpServers {
		if len(srv.Env) > 0 {
			env := make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				rv, err := ResolveValue(v, vars)
				if err != nil {
					return nil, fmt.Errorf("mcp server %q env %s: %w", key, k, err)
				}
				env[k] = rv
			}
			srv.Env = env
		}
		resolved[key] = srv
	}
	return resolved, nil
}

// Summary is the listing view of a config.
type Summary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	AllowedTools   []string `json:"allowed_tools"`
	HasMcpServers  bool     `json:"has_mcp_servers"`
	HasSubAgents   bool     `json:"has_sub_agents"`
	PermissionMode string   `json:"permission_mode"`
}

// Summarize builds the listing view.
func (c *AgentConfig) Summarize() Summary {
	mode := c.PermissionMode
	if mode == "" {
		mode = PermissionDefault
	}
	return Summary{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		AllowedTools:   c.AllowedTools,
		HasMcpServers:  len(c.McpServers) > 0,
		HasSubAgents:   len(c.SubAgents) > 0,
		PermissionMode: mode,
	}
}
