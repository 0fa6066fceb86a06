package registry

import (
	"fmt"
	"regexp"
)

// toolVocabulary is the closed set of tool identifiers the harness knows.
var toolVocabulary = map[string]bool{
	"Task":         true,
	"Bash":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"Read":         true,
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookRead": true,
	"NotebookEdit": true,
	"WebFetch":     true,
	"WebSearch":    true,
	"TodoRead":     true,
	"TodoWrite":    true,
	"ExitPlanMode": true,
}

var subAgentModels = map[string]bool{
	"sonnet":  true,
	"opus":    true,
	"haiku":   true,
	"inherit": true,
}

var idRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field string `json:"field"`
	Msg   string `json:"msg"`
}

func (e ValidationError) Error() string { return e.Field + ": " + e.Msg }

// Validate checks an AgentConfig against the schema. It is total: it never
// panics and returns a finite list of errors, empty on success.
func Validate(cfg *AgentConfig) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)})
	}

	if cfg == nil {
		return []ValidationError{{Field: "config", Msg: "missing"}}
	}

	if cfg.ID == "" {
		add("id", "required")
	} else if !idRe.MatchString(cfg.ID) {
		add("id", "must match [a-z0-9_-]+")
	}
	if cfg.Name == "" {
		add("name", "required")
	}

	for i, tool := range cfg.AllowedTools {
		if !toolVocabulary[tool] {
			add(fmt.Sprintf("allowed_tools[%d]", i), "unknown tool %q", tool)
		}
	}

	switch cfg.PermissionMode {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
	default:
		add("permission_mode", "invalid mode %q", cfg.PermissionMode)
	}

	if cfg.MaxTurns < 0 {
		add("max_turns", "must be positive")
	}

	if cfg.SystemPrompt != nil {
		switch cfg.SystemPrompt.Kind {
		case PromptText:
		case PromptPreset:
			if cfg.SystemPrompt.Preset == "" {
				add("system_prompt.preset", "required for preset prompts")
			}
		default:
			add("system_prompt.kind", "invalid kind %q", cfg.SystemPrompt.Kind)
		}
	}

	for key, sub := range cfg.SubAgents {
		if sub.Description == "" {
			add("sub_agents."+key+".description", "required")
		}
		if sub.Prompt == "" {
			add("sub_agents."+key+".prompt", "required")
		}
		for i, tool := range sub.Tools {
			if !toolVocabulary[tool] {
				add(fmt.Sprintf("sub_agents.%s.tools[%d]", key, i), "unknown tool %q", tool)
			}
		}
		if sub.Model != "" && !subAgentModels[sub.Model] {
			add("sub_agents."+key+".model", "invalid model %q", sub.Model)
		}
	}

	for key, srv := range cfg.McpServers {
		switch srv.Kind {
		case McpStdio:
			if srv.Command == "" {
				add("mcp_servers."+key+".command", "required for stdio servers")
			}
			if srv.URL != "" {
				add("mcp_servers."+key+".url", "not allowed for stdio servers")
			}
		case McpSSE, McpHTTP:
			if srv.URL == "" {
				add("mcp_servers."+key+".url", "required for %s servers", srv.Kind)
			}
			if srv.Command != "" {
				add("mcp_servers."+key+".command", "not allowed for %s servers", srv.Kind)
			}
		default:
			add("mcp_servers."+key+".kind", "invalid transport %q", srv.Kind)
		}
	}

	if r := cfg.Resources; r != nil {
		if r.CPUQuotaMicros < 0 {
			add("resources.cpu_quota_micros", "must be positive")
		}
	}

	return errs
}

// KnownTools returns the tool vocabulary, for doctor output and tests.
func KnownTools() []string {
	tools := make([]string, 0, len(toolVocabulary))
	for t := range toolVocabulary {
		tools = append(tools, t)
	}
	return tools
}
