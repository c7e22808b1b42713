// Package config loads pixy.toml, the single configuration file spec.md
// §1 names for the harness: which models to call, where sessions live, the
// tool-execution and dispatch policy knobs. Grounded on the teacher's
// internal/config/config.go + loader.go split (one file per concern, a
// $include-resolving loader over a raw map before decoding into the typed
// struct) with TOML (github.com/pelletier/go-toml/v2) standing in for the
// teacher's YAML/json5 body, since spec.md §1 names pixy.toml explicitly.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pixyhq/pixy-agent/internal/agentloop"
	"github.com/pixyhq/pixy-agent/internal/dispatch"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// Config is pixy-agent's top-level configuration.
type Config struct {
	Session  SessionConfig  `toml:"session"`
	Models   ModelsConfig   `toml:"models"`
	Retry    RetryConfig    `toml:"retry"`
	Tools    ToolsConfig    `toml:"tools"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Logging  LoggingConfig  `toml:"logging"`
}

// SessionConfig locates the JSONL session log directory.
type SessionConfig struct {
	Dir string `toml:"dir"`
}

// ModelsConfig names the primary model and its ordered fallbacks.
type ModelsConfig struct {
	Primary   ModelConfig   `toml:"primary"`
	Fallbacks []ModelConfig `toml:"fallbacks"`
}

// ModelConfig mirrors models.Model on the wire; APIKeyEnv lets a profile
// override the provider's default {PROVIDER}_API_KEY lookup.
type ModelConfig struct {
	Provider string `toml:"provider"`
	API      string `toml:"api"`
	ID       string `toml:"id"`
	BaseURL  string `toml:"base_url"`

	ContextWindow int `toml:"context_window"`
	MaxTokens     int `toml:"max_tokens"`

	Reasoning       bool   `toml:"reasoning"`
	ReasoningEffort string `toml:"reasoning_effort"`

	APIKeyEnv string `toml:"api_key_env"`
}

// ToModel converts a ModelConfig into the wire models.Model Provider/
// AgentLoop consume.
func (m ModelConfig) ToModel() models.Model {
	return models.Model{
		Provider:        m.Provider,
		API:             m.API,
		ID:              m.ID,
		BaseURL:         m.BaseURL,
		ContextWindow:   m.ContextWindow,
		MaxTokens:       m.MaxTokens,
		Reasoning:       m.Reasoning,
		ReasoningEffort: m.ReasoningEffort,
	}
}

// APIKey resolves this model's API key per spec §6: APIKeyEnv if set,
// otherwise "{PROVIDER}_API_KEY" uppercased, falling back to the provider's
// documented default env var.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv != "" {
		return os.Getenv(m.APIKeyEnv)
	}
	return ResolveAPIKey(m.Provider)
}

// defaultProviderEnv names the documented default env var per provider,
// used only when the provider-derived "{PROVIDER}_API_KEY" name itself is
// unset (spec §6).
var defaultProviderEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"bedrock":   "AWS_BEARER_TOKEN_BEDROCK",
}

// ResolveAPIKey implements spec §6's "{PROVIDER}_API_KEY resolves per
// provider" rule, falling back to the provider's documented default
// variable name when the derived one is unset.
func ResolveAPIKey(provider string) string {
	derived := strings.ToUpper(provider) + "_API_KEY"
	if v := os.Getenv(derived); v != "" {
		return v
	}
	if env, ok := defaultProviderEnv[strings.ToLower(provider)]; ok {
		return os.Getenv(env)
	}
	return ""
}

// ExpandHome expands a leading "~" to $HOME inside session paths, per
// spec §6.
func ExpandHome(path string) string {
	if path == "~" {
		return os.Getenv("HOME")
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), path[2:])
	}
	return path
}

// RetryConfig bounds the per-model retry/backoff schedule (spec §4.6).
type RetryConfig struct {
	MaxAttempts      int   `toml:"max_attempts"`
	InitialBackoffMS int64 `toml:"initial_backoff_ms"`
	MaxBackoffMS     int64 `toml:"max_backoff_ms"`
}

// ToRetryConfig converts to the agentloop retry schedule, defaulting a
// zero-value config the same way agentloop.sanitize would.
func (r RetryConfig) ToRetryConfig() agentloop.RetryConfig {
	if r.MaxAttempts <= 0 {
		return agentloop.DefaultRetryConfig()
	}
	return agentloop.RetryConfig{
		MaxAttempts:      r.MaxAttempts,
		InitialBackoffMS: r.InitialBackoffMS,
		MaxBackoffMS:     r.MaxBackoffMS,
	}
}

// ToolsConfig bounds the ToolExecutor's concurrency and per-call timeout.
type ToolsConfig struct {
	MaxConcurrency int `toml:"max_concurrency"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ToExecutorConfig converts to toolrt's Config, in seconds rather than a
// time.Duration on the wire for TOML ergonomics.
func (t ToolsConfig) ToExecutorConfig() toolrt.Config {
	cfg := toolrt.DefaultConfig()
	if t.MaxConcurrency > 0 {
		cfg.MaxConcurrency = t.MaxConcurrency
	}
	if t.TimeoutSeconds > 0 {
		cfg.Timeout = secondsToDuration(t.TimeoutSeconds)
	}
	return cfg
}

// DispatchConfig configures the TaskDispatcher's resolver and policy.
type DispatchConfig struct {
	Subagents        []SubAgentConfig `toml:"subagents"`
	Rules            []RuleConfig     `toml:"rules"`
	FallbackSubagent string           `toml:"fallback_subagent"`
}

// SubAgentConfig mirrors dispatch.SubAgentSpec on the wire.
type SubAgentConfig struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Mode        string `toml:"mode"`
}

// RuleConfig mirrors dispatch.PolicyRule on the wire.
type RuleConfig struct {
	Subagent string `toml:"subagent"`
	Tool     string `toml:"tool"`
	Effect   string `toml:"effect"`
	Reason   string `toml:"reason"`
}

// ToRegistry builds a dispatch.Registry from the configured subagents.
func (d DispatchConfig) ToRegistry() (*dispatch.Registry, error) {
	specs := make([]dispatch.SubAgentSpec, len(d.Subagents))
	for i, s := range d.Subagents {
		mode := dispatch.ModeSubAgent
		if s.Mode == string(dispatch.ModePrimary) {
			mode = dispatch.ModePrimary
		}
		specs[i] = dispatch.SubAgentSpec{Name: s.Name, Description: s.Description, Mode: mode}
	}
	return dispatch.NewRegistry(specs...)
}

// ToPolicy builds a dispatch.Policy from the configured rules.
func (d DispatchConfig) ToPolicy() dispatch.Policy {
	rules := make([]dispatch.PolicyRule, len(d.Rules))
	for i, r := range d.Rules {
		effect := dispatch.Allow
		if r.Effect == string(dispatch.Deny) {
			effect = dispatch.Deny
		}
		rules[i] = dispatch.PolicyRule{Subagent: r.Subagent, Tool: r.Tool, Effect: effect, Reason: r.Reason}
	}
	return dispatch.Policy{Rules: rules, FallbackSubagent: d.FallbackSubagent}
}

// LoggingConfig configures internal/logging's slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
