package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pixyhq/pixy-agent/internal/agentloop"
)

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
[session]
dir = "~/.pixy/sessions"

[models.primary]
provider = "anthropic"
api = "messages"
id = "claude-opus-4"
context_window = 200000
max_tokens = 8192

[retry]
max_attempts = 3
initial_backoff_ms = 500
max_backoff_ms = 8000

[tools]
max_concurrency = 4
timeout_seconds = 30

[dispatch]
fallback_subagent = "general"

[[dispatch.subagents]]
name = "general"
description = "General-purpose subagent"
mode = "subagent"

[logging]
level = "info"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Models.Primary.ID != "claude-opus-4" {
		t.Fatalf("expected primary model id, got %q", cfg.Models.Primary.ID)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Dispatch.Subagents) != 1 || cfg.Dispatch.Subagents[0].Name != "general" {
		t.Fatalf("expected one subagent named general, got %+v", cfg.Dispatch.Subagents)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
[session]
dir = "~/.pixy/sessions"
extra_unknown_field = true

[models.primary]
provider = "anthropic"
id = "claude-opus-4"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.toml")
	if err := os.WriteFile(basePath, []byte(`
[models.primary]
provider = "anthropic"
id = "claude-opus-4"
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	mainPath := filepath.Join(dir, "pixy.toml")
	if err := os.WriteFile(mainPath, []byte(`
"$include" = "base.toml"

[session]
dir = "/tmp/sessions"
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Models.Primary.ID != "claude-opus-4" {
		t.Fatalf("expected included model id, got %q", cfg.Models.Primary.ID)
	}
	if cfg.Session.Dir != "/tmp/sessions" {
		t.Fatalf("expected session dir from main file, got %q", cfg.Session.Dir)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.toml")
	bPath := filepath.Join(dir, "b.toml")

	if err := os.WriteFile(aPath, []byte(`"$include" = "b.toml"`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(bPath, []byte(`"$include" = "a.toml"`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(aPath); err == nil {
		t.Fatalf("expected include cycle error")
	} else if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("PIXY_SESSION_DIR", "/var/pixy/sessions")

	path := writeConfig(t, `
[session]
dir = "${PIXY_SESSION_DIR}"

[models.primary]
provider = "anthropic"
id = "claude-opus-4"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.Dir != "/var/pixy/sessions" {
		t.Fatalf("expected expanded session dir, got %q", cfg.Session.Dir)
	}
}

func TestResolveAPIKeyPrefersDerivedName(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "default-key")
	t.Setenv("OPENAI_API_KEY", "openai-default")

	if got := ResolveAPIKey("openai"); got != "openai-default" {
		t.Fatalf("expected provider default, got %q", got)
	}

	t.Setenv("BEDROCK_API_KEY", "derived-key")
	t.Setenv("AWS_BEARER_TOKEN_BEDROCK", "bedrock-default")
	if got := ResolveAPIKey("bedrock"); got != "derived-key" {
		t.Fatalf("expected derived env name to win over provider default, got %q", got)
	}
}

func TestResolveAPIKeyFallsBackToProviderDefault(t *testing.T) {
	os.Unsetenv("BEDROCK_API_KEY")
	t.Setenv("AWS_BEARER_TOKEN_BEDROCK", "bedrock-token")

	if got := ResolveAPIKey("bedrock"); got != "bedrock-token" {
		t.Fatalf("expected bedrock default token, got %q", got)
	}
}

func TestModelConfigAPIKeyEnvOverride(t *testing.T) {
	t.Setenv("CUSTOM_KEY_VAR", "custom-value")
	m := ModelConfig{Provider: "anthropic", APIKeyEnv: "CUSTOM_KEY_VAR"}
	if got := m.APIKey(); got != "custom-value" {
		t.Fatalf("expected override env var value, got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/pixy")

	if got := ExpandHome("~/sessions"); got != "/home/pixy/sessions" {
		t.Fatalf("expected expanded home path, got %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expected unchanged absolute path, got %q", got)
	}
}

func TestRetryConfigDefaultsWhenUnset(t *testing.T) {
	var r RetryConfig
	got := r.ToRetryConfig()
	want := agentloop.DefaultRetryConfig()
	if got != want {
		t.Fatalf("expected default retry config, got %+v", got)
	}
}

func TestDispatchConfigToRegistryRejectsDuplicateNames(t *testing.T) {
	d := DispatchConfig{Subagents: []SubAgentConfig{
		{Name: "reviewer"},
		{Name: "reviewer"},
	}}
	if _, err := d.ToRegistry(); err == nil {
		t.Fatalf("expected duplicate subagent name error")
	}
}

func TestDispatchConfigToPolicyDefaultsToAllow(t *testing.T) {
	p := DispatchConfig{Rules: []RuleConfig{{Subagent: "*", Tool: "*", Effect: "deny", Reason: "blocked"}}}.ToPolicy()
	if allow, reason := p.Evaluate("reviewer", "task"); allow || reason != "blocked" {
		t.Fatalf("expected deny with reason, got allow=%v reason=%q", allow, reason)
	}
	if allow, _ := (DispatchConfig{}).ToPolicy().Evaluate("reviewer", "task"); !allow {
		t.Fatalf("expected allow when no rule matches")
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pixy.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
