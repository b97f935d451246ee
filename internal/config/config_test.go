package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: anthropic
    model: claude-sonnet-4-5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "main" {
		t.Errorf("agent id = %q, want main", cfg.Agent.ID)
	}
	if cfg.Guard.MaxToolResultChars != 16384 {
		t.Errorf("max_tool_result_chars = %d, want 16384", cfg.Guard.MaxToolResultChars)
	}
	if cfg.Guard.ReserveTokens != 8192 {
		t.Errorf("reserve_tokens = %d, want 8192", cfg.Guard.ReserveTokens)
	}
	if cfg.Loop.MaxIterations != 25 {
		t.Errorf("max_iterations = %d, want 25", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.Timeout != 120*time.Second {
		t.Errorf("loop timeout = %v, want 2m", cfg.Loop.Timeout)
	}
	if cfg.Providers[0].Kind != ProviderNative {
		t.Errorf("anthropic kind = %q, want native", cfg.Providers[0].Kind)
	}
	if cfg.Session.HistoryMaxTurns != 20 {
		t.Errorf("history_max_turns = %d, want 20", cfg.Session.HistoryMaxTurns)
	}
}

func TestLoadKindInference(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: claude-cli
    model: sonnet
    cli:
      command: claude
  - id: z-ai
    model: glm-4.7
    base_url: https://api.z.ai/v1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers[0].Kind != ProviderCLI {
		t.Errorf("claude-cli kind = %q, want cli", cfg.Providers[0].Kind)
	}
	if cfg.Providers[0].CLI.MaxPromptArgChars != 32768 {
		t.Errorf("max_prompt_arg_chars = %d, want 32768", cfg.Providers[0].CLI.MaxPromptArgChars)
	}
	if cfg.Providers[0].CLI.KillGrace != 5*time.Second {
		t.Errorf("kill_grace = %v, want 5s", cfg.Providers[0].CLI.KillGrace)
	}
	if cfg.Providers[1].Kind != ProviderOpenAI {
		t.Errorf("z-ai kind = %q, want openai", cfg.Providers[1].Kind)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no providers", `agent: {id: main}`},
		{"duplicate ids", `
providers:
  - {id: a, model: m}
  - {id: a, model: m}
`},
		{"cli without command", `
providers:
  - id: codex-cli
    kind: cli
    model: gpt-5
`},
		{"openai compatible without base url", `
providers:
  - id: local-llm
    kind: openai
    model: llama
`},
		{"telegram without token", `
providers:
  - {id: anthropic, model: m}
channels:
  telegram: {enabled: true}
`},
		{"http without gateway token", `
providers:
  - {id: anthropic, model: m}
channels:
  http: {enabled: true}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAPIKeyEnvName(t *testing.T) {
	if got := APIKeyEnvName("z-ai"); got != "Z_AI_API_KEY" {
		t.Errorf("APIKeyEnvName(z-ai) = %q", got)
	}
	if got := APIKeyEnvName("anthropic"); got != "ANTHROPIC_API_KEY" {
		t.Errorf("APIKeyEnvName(anthropic) = %q", got)
	}
}

func TestResolveAPIKey(t *testing.T) {
	p := &ProviderConfig{ID: "my-provider", APIKey: "literal"}
	if got := p.ResolveAPIKey(); got != "literal" {
		t.Errorf("ResolveAPIKey() = %q, want literal", got)
	}

	t.Setenv("MY_PROVIDER_API_KEY", "from-env")
	p.APIKey = ""
	if got := p.ResolveAPIKey(); got != "from-env" {
		t.Errorf("ResolveAPIKey() = %q, want from-env", got)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "tok-123")
	path := writeConfig(t, `
providers:
  - {id: anthropic, model: m}
channels:
  telegram:
    enabled: true
    bot_token: ${TEST_BOT_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.BotToken != "tok-123" {
		t.Errorf("bot_token = %q, want tok-123", cfg.Channels.Telegram.BotToken)
	}
}
