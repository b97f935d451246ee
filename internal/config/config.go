// Package config loads and validates the owliabot YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Providers []ProviderConfig `yaml:"providers"`
	Guard     GuardConfig      `yaml:"guard"`
	Loop      LoopConfig       `yaml:"loop"`
	Channels  ChannelsConfig   `yaml:"channels"`
	WriteGate WriteGateConfig  `yaml:"write_gate"`
	Policy    PolicyConfig     `yaml:"policy"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Session   SessionConfig    `yaml:"session"`
	Audit     AuditConfig      `yaml:"audit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// AgentConfig identifies the agent and its working directory.
type AgentConfig struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	Persona   string `yaml:"persona"`
}

// ProviderKind selects the dispatch path for a provider entry.
type ProviderKind string

const (
	ProviderNative ProviderKind = "native"
	ProviderOpenAI ProviderKind = "openai"
	ProviderCLI    ProviderKind = "cli"
)

// ProviderConfig describes one model provider in the failover chain.
type ProviderConfig struct {
	ID       string       `yaml:"id"`
	Kind     ProviderKind `yaml:"kind"`
	Model    string       `yaml:"model"`
	APIKey   string       `yaml:"api_key"`
	BaseURL  string       `yaml:"base_url"`
	Priority int          `yaml:"priority"`
	CLI      *CLIConfig   `yaml:"cli,omitempty"`
}

// CLIConfig configures a subprocess-backed provider.
type CLIConfig struct {
	Command            string            `yaml:"command"`
	Args               []string          `yaml:"args"`
	ResumeArgs         []string          `yaml:"resume_args"`
	ModelAliases       map[string]string `yaml:"model_aliases"`
	SystemPromptWhen   string            `yaml:"system_prompt_when"` // always | first
	SystemPromptArg    string            `yaml:"system_prompt_arg"`
	Input              string            `yaml:"input"` // arg | stdin
	MaxPromptArgChars  int               `yaml:"max_prompt_arg_chars"`
	Output             string            `yaml:"output"` // text | json | jsonl
	SessionIDFields    []string          `yaml:"session_id_fields"`
	Serialize          bool              `yaml:"serialize"`
	ClearEnv           []string          `yaml:"clear_env"`
	Timeout            time.Duration     `yaml:"timeout"`
	KillGrace          time.Duration     `yaml:"kill_grace"`
	WorkingDir         string            `yaml:"working_dir"`
}

// GuardConfig bounds prompt size before provider calls.
type GuardConfig struct {
	MaxToolResultChars int `yaml:"max_tool_result_chars"`
	ReserveTokens      int `yaml:"reserve_tokens"`
	ContextWindow      int `yaml:"context_window"`
	MaxTokens          int `yaml:"max_tokens"`
}

// LoopConfig bounds the agentic loop.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// GroupOverride adjusts activation rules for one group conversation.
type GroupOverride struct {
	Enabled        *bool    `yaml:"enabled,omitempty"`
	RequireMention *bool    `yaml:"require_mention,omitempty"`
	AllowFrom      []string `yaml:"allow_from,omitempty"`
}

type TelegramConfig struct {
	Enabled         bool                     `yaml:"enabled"`
	BotToken        string                   `yaml:"bot_token"`
	AllowFrom       []string                 `yaml:"allow_from"`
	RequireMention  bool                     `yaml:"require_mention"`
	MentionPatterns []string                 `yaml:"mention_patterns"`
	Groups          map[string]GroupOverride `yaml:"groups"`
}

type DiscordConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BotToken         string   `yaml:"bot_token"`
	AllowFrom        []string `yaml:"allow_from"`
	RequireMention   bool     `yaml:"require_mention"`
	MentionPatterns  []string `yaml:"mention_patterns"`
	ChannelAllowList []string `yaml:"channel_allow_list"`
}

// HTTPConfig configures the HTTP channel server.
type HTTPConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	GatewayToken       string        `yaml:"gateway_token"`
	IPAllowlist        []string      `yaml:"ip_allowlist"`
	AutoEnroll         bool          `yaml:"auto_enroll"`
	DeviceRateWindow   time.Duration `yaml:"device_rate_window"`
	DeviceRateMax      int           `yaml:"device_rate_max"`
	EventsMaxPerDevice int           `yaml:"events_max_per_device"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
}

// WriteGateConfig controls human confirmation for write-tier tools.
type WriteGateConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	AllowFrom []string      `yaml:"allow_from"`
}

// PolicyConfig is the tool security policy.
type PolicyConfig struct {
	Allow     []string                 `yaml:"allow"`
	Deny      []string                 `yaml:"deny"`
	Confirm   []string                 `yaml:"confirm"`
	Cooldowns map[string]time.Duration `yaml:"cooldowns"`
	MaxValue  float64                  `yaml:"max_value"`
}

// RateLimitConfig is the per-user inbound message limit.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// SessionConfig controls session and transcript storage.
type SessionConfig struct {
	DBPath           string `yaml:"db_path"`
	HistoryMaxTurns  int    `yaml:"history_max_turns"`
	SummarizeOnReset bool   `yaml:"summarize_on_reset"`
}

// AuditConfig controls the tool audit log.
type AuditConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Output           string `yaml:"output"` // stdout | stderr | file:<path>
	IncludeToolInput bool   `yaml:"include_tool_input"`
	MaxFieldSize     int    `yaml:"max_field_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads and parses the configuration file, expanding ${ENV} refs
// and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "main"
	}
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = filepath.Join(homeDir(), ".owliabot", "workspace")
	}
	if cfg.Guard.MaxToolResultChars == 0 {
		cfg.Guard.MaxToolResultChars = 16384
	}
	if cfg.Guard.ReserveTokens == 0 {
		cfg.Guard.ReserveTokens = 8192
	}
	if cfg.Guard.ContextWindow == 0 {
		cfg.Guard.ContextWindow = 200000
	}
	if cfg.Guard.MaxTokens == 0 {
		cfg.Guard.MaxTokens = 8192
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 25
	}
	if cfg.Loop.Timeout == 0 {
		cfg.Loop.Timeout = 120 * time.Second
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.Max == 0 {
		cfg.RateLimit.Max = 10
	}
	if cfg.WriteGate.Timeout == 0 {
		cfg.WriteGate.Timeout = 2 * time.Minute
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(homeDir(), ".owliabot", "owliabot.db")
	}
	if cfg.Session.HistoryMaxTurns == 0 {
		cfg.Session.HistoryMaxTurns = 20
	}
	if cfg.Channels.HTTP.Host == "" {
		cfg.Channels.HTTP.Host = "127.0.0.1"
	}
	if cfg.Channels.HTTP.Port == 0 {
		cfg.Channels.HTTP.Port = 8808
	}
	if cfg.Channels.HTTP.DeviceRateWindow == 0 {
		cfg.Channels.HTTP.DeviceRateWindow = time.Minute
	}
	if cfg.Channels.HTTP.DeviceRateMax == 0 {
		cfg.Channels.HTTP.DeviceRateMax = 60
	}
	if cfg.Channels.HTTP.EventsMaxPerDevice == 0 {
		cfg.Channels.HTTP.EventsMaxPerDevice = 500
	}
	if cfg.Channels.HTTP.MaxBodyBytes == 0 {
		cfg.Channels.HTTP.MaxBodyBytes = 1 << 20
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Kind == "" {
			p.Kind = inferKind(p)
		}
		if p.Kind == ProviderCLI && p.CLI != nil {
			if p.CLI.MaxPromptArgChars == 0 {
				p.CLI.MaxPromptArgChars = 32768
			}
			if p.CLI.Output == "" {
				p.CLI.Output = "text"
			}
			if p.CLI.Input == "" {
				p.CLI.Input = "arg"
			}
			if p.CLI.SystemPromptWhen == "" {
				p.CLI.SystemPromptWhen = "always"
			}
			if p.CLI.Timeout == 0 {
				p.CLI.Timeout = 5 * time.Minute
			}
			if p.CLI.KillGrace == 0 {
				p.CLI.KillGrace = 5 * time.Second
			}
		}
	}
}

// inferKind maps well-known provider ids to their dispatch path when
// the kind field is omitted.
func inferKind(p *ProviderConfig) ProviderKind {
	id := strings.ToLower(p.ID)
	switch {
	case p.CLI != nil, strings.HasSuffix(id, "-cli"):
		return ProviderCLI
	case id == "anthropic":
		return ProviderNative
	default:
		return ProviderOpenAI
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Kind == ProviderCLI {
			if p.CLI == nil || strings.TrimSpace(p.CLI.Command) == "" {
				return fmt.Errorf("provider %q: cli.command is required", p.ID)
			}
			switch p.CLI.Output {
			case "text", "json", "jsonl":
			default:
				return fmt.Errorf("provider %q: cli.output must be text, json, or jsonl", p.ID)
			}
		}
		if p.Kind == ProviderOpenAI && strings.TrimSpace(p.BaseURL) == "" && strings.ToLower(p.ID) != "openai" {
			return fmt.Errorf("provider %q: base_url is required for openai-compatible providers", p.ID)
		}
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram channel enabled without bot_token")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.BotToken) == "" {
		return fmt.Errorf("discord channel enabled without bot_token")
	}
	if c.Channels.HTTP.Enabled && strings.TrimSpace(c.Channels.HTTP.GatewayToken) == "" {
		return fmt.Errorf("http channel enabled without gateway_token")
	}
	return nil
}

// APIKeyEnvName returns the environment variable consulted for a
// provider's key when the config holds none. Hyphens map to
// underscores, e.g. "z-ai" reads Z_AI_API_KEY.
func APIKeyEnvName(providerID string) string {
	id := strings.ToUpper(strings.ReplaceAll(providerID, "-", "_"))
	return id + "_API_KEY"
}

// ResolveAPIKey returns the provider's literal key or the value of its
// environment variable, empty when neither is set.
func (p *ProviderConfig) ResolveAPIKey() string {
	if strings.TrimSpace(p.APIKey) != "" {
		return p.APIKey
	}
	return os.Getenv(APIKeyEnvName(p.ID))
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
