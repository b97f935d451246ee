package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/audit"
	"github.com/owliabot/owliabot/internal/auth"
	"github.com/owliabot/owliabot/internal/channels"
	"github.com/owliabot/owliabot/internal/channels/discord"
	"github.com/owliabot/owliabot/internal/channels/telegram"
	"github.com/owliabot/owliabot/internal/config"
	"github.com/owliabot/owliabot/internal/devices"
	"github.com/owliabot/owliabot/internal/gateway"
	"github.com/owliabot/owliabot/internal/httpapi"
	"github.com/owliabot/owliabot/internal/infra"
	"github.com/owliabot/owliabot/internal/observability"
	"github.com/owliabot/owliabot/internal/policy"
	"github.com/owliabot/owliabot/internal/sessions"
	"github.com/owliabot/owliabot/internal/tools"
	"github.com/owliabot/owliabot/internal/writegate"
	"github.com/owliabot/owliabot/pkg/models"
)

func newStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway and all enabled channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), cfg)
		},
	}
}

// gatewaySender defers the gateway reference so the write gate can be
// constructed before the gateway that serves its prompts.
type gatewaySender struct {
	gw *gateway.Gateway
}

func (s *gatewaySender) SendMessage(ctx context.Context, channel models.ChannelType, msg models.OutboundMessage) error {
	if s.gw == nil {
		return fmt.Errorf("gateway not ready")
	}
	return s.gw.SendMessage(ctx, channel, msg)
}

// personaPrompt assembles the system prompt from the configured
// persona plus ambient context.
type personaPrompt struct {
	agentID   string
	persona   string
	workspace string
}

func (p *personaPrompt) BuildSystemPrompt(ctx context.Context, session *models.Session) (string, error) {
	var b strings.Builder
	if p.persona != "" {
		b.WriteString(p.persona)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are agent %q responding on the %s channel.", p.agentID, session.Channel)
	if p.workspace != "" {
		fmt.Fprintf(&b, " Your workspace directory is %s.", p.workspace)
	}
	fmt.Fprintf(&b, " The current date is %s.", time.Now().UTC().Format("2006-01-02"))
	return b.String(), nil
}

func runStart(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	metrics, promReg := observability.NewMetrics()

	if cfg.Tracing.Enabled {
		_, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "owliabot",
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       true,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// Credential store with OAuth refresh.
	authStore := auth.NewStore(auth.DefaultDir())
	authManager := auth.NewManager(authStore, defaultOAuthEndpoints(), logger)

	entries, err := buildProviders(cfg, authManager, logger)
	if err != nil {
		return err
	}
	guard := agent.NewContextGuard(agent.GuardLimits{
		MaxToolResultChars: cfg.Guard.MaxToolResultChars,
		ReserveTokens:      cfg.Guard.ReserveTokens,
		ContextWindow:      cfg.Guard.ContextWindow,
		MaxTokens:          cfg.Guard.MaxTokens,
	})
	runner := agent.NewRunner(entries, guard, logger, metrics)

	// Persistence.
	if err := os.MkdirAll(filepath.Dir(cfg.Session.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	sessionStore, err := sessions.NewSQLiteStore(cfg.Session.DBPath)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	transcripts, err := sessions.NewTranscriptStore(filepath.Join(filepath.Dir(cfg.Session.DBPath), "transcripts"))
	if err != nil {
		return err
	}

	infraStore, err := infra.NewStore(filepath.Join(filepath.Dir(cfg.Session.DBPath), "infra.db"))
	if err != nil {
		return err
	}
	defer infraStore.Close()

	deviceStore, err := devices.NewStore(infraStore.DB())
	if err != nil {
		return err
	}

	// Tool pipeline.
	registry := agent.NewRegistry()
	if err := tools.Register(registry, tools.Deps{Sessions: sessionStore, Transcripts: transcripts}); err != nil {
		return err
	}

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:          cfg.Audit.Enabled,
		Output:           cfg.Audit.Output,
		IncludeToolInput: cfg.Audit.IncludeToolInput,
		MaxFieldSize:     cfg.Audit.MaxFieldSize,
	})
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	router := writegate.NewReplyRouter()
	sender := &gatewaySender{}
	gate := writegate.NewGate(writegate.Config{
		Enabled:   cfg.WriteGate.Enabled,
		Timeout:   cfg.WriteGate.Timeout,
		Approvers: cfg.WriteGate.AllowFrom,
	}, sender, router, logger)

	executor := agent.NewExecutor(agent.ExecutorConfig{}, agent.ExecutorDeps{
		Registry: registry,
		Policy: policy.NewEngine(policy.Config{
			Allow:    cfg.Policy.Allow,
			Deny:     cfg.Policy.Deny,
			Confirm:  cfg.Policy.Confirm,
			MaxValue: cfg.Policy.MaxValue,
		}),
		Cooldowns: policy.NewCooldownTracker(cfg.Policy.Cooldowns),
		Confirmer: gate,
		Audit:     auditLogger,
		Logger:    logger,
		Metrics:   metrics,
	})

	activation, err := gateway.NewActivation(cfg.Channels)
	if err != nil {
		return err
	}

	senders := make(map[models.ChannelType]gateway.Sender)
	gw, err := gateway.New(gateway.Deps{
		Config:      cfg,
		Activation:  activation,
		Sessions:    sessionStore,
		Transcripts: transcripts,
		Infra:       infraStore,
		Runner:      runner,
		Executor:    executor,
		Tools:       registry,
		Prompt:      &personaPrompt{agentID: cfg.Agent.ID, persona: cfg.Agent.Persona, workspace: cfg.Agent.Workspace},
		Interceptor: router,
		Senders:     senders,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	sender.gw = gw

	// Channel adapters.
	adapters := channels.NewRegistry()
	handler := func(ctx context.Context, msg *models.InboundMessage) error {
		return gw.HandleInbound(ctx, msg)
	}
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:   cfg.Channels.Telegram.BotToken,
			Handler: handler,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		adapters.Register(adapter)
		senders[models.ChannelTelegram] = adapter
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:   cfg.Channels.Discord.BotToken,
			Handler: handler,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		adapters.Register(adapter)
		senders[models.ChannelDiscord] = adapter
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapters.StartAll(runCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = adapters.StopAll(stopCtx)
	}()

	var httpSrv *httpapi.Server
	if cfg.Channels.HTTP.Enabled {
		httpSrv, err = httpapi.NewServer(httpapi.Config{
			Host:               cfg.Channels.HTTP.Host,
			Port:               cfg.Channels.HTTP.Port,
			GatewayToken:       cfg.Channels.HTTP.GatewayToken,
			IPAllowlist:        cfg.Channels.HTTP.IPAllowlist,
			AutoEnroll:         cfg.Channels.HTTP.AutoEnroll,
			DeviceRateWindow:   cfg.Channels.HTTP.DeviceRateWindow,
			DeviceRateMax:      cfg.Channels.HTTP.DeviceRateMax,
			EventsMaxPerDevice: cfg.Channels.HTTP.EventsMaxPerDevice,
			MaxBodyBytes:       cfg.Channels.HTTP.MaxBodyBytes,
			Version:            version,
		}, httpapi.Deps{
			Devices:      deviceStore,
			Infra:        infraStore,
			Registry:     registry,
			Executor:     executor,
			AgentID:      cfg.Agent.ID,
			Logger:       logger,
			Metrics:      metrics,
			PromRegistry: metricsRegistry(cfg, promReg),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := httpSrv.Start(); err != nil {
				logger.Error("http server failed", "error", err)
				stop()
			}
		}()
	}

	// Periodic maintenance: expired infra rows and token refresh ahead
	// of demand.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("@every 1m", func() {
		cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := infraStore.Cleanup(cleanCtx, time.Now()); err != nil {
			logger.Warn("scheduled cleanup failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	_, err = scheduler.AddFunc("@every 30m", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		names, err := authStore.List()
		if err != nil {
			return
		}
		for _, name := range names {
			if _, err := authManager.Token(sweepCtx, name); err != nil {
				logger.Warn("credential refresh sweep failed", "provider", name, "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("owliabot started",
		"agent", cfg.Agent.ID,
		"providers", len(entries),
		"version", version)

	<-runCtx.Done()
	logger.Info("shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}
	return nil
}

// buildProviders maps provider configs onto runner entries in priority
// order.
func buildProviders(cfg *config.Config, authManager *auth.Manager, logger *slog.Logger) ([]agent.RunnerEntry, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	entries := make([]agent.RunnerEntry, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var provider providers.Provider
		switch p.Kind {
		case config.ProviderNative:
			provider = providers.NewAnthropicProvider(providers.AnthropicConfig{
				ID:        p.ID,
				Model:     p.Model,
				BaseURL:   p.BaseURL,
				APIKey:    p.ResolveAPIKey(),
				Tokens:    authManager.TokenSource(p.ID),
				MaxTokens: cfg.Guard.MaxTokens,
			})
		case config.ProviderOpenAI:
			provider = providers.NewOpenAIProvider(providers.OpenAIConfig{
				ID:        p.ID,
				Model:     p.Model,
				APIKey:    p.ResolveAPIKey(),
				BaseURL:   p.BaseURL,
				MaxTokens: cfg.Guard.MaxTokens,
			})
		case config.ProviderCLI:
			if p.CLI == nil {
				return nil, fmt.Errorf("provider %s: cli block is required", p.ID)
			}
			provider = providers.NewCLIProvider(providers.CLIProviderConfig{
				ID:                p.ID,
				Model:             p.Model,
				Command:           p.CLI.Command,
				Args:              p.CLI.Args,
				ResumeArgs:        p.CLI.ResumeArgs,
				ModelAliases:      p.CLI.ModelAliases,
				SystemPromptWhen:  p.CLI.SystemPromptWhen,
				SystemPromptArg:   p.CLI.SystemPromptArg,
				Input:             p.CLI.Input,
				MaxPromptArgChars: p.CLI.MaxPromptArgChars,
				Output:            p.CLI.Output,
				SessionIDFields:   p.CLI.SessionIDFields,
				Serialize:         p.CLI.Serialize,
				ClearEnv:          p.CLI.ClearEnv,
				Timeout:           p.CLI.Timeout,
				KillGrace:         p.CLI.KillGrace,
				WorkingDir:        cfg.Agent.Workspace,
			}, logger)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
		}
		entries = append(entries, agent.RunnerEntry{Provider: provider, Priority: p.Priority})
	}
	return entries, nil
}

// metricsRegistry returns the registry for the /metrics route, nil when
// the exposition is disabled. Instruments still record either way.
func metricsRegistry(cfg *config.Config, reg *prometheus.Registry) *prometheus.Registry {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return reg
}

// defaultOAuthEndpoints covers the providers that rotate refresh
// tokens. Others authenticate with static API keys.
func defaultOAuthEndpoints() map[string]auth.OAuthEndpoint {
	return map[string]auth.OAuthEndpoint{
		"anthropic": {
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
			Scopes:   []string{"org:create_api_key", "user:profile", "user:inference"},
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".owliabot", "config.yaml")
}
