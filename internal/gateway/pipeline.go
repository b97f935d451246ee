package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/commands"
	"github.com/owliabot/owliabot/internal/config"
	"github.com/owliabot/owliabot/internal/infra"
	"github.com/owliabot/owliabot/internal/observability"
	"github.com/owliabot/owliabot/internal/sessions"
	"github.com/owliabot/owliabot/pkg/models"
)

// idempotencyTTL bounds how long a processed message id blocks replays.
const idempotencyTTL = 10 * time.Minute

// Sender delivers outbound messages and typing state on one channel.
type Sender interface {
	SendMessage(ctx context.Context, msg models.OutboundMessage) error
	SetTyping(ctx context.Context, conversationID string, on bool) error
}

// PromptBuilder assembles the system prompt for a session.
type PromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, session *models.Session) (string, error)
}

// ReplyInterceptor consumes inbound messages that answer a pending
// confirmation before the pipeline sees them.
type ReplyInterceptor interface {
	Offer(msg *models.InboundMessage) bool
}

// Deps wires the gateway's collaborators.
type Deps struct {
	Config      *config.Config
	Activation  *Activation
	Commands    *commands.Registry
	Sessions    sessions.Store
	Transcripts *sessions.TranscriptStore
	Infra       *infra.Store
	Runner      *agent.Runner
	Executor    *agent.Executor
	Tools       *agent.Registry
	Prompt      PromptBuilder
	Interceptor ReplyInterceptor
	Senders     map[models.ChannelType]Sender
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Gateway is the per-message orchestrator.
type Gateway struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	startedAt time.Time
}

// New creates a gateway and registers the builtin slash commands.
func New(deps Deps) (*Gateway, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("gateway requires a config")
	}
	if deps.Commands == nil {
		deps.Commands = commands.NewRegistry(deps.Logger)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
		startedAt: time.Now(),
	}
	if err := g.registerBuiltins(); err != nil {
		return nil, err
	}
	return g, nil
}

// SendMessage routes an outbound message to its channel adapter. It
// also serves the write gate's confirmation prompts.
func (g *Gateway) SendMessage(ctx context.Context, channel models.ChannelType, msg models.OutboundMessage) error {
	sender, ok := g.deps.Senders[channel]
	if !ok {
		return fmt.Errorf("no sender for channel %q", channel)
	}
	if g.deps.Metrics != nil {
		g.deps.Metrics.MessageCounter.WithLabelValues(string(channel), "outbound").Inc()
	}
	return sender.SendMessage(ctx, msg)
}

// HandleInbound processes one message end to end. Errors are logged
// and reported to the user; the returned error is for the caller's
// bookkeeping only.
func (g *Gateway) HandleInbound(ctx context.Context, msg *models.InboundMessage) error {
	if g.deps.Metrics != nil {
		g.deps.Metrics.MessageCounter.WithLabelValues(string(msg.Channel), "inbound").Inc()
	}

	// Confirmation replies never reach the pipeline.
	if g.deps.Interceptor != nil && g.deps.Interceptor.Offer(msg) {
		return nil
	}

	if g.deps.Activation != nil && !g.deps.Activation.ShouldHandle(msg) {
		g.logger.Debug("message dropped by activation",
			"channel", msg.Channel, "conversation", msg.ConversationID)
		return nil
	}

	duplicate, idemKey, bodyHash, err := g.checkIdempotency(ctx, msg)
	if err != nil {
		g.logger.Error("idempotency check failed", "error", err)
	} else if duplicate {
		g.logger.Debug("duplicate message dropped", "key", idemKey)
		return nil
	}

	g.setTyping(ctx, msg, true)
	defer g.setTyping(ctx, msg, false)

	if retryIn, limited := g.checkRateLimit(ctx, msg); limited {
		g.reply(ctx, msg, fmt.Sprintf("⏳ Slow down a little. Retry in %d seconds.", retryIn))
		g.insertEvent(ctx, models.Event{
			Type:     "rate_limit",
			Status:   "limited",
			Source:   string(msg.Channel),
			Message:  "user message rate limit hit",
			Metadata: map[string]any{"user_id": msg.FromUserID},
		})
		return nil
	}

	if handled := g.tryCommand(ctx, msg); handled {
		g.finishIdempotency(ctx, idemKey, bodyHash, "command")
		return nil
	}

	text, err := g.processWithAgent(ctx, msg)
	if err != nil {
		g.logger.Error("agent processing failed", "error", err,
			"channel", msg.Channel, "conversation", msg.ConversationID)
		text = fmt.Sprintf("%s 处理失败: %v", agent.ErrorSentinel, err)
	}
	if strings.TrimSpace(text) != "" {
		g.reply(ctx, msg, text)
	}

	status := "ok"
	if strings.HasPrefix(text, agent.ErrorSentinel) {
		status = "error"
	}
	g.insertEvent(ctx, models.Event{
		Type:    "message.processed",
		Status:  status,
		Source:  string(msg.Channel),
		Message: truncateForEvent(text),
		Metadata: map[string]any{
			"conversation_id": msg.ConversationID,
			"user_id":         msg.FromUserID,
		},
	})
	g.finishIdempotency(ctx, idemKey, bodyHash, status)

	// Opportunistic store maintenance.
	if g.deps.Infra != nil {
		if err := g.deps.Infra.Cleanup(ctx, g.now()); err != nil {
			g.logger.Warn("infra cleanup failed", "error", err)
		}
	}
	return err
}

// processWithAgent runs the session machinery and the agentic loop.
func (g *Gateway) processWithAgent(ctx context.Context, msg *models.InboundMessage) (string, error) {
	key := sessions.SessionKey(g.deps.Config.Agent.ID, msg.Channel, msg.ConversationID)
	session, err := g.deps.Sessions.GetOrCreate(ctx, key, sessions.SessionMeta{
		AgentID:        g.deps.Config.Agent.ID,
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		DisplayName:    msg.FromUserName,
	})
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}

	userMsg := models.NewUserMessage(msg.Text)
	if err := g.deps.Transcripts.Append(session.ID, &userMsg); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}

	history, err := g.deps.Transcripts.GetHistory(session.ID, g.deps.Config.Session.HistoryMaxTurns)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	system := ""
	if g.deps.Prompt != nil {
		if system, err = g.deps.Prompt.BuildSystemPrompt(ctx, session); err != nil {
			return "", fmt.Errorf("build system prompt: %w", err)
		}
	}

	tcx := &agent.ToolContext{
		AgentID:        g.deps.Config.Agent.ID,
		SessionKey:     session.Key,
		SessionID:      session.ID,
		Channel:        string(msg.Channel),
		ConversationID: msg.ConversationID,
		UserID:         msg.FromUserID,
		WorkspacePath:  g.deps.Config.Agent.Workspace,
	}

	result := agent.RunAgenticLoop(ctx, history, tcx, agent.LoopOptions{
		Runner:        g.deps.Runner,
		Executor:      g.deps.Executor,
		Tools:         toolSpecs(g.deps.Tools),
		System:        system,
		Model:         session.ModelOverride,
		SessionID:     session.ProviderSessionID,
		FirstTurn:     len(history) <= 1,
		MaxIterations: g.deps.Config.Loop.MaxIterations,
		Timeout:       g.deps.Config.Loop.Timeout,
		Logger:        g.logger,
		Metrics:       g.deps.Metrics,
	})

	for i := range result.Messages {
		if err := g.deps.Transcripts.Append(session.ID, &result.Messages[i]); err != nil {
			g.logger.Error("append transcript failed", "error", err)
		}
	}
	if err := g.deps.Sessions.Touch(ctx, session.Key); err != nil {
		g.logger.Warn("session touch failed", "error", err)
	}
	if result.SessionID != "" && result.SessionID != session.ProviderSessionID {
		if err := g.deps.Sessions.SetProviderSessionID(ctx, session.Key, result.SessionID); err != nil {
			g.logger.Warn("saving provider session id failed", "error", err)
		}
	}
	return result.Content, nil
}

func (g *Gateway) checkIdempotency(ctx context.Context, msg *models.InboundMessage) (duplicate bool, key, hash string, err error) {
	if g.deps.Infra == nil || msg.MessageID == "" {
		return false, "", "", nil
	}
	key = fmt.Sprintf("msg:%s:%s", msg.Channel, msg.MessageID)
	hash = hashBody(string(msg.Channel), msg.MessageID, msg.Text)

	rec, err := g.deps.Infra.GetIdempotency(ctx, key)
	if err != nil {
		return false, key, hash, err
	}
	if rec != nil && rec.RequestHash == hash {
		return true, key, hash, nil
	}
	// Reserve before processing so a concurrent replay drops out.
	err = g.deps.Infra.SaveIdempotency(ctx, key, hash, "processing", g.now().Add(idempotencyTTL))
	return false, key, hash, err
}

func (g *Gateway) finishIdempotency(ctx context.Context, key, hash, response string) {
	if g.deps.Infra == nil || key == "" {
		return
	}
	if err := g.deps.Infra.SaveIdempotency(ctx, key, hash, response, g.now().Add(idempotencyTTL)); err != nil {
		g.logger.Warn("idempotency save failed", "error", err)
	}
}

// checkRateLimit returns seconds-until-reset when the user is over
// their window.
func (g *Gateway) checkRateLimit(ctx context.Context, msg *models.InboundMessage) (int, bool) {
	if g.deps.Infra == nil || g.deps.Config.RateLimit.Max <= 0 {
		return 0, false
	}
	bucket := fmt.Sprintf("user:%s:%s", msg.Channel, msg.FromUserID)
	decision, err := g.deps.Infra.CheckRateLimit(ctx, bucket,
		g.deps.Config.RateLimit.Window, g.deps.Config.RateLimit.Max, g.now())
	if err != nil {
		g.logger.Error("rate limit check failed", "error", err)
		return 0, false
	}
	if decision.Allowed {
		return 0, false
	}
	if g.deps.Metrics != nil {
		g.deps.Metrics.RateLimitCounter.WithLabelValues("user").Inc()
	}
	retryIn := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
	if retryIn < 1 {
		retryIn = 1
	}
	return retryIn, true
}

func (g *Gateway) tryCommand(ctx context.Context, msg *models.InboundMessage) bool {
	parsed := commands.Parse(msg.Text)
	if parsed == nil {
		return false
	}
	result, handled, err := g.deps.Commands.Execute(ctx, &commands.Invocation{
		Name:           parsed.Name,
		Args:           parsed.Args,
		RawText:        msg.Text,
		SessionKey:     sessions.SessionKey(g.deps.Config.Agent.ID, msg.Channel, msg.ConversationID),
		Channel:        string(msg.Channel),
		ConversationID: msg.ConversationID,
		UserID:         msg.FromUserID,
	})
	if err != nil {
		g.logger.Error("command failed", "command", parsed.Name, "error", err)
		g.reply(ctx, msg, agent.ErrorSentinel+" Command failed: "+err.Error())
		return true
	}
	if !handled {
		return false
	}
	if result != nil && !result.Suppress && strings.TrimSpace(result.Text) != "" {
		g.reply(ctx, msg, result.Text)
	}
	return true
}

func (g *Gateway) reply(ctx context.Context, msg *models.InboundMessage, text string) {
	err := g.SendMessage(ctx, msg.Channel, models.OutboundMessage{
		ConversationID: msg.ConversationID,
		Text:           text,
		ReplyToID:      msg.MessageID,
	})
	if err != nil {
		g.logger.Error("reply failed", "channel", msg.Channel, "error", err)
	}
}

func (g *Gateway) setTyping(ctx context.Context, msg *models.InboundMessage, on bool) {
	sender, ok := g.deps.Senders[msg.Channel]
	if !ok {
		return
	}
	if err := sender.SetTyping(ctx, msg.ConversationID, on); err != nil {
		g.logger.Debug("typing indicator failed", "error", err)
	}
}

func (g *Gateway) insertEvent(ctx context.Context, ev models.Event) {
	if g.deps.Infra == nil {
		return
	}
	if _, err := g.deps.Infra.InsertEvent(ctx, ev); err != nil {
		g.logger.Warn("event insert failed", "type", ev.Type, "error", err)
	}
}

// toolSpecs snapshots the registry for one loop run.
func toolSpecs(registry *agent.Registry) []providers.ToolSpec {
	if registry == nil {
		return nil
	}
	defs := registry.List()
	specs := make([]providers.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, providers.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return specs
}

func hashBody(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func truncateForEvent(text string) string {
	const max = 512
	if len(text) <= max {
		return text
	}
	return text[:max]
}
