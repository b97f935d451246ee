package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/commands"
	"github.com/owliabot/owliabot/internal/sessions"
	"github.com/owliabot/owliabot/pkg/models"
)

// summarizeMinUserMessages is the threshold below which /new skips the
// farewell summary. A session with a single exchange has nothing worth
// summarizing.
const summarizeMinUserMessages = 2

func (g *Gateway) registerBuiltins() error {
	builtins := []*commands.Command{
		{
			Name:        "new",
			Aliases:     []string{"reset"},
			Description: "start a fresh conversation",
			Handler:     g.cmdNew,
		},
		{
			Name:        "status",
			Description: "show providers, channels, and session info",
			Handler:     g.cmdStatus,
		},
		{
			Name:        "history",
			Description: "show the recent conversation turns",
			Handler:     g.cmdHistory,
		},
		{
			Name:        "help",
			Description: "list available commands",
			Handler:     g.cmdHelp,
		},
		{
			Name:        "model",
			Description: "pin a model for this session, or clear the pin",
			Usage:       "/model <provider/model|clear>",
			AcceptsArgs: true,
			Handler:     g.cmdModel,
		},
	}
	for _, cmd := range builtins {
		if err := g.deps.Commands.Register(cmd); err != nil {
			return fmt.Errorf("register /%s: %w", cmd.Name, err)
		}
	}
	return nil
}

// cmdNew rotates the session and clears its transcript. When the old
// transcript carried a real conversation, a one-shot summary of it is
// included in the reply so the user keeps the thread of what was
// discussed.
func (g *Gateway) cmdNew(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	session, err := g.deps.Sessions.Get(ctx, inv.SessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &commands.Result{Text: "No active session. Just say something to start one."}, nil
	}

	summary := ""
	if g.deps.Config.Session.SummarizeOnReset {
		summary = g.summarizeTranscript(ctx, session.ID)
	}

	if _, err := g.deps.Sessions.Rotate(ctx, inv.SessionKey); err != nil {
		return nil, err
	}
	if err := g.deps.Transcripts.Clear(session.ID); err != nil {
		return nil, err
	}

	text := "🆕 Started a fresh conversation."
	if summary != "" {
		text += "\n\nWhere we left off:\n" + summary
	}
	return &commands.Result{Text: text}, nil
}

// summarizeTranscript asks the model for a short recap of the session
// being abandoned. Failures degrade to no summary rather than blocking
// the reset.
func (g *Gateway) summarizeTranscript(ctx context.Context, sessionID string) string {
	if g.deps.Runner == nil {
		return ""
	}
	count, err := g.deps.Transcripts.CountUserMessages(sessionID)
	if err != nil || count < summarizeMinUserMessages {
		return ""
	}
	history, err := g.deps.Transcripts.GetHistory(sessionID, g.deps.Config.Session.HistoryMaxTurns)
	if err != nil || len(history) == 0 {
		return ""
	}

	prompt := models.NewUserMessage(
		"Summarize the conversation so far in at most three short sentences. " +
			"Mention open tasks or decisions. Reply with the summary only.")
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := g.deps.Runner.Complete(sctx, &providers.Request{
		Messages: append(history, prompt),
	})
	if err != nil {
		g.logger.Warn("reset summary failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func (g *Gateway) cmdStatus(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", g.deps.Config.Agent.ID)
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(g.startedAt).Round(time.Second))

	b.WriteString("Providers:\n")
	if g.deps.Runner != nil {
		for _, p := range g.deps.Runner.Providers() {
			fmt.Fprintf(&b, "  • %s (%s)\n", p.ID(), p.Model())
		}
	}

	b.WriteString("Channels:")
	var active []string
	if g.deps.Config.Channels.Telegram.Enabled {
		active = append(active, "telegram")
	}
	if g.deps.Config.Channels.Discord.Enabled {
		active = append(active, "discord")
	}
	if g.deps.Config.Channels.HTTP.Enabled {
		active = append(active, "http")
	}
	if len(active) == 0 {
		b.WriteString(" none\n")
	} else {
		b.WriteString(" " + strings.Join(active, ", ") + "\n")
	}

	session, err := g.deps.Sessions.Get(ctx, inv.SessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		b.WriteString("Session: none")
	} else {
		fmt.Fprintf(&b, "Session: %s (started %s)", session.ID,
			session.CreatedAt.Format("2006-01-02 15:04"))
		if session.ModelOverride != "" {
			fmt.Fprintf(&b, "\nModel pin: %s", session.ModelOverride)
		}
	}
	return &commands.Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (g *Gateway) cmdHistory(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	session, err := g.deps.Sessions.Get(ctx, inv.SessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &commands.Result{Text: "No conversation history yet."}, nil
	}
	history, err := g.deps.Transcripts.GetHistory(session.ID, g.deps.Config.Session.HistoryMaxTurns)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return &commands.Result{Text: "No conversation history yet."}, nil
	}

	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, msg := range history {
		text := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "You: %s\n", clipLine(text, 200))
		case models.RoleAssistant:
			if text == "" && len(msg.ToolCalls) > 0 {
				names := make([]string, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					names = append(names, tc.Name)
				}
				fmt.Fprintf(&b, "Bot: [used %s]\n", strings.Join(names, ", "))
				continue
			}
			fmt.Fprintf(&b, "Bot: %s\n", clipLine(text, 200))
		}
	}
	return &commands.Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (g *Gateway) cmdHelp(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	return &commands.Result{Text: g.deps.Commands.HelpText()}, nil
}

func (g *Gateway) cmdModel(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	session, err := g.deps.Sessions.GetOrCreate(ctx, inv.SessionKey, sessionMetaFromInvocation(g.deps.Config.Agent.ID, inv))
	if err != nil {
		return nil, err
	}

	ref := strings.TrimSpace(inv.Args)
	switch ref {
	case "":
		if session.ModelOverride == "" {
			return &commands.Result{Text: "No model pinned. Use /model <provider/model> to pin one."}, nil
		}
		return &commands.Result{Text: "Pinned model: " + session.ModelOverride}, nil
	case "clear", "reset":
		if err := g.deps.Sessions.SetModelOverride(ctx, inv.SessionKey, ""); err != nil {
			return nil, err
		}
		return &commands.Result{Text: "Model pin cleared, back to the configured default."}, nil
	default:
		if err := g.deps.Sessions.SetModelOverride(ctx, inv.SessionKey, ref); err != nil {
			return nil, err
		}
		return &commands.Result{Text: "Pinned model: " + ref}, nil
	}
}

func sessionMetaFromInvocation(agentID string, inv *commands.Invocation) sessions.SessionMeta {
	return sessions.SessionMeta{
		AgentID:        agentID,
		Channel:        models.ChannelType(inv.Channel),
		ConversationID: inv.ConversationID,
	}
}

func clipLine(text string, max int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
