// Package discord implements the Discord channel adapter using the
// discordgo gateway connection.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/owliabot/owliabot/internal/channels"
	"github.com/owliabot/owliabot/pkg/models"
)

// Session is the slice of discordgo.Session the adapter uses.
// Extracted so tests can inject a fake.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Config holds the Discord adapter settings.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	Handler channels.Handler
	Logger  *slog.Logger
}

// Adapter bridges Discord gateway events to the inbound pipeline.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	routes  *channels.RouteCache
	session Session

	mu    sync.Mutex
	botID string
}

func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("discord: handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config: config,
		logger: logger.With("component", "discord"),
		routes: channels.NewRouteCache(),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

// Start opens the gateway connection. Inbound events arrive on
// discordgo's own goroutines.
func (a *Adapter) Start(ctx context.Context) error {
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.logger.Info("adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return nil
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("connected", "user", r.User.Username)
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.Lock()
	botID := a.botID
	a.mu.Unlock()
	if m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	msg := convertMessage(m.Message, botID)
	a.routes.Set(msg.ConversationID, m.ChannelID)

	if err := a.config.Handler(context.Background(), msg); err != nil {
		a.logger.Error("handler failed", "error", err, "conversation", msg.ConversationID)
	}
}

// convertMessage maps a Discord message onto the unified inbound
// shape. DMs share the DM conversation id; guild channels use the
// channel id directly so allowlists can name them.
func convertMessage(m *discordgo.Message, botID string) *models.InboundMessage {
	isDirect := m.GuildID == ""
	conversationID := "main:main"
	if !isDirect {
		conversationID = m.ChannelID
	}

	text := m.Content
	// Normalize the raw mention form so activation patterns can match
	// a plain name.
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "@"+botID)
		text = strings.ReplaceAll(text, "<@!"+botID+">", "@"+botID)
	}

	inbound := &models.InboundMessage{
		Channel:        models.ChannelDiscord,
		MessageID:      m.ID,
		ConversationID: conversationID,
		FromUserID:     m.Author.ID,
		FromUserName:   m.Author.Username,
		IsDirect:       isDirect,
		Text:           text,
	}
	if m.MessageReference != nil {
		inbound.ReplyToID = m.MessageReference.MessageID
	}
	return inbound
}

func (a *Adapter) SendMessage(ctx context.Context, msg models.OutboundMessage) error {
	channelID, err := a.channelID(msg.ConversationID)
	if err != nil {
		return err
	}
	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: channelID}
	}
	if _, err := a.session.ChannelMessageSendComplex(channelID, send); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SetTyping shows the typing indicator. Discord clears it on its own,
// so off is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, conversationID string, on bool) error {
	if !on {
		return nil
	}
	channelID, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return a.session.ChannelTyping(channelID)
}

func (a *Adapter) channelID(conversationID string) (string, error) {
	if id, ok := a.routes.Get(conversationID); ok {
		return id, nil
	}
	// Guild conversations are channel ids already.
	if conversationID != "main:main" {
		return conversationID, nil
	}
	return "", fmt.Errorf("discord: no known channel for conversation %q", conversationID)
}

// setSession swaps the gateway session, for tests.
func (a *Adapter) setSession(s Session, botID string) {
	a.session = s
	a.mu.Lock()
	a.botID = botID
	a.mu.Unlock()
}
