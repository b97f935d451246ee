// Package telegram implements the Telegram channel adapter on top of
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/owliabot/owliabot/internal/channels"
	"github.com/owliabot/owliabot/pkg/models"
)

// API is the slice of the Telegram bot client the adapter uses.
// Extracted so tests can inject a fake.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	Start(ctx context.Context)
}

// Config holds the Telegram adapter settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	Handler channels.Handler
	Logger  *slog.Logger
}

// Adapter bridges Telegram updates to the gateway.
type Adapter struct {
	config Config
	logger *slog.Logger
	routes *channels.RouteCache

	mu  sync.Mutex
	api API

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("telegram: handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config: config,
		logger: logger.With("component", "telegram"),
		routes: channels.NewRouteCache(),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Start connects the bot and runs long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.api = b
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		b.Start(runCtx)
		a.logger.Info("long polling stopped")
	}()
	a.logger.Info("adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := convertMessage(update.Message)
	a.routes.Set(msg.ConversationID, strconv.FormatInt(update.Message.Chat.ID, 10))

	if err := a.config.Handler(ctx, msg); err != nil {
		a.logger.Error("handler failed", "error", err, "conversation", msg.ConversationID)
	}
}

// convertMessage maps a Telegram message onto the unified inbound
// shape. Private chats share the DM conversation id; groups get a
// stable id derived from the chat.
func convertMessage(msg *tgmodels.Message) *models.InboundMessage {
	isDirect := msg.Chat.Type == tgmodels.ChatTypePrivate
	conversationID := "main:main"
	if !isDirect {
		conversationID = "group:" + strconv.FormatInt(msg.Chat.ID, 10)
	}

	inbound := &models.InboundMessage{
		Channel:        models.ChannelTelegram,
		MessageID:      strconv.Itoa(msg.ID),
		ConversationID: conversationID,
		IsDirect:       isDirect,
		Text:           msg.Text,
	}
	if msg.From != nil {
		inbound.FromUserID = strconv.FormatInt(msg.From.ID, 10)
		inbound.FromUserName = msg.From.Username
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyToID = strconv.Itoa(msg.ReplyToMessage.ID)
	}
	return inbound
}

// SendMessage delivers a reply. The chat id comes from the route cache
// populated by inbound traffic.
func (a *Adapter) SendMessage(ctx context.Context, msg models.OutboundMessage) error {
	chatID, err := a.chatID(msg.ConversationID)
	if err != nil {
		return err
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Text}
	if msg.ReplyToID != "" {
		if id, err := strconv.Atoi(msg.ReplyToID); err == nil {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: id}
		}
	}
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	if _, err := api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// SetTyping shows the typing indicator. Telegram clears it on its own
// after a few seconds or when a message arrives, so off is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, conversationID string, on bool) error {
	if !on {
		return nil
	}
	chatID, err := a.chatID(conversationID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	_, err = api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

func (a *Adapter) chatID(conversationID string) (string, error) {
	if id, ok := a.routes.Get(conversationID); ok {
		return id, nil
	}
	// Group conversations embed the chat id.
	const prefix = "group:"
	if len(conversationID) > len(prefix) && conversationID[:len(prefix)] == prefix {
		return conversationID[len(prefix):], nil
	}
	return "", fmt.Errorf("telegram: no known chat for conversation %q", conversationID)
}

// setAPI swaps the bot client, for tests.
func (a *Adapter) setAPI(api API) {
	a.mu.Lock()
	a.api = api
	a.mu.Unlock()
}
