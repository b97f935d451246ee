// Package writegate obtains out-of-band human confirmation for
// write/sign tool calls over the chat channel the request came from.
package writegate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/pkg/models"
)

// PromptSender delivers the confirmation prompt to the origin channel.
type PromptSender interface {
	SendMessage(ctx context.Context, channel models.ChannelType, msg models.OutboundMessage) error
}

// Config configures the write gate.
type Config struct {
	// Enabled turns confirmation on. When false every request is
	// approved with reason confirmation_disabled_allow.
	Enabled bool `yaml:"enabled"`

	// Timeout bounds the wait for a reply.
	Timeout time.Duration `yaml:"timeout"`

	// Approvers restricts who may approve when non-empty. Requests
	// from anyone else auto-deny with reason not_in_allowlist.
	Approvers []string `yaml:"approvers"`
}

// Gate implements agent.Confirmer by prompting over chat and waiting
// for a yes/no reply from the requesting user.
type Gate struct {
	config Config
	sender PromptSender
	router *ReplyRouter
	logger *slog.Logger
}

// NewGate creates a write gate bound to a reply router.
func NewGate(config Config, sender PromptSender, router *ReplyRouter, logger *slog.Logger) *Gate {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config: config,
		sender: sender,
		router: router,
		logger: logger.With("component", "writegate"),
	}
}

// RequestConfirmation prompts the requesting user and waits for a
// matching reply. Timeout and rejection both deny.
func (g *Gate) RequestConfirmation(ctx context.Context, req agent.ConfirmationRequest) (agent.ConfirmationDecision, error) {
	if !g.config.Enabled {
		return agent.ConfirmationDecision{Approved: true, Reason: "confirmation_disabled_allow"}, nil
	}

	if len(g.config.Approvers) > 0 && !containsFold(g.config.Approvers, req.UserID) {
		g.logger.Warn("confirmation auto-denied",
			"tool", req.ToolName, "user_id", req.UserID, "reason", "not_in_allowlist")
		return agent.ConfirmationDecision{Approved: false, Reason: "not_in_allowlist"}, nil
	}

	replies := g.router.register(waiterKey{
		Channel:        req.Channel,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	})
	defer g.router.unregister(replies)

	prompt := confirmationPrompt(req)
	if err := g.sender.SendMessage(ctx, models.ChannelType(req.Channel), models.OutboundMessage{
		ConversationID: req.ConversationID,
		Text:           prompt,
	}); err != nil {
		return agent.ConfirmationDecision{}, fmt.Errorf("send confirmation prompt: %w", err)
	}

	timer := time.NewTimer(g.config.Timeout)
	defer timer.Stop()

	select {
	case word := <-replies.ch:
		if isAllowWord(word) {
			g.logger.Info("confirmation approved", "tool", req.ToolName, "user_id", req.UserID)
			return agent.ConfirmationDecision{Approved: true, Reason: "approved"}, nil
		}
		g.logger.Info("confirmation rejected", "tool", req.ToolName, "user_id", req.UserID)
		return agent.ConfirmationDecision{Approved: false, Reason: "rejected"}, nil
	case <-timer.C:
		g.logger.Warn("confirmation timed out", "tool", req.ToolName, "user_id", req.UserID)
		return agent.ConfirmationDecision{Approved: false, Reason: "timeout"}, nil
	case <-ctx.Done():
		return agent.ConfirmationDecision{}, ctx.Err()
	}
}

func confirmationPrompt(req agent.ConfirmationRequest) string {
	subject := req.Summary
	if subject == "" {
		subject = req.ToolName
	}
	return fmt.Sprintf("⚠️ Confirmation required: %s\nReply \"yes\" to approve or \"no\" to deny.", subject)
}

var allowWords = map[string]bool{
	"yes": true, "y": true, "ok": true, "approve": true, "confirm": true,
}

var denyWords = map[string]bool{
	"no": true, "n": true, "deny": true, "cancel": true, "reject": true,
}

func isAllowWord(word string) bool {
	return allowWords[strings.ToLower(strings.TrimSpace(word))]
}

func isDecisionWord(word string) bool {
	w := strings.ToLower(strings.TrimSpace(word))
	return allowWords[w] || denyWords[w]
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}
