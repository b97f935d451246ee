// Package gateway orchestrates inbound message processing: activation
// gating, idempotency, rate limiting, slash commands, session lookup,
// the agentic loop, and reply dispatch.
package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/owliabot/owliabot/internal/config"
	"github.com/owliabot/owliabot/pkg/models"
)

// Activation decides whether the bot responds to an inbound message.
type Activation struct {
	telegram config.TelegramConfig
	discord  config.DiscordConfig

	telegramMentions []*regexp.Regexp
	discordMentions  []*regexp.Regexp
}

// NewActivation compiles the per-channel mention patterns.
func NewActivation(channels config.ChannelsConfig) (*Activation, error) {
	a := &Activation{telegram: channels.Telegram, discord: channels.Discord}
	var err error
	if a.telegramMentions, err = compilePatterns(channels.Telegram.MentionPatterns); err != nil {
		return nil, fmt.Errorf("telegram mention patterns: %w", err)
	}
	if a.discordMentions, err = compilePatterns(channels.Discord.MentionPatterns); err != nil {
		return nil, fmt.Errorf("discord mention patterns: %w", err)
	}
	return a, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ShouldHandle applies the activation rules: channel allowlist first,
// DMs always pass, groups by mention policy with per-group overrides.
func (a *Activation) ShouldHandle(msg *models.InboundMessage) bool {
	switch msg.Channel {
	case models.ChannelTelegram:
		return a.shouldHandleTelegram(msg)
	case models.ChannelDiscord:
		return a.shouldHandleDiscord(msg)
	default:
		// HTTP requests are authenticated, not activation-gated.
		return true
	}
}

func (a *Activation) shouldHandleTelegram(msg *models.InboundMessage) bool {
	if !userAllowed(a.telegram.AllowFrom, msg) {
		return false
	}
	if msg.IsDirect {
		return true
	}

	mentioned := matchAny(a.telegramMentions, msg.Text)
	requireMention := a.telegram.RequireMention

	if override, ok := a.telegram.Groups[groupID(msg)]; ok {
		if override.Enabled != nil && !*override.Enabled {
			return false
		}
		if len(override.AllowFrom) > 0 && !userAllowed(override.AllowFrom, msg) {
			return false
		}
		if override.RequireMention != nil {
			requireMention = *override.RequireMention
		}
	}

	if requireMention {
		return mentioned
	}
	return true
}

func (a *Activation) shouldHandleDiscord(msg *models.InboundMessage) bool {
	if !userAllowed(a.discord.AllowFrom, msg) {
		return false
	}
	if msg.IsDirect {
		return true
	}

	// Allowlisted channels bypass the mention requirement.
	for _, ch := range a.discord.ChannelAllowList {
		if strings.TrimSpace(ch) == msg.ConversationID {
			return true
		}
	}

	if a.discord.RequireMention {
		return matchAny(a.discordMentions, msg.Text)
	}
	return true
}

// userAllowed checks an allowlist against the sender's id and
// username. An empty list allows everyone.
func userAllowed(allowFrom []string, msg *models.InboundMessage) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, entry := range allowFrom {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == msg.FromUserID {
			return true
		}
		if strings.EqualFold(strings.TrimPrefix(entry, "@"), msg.FromUserName) {
			return true
		}
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// groupID strips the conversation prefix for override lookup.
func groupID(msg *models.InboundMessage) string {
	return strings.TrimPrefix(msg.ConversationID, "group:")
}
