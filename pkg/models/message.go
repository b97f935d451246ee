// Package models defines the shared value types exchanged between
// channels, the gateway, and the agent runtime.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChannelType identifies a message transport.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelHTTP     ChannelType = "http"
)

// Message is one entry in a conversation transcript. A message either
// carries plain content, assistant tool calls, or the results of a prior
// tool-call round.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validate checks structural invariants before a message enters a
// transcript.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return errors.New("invalid message role")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return errors.New("tool calls are only valid on assistant messages")
	}
	if m.Role == RoleUser {
		hasContent := strings.TrimSpace(m.Content) != ""
		hasResults := len(m.ToolResults) > 0
		if hasContent == hasResults {
			return errors.New("user message requires either content or tool results, not both")
		}
	}
	for _, tc := range m.ToolCalls {
		if strings.TrimSpace(tc.ID) == "" || strings.TrimSpace(tc.Name) == "" {
			return errors.New("tool call requires id and name")
		}
	}
	for _, tr := range m.ToolResults {
		if strings.TrimSpace(tr.ToolCallID) == "" {
			return errors.New("tool result requires tool_call_id")
		}
	}
	return nil
}

// HasToolCalls reports whether the assistant asked for tool execution.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant message stamped with the
// current time.
func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, Timestamp: time.Now().UTC()}
}

// NewToolResultsMessage wraps tool results as the user-role message the
// next model turn consumes.
func NewToolResultsMessage(results []ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results, Timestamp: time.Now().UTC()}
}

// InboundMessage is a normalized message arriving from any channel
// adapter before gateway processing.
type InboundMessage struct {
	Channel        ChannelType       `json:"channel"`
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	FromUserID     string            `json:"from_user_id"`
	FromUserName   string            `json:"from_user_name,omitempty"`
	Text           string            `json:"text"`
	IsDirect       bool              `json:"is_direct"`
	IsReply        bool              `json:"is_reply,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply the gateway hands back to a channel
// adapter for delivery.
type OutboundMessage struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}
