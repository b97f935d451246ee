// Package providers implements the model provider backends: the native
// Anthropic API, OpenAI-compatible HTTP endpoints, and local CLI
// subprocesses.
package providers

import (
	"context"
	"encoding/json"

	"github.com/owliabot/owliabot/pkg/models"
)

// ToolSpec is a tool definition advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single completion request against one provider.
type Request struct {
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	Model     string
	MaxTokens int

	// SessionID lets CLI providers resume their own native session.
	SessionID string

	// FirstTurn is true on the first model call of a session. CLI
	// providers configured with system_prompt_when=first use it.
	FirstTurn bool
}

// StopReason describes how a completion ended.
type StopReason string

const (
	StopOK        StopReason = "ok"
	StopTruncated StopReason = "truncated"
	StopError     StopReason = "error"
)

// Usage is the token accounting reported by a provider, zero when the
// backend does not report it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a normalized completion result.
type Response struct {
	Content    string
	ToolCalls  []models.ToolCall
	StopReason StopReason
	Usage      Usage
	Provider   string
	Model      string

	// SessionID is the backend-native session identifier extracted
	// from CLI provider output, empty elsewhere.
	SessionID string
}

// Provider is one backend in the failover chain.
type Provider interface {
	// ID returns the configured provider id.
	ID() string

	// Model returns the configured model reference.
	Model() string

	// SupportsTools reports whether tool definitions can be passed
	// through to the backend.
	SupportsTools() bool

	// Complete performs one model call.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
