package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/owliabot/owliabot/pkg/models"
)

const defaultAnthropicMaxTokens = 8192

// TokenSource supplies a bearer credential at call time. OAuth-backed
// sources refresh before returning.
type TokenSource func(ctx context.Context) (string, error)

// AnthropicConfig configures the native Anthropic provider.
type AnthropicConfig struct {
	ID      string
	Model   string
	BaseURL string

	// APIKey is the literal or env-resolved key. When empty, Tokens is
	// consulted on every call.
	APIKey string

	// Tokens is the OAuth credential fallback.
	Tokens TokenSource

	MaxTokens int
}

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	config AnthropicConfig
}

// NewAnthropicProvider creates a native Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) *AnthropicProvider {
	if config.ID == "" {
		config.ID = "anthropic"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{config: config}
}

func (p *AnthropicProvider) ID() string          { return p.config.ID }
func (p *AnthropicProvider) Model() string       { return p.config.Model }
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete performs one non-streaming Messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	key, err := p.resolveKey(ctx)
	if err != nil {
		return nil, &ProviderError{
			Reason:   FailoverAuth,
			Provider: p.config.ID,
			Model:    p.model(req),
			Cause:    err,
		}
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if p.config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, p.model(req))
	}

	return p.translateResponse(msg, req), nil
}

func (p *AnthropicProvider) resolveKey(ctx context.Context) (string, error) {
	if p.config.APIKey != "" {
		return p.config.APIKey, nil
	}
	if p.config.Tokens != nil {
		return p.config.Tokens(ctx)
	}
	return "", errors.New("no credential configured")
}

func (p *AnthropicProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.config.Model
}

func (p *AnthropicProvider) maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return p.config.MaxTokens
}

func (p *AnthropicProvider) translateResponse(msg *anthropic.Message, req *Request) *Response {
	resp := &Response{
		Provider:   p.config.ID,
		Model:      p.model(req),
		StopReason: StopOK,
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}

	if msg.StopReason == anthropic.StopReasonMaxTokens {
		resp.StopReason = StopTruncated
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// anthropicErrorPayload mirrors the Anthropic API error body.
type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.config.ID,
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr = providerErr.WithMessage(err.Error())
		}
		return providerErr.WithRequestID(requestID)
	}

	return NewProviderError(p.config.ID, model, err)
}

// convertAnthropicMessages maps transcript messages to Anthropic
// content blocks. System messages are carried in params.System.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				renderToolResult(toolResult),
				!toolResult.Success,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if len(toolCall.Arguments) > 0 {
				if err := json.Unmarshal(toolCall.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// renderToolResult flattens a tool result into the string body the
// Messages API expects.
func renderToolResult(tr models.ToolResult) string {
	if !tr.Success {
		if tr.Error != "" {
			return tr.Error
		}
		return "tool execution failed"
	}
	switch data := tr.Data.(type) {
	case nil:
		return "ok"
	case string:
		return data
	default:
		if b, err := json.Marshal(data); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", data)
	}
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}
