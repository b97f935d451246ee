package providers

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/owliabot/owliabot/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible provider. BaseURL points
// the client at any chat-completions endpoint; the key is optional for
// local servers.
type OpenAIConfig struct {
	ID        string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// OpenAIProvider calls an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	config OpenAIConfig
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	if config.ID == "" {
		config.ID = "openai"
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

func (p *OpenAIProvider) ID() string          { return p.config.ID }
func (p *OpenAIProvider) Model() string       { return p.config.Model }
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete performs one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.config.MaxTokens > 0 {
		chatReq.MaxTokens = p.config.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(completion.Choices) == 0 {
		return nil, NewProviderError(p.config.ID, model, errors.New("empty choices in completion response"))
	}

	choice := completion.Choices[0]
	resp := &Response{
		Provider:   p.config.ID,
		Model:      model,
		Content:    choice.Message.Content,
		StopReason: StopOK,
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	if choice.FinishReason == openai.FinishReasonLength {
		resp.StopReason = StopTruncated
	}

	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return resp, nil
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.config.ID,
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr.WithMessage(apiErr.Message)
	}

	return NewProviderError(p.config.ID, model, err)
}

// convertOpenAIMessages maps transcript messages to the chat format.
// Tool results become role=tool messages, one per result.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    renderToolResult(tr),
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}

	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
