package providers

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hermes/pkg/models"
)

// OpenAIClient speaks chat-completions to OpenAI or any compatible
// endpoint via a custom base URL.
type OpenAIClient struct {
	client *openai.Client
	name   string
}

// NewOpenAIClient builds a chat-completions client. baseURL is
// optional; empty means the OpenAI default.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), name: "openai"}
}

// Complete issues one chat-completions request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildChatMessages(req),
		Tools:    wrapChatTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: c.name, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return nil, transportError(c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Provider: c.name, Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:          choice.Message.Content,
		FinishReason:     mapChatFinishReason(string(choice.FinishReason)),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = models.FinishToolCalls
	}
	return out, nil
}

// buildChatMessages converts the canonical transcript to the
// chat-completions message list, system prompt first.
func buildChatMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func wrapChatTools(tools []models.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func mapChatFinishReason(reason string) models.FinishReason {
	switch reason {
	case "stop":
		return models.FinishStop
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "length":
		return models.FinishLength
	case "content_filter":
		return models.FinishContentFilter
	case "":
		return ""
	default:
		return models.FinishReason(reason)
	}
}
