package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/hermes/pkg/models"
)

// AnthropicClient maps the canonical chat-completions-shaped transcript
// onto the Anthropic Messages API, selectable per session when
// provider is "anthropic".
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a Messages API client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

const anthropicDefaultMaxTokens = 8192

// Complete issues one Messages API request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(anthropicDefaultMaxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			// The Messages API takes system text out-of-band; fold any
			// synthetic system message (context summaries) into a user
			// turn so it is not lost.
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, &APIError{Provider: "anthropic", Message: fmt.Sprintf("invalid schema for tool %s: %v", t.Name, err)}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return nil, transportError("anthropic", err)
	}

	out := &Response{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.JSON.Input.Raw()),
			})
		case anthropic.ThinkingBlock:
			// Preserve the signature-bearing thinking block verbatim
			// for the next turn.
			raw, _ := json.Marshal([]any{map[string]any{
				"type":      "thinking",
				"thinking":  variant.Thinking,
				"signature": variant.Signature,
			}})
			out.ReasoningDetails = raw
			out.ReasoningSummary = variant.Thinking
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		out.FinishReason = models.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		out.FinishReason = models.FinishLength
	default:
		out.FinishReason = models.FinishStop
	}
	return out, nil
}
