package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

// OpenRouterClient speaks chat-completions to OpenRouter. It is
// hand-assembled rather than SDK-backed because the fields that matter
// here — reasoning_details round-trip, provider routing, reasoning
// enablement — are OpenRouter extensions the standard client types
// don't model.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	productTag string
}

const openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouterClient builds an OpenRouter chat client.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:     apiKey,
		baseURL:    openRouterDefaultBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		productTag: "hermes-agent",
	}
}

// Wire types. reasoning_details is carried as raw JSON in both
// directions: opaque fields (signature, encrypted_content, unknown
// keys) must round-trip byte-identical or the next turn is rejected.

type orMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ToolCalls        []orToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
}

type orToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function orToolFunction `json:"function"`
}

type orToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type orTool struct {
	Type     string           `json:"type"`
	Function orToolDefinition `json:"function"`
}

type orToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type orRequest struct {
	Model     string         `json:"model"`
	Messages  []orMessage    `json:"messages"`
	Tools     []orTool       `json:"tools,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Reasoning *orReasoning   `json:"reasoning,omitempty"`
	Provider  *RouteOptions  `json:"provider,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

type orReasoning struct {
	Enabled bool   `json:"enabled"`
	Effort  string `json:"effort,omitempty"`
}

type orResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content          string          `json:"content"`
			Reasoning        string          `json:"reasoning"`
			ReasoningDetails json.RawMessage `json:"reasoning_details"`
			ToolCalls        []orToolCall    `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete issues one chat-completions request with the OpenRouter
// extension fields.
func (c *OpenRouterClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	body := orRequest{
		Model:    req.Model,
		Provider: req.Routing,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if Lookup(req.Model).SupportsReasoning {
		body.Reasoning = &orReasoning{Enabled: true, Effort: req.ReasoningEffort}
	}

	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, orMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		m := orMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		if msg.Role == models.RoleAssistant {
			m.ReasoningDetails = msg.ReasoningDetails
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, orToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: orToolFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
		}
		body.Messages = append(body.Messages, m)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, orTool{
			Type:     "function",
			Function: orToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Title", c.productTag)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("openrouter", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, transportError("openrouter", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "openrouter", StatusCode: httpResp.StatusCode, Message: firstBytes(data, 500)}
	}

	var parsed orResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &APIError{Provider: "openrouter", Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: "openrouter", StatusCode: parsed.Error.Code, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &APIError{Provider: "openrouter", Message: "response contained no choices"}
	}

	choice := parsed.Choices[0]
	out := &Response{
		Content:          choice.Message.Content,
		FinishReason:     mapChatFinishReason(choice.FinishReason),
		ReasoningSummary: choice.Message.Reasoning,
		ReasoningDetails: choice.Message.ReasoningDetails,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
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

func firstBytes(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "…"
}
