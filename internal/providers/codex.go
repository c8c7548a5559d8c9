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

// CodexClient speaks the responses API: typed input items, an
// instructions field for the system prompt, flat tool schemas, and
// encrypted reasoning items that must be replayed verbatim on the next
// turn to continue a multi-step thought.
type CodexClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

const codexDefaultBaseURL = "https://api.openai.com/v1"

// NewCodexClient builds a responses-mode client. baseURL is optional.
func NewCodexClient(apiKey, baseURL string) *CodexClient {
	if baseURL == "" {
		baseURL = codexDefaultBaseURL
	}
	return &CodexClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Input item wire shapes.

type codexMessageItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type codexFunctionCallItem struct {
	Type      string `json:"type"` // function_call
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type codexFunctionOutputItem struct {
	Type   string `json:"type"` // function_call_output
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type codexReasoningItem struct {
	Type             string             `json:"type"` // reasoning
	ID               string             `json:"id"`
	EncryptedContent string             `json:"encrypted_content"`
	Summary          []codexSummaryPart `json:"summary"`
}

type codexSummaryPart struct {
	Type string `json:"type"` // summary_text
	Text string `json:"text"`
}

type codexTool struct {
	Type        string          `json:"type"` // function
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type codexRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           []any           `json:"input"`
	Tools           []codexTool     `json:"tools,omitempty"`
	Store           bool            `json:"store"`
	Include         []string        `json:"include"`
	Reasoning       *codexReasoning `json:"reasoning,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

type codexReasoning struct {
	Effort string `json:"effort"`
}

type codexOutputItem struct {
	Type             string             `json:"type"`
	ID               string             `json:"id"`
	Role             string             `json:"role"`
	Status           string             `json:"status"`
	CallID           string             `json:"call_id"`
	Name             string             `json:"name"`
	Arguments        string             `json:"arguments"`
	EncryptedContent string             `json:"encrypted_content"`
	Summary          []codexSummaryPart `json:"summary"`
	Content          []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type codexResponse struct {
	Status            string            `json:"status"`
	Output            []codexOutputItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// BuildInput converts the canonical transcript into the responses-mode
// input list. System messages are dropped (they travel as
// instructions); assistant messages replay their stored encrypted
// reasoning items before their function calls; tool messages become
// function_call_output items. Reasoning items with empty
// encrypted_content are skipped. Exported for request-shape tests.
func BuildInput(messages []models.Message) []any {
	var input []any
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleUser:
			input = append(input, codexMessageItem{Role: "user", Content: msg.Content})
		case models.RoleAssistant:
			for _, ri := range msg.CodexReasoningItems {
				if ri.EncryptedContent == "" {
					continue
				}
				item := codexReasoningItem{Type: "reasoning", ID: ri.ID, EncryptedContent: ri.EncryptedContent, Summary: []codexSummaryPart{}}
				if ri.Summary != "" {
					item.Summary = []codexSummaryPart{{Type: "summary_text", Text: ri.Summary}}
				}
				input = append(input, item)
			}
			if msg.Content != "" {
				input = append(input, codexMessageItem{Role: "assistant", Content: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input = append(input, codexFunctionCallItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				})
			}
		case models.RoleTool:
			input = append(input, codexFunctionOutputItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Content,
			})
		}
	}
	return input
}

// Complete issues one responses-API request.
func (c *CodexClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	body := codexRequest{
		Model:        req.Model,
		Instructions: req.SystemPrompt,
		Input:        BuildInput(req.Messages),
		Store:        false,
		Include:      []string{"reasoning.encrypted_content"},
	}
	if req.MaxTokens > 0 {
		body.MaxOutputTokens = req.MaxTokens
	}
	if Lookup(req.Model).SupportsReasoning {
		effort := req.ReasoningEffort
		if effort == "" {
			effort = "medium"
		}
		body.Reasoning = &codexReasoning{Effort: effort}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, codexTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("codex", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, transportError("codex", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "codex", StatusCode: httpResp.StatusCode, Message: firstBytes(data, 500)}
	}

	var parsed codexResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &APIError{Provider: "codex", Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: "codex", Message: parsed.Error.Message}
	}
	return parseCodexOutput(&parsed), nil
}

func parseCodexOutput(parsed *codexResponse) *Response {
	out := &Response{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}
	for _, item := range parsed.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					out.Content += part.Text
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: json.RawMessage(item.Arguments),
			})
		case "reasoning":
			ri := models.ReasoningItem{ID: item.ID, EncryptedContent: item.EncryptedContent}
			for _, part := range item.Summary {
				if part.Type == "summary_text" {
					if ri.Summary != "" {
						ri.Summary += "\n"
					}
					ri.Summary += part.Text
				}
			}
			out.CodexReasoningItems = append(out.CodexReasoningItems, ri)
			if ri.Summary != "" {
				if out.ReasoningSummary != "" {
					out.ReasoningSummary += "\n"
				}
				out.ReasoningSummary += ri.Summary
			}
		}
	}

	switch parsed.Status {
	case "incomplete":
		out.FinishReason = models.FinishIncomplete
	default:
		if len(out.ToolCalls) > 0 {
			out.FinishReason = models.FinishToolCalls
		} else {
			out.FinishReason = models.FinishStop
		}
	}
	return out
}
