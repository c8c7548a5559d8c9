// Package providers holds the LLM provider clients. The transcript
// data model is the canonical form; each client owns a one-way
// converter to its wire shape and a one-way parser back. Two request
// shapes exist: chat-completions (OpenAI, OpenRouter, Anthropic) and
// responses mode (Codex), selected per session by api_mode.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/hermes/pkg/models"
)

// APIMode selects the request/response wire shape.
type APIMode string

const (
	ModeChat      APIMode = "chat"
	ModeResponses APIMode = "responses"
)

// RouteOptions are OpenRouter provider-routing preferences, passed
// through under extra_body on chat-completions requests.
type RouteOptions struct {
	Sort              string   `json:"sort,omitempty"`
	Only              []string `json:"only,omitempty"`
	Ignore            []string `json:"ignore,omitempty"`
	Order             []string `json:"order,omitempty"`
	RequireParameters bool     `json:"require_parameters,omitempty"`
	DataCollection    string   `json:"data_collection,omitempty"`
}

// Request is the canonical provider request: the transcript plus tool
// schemas and per-session knobs. Messages excludes nothing — the
// builders decide what to drop (responses mode moves system messages
// into instructions).
type Request struct {
	Model           string
	SystemPrompt    string
	Messages        []models.Message
	Tools           []models.ToolSchema
	MaxTokens       int
	ReasoningEffort string
	Routing         *RouteOptions
}

// Response is the canonical parsed provider response.
type Response struct {
	Content             string
	ToolCalls           []models.ToolCall
	FinishReason        models.FinishReason
	ReasoningSummary    string
	ReasoningDetails    json.RawMessage
	CodexReasoningItems []models.ReasoningItem
	PromptTokens        int
	CompletionTokens    int
}

// Client is one provider endpoint.
type Client interface {
	// Complete issues one request and parses the response. Transport
	// and provider errors come back as *APIError so the agent loop can
	// classify them.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// APIError is a provider failure with enough context to classify it
// as retryable (timeout, 5xx, rate limit) or fatal (auth, invalid
// request).
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Temporary  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether the agent loop should back off and retry.
func (e *APIError) Retryable() bool {
	if e.Temporary {
		return true
	}
	switch {
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500 && e.StatusCode <= 599:
		return true
	}
	return false
}

// transportError wraps a network-level failure as retryable.
func transportError(provider string, err error) *APIError {
	return &APIError{Provider: provider, Message: err.Error(), Temporary: true}
}
