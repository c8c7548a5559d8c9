package agent

import (
	"context"
	"encoding/json"
)

// ClarifyTool blocks the loop until a user-supplied callback returns a
// reply. It is always intercepted in-process: the callback belongs to
// the gateway, not the registry.
type ClarifyTool struct {
	prompt ClarifyPrompt
}

// NewClarifyTool creates the clarify tool around the gateway's
// question callback.
func NewClarifyTool(prompt ClarifyPrompt) *ClarifyTool {
	return &ClarifyTool{prompt: prompt}
}

func (t *ClarifyTool) Name() string { return "clarify" }

func (t *ClarifyTool) Description() string {
	return "Ask the user a clarifying question and wait for their answer. Use sparingly."
}

func (t *ClarifyTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to ask."},
			"choices": {
				"type": "array",
				"items": {"type": "string"},
				"maxItems": 4,
				"description": "Up to four suggested answers."
			}
		},
		"required": ["question"]
	}`)
}

func (t *ClarifyTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.prompt == nil {
		return ErrorResultf("clarify is unavailable on this surface"), nil
	}
	var input struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return ErrorResult("invalid_parameters", err), nil
	}
	if input.Question == "" {
		return ErrorResultf("question is required"), nil
	}
	if len(input.Choices) > 4 {
		input.Choices = input.Choices[:4]
	}

	answer, err := t.prompt(ctx, input.Question, input.Choices)
	if err != nil {
		return ErrorResult("clarify", err), nil
	}
	return JSONResult(map[string]any{"answer": answer}), nil
}
