// Package message implements the send_message tool: cross-channel
// delivery to another platform or chat from inside a conversation.
package message

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Sender is the outbound surface the gateway exposes to this tool.
type Sender interface {
	// SendTo delivers text to a chat on a platform. Empty chatID means
	// the platform's home channel.
	SendTo(ctx context.Context, platform models.Platform, chatID, text string) (models.SendResult, error)
}

// Tool sends messages across channels.
type Tool struct {
	sender Sender
}

// New creates the send_message tool.
func New(sender Sender) *Tool {
	return &Tool{sender: sender}
}

func (t *Tool) Name() string { return "send_message" }

func (t *Tool) Description() string {
	return "Send a message to another channel. Target is 'platform' (home channel) or 'platform:chat_id'."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target": map[string]any{
				"type":        "string",
				"description": "Destination: platform name, optionally with ':chat_id' (e.g. telegram:12345).",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Text to send.",
			},
		},
		"required": []string{"target", "message"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.sender == nil {
		return agent.ErrorResultf("no outbound channels configured"), nil
	}
	var input struct {
		Target  string `json:"target"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}
	if strings.TrimSpace(input.Message) == "" {
		return agent.ErrorResultf("message is required"), nil
	}

	platformPart, chatID, _ := strings.Cut(strings.TrimSpace(input.Target), ":")
	platform := models.Platform(strings.ToLower(platformPart))
	switch platform {
	case models.PlatformTelegram, models.PlatformDiscord, models.PlatformSlack, models.PlatformWhatsApp, models.PlatformCLI:
	default:
		return agent.ErrorResultf("unknown target platform %q", platformPart), nil
	}

	result, err := t.sender.SendTo(ctx, platform, chatID, input.Message)
	if err != nil {
		return agent.ErrorResult("send", err), nil
	}
	if !result.Success {
		return agent.ErrorResultf("delivery failed: %s", result.Error), nil
	}
	return agent.JSONResult(map[string]any{
		"success":    true,
		"message_id": result.MessageID,
	}), nil
}
