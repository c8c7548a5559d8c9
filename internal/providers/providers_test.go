package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/hermes/pkg/models"
)

func TestCatalogLookup(t *testing.T) {
	tests := []struct {
		model      string
		wantMode   APIMode
		wantWindow int
	}{
		{"gpt-5.2-codex", ModeResponses, 400_000},
		{"GPT-5.2-CODEX", ModeResponses, 400_000},
		{"anthropic/claude-sonnet-4", ModeChat, 200_000},
		{"totally/unknown-model", ModeChat, defaultContextWindow},
		{"some-codex-variant", ModeResponses, defaultContextWindow},
	}
	for _, tt := range tests {
		info := Lookup(tt.model)
		if info.APIMode != tt.wantMode || info.ContextWindow != tt.wantWindow {
			t.Errorf("Lookup(%q) = %+v", tt.model, info)
		}
	}
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		err       *APIError
		retryable bool
	}{
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 500}, true},
		{&APIError{StatusCode: 503}, true},
		{&APIError{Temporary: true}, true},
		{&APIError{StatusCode: 401}, false},
		{&APIError{StatusCode: 400}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.retryable {
			t.Errorf("Retryable(%+v) = %v", tt.err, got)
		}
	}
}

// Reasoning replay: turn 1's encrypted reasoning items must appear in
// turn 2's input list before that assistant turn's function_call
// items.
func TestBuildInputReasoningReplayOrder(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "you are helpful"},
		{Role: models.RoleUser, Content: "list /tmp"},
		{
			Role: models.RoleAssistant,
			CodexReasoningItems: []models.ReasoningItem{
				{ID: "rs_1", EncryptedContent: "blob1"},
				{ID: "rs_empty", EncryptedContent: ""},
			},
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "terminal", Arguments: json.RawMessage(`{"command":"ls /tmp"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: `{"output":"a b c"}`},
	}

	input := BuildInput(messages)

	// System dropped.
	for _, item := range input {
		if m, ok := item.(codexMessageItem); ok && m.Content == "you are helpful" {
			t.Fatal("system message leaked into input")
		}
	}

	reasoningIdx, callIdx, outputIdx := -1, -1, -1
	for i, item := range input {
		switch v := item.(type) {
		case codexReasoningItem:
			if v.ID == "rs_empty" {
				t.Error("empty encrypted_content item not skipped")
			}
			if v.ID == "rs_1" {
				reasoningIdx = i
				if v.EncryptedContent != "blob1" {
					t.Errorf("encrypted content mutated: %q", v.EncryptedContent)
				}
			}
		case codexFunctionCallItem:
			callIdx = i
			if v.CallID != "call_1" {
				t.Errorf("call_id = %q", v.CallID)
			}
		case codexFunctionOutputItem:
			outputIdx = i
			if v.CallID != "call_1" {
				t.Errorf("output call_id = %q", v.CallID)
			}
		}
	}
	if reasoningIdx < 0 || callIdx < 0 || outputIdx < 0 {
		t.Fatalf("missing items: reasoning=%d call=%d output=%d", reasoningIdx, callIdx, outputIdx)
	}
	if reasoningIdx > callIdx {
		t.Errorf("reasoning item at %d must precede function_call at %d", reasoningIdx, callIdx)
	}
	if callIdx > outputIdx {
		t.Errorf("function_call at %d must precede function_call_output at %d", callIdx, outputIdx)
	}
}

func TestParseCodexOutput(t *testing.T) {
	parsed := &codexResponse{
		Status: "completed",
		Output: []codexOutputItem{
			{Type: "reasoning", ID: "rs_9", EncryptedContent: "enc", Summary: []codexSummaryPart{{Type: "summary_text", Text: "thinking hard"}}},
			{Type: "function_call", CallID: "c9", Name: "terminal", Arguments: `{"command":"pwd"}`},
		},
	}
	parsed.Usage.InputTokens = 100
	parsed.Usage.OutputTokens = 20

	resp := parseCodexOutput(parsed)
	if resp.FinishReason != models.FinishToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if len(resp.CodexReasoningItems) != 1 || resp.CodexReasoningItems[0].EncryptedContent != "enc" {
		t.Errorf("reasoning items = %+v", resp.CodexReasoningItems)
	}
	if resp.ReasoningSummary != "thinking hard" {
		t.Errorf("summary = %q", resp.ReasoningSummary)
	}
	if resp.PromptTokens != 100 || resp.CompletionTokens != 20 {
		t.Errorf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
}

func TestParseCodexIncomplete(t *testing.T) {
	parsed := &codexResponse{Status: "incomplete"}
	resp := parseCodexOutput(parsed)
	if resp.FinishReason != models.FinishIncomplete {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestMapChatFinishReason(t *testing.T) {
	if mapChatFinishReason("stop") != models.FinishStop {
		t.Error("stop")
	}
	if mapChatFinishReason("tool_calls") != models.FinishToolCalls {
		t.Error("tool_calls")
	}
	if mapChatFinishReason("length") != models.FinishLength {
		t.Error("length")
	}
}
