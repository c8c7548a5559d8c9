package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/hermes/pkg/models"
)

func TestShouldCompressEstimate(t *testing.T) {
	c := NewCompressor(1000, 0.85, 2, 2)
	small := []models.Message{{Content: strings.Repeat("a", 100)}}
	if c.ShouldCompress(0, small) {
		t.Error("small transcript should not compress")
	}
	big := []models.Message{{Content: strings.Repeat("a", 4000)}}
	if !c.ShouldCompress(0, big) {
		t.Error("big transcript should compress")
	}
	// Live prompt_tokens wins over the estimate.
	if !c.ShouldCompress(900, small) {
		t.Error("live token count over budget should compress")
	}
}

func TestCompressPreservesPlan(t *testing.T) {
	c := NewCompressor(1000, 0.85, 2, 2)
	c.RenderTodos = func() string {
		return "Todo list:\n[~] 1: finish feature X\n"
	}

	var msgs []models.Message
	msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: "system prompt"})
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "first user message"})
	for i := 0; i < 36; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.Message{Role: role, Content: fmt.Sprintf("filler %d", i)})
	}
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "latest question"})
	msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: "latest answer"})

	out := c.Compress(context.Background(), msgs)
	if len(out) > 10 {
		t.Errorf("compressed to %d messages, want <= 10", len(out))
	}

	var hasSummary, hasPlan bool
	for _, m := range out {
		if m.Role == models.RoleSystem && strings.HasPrefix(m.Content, SummarySentinel) {
			hasSummary = true
		}
		if strings.Contains(m.Content, "finish feature X") {
			hasPlan = true
		}
	}
	if !hasSummary {
		t.Error("no [CONTEXT SUMMARY]: message")
	}
	if !hasPlan {
		t.Error("todo plan lost in compression")
	}
	if out[0].Content != "system prompt" || out[1].Content != "first user message" {
		t.Error("protected head mutated")
	}
	if out[len(out)-1].Content != "latest answer" {
		t.Error("protected tail mutated")
	}
	if c.Compressions() != 1 {
		t.Errorf("Compressions = %d", c.Compressions())
	}
}

func TestCompressUsesAuxSummarizer(t *testing.T) {
	c := NewCompressor(1000, 0.85, 1, 1)
	c.Summarize = func(ctx context.Context, msgs []models.Message) (string, error) {
		return fmt.Sprintf("condensed %d messages", len(msgs)), nil
	}
	msgs := make([]models.Message, 8)
	for i := range msgs {
		msgs[i] = models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	out := c.Compress(context.Background(), msgs)
	found := false
	for _, m := range out {
		if strings.Contains(m.Content, "condensed 6 messages") {
			found = true
		}
	}
	if !found {
		t.Errorf("aux summary missing: %+v", out)
	}
}

func TestCompressPreservesToolPairing(t *testing.T) {
	c := NewCompressor(1000, 0.85, 1, 2)

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "do a thing"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "mid1", Name: "terminal"}}},
		{Role: models.RoleTool, ToolCallID: "mid1", Content: "mid result"},
		{Role: models.RoleUser, Content: "more"},
		// Tail: tool result whose call sits in the dropped middle.
		{Role: models.RoleTool, ToolCallID: "dropped-call", Content: "orphan result"},
		{Role: models.RoleAssistant, Content: "done"},
	}

	out := c.Compress(context.Background(), msgs)
	calls := map[string]bool{}
	for _, m := range out {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
	}
	for _, m := range out {
		if m.Role == models.RoleTool && !calls[m.ToolCallID] {
			t.Errorf("orphan tool result survived: %+v", m)
		}
	}
}
