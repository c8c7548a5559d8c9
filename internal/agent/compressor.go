package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SummarySentinel prefixes every synthetic context-summary message so
// later passes (and tests) can recognize it.
const SummarySentinel = "[CONTEXT SUMMARY]:"

// SummarizeFunc condenses a message window with a cheap auxiliary
// model. A nil func falls back to a truncation-notice stub.
type SummarizeFunc func(ctx context.Context, messages []models.Message) (string, error)

// Compressor decides when the next request would blow the model's
// context budget and produces a shortened message list when it would.
// Stateless except for the per-instance compression counter.
type Compressor struct {
	ContextWindow int
	Threshold     float64
	ProtectFirst  int
	ProtectLast   int
	Summarize     SummarizeFunc

	// RenderTodos returns the current plan rendering to preserve
	// across a compression pass; nil or empty disables it.
	RenderTodos func() string

	compressions int
}

// NewCompressor applies the recommended defaults for zero fields.
func NewCompressor(contextWindow int, threshold float64, protectFirst, protectLast int) *Compressor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	if protectFirst <= 0 {
		protectFirst = 2
	}
	if protectLast <= 0 {
		protectLast = 2
	}
	return &Compressor{
		ContextWindow: contextWindow,
		Threshold:     threshold,
		ProtectFirst:  protectFirst,
		ProtectLast:   protectLast,
	}
}

// Compressions returns how many times Compress has run.
func (c *Compressor) Compressions() int { return c.compressions }

// ShouldCompress reports whether the candidate message list exceeds
// the budget. promptTokens is the live count from the last response
// when available; zero falls back to the chars/4 estimate.
func (c *Compressor) ShouldCompress(promptTokens int, msgs []models.Message) bool {
	if c.ContextWindow <= 0 {
		return false
	}
	budget := int(float64(c.ContextWindow) * c.Threshold)
	if promptTokens > 0 {
		return promptTokens > budget
	}
	return EstimateTokens(msgs) > budget
}

// EstimateTokens approximates the token count of a message list as
// ceil(total_chars / 4).
func EstimateTokens(msgs []models.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return (chars + 3) / 4
}

// Compress keeps the first and last protected messages verbatim and
// replaces the middle window with a single synthetic system message.
// Tool-call/tool-result pairing is preserved: a pair either survives
// whole or is dropped whole.
func (c *Compressor) Compress(ctx context.Context, msgs []models.Message) []models.Message {
	if len(msgs) <= c.ProtectFirst+c.ProtectLast {
		return msgs
	}
	c.compressions++

	head := append([]models.Message{}, msgs[:c.ProtectFirst]...)
	tail := append([]models.Message{}, msgs[len(msgs)-c.ProtectLast:]...)
	middle := msgs[c.ProtectFirst : len(msgs)-c.ProtectLast]

	summary := c.summarizeWindow(ctx, middle)

	out := head
	out = append(out, models.Message{
		Role:    models.RoleSystem,
		Content: summary,
	})
	if c.RenderTodos != nil {
		if plan := c.RenderTodos(); plan != "" {
			out = append(out, models.Message{Role: models.RoleSystem, Content: plan})
		}
	}
	out = append(out, tail...)
	return repairToolPairing(out)
}

func (c *Compressor) summarizeWindow(ctx context.Context, middle []models.Message) string {
	if c.Summarize != nil {
		if text, err := c.Summarize(ctx, middle); err == nil && strings.TrimSpace(text) != "" {
			return SummarySentinel + " " + strings.TrimSpace(text)
		}
	}
	return fmt.Sprintf("%s %d earlier messages were truncated to fit the context window.",
		SummarySentinel, len(middle))
}

// repairToolPairing enforces the pairing invariant on a compressed
// list: tool results without their assistant call are dropped, and
// assistant tool calls whose results were dropped lose the orphaned
// half as well (the whole message is dropped only when it carried
// nothing but the orphaned calls).
func repairToolPairing(msgs []models.Message) []models.Message {
	callsKept := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			for _, tc := range m.ToolCalls {
				callsKept[tc.ID] = true
			}
		}
	}

	resultsKept := make(map[string]bool)
	filtered := msgs[:0:0]
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			if !callsKept[m.ToolCallID] {
				continue
			}
			resultsKept[m.ToolCallID] = true
		}
		filtered = append(filtered, m)
	}

	// Second pass: assistant calls whose result vanished.
	out := filtered[:0:0]
	for _, m := range filtered {
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			var kept []models.ToolCall
			for _, tc := range m.ToolCalls {
				if resultsKept[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}
