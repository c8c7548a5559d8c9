// Package sessionsearch implements the session_search tool: full-text
// search over past transcripts, optionally digested by a cheap
// auxiliary model before the result reaches the main conversation.
package sessionsearch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Summarizer condenses raw search matches with an auxiliary model.
// A nil Summarizer returns the raw snippets.
type Summarizer func(ctx context.Context, query string, matches []sessions.SearchMatch) (string, error)

// Tool searches past session transcripts.
type Tool struct {
	store     *sessions.Store
	summarize Summarizer
}

// New creates the session_search tool.
func New(store *sessions.Store, summarize Summarizer) *Tool {
	return &Tool{store: store, summarize: summarize}
}

func (t *Tool) Name() string { return "session_search" }

func (t *Tool) Description() string {
	return "Search past conversation transcripts by keyword; returns a digest of matching exchanges."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Full-text search query.",
			},
			"role_filter": map[string]any{
				"type":        "string",
				"enum":        []string{"user", "assistant", "tool", "system"},
				"description": "Restrict matches to one role.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Max matches (1-5).",
				"minimum":     1,
				"maximum":     5,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.store == nil {
		return agent.ErrorResultf("session store unavailable"), nil
	}
	var input struct {
		Query      string `json:"query"`
		RoleFilter string `json:"role_filter"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return agent.ErrorResultf("query is required"), nil
	}
	limit := input.Limit
	if limit <= 0 || limit > 5 {
		limit = 5
	}

	matches, err := t.store.SearchMessages(ctx, input.Query, "", models.Role(input.RoleFilter), limit, 0)
	if err != nil {
		return agent.ErrorResult("search", err), nil
	}
	if len(matches) == 0 {
		return agent.JSONResult(map[string]any{"matches": 0, "digest": "no past conversations matched"}), nil
	}

	if t.summarize != nil {
		digest, err := t.summarize(ctx, input.Query, matches)
		if err == nil && digest != "" {
			return agent.JSONResult(map[string]any{"matches": len(matches), "digest": digest}), nil
		}
		// Summarizer failure falls through to raw snippets.
	}

	raw := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entry := map[string]any{
			"session_id": m.SessionID,
			"role":       m.Role,
			"snippet":    m.Snippet,
		}
		if m.Before != nil {
			entry["before"] = m.Before.Content
		}
		if m.After != nil {
			entry["after"] = m.After.Content
		}
		raw = append(raw, entry)
	}
	return agent.JSONResult(map[string]any{"matches": len(matches), "results": raw}), nil
}
