package skills

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/hermes/internal/agent"
)

// CategoriesTool lists skill categories with counts.
type CategoriesTool struct{ lib *Library }

// NewCategoriesTool creates the skills_categories tool.
func NewCategoriesTool(lib *Library) *CategoriesTool { return &CategoriesTool{lib: lib} }

func (t *CategoriesTool) Name() string { return "skills_categories" }

func (t *CategoriesTool) Description() string {
	return "List available skill categories and how many skills each holds."
}

func (t *CategoriesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *CategoriesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	_ = params
	return agent.JSONResult(map[string]any{"categories": t.lib.Categories()}), nil
}

// ListTool lists skills, optionally filtered by category.
type ListTool struct{ lib *Library }

// NewListTool creates the skills_list tool.
func NewListTool(lib *Library) *ListTool { return &ListTool{lib: lib} }

func (t *ListTool) Name() string { return "skills_list" }

func (t *ListTool) Description() string {
	return "List skills with their one-line descriptions, optionally filtered by category."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"category": {"type": "string", "description": "Filter to one category."}
		}
	}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Category string `json:"category"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return agent.ErrorResult("invalid_parameters", err), nil
		}
	}
	return agent.JSONResult(map[string]any{"skills": t.lib.List(input.Category)}), nil
}

// ViewTool loads a skill's body or one of its linked files.
type ViewTool struct{ lib *Library }

// NewViewTool creates the skill_view tool.
func NewViewTool(lib *Library) *ViewTool { return &ViewTool{lib: lib} }

func (t *ViewTool) Name() string { return "skill_view" }

func (t *ViewTool) Description() string {
	return "Read a skill's SKILL.md, or a file linked from it via file_path."
}

func (t *ViewTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Skill name."},
			"file_path": {"type": "string", "description": "Linked file inside the skill directory."}
		},
		"required": ["name"]
	}`)
}

func (t *ViewTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Name     string `json:"name"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}
	content, err := t.lib.View(input.Name, input.FilePath)
	if err != nil {
		return agent.ErrorResult("view", err), nil
	}
	return agent.JSONResult(map[string]any{"name": input.Name, "content": content}), nil
}
