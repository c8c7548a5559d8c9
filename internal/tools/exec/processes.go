package exec

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
)

// ProcessTool inspects and manages background processes started via
// terminal with background=true.
type ProcessTool struct{}

// NewProcessTool creates the process management tool.
func NewProcessTool() *ProcessTool { return &ProcessTool{} }

func (t *ProcessTool) Name() string { return "processes" }

func (t *ProcessTool) Description() string {
	return "Inspect background terminal processes: list, status, output, kill."
}

func (t *ProcessTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"list", "status", "output", "kill"},
				"description": "What to do.",
			},
			"process_id": map[string]any{
				"type":        "string",
				"description": "Target process id (status/output).",
			},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ProcessTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	tc := agent.ToolContextFrom(ctx)
	if tc.Processes == nil {
		return agent.ErrorResultf("process registry unavailable"), nil
	}

	var input struct {
		Action    string `json:"action"`
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "list":
		return agent.JSONResult(map[string]any{"processes": tc.Processes.List(tc.TaskID)}), nil

	case "status", "output":
		rec, ok := tc.Processes.Get(input.ProcessID)
		if !ok {
			return agent.ErrorResultf("process not found: %s", input.ProcessID), nil
		}
		if rec.TaskID != tc.TaskID {
			return agent.ErrorResultf("process not found: %s", input.ProcessID), nil
		}
		return agent.JSONResult(rec), nil

	case "kill":
		n := tc.Processes.KillAll(tc.TaskID)
		return agent.JSONResult(map[string]any{"killed": n}), nil

	default:
		return agent.ErrorResultf("unsupported action %q", input.Action), nil
	}
}
