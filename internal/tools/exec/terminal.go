// Package exec implements the terminal tool: shell execution routed
// through the conversation's sandbox backend, gated by the
// dangerous-command approval layer, with optional background launches
// tracked in the process registry.
package exec

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/tools/policy"
)

// TerminalTool runs shell commands in the active sandbox session.
type TerminalTool struct {
	sudoPassword string
}

// NewTerminalTool creates the terminal tool. The sudo password is used
// only to detect the rewrite the sandbox manager will apply, so the
// approval gate sees the exact command that will run.
func NewTerminalTool(sudoPassword string) *TerminalTool {
	return &TerminalTool{sudoPassword: sudoPassword}
}

func (t *TerminalTool) Name() string { return "terminal" }

func (t *TerminalTool) Description() string {
	return "Run a shell command in the sandboxed terminal. Supports timeout and background execution."
}

func (t *TerminalTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory inside the sandbox.",
			},
			"stdin": map[string]any{
				"type":        "string",
				"description": "Content piped to the command's stdin.",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default: backend setting).",
				"minimum":     0,
			},
			"background": map[string]any{
				"type":        "boolean",
				"description": "Launch in the background and return a process id.",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *TerminalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	tc := agent.ToolContextFrom(ctx)
	if tc.Sandbox == nil {
		return agent.ErrorResultf("no sandbox available for this conversation"), nil
	}

	var input struct {
		Command    string `json:"command"`
		Cwd        string `json:"cwd"`
		Stdin      string `json:"stdin"`
		Timeout    int    `json:"timeout"`
		Background bool   `json:"background"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return agent.ErrorResultf("command is required"), nil
	}

	// Pattern detection runs on the command after the sudo rewrite the
	// manager will apply.
	rewritten, _ := policy.RewriteSudo(command, t.sudoPassword)
	if result, blocked := checkDangerGate(tc, rewritten); blocked {
		return result, nil
	}

	req := sandbox.ExecRequest{
		Command: command,
		Cwd:     input.Cwd,
		Stdin:   input.Stdin,
		Timeout: time.Duration(input.Timeout) * time.Second,
		Cancel:  tc.Cancel,
	}

	if input.Background {
		return t.launchBackground(tc, req), nil
	}

	res, err := tc.Sandbox.Execute(ctx, tc.TaskID, req)
	if err != nil {
		return agent.ErrorResult("sandbox", err), nil
	}
	return agent.JSONResult(map[string]any{
		"output":    res.Output,
		"exit_code": res.ReturnCode,
	}), nil
}

// launchBackground runs the command asynchronously, registering it in
// the process registry so the agent can poll or kill it later.
func (t *TerminalTool) launchBackground(tc *agent.ToolContext, req sandbox.ExecRequest) *agent.ToolResult {
	if tc.Processes == nil {
		return agent.ErrorResultf("background execution unavailable: no process registry")
	}
	id := tc.Processes.Register(req.Command, tc.TaskID, 0)

	go func() {
		// Detach from the turn: a background process outlives the
		// current request/response cycle.
		res, err := tc.Sandbox.Execute(context.Background(), tc.TaskID, req)
		if err != nil {
			tc.Processes.AppendOutput(id, []byte(err.Error()))
			tc.Processes.MarkExited(id, 1)
			return
		}
		tc.Processes.AppendOutput(id, []byte(res.Output))
		tc.Processes.MarkExited(id, res.ReturnCode)
	}()

	return agent.JSONResult(map[string]any{
		"status":     "running",
		"process_id": id,
	})
}

// checkDangerGate runs pattern detection and, if the command matches a
// dangerous pattern that is neither permanently allowlisted, approved
// for this session, nor covered by a single-use "allow once" grant,
// returns a pending-approval sentinel result instead of executing
// anything. The agent loop recognizes the "pending_approval" key,
// suspends the turn until resolution, and re-dispatches on approval —
// the re-dispatch lands here again and passes by consuming the grant.
func checkDangerGate(tc *agent.ToolContext, command string) (*agent.ToolResult, bool) {
	if tc.Gate == nil {
		return nil, false
	}
	dangerous, key, description := policy.Detect(command)
	if !dangerous {
		return nil, false
	}
	if tc.Allowlisted != nil && tc.Allowlisted(key) {
		return nil, false
	}
	if tc.Gate.IsApproved(tc.ConversationKey, key) {
		return nil, false
	}
	if tc.Gate.ConsumeAllowOnce(tc.ConversationKey, key) {
		return nil, false
	}
	tc.Gate.SubmitPending(tc.ConversationKey, command, key)
	return agent.JSONResult(map[string]any{
		"pending_approval": true,
		"pattern_key":      string(key),
		"description":      description,
		"command":          truncateForPrompt(command),
	}), true
}

func truncateForPrompt(command string) string {
	const maxLen = 500
	if len(command) <= maxLen {
		return command
	}
	return command[:maxLen] + "…"
}
