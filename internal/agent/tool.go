// Package agent drives one user turn to completion: request, tool
// calls, tool results, final text, with interruption and context
// compression along the way. It also owns the tool registry that every
// tool in the process registers into at startup.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/hermes/internal/process"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Tool is the contract every callable tool implements.
//
// Example:
//
//	func (c *Calculator) Name() string        { return "calculator" }
//	func (c *Calculator) Description() string { return "Evaluates math expressions" }
//	func (c *Calculator) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`)
//	}
//	func (c *Calculator) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
//	    ...
//	}
type Tool interface {
	// Name returns the unique tool name used for LLM function calling.
	Name() string

	// Description tells the LLM when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with schema-conforming JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution. Content is always a
// JSON document; handler failures are communicated with IsError=true
// rather than a Go error so the LLM can react to them.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolSchema is the provider-neutral export shape for one available
// tool; the concrete type lives in pkg/models so the provider clients
// can share it without importing this package.
type ToolSchema = models.ToolSchema

// ErrorResult renders an error as the conventional
// {"error": "<kind>: <message>"} tool result.
func ErrorResult(kind string, err error) *ToolResult {
	payload, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("%s: %v", kind, err),
	})
	return &ToolResult{Content: string(payload), IsError: true}
}

// ErrorResultf renders a formatted message as an error tool result.
func ErrorResultf(format string, args ...any) *ToolResult {
	payload, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf(format, args...),
	})
	return &ToolResult{Content: string(payload), IsError: true}
}

// JSONResult marshals v as a tool result payload.
func JSONResult(v any) *ToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("encoding", err)
	}
	return &ToolResult{Content: string(payload)}
}

// toolContextKey carries the per-turn ToolContext through dispatch.
type toolContextKey struct{}

// ToolContext is the per-turn state handed to tool handlers: the
// conversation's task id, the live session store, the approval gate,
// and the current sandbox session. Tools read it back out of the
// context they are executed with.
type ToolContext struct {
	TaskID          string
	ConversationKey string
	SessionID       string

	// Store is the live session store handle (nil in isolated runs).
	Store *sessions.Store

	// Gate is the dangerous-command approval gate.
	Gate *policy.CommandGate

	// Allowlisted checks the operator's permanent per-pattern
	// allowlist; nil means nothing is permanently allowed.
	Allowlisted func(policy.PatternKey) bool

	// Sandbox executes terminal commands for this conversation.
	Sandbox *sandbox.Manager

	// Processes tracks background children spawned by tools.
	Processes *process.Registry

	// Cancel is the shared per-turn interruption flag.
	Cancel *sandbox.CancelFlag
}

// WithToolContext attaches tc to ctx for the duration of a dispatch.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFrom retrieves the dispatch context; the zero value is
// returned when a tool runs outside an agent turn (tests, cron
// warmup).
func ToolContextFrom(ctx context.Context) *ToolContext {
	if tc, ok := ctx.Value(toolContextKey{}).(*ToolContext); ok && tc != nil {
		return tc
	}
	return &ToolContext{}
}
