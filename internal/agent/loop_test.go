package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/pkg/models"
)

// scriptedClient returns canned responses in order; errors interleave.
type scriptedClient struct {
	steps []scriptStep
	idx   int
	// requests records every request body for shape assertions.
	requests []*providers.Request
}

type scriptStep struct {
	resp *providers.Response
	err  error
}

func (c *scriptedClient) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	c.requests = append(c.requests, req)
	if c.idx >= len(c.steps) {
		return &providers.Response{Content: "default", FinishReason: models.FinishStop}, nil
	}
	step := c.steps[c.idx]
	c.idx++
	return step.resp, step.err
}

func newTestContext() *ToolContext {
	return &ToolContext{
		TaskID:          "task-test",
		ConversationKey: "cli:test",
		SessionID:       "sess-test",
		Gate:            policy.NewCommandGate(),
		Cancel:          sandbox.NewCancelFlag(),
	}
}

func newLoop(client providers.Client, reg *Registry) *Loop {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Loop{
		Client:   client,
		Registry: reg,
		Config:   LoopConfig{Model: "test", MaxIterations: 10, Toolsets: []string{"t"}},
	}
}

func TestSimpleTextTurn(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{Content: "hi there", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, nil)

	res, err := loop.RunTurn(context.Background(), "be brief",
		[]models.Message{{Role: models.RoleUser, Content: "say hi"}}, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hi there" || res.FinishReason != models.FinishStop {
		t.Errorf("result = %+v", res)
	}
	// user + assistant
	if len(res.Messages) != 2 {
		t.Errorf("transcript = %d messages", len(res.Messages))
	}
	toolCalls := 0
	for _, m := range res.Messages {
		toolCalls += len(m.ToolCalls)
	}
	if toolCalls != 0 {
		t.Errorf("tool calls = %d", toolCalls)
	}
}

func TestToolRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name:   "terminal",
		schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: `{"output":"file1 file2","exit_code":0}`}, nil
		},
	}, RegisterOptions{Toolset: "t"})

	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{"command":"ls /tmp"}`)},
			},
		}},
		{resp: &providers.Response{Content: "there are two files", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, reg)

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "list /tmp"}}, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishStop {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}
	// user, assistant(tool_calls), tool, assistant(final)
	if len(res.Messages) != 4 {
		t.Fatalf("transcript = %d messages", len(res.Messages))
	}
	if res.Messages[1].ToolCalls[0].Name != "terminal" {
		t.Errorf("assistant message = %+v", res.Messages[1])
	}
	if res.Messages[2].Role != models.RoleTool || res.Messages[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", res.Messages[2])
	}
	if !strings.Contains(res.Messages[2].Content, "file1 file2") {
		t.Errorf("tool output lost: %q", res.Messages[2].Content)
	}
}

// gatedTerminalFake mirrors the real terminal tool's gate logic: every
// call re-runs detection and the full gate check (session approval,
// then single-use grant), submitting a fresh pending approval when
// neither authorizes the command. This is what the real tool does on
// the post-approval re-dispatch, so the fake cannot hide a gate that
// forgets allow_once grants.
func gatedTerminalFake(command string, executions *int) *fakeTool {
	return &fakeTool{
		name:   "terminal",
		schema: `{"type":"object"}`,
		execute: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			tc := ToolContextFrom(ctx)
			if dangerous, key, desc := policy.Detect(command); dangerous {
				if !tc.Gate.IsApproved(tc.ConversationKey, key) &&
					!tc.Gate.ConsumeAllowOnce(tc.ConversationKey, key) {
					tc.Gate.SubmitPending(tc.ConversationKey, command, key)
					return JSONResult(map[string]any{
						"pending_approval": true,
						"pattern_key":      string(key),
						"description":      desc,
						"command":          command,
					}), nil
				}
			}
			*executions++
			return &ToolResult{Content: `{"output":"removed /tmp/xyz","exit_code":0}`}, nil
		},
	}
}

func TestApprovalAllowOnceExecutesExactlyOnce(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	reg.Register(gatedTerminalFake("rm -rf /tmp/xyz", &executions), RegisterOptions{Toolset: "t"})

	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{}`)}},
		}},
		{resp: &providers.Response{Content: "deleted", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, reg)

	prompts := 0
	loop.OnApproval = func(ctx context.Context, command string, pattern policy.PatternKey, desc string) policy.Resolution {
		prompts++
		if pattern != policy.PatternRmRecursive {
			t.Errorf("prompted pattern = %q", pattern)
		}
		return policy.ResolutionAllowOnce
	}

	tc := newTestContext()
	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "clean up"}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want one", prompts)
	}
	if executions != 1 {
		t.Fatalf("command executed %d times, want exactly once after allow_once", executions)
	}
	// The command's real output, not a sentinel, reaches the transcript.
	var toolMsg *models.Message
	for i := range res.Messages {
		if res.Messages[i].Role == models.RoleTool {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "removed /tmp/xyz") {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if strings.Contains(toolMsg.Content, "pending_approval") {
		t.Errorf("sentinel leaked into transcript: %q", toolMsg.Content)
	}
	if res.Text != "deleted" {
		t.Errorf("text = %q", res.Text)
	}
	// allow_once must NOT store a session approval, and the grant is
	// spent: a new recursive delete prompts again.
	if tc.Gate.IsApproved(tc.ConversationKey, policy.PatternRmRecursive) {
		t.Error("allow_once leaked into session approvals")
	}
	if tc.Gate.ConsumeAllowOnce(tc.ConversationKey, policy.PatternRmRecursive) {
		t.Error("single-use grant not consumed by the re-dispatch")
	}

	client.steps = append(client.steps,
		scriptStep{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "c2", Name: "terminal", Arguments: json.RawMessage(`{}`)}},
		}},
		scriptStep{resp: &providers.Response{Content: "deleted again", FinishReason: models.FinishStop}},
	)
	if _, err := loop.RunTurn(context.Background(), "",
		append(res.Messages, models.Message{Role: models.RoleUser, Content: "again"}), tc); err != nil {
		t.Fatal(err)
	}
	if prompts != 2 {
		t.Errorf("prompts = %d, want a fresh prompt for the next recursive delete", prompts)
	}
	if executions != 2 {
		t.Errorf("executions = %d after second approval", executions)
	}
}

func TestApprovalDenyBlocksExecution(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	reg.Register(gatedTerminalFake("rm -rf /tmp/xyz", &executions), RegisterOptions{Toolset: "t"})

	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{}`)}},
		}},
		{resp: &providers.Response{Content: "understood", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, reg)
	loop.OnApproval = func(context.Context, string, policy.PatternKey, string) policy.Resolution {
		return policy.ResolutionDeny
	}

	tc := newTestContext()
	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "clean up"}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if executions != 0 {
		t.Errorf("denied command executed %d times", executions)
	}
	var toolMsg *models.Message
	for i := range res.Messages {
		if res.Messages[i].Role == models.RoleTool {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "denied") {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestApprovalAllowAlwaysStoresSessionApproval(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	reg.Register(gatedTerminalFake("rm -rf /tmp/xyz", &executions), RegisterOptions{Toolset: "t"})

	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{}`)}},
		}},
		{resp: &providers.Response{Content: "done", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, reg)
	loop.OnApproval = func(context.Context, string, policy.PatternKey, string) policy.Resolution {
		return policy.ResolutionAllowAlways
	}

	tc := newTestContext()
	if _, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "clean"}}, tc); err != nil {
		t.Fatal(err)
	}
	if !tc.Gate.IsApproved(tc.ConversationKey, policy.PatternRmRecursive) {
		t.Error("allow_always did not store session approval")
	}
	if executions != 1 {
		t.Errorf("command executed %d times, want once", executions)
	}
}

func TestIterationLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "spin", schema: `{"type":"object"}`}, RegisterOptions{Toolset: "t"})

	client := &scriptedClient{}
	for i := 0; i < 20; i++ {
		client.steps = append(client.steps, scriptStep{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "x", Name: "spin", Arguments: json.RawMessage(`{}`)}},
		}})
	}
	loop := newLoop(client, reg)
	loop.Config.MaxIterations = 3

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "go"}}, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "[Iteration limit reached]" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCancellationBound(t *testing.T) {
	slow := &slowClient{}
	loop := newLoop(slow, nil)
	tc := newTestContext()

	go func() {
		time.Sleep(300 * time.Millisecond)
		tc.Cancel.Set()
	}()
	start := time.Now()
	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hang"}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Interrupted || res.Text != "[Interrupted]" {
		t.Errorf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, want within 2s", elapsed)
	}
}

type slowClient struct{}

func (c *slowClient) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return &providers.Response{Content: "too late", FinishReason: models.FinishStop}, nil
	}
}

func TestIncompleteContinuationBounded(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{FinishReason: models.FinishIncomplete}},
		{resp: &providers.Response{FinishReason: models.FinishIncomplete}},
		{resp: &providers.Response{FinishReason: models.FinishIncomplete}},
		{resp: &providers.Response{FinishReason: models.FinishIncomplete}},
	}}
	loop := newLoop(client, nil)

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "think"}}, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != models.FinishIncomplete {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}
	// Bounded: initial + 2 continuations + final partial emit.
	if len(client.requests) > 4 {
		t.Errorf("requests = %d, continuation unbounded", len(client.requests))
	}
}

func TestFatalProviderError(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: &providers.APIError{Provider: "openrouter", StatusCode: 401, Message: "bad key"}},
	}}
	loop := newLoop(client, nil)

	_, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, newTestContext())
	var fatal *FatalProviderError
	if err == nil || !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalProviderError", err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: &providers.APIError{Provider: "openrouter", StatusCode: 503, Message: "overloaded"}},
		{resp: &providers.Response{Content: "recovered", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, nil)

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "recovered" {
		t.Errorf("text = %q", res.Text)
	}
	if len(client.requests) != 2 {
		t.Errorf("requests = %d", len(client.requests))
	}
}

func TestToolResultTruncation(t *testing.T) {
	loop := newLoop(&scriptedClient{}, nil)
	loop.Config.ToolResultCap = 100
	big := strings.Repeat("x", 500)
	out := loop.truncateResult(big)
	if len(out) >= 500 {
		t.Errorf("not truncated: %d bytes", len(out))
	}
	if !strings.Contains(out, "[…truncated…]") {
		t.Errorf("marker missing: %q", out)
	}
}

func TestInterceptBypassesRegistry(t *testing.T) {
	var intercepted atomic.Bool
	client := &scriptedClient{steps: []scriptStep{
		{resp: &providers.Response{
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "todo", Arguments: json.RawMessage(`{}`)}},
		}},
		{resp: &providers.Response{Content: "ok", FinishReason: models.FinishStop}},
	}}
	loop := newLoop(client, NewRegistry())
	loop.Intercept = map[string]Tool{
		"todo": &fakeTool{
			name:   "todo",
			schema: `{"type":"object"}`,
			execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
				intercepted.Store(true)
				return &ToolResult{Content: `{"todos":[]}`}, nil
			},
		},
	}

	if _, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "plan"}}, newTestContext()); err != nil {
		t.Fatal(err)
	}
	if !intercepted.Load() {
		t.Error("todo not intercepted before registry dispatch")
	}
}
