package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake " + f.name }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(f.schema) }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	return &ToolResult{Content: `{"ok":true}`}, nil
}

const objSchema = `{"type":"object","properties":{"x":{"type":"string"}},"required":["x"]}`

func TestSchemasFilterByToolsetAndAvailability(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a", schema: objSchema}, RegisterOptions{Toolset: "one"})
	r.Register(&fakeTool{name: "b", schema: objSchema}, RegisterOptions{
		Toolset: "one",
		CheckFn: func() bool { return false },
	})
	r.Register(&fakeTool{name: "c", schema: objSchema}, RegisterOptions{Toolset: "two"})

	schemas := r.Schemas([]string{"one"})
	if len(schemas) != 1 || schemas[0].Name != "a" {
		t.Fatalf("Schemas = %+v", schemas)
	}
}

func TestToolsetIncludeAndCycle(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "base", schema: objSchema}, RegisterOptions{Toolset: "core"})
	r.Register(&fakeTool{name: "extra", schema: objSchema}, RegisterOptions{Toolset: "ext"})
	r.AddToolsetInclude("ext", "core")
	r.AddToolsetInclude("core", "ext") // cycle, must not hang

	schemas := r.Schemas([]string{"ext"})
	if len(schemas) != 2 {
		t.Fatalf("include resolution: got %d tools", len(schemas))
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "strict", schema: objSchema}, RegisterOptions{Toolset: "t"})

	res := r.Dispatch(context.Background(), "strict", json.RawMessage(`{"x": 5}`))
	if !res.IsError || !strings.Contains(res.Content, "schema_validation") {
		t.Errorf("expected schema error, got %q", res.Content)
	}

	res = r.Dispatch(context.Background(), "strict", json.RawMessage(`{"x":"ok"}`))
	if res.IsError {
		t.Errorf("valid args rejected: %q", res.Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Dispatch(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchConvertsPanicAndError(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "boom",
		schema: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			panic("kaboom")
		},
	}, RegisterOptions{Toolset: "t"})

	res := r.Dispatch(context.Background(), "boom", nil)
	if !res.IsError || !strings.Contains(res.Content, "kaboom") {
		t.Errorf("panic not converted: %+v", res)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Errorf("error result is not JSON: %q", res.Content)
	}

	r.Register(&fakeTool{
		name:   "fail",
		schema: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("bad input")
		},
	}, RegisterOptions{Toolset: "t"})

	res = r.Dispatch(context.Background(), "fail", nil)
	if !res.IsError || !strings.Contains(res.Content, "bad input") {
		t.Errorf("error not converted: %+v", res)
	}
}

func TestAsyncDispatchBlocksForResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "async",
		schema: `{"type":"object"}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: `{"done":true}`}, nil
		},
	}, RegisterOptions{Toolset: "t", IsAsync: true})

	res := r.Dispatch(context.Background(), "async", nil)
	if res.IsError || !strings.Contains(res.Content, "done") {
		t.Errorf("async result = %+v", res)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate name")
		}
	}()
	r := NewRegistry()
	r.Register(&fakeTool{name: "dup", schema: objSchema}, RegisterOptions{Toolset: "t"})
	r.Register(&fakeTool{name: "dup", schema: objSchema}, RegisterOptions{Toolset: "t"})
}

func TestCheckToolsetRequirements(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "ok", schema: objSchema}, RegisterOptions{Toolset: "good"})
	r.Register(&fakeTool{name: "gated", schema: objSchema}, RegisterOptions{
		Toolset: "bad",
		CheckFn: func() bool { return false },
	})

	avail := r.CheckToolsetRequirements()
	if !avail["good"] || avail["bad"] {
		t.Errorf("availability = %v", avail)
	}
}
