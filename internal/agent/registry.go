package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RegisterOptions carries the metadata attached to a tool at
// registration time.
type RegisterOptions struct {
	// Toolset is the named group the tool belongs to.
	Toolset string

	// CheckFn reports whether the tool is currently usable (required
	// binaries present, credentials configured). Nil means always
	// available.
	CheckFn func() bool

	// RequiredEnv lists env vars whose presence CheckToolsetRequirements
	// reports on.
	RequiredEnv []string

	// IsAsync routes the handler through the dedicated async runner so
	// synchronous callers still block on the result.
	IsAsync bool
}

type entry struct {
	tool     Tool
	opts     RegisterOptions
	compiled *jsonschema.Schema
}

// Registry is the single source of truth for tools: schemas, handlers,
// availability, and toolset grouping. It is populated at startup and
// treated as read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	toolsets map[string][]string // toolset -> member tool names
	includes map[string][]string // toolset -> included toolsets

	asyncOnce sync.Once
	asyncJobs chan asyncJob
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		toolsets: make(map[string][]string),
		includes: make(map[string][]string),
	}
}

// Register adds a tool under opts.Toolset. Duplicate names panic:
// names are unique process-wide and collisions are a programming
// error, not a runtime condition.
func (r *Registry) Register(tool Tool, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("duplicate tool registration: %s", name))
	}

	e := &entry{tool: tool, opts: opts}
	if compiled, err := compileSchema(name, tool.Schema()); err == nil {
		e.compiled = compiled
	}
	r.entries[name] = e
	if opts.Toolset != "" {
		r.toolsets[opts.Toolset] = append(r.toolsets[opts.Toolset], name)
	}
}

// AddToolsetInclude composes toolsets: every tool of child is also
// exposed when parent is enabled. Cycles are detected and broken at
// resolution time.
func (r *Registry) AddToolsetInclude(parent, child string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.includes[parent] = append(r.includes[parent], child)
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	compiler := jsonschema.NewCompiler()
	url := "hermes://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// resolveToolsets expands the configured toolset names through their
// includes into a set of tool names, skipping over include cycles.
func (r *Registry) resolveToolsets(toolsets []string) map[string]struct{} {
	names := make(map[string]struct{})
	visited := make(map[string]struct{})

	var walk func(ts string)
	walk = func(ts string) {
		if _, seen := visited[ts]; seen {
			return
		}
		visited[ts] = struct{}{}
		for _, name := range r.toolsets[ts] {
			names[name] = struct{}{}
		}
		for _, child := range r.includes[ts] {
			walk(child)
		}
	}
	for _, ts := range toolsets {
		walk(ts)
	}
	return names
}

// Schemas returns the provider-neutral schema export for the tools of
// the given toolsets whose availability checks pass, sorted by name
// for stable request bodies.
func (r *Registry) Schemas(toolsets []string) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.resolveToolsets(toolsets)
	out := make([]ToolSchema, 0, len(names))
	for name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		if e.opts.CheckFn != nil && !e.opts.CheckFn() {
			continue
		}
		out = append(out, ToolSchema{
			Name:        name,
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// CheckToolsetRequirements reports per-toolset availability: a toolset
// is available when every member tool's CheckFn passes and every
// RequiredEnv variable is set.
func (r *Registry) CheckToolsetRequirements() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.toolsets))
	for ts, members := range r.toolsets {
		ok := true
		for _, name := range members {
			e, found := r.entries[name]
			if !found {
				ok = false
				break
			}
			if e.opts.CheckFn != nil && !e.opts.CheckFn() {
				ok = false
				break
			}
			for _, env := range e.opts.RequiredEnv {
				if os.Getenv(env) == "" {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		out[ts] = ok
	}
	return out
}

// Dispatch validates args against the tool's schema and runs the
// handler, converting every failure mode into a JSON error result.
// The result Content is always a JSON string.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) *ToolResult {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResultf("unknown tool: %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if e.compiled != nil {
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			return ErrorResult("invalid_arguments", err)
		}
		if err := e.compiled.Validate(doc); err != nil {
			return ErrorResult("schema_validation", err)
		}
	}

	if e.opts.IsAsync {
		return r.dispatchAsync(ctx, e, args)
	}
	return runGuarded(ctx, e.tool, args)
}

// runGuarded executes a handler, converting panics and errors into
// error results so a misbehaving tool never kills the agent loop.
func runGuarded(ctx context.Context, tool Tool, args json.RawMessage) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResultf("panic: %v", rec)
		}
	}()
	res, err := tool.Execute(ctx, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("%T", err), err)
	}
	if res == nil {
		return &ToolResult{Content: "{}"}
	}
	return res
}

type asyncJob struct {
	ctx    context.Context
	tool   Tool
	args   json.RawMessage
	result chan *ToolResult
}

// dispatchAsync runs the handler on the dedicated async runner
// goroutine; the caller blocks on the result channel, so event-loop
// ownership never changes hands mid-handler.
func (r *Registry) dispatchAsync(ctx context.Context, e *entry, args json.RawMessage) *ToolResult {
	r.asyncOnce.Do(func() {
		r.asyncJobs = make(chan asyncJob)
		go func() {
			for job := range r.asyncJobs {
				job.result <- runGuarded(job.ctx, job.tool, job.args)
			}
		}()
	})

	job := asyncJob{ctx: ctx, tool: e.tool, args: args, result: make(chan *ToolResult, 1)}
	select {
	case r.asyncJobs <- job:
	case <-ctx.Done():
		return ErrorResultf("cancelled before dispatch")
	}
	select {
	case res := <-job.result:
		return res
	case <-ctx.Done():
		return ErrorResultf("cancelled during execution")
	}
}
