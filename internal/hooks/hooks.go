// Package hooks is the discovery-based extension point: any directory
// under the hooks root containing a HOOK.yaml manifest and a
// handler.py script is loaded at startup. Handlers run out-of-process
// (python3) with the event context on stdin; failures are isolated and
// logged, never propagated.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the per-hook manifest file.
const ManifestName = "HOOK.yaml"

// HandlerName is the script each hook directory must provide,
// exposing handle(event_type, context).
const HandlerName = "handler.py"

// handlerTimeout bounds one handler invocation.
const handlerTimeout = 30 * time.Second

// Manifest is the decoded HOOK.yaml.
type Manifest struct {
	Name   string   `yaml:"name"`
	Events []string `yaml:"events"`
}

// Hook is one discovered extension.
type Hook struct {
	Manifest Manifest
	Dir      string
}

// Registry holds the discovered hooks in registration (discovery)
// order.
type Registry struct {
	mu     sync.RWMutex
	root   string
	hooks  []Hook
	logger *slog.Logger
}

// Discover walks root and loads every valid hook directory. A missing
// root yields an empty registry.
func Discover(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{root: root, logger: logger.With("component", "hooks")}
	r.Reload()
	return r
}

// Reload re-scans the hooks root (SIGHUP, explicit command, fs
// notification).
func (r *Registry) Reload() {
	var hooks []Hook
	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.mu.Lock()
		r.hooks = nil
		r.mu.Unlock()
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		manifestPath := filepath.Join(dir, ManifestName)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			r.logger.Warn("invalid hook manifest", "dir", dir, "error", err)
			continue
		}
		if manifest.Name == "" || len(manifest.Events) == 0 {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, HandlerName)); err != nil {
			r.logger.Warn("hook missing handler", "dir", dir)
			continue
		}
		hooks = append(hooks, Hook{Manifest: manifest, Dir: dir})
	}

	r.mu.Lock()
	r.hooks = hooks
	r.mu.Unlock()
	r.logger.Info("hooks loaded", "count", len(hooks))
}

// Hooks returns the discovered hooks.
func (r *Registry) Hooks() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, len(r.hooks))
	copy(out, r.hooks)
	return out
}

// matches reports whether a hook subscribes to eventType, honoring the
// command:* wildcard.
func matches(subscribed, eventType string) bool {
	if subscribed == eventType {
		return true
	}
	if subscribed == "command:*" && strings.HasPrefix(eventType, "command:") {
		return true
	}
	return false
}

// Fire runs every subscribed handler in registration order. A handler
// failure is logged and does not short-circuit the others.
func (r *Registry) Fire(ctx context.Context, eventType string, context_ map[string]any) {
	for _, hook := range r.Hooks() {
		subscribed := false
		for _, ev := range hook.Manifest.Events {
			if matches(ev, eventType) {
				subscribed = true
				break
			}
		}
		if !subscribed {
			continue
		}
		if err := r.runHandler(ctx, hook, eventType, context_); err != nil {
			r.logger.Warn("hook handler failed", "hook", hook.Manifest.Name, "event", eventType, "error", err)
		}
	}
}

func (r *Registry) runHandler(ctx context.Context, hook Hook, eventType string, context_ map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	payload, err := json.Marshal(context_)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	// Import handler.py from the hook directory and call its
	// handle(event_type, context), awaiting it when it is a coroutine.
	const bootstrap = "import asyncio, inspect, json, sys\n" +
		"import handler\n" +
		"result = handler.handle(sys.argv[1], json.load(sys.stdin))\n" +
		"if inspect.iscoroutine(result):\n" +
		"    asyncio.run(result)\n"
	cmd := exec.CommandContext(runCtx, "python3", "-c", bootstrap, eventType)
	cmd.Dir = hook.Dir
	cmd.Stdin = strings.NewReader(string(payload))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
