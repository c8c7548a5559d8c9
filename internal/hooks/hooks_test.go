package hooks

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHook(t *testing.T, root, name string, events []string, withHandler bool) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "name: " + name + "\nevents:\n"
	for _, ev := range events {
		manifest += "  - " + ev + "\n"
	}
	os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644)
	if withHandler {
		os.WriteFile(filepath.Join(dir, HandlerName), []byte("def handle(event_type, context):\n    pass\n"), 0o644)
	}
}

func TestDiscoverLoadsValidHooks(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "greeter", []string{"agent:start"}, true)
	writeHook(t, root, "no-handler", []string{"agent:end"}, false)
	writeHook(t, root, "wildcards", []string{"command:*"}, true)

	r := Discover(root, nil)
	hooks := r.Hooks()
	if len(hooks) != 2 {
		t.Fatalf("loaded %d hooks, want 2 (missing handler skipped)", len(hooks))
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	r := Discover(filepath.Join(t.TempDir(), "absent"), nil)
	if len(r.Hooks()) != 0 {
		t.Error("missing root should yield empty registry")
	}
}

func TestWildcardMatching(t *testing.T) {
	tests := []struct {
		subscribed, event string
		want              bool
	}{
		{"agent:start", "agent:start", true},
		{"agent:start", "agent:end", false},
		{"command:*", "command:reset", true},
		{"command:*", "agent:start", false},
		{"command:reset", "command:reset", true},
	}
	for _, tt := range tests {
		if got := matches(tt.subscribed, tt.event); got != tt.want {
			t.Errorf("matches(%q, %q) = %v", tt.subscribed, tt.event, got)
		}
	}
}

func TestReloadPicksUpNewHooks(t *testing.T) {
	root := t.TempDir()
	r := Discover(root, nil)
	if len(r.Hooks()) != 0 {
		t.Fatal("expected empty registry")
	}
	writeHook(t, root, "late", []string{"session:start"}, true)
	r.Reload()
	if len(r.Hooks()) != 1 {
		t.Error("reload missed new hook")
	}
}
