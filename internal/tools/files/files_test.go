package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	w := NewWriteTool(Config{Workspace: ws})
	r := NewReadTool(Config{Workspace: ws})

	res, err := w.Execute(context.Background(), json.RawMessage(`{"path":"a/b.txt","content":"hello world"}`))
	if err != nil || res.IsError {
		t.Fatalf("write: %v %+v", err, res)
	}

	res, err = r.Execute(context.Background(), json.RawMessage(`{"path":"a/b.txt"}`))
	if err != nil || res.IsError {
		t.Fatalf("read: %v %+v", err, res)
	}
	if !strings.Contains(res.Content, "hello world") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestReadOffsetLimit(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "f.txt"), []byte("0123456789"), 0o644)
	r := NewReadTool(Config{Workspace: ws})

	res, err := r.Execute(context.Background(), json.RawMessage(`{"path":"f.txt","offset":2,"limit":3}`))
	if err != nil || res.IsError {
		t.Fatalf("read: %v %+v", err, res)
	}
	var payload struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	json.Unmarshal([]byte(res.Content), &payload)
	if payload.Content != "234" || !payload.Truncated {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDenyListClosure(t *testing.T) {
	home, _ := os.UserHomeDir()
	denied := []string{
		"/etc/shadow", "/etc/passwd", "/etc/sudoers",
		"/etc/sudoers.d/99-custom", "/etc/systemd/system/evil.service",
		filepath.Join(home, ".bashrc"), filepath.Join(home, ".zshrc"),
		filepath.Join(home, ".profile"), filepath.Join(home, ".bash_profile"),
		filepath.Join(home, ".zprofile"), filepath.Join(home, ".netrc"),
		filepath.Join(home, ".npmrc"), filepath.Join(home, ".pypirc"),
		filepath.Join(home, ".pgpass"), filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".aws", "credentials"),
		filepath.Join(home, ".gnupg", "secring.gpg"),
		filepath.Join(home, ".kube", "config"),
		filepath.Join(home, ".env"),
	}
	for _, path := range denied {
		if blocked, _ := DeniedWrite(path); !blocked {
			t.Errorf("DeniedWrite(%q) = false, want blocked", path)
		}
	}
	allowed := []string{
		filepath.Join(home, "project", "main.go"),
		"/tmp/scratch.txt",
		filepath.Join(home, "envfile.txt"),
	}
	for _, path := range allowed {
		if blocked, reason := DeniedWrite(path); blocked {
			t.Errorf("DeniedWrite(%q) = true (%s), want allowed", path, reason)
		}
	}
}

func TestWriteToolRefusesDenied(t *testing.T) {
	home, _ := os.UserHomeDir()
	w := NewWriteTool(Config{Workspace: home})
	rcPath := filepath.Join(home, ".bashrc")
	before, _ := os.ReadFile(rcPath)

	params := fmt.Sprintf(`{"path":%q,"content":"pwned"}`, rcPath)
	res, err := w.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "denied") {
		t.Fatalf("expected deny, got %+v", res)
	}
	after, _ := os.ReadFile(rcPath)
	if string(before) != string(after) {
		t.Error("filesystem changed despite deny")
	}
}

func TestPatchReplaceMode(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "f.txt"), []byte("alpha beta alpha"), 0o644)
	p := NewPatchTool(Config{Workspace: ws})

	res, err := p.Execute(context.Background(), json.RawMessage(
		`{"mode":"replace","path":"f.txt","old_string":"alpha","new_string":"gamma"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("ambiguous old_string should error without replace_all")
	}

	res, _ = p.Execute(context.Background(), json.RawMessage(
		`{"mode":"replace","path":"f.txt","old_string":"alpha","new_string":"gamma","replace_all":true}`))
	if res.IsError {
		t.Fatalf("replace_all failed: %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "f.txt"))
	if string(data) != "gamma beta gamma" {
		t.Errorf("content = %q", data)
	}
}

func TestPatchEnvelopeMode(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "main.txt"), []byte("one\ntwo\nthree\n"), 0o644)
	p := NewPatchTool(Config{Workspace: ws})

	diff := `*** Begin Patch
*** Update File: main.txt
@@
 one
-two
+TWO
 three
*** Add File: fresh.txt
+brand new
*** End Patch`

	params, _ := json.Marshal(map[string]string{"mode": "patch", "v4a_diff": diff})
	res, err := p.Execute(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("patch failed: %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "main.txt"))
	if string(data) != "one\nTWO\nthree\n" {
		t.Errorf("updated = %q", data)
	}
	fresh, _ := os.ReadFile(filepath.Join(ws, "fresh.txt"))
	if string(fresh) != "brand new\n" {
		t.Errorf("added = %q", fresh)
	}
}

func TestSearchContentAndModes(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "a.go"), []byte("package a\nfunc Hello() {}\n"), 0o644)
	os.WriteFile(filepath.Join(ws, "b.txt"), []byte("hello text\n"), 0o644)
	s := NewSearchTool(Config{Workspace: ws})

	res, err := s.Execute(context.Background(), json.RawMessage(
		`{"pattern":"Hello","file_glob":"*.go"}`))
	if err != nil || res.IsError {
		t.Fatalf("search: %v %+v", err, res)
	}
	var payload struct {
		Matches []contentMatch `json:"matches"`
		Total   int            `json:"total"`
	}
	json.Unmarshal([]byte(res.Content), &payload)
	if payload.Total != 1 || payload.Matches[0].Path != "a.go" || payload.Matches[0].Line != 2 {
		t.Errorf("payload = %+v", payload)
	}

	res, _ = s.Execute(context.Background(), json.RawMessage(
		`{"pattern":"\\.go$","target":"files","output_mode":"files"}`))
	var files struct {
		Files []string `json:"files"`
	}
	json.Unmarshal([]byte(res.Content), &files)
	if len(files.Files) != 1 || files.Files[0] != "a.go" {
		t.Errorf("files = %+v", files)
	}
}

func TestResolverEscapesRejected(t *testing.T) {
	r := Resolver{Root: t.TempDir()}
	if _, err := r.Resolve("../outside.txt"); err == nil {
		t.Error("escape not rejected")
	}
}
