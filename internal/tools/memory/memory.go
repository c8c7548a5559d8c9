// Package memory implements the memory_tool: a persistent on-disk
// notes file the agent can read and append to across sessions. Writes
// are scanned for prompt-injection patterns before they land.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/security"
)

// Tool reads and writes the notes file.
type Tool struct {
	notesPath string
}

// New creates the memory tool bound to notesPath.
func New(notesPath string) *Tool {
	return &Tool{notesPath: notesPath}
}

func (t *Tool) Name() string { return "memory_tool" }

func (t *Tool) Description() string {
	return "Read or append to your persistent notes file. Notes survive across sessions."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "append", "replace"},
				"description": "read returns the notes; append adds a timestamped entry; replace rewrites the whole file.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Text to write (append/replace).",
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

const maxNotesBytes = 512 * 1024

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Action  string `json:"action"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}

	switch strings.ToLower(input.Action) {
	case "read":
		data, err := os.ReadFile(t.notesPath)
		if os.IsNotExist(err) {
			return agent.JSONResult(map[string]any{"notes": "", "empty": true}), nil
		}
		if err != nil {
			return agent.ErrorResult("read", err), nil
		}
		return agent.JSONResult(map[string]any{"notes": string(data)}), nil

	case "append", "replace":
		if strings.TrimSpace(input.Content) == "" {
			return agent.ErrorResultf("content is required"), nil
		}
		if scan := security.ScanPrompt(input.Content); scan.Blocked {
			return agent.ErrorResultf("note rejected by injection scanner (%s): %s", scan.Rule, scan.Detail), nil
		}
		if err := os.MkdirAll(filepath.Dir(t.notesPath), 0o755); err != nil {
			return agent.ErrorResult("mkdir", err), nil
		}

		if input.Action == "replace" {
			if err := os.WriteFile(t.notesPath, []byte(input.Content), 0o644); err != nil {
				return agent.ErrorResult("write", err), nil
			}
			return agent.JSONResult(map[string]any{"status": "replaced", "bytes": len(input.Content)}), nil
		}

		if info, err := os.Stat(t.notesPath); err == nil && info.Size() > maxNotesBytes {
			return agent.ErrorResultf("notes file exceeds %d bytes; use replace to compact it", maxNotesBytes), nil
		}
		f, err := os.OpenFile(t.notesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return agent.ErrorResult("open", err), nil
		}
		defer f.Close()
		entry := "\n## " + time.Now().UTC().Format(time.RFC3339) + "\n" + input.Content + "\n"
		if _, err := f.WriteString(entry); err != nil {
			return agent.ErrorResult("write", err), nil
		}
		return agent.JSONResult(map[string]any{"status": "appended", "bytes": len(entry)}), nil

	default:
		return agent.ErrorResultf("action must be read, append, or replace"), nil
	}
}
