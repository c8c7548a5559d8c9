package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
)

// PatchTool implements the patch tool with two modes:
//
//   - replace: exact-string find/replace (old_string, new_string,
//     replace_all?)
//   - patch: a v4a-style diff envelope with pre/post context blocks
//     (*** Begin Patch / *** Update File: / *** Add File: /
//     *** Delete File: / *** End Patch)
//
// Both modes pass every target through the deny-list first.
type PatchTool struct {
	resolver Resolver
}

// NewPatchTool creates a patch tool scoped to the workspace.
func NewPatchTool(cfg Config) *PatchTool {
	return &PatchTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *PatchTool) Name() string { return "patch" }

func (t *PatchTool) Description() string {
	return "Edit files: mode 'replace' does exact string replacement; mode 'patch' applies a context diff."
}

func (t *PatchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"replace", "patch"},
				"description": "Edit mode.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "File to edit (replace mode).",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace (replace mode).",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text (replace mode).",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence (default: old_string must occur exactly once).",
			},
			"v4a_diff": map[string]any{
				"type":        "string",
				"description": "Diff envelope (patch mode).",
			},
		},
		"required": []string{"mode"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *PatchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Mode       string `json:"mode"`
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
		V4ADiff    string `json:"v4a_diff"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}

	switch input.Mode {
	case "replace":
		return t.replace(input.Path, input.OldString, input.NewString, input.ReplaceAll)
	case "patch":
		return t.applyEnvelope(input.V4ADiff)
	default:
		return agent.ErrorResultf("mode must be 'replace' or 'patch'"), nil
	}
}

func (t *PatchTool) replace(path, oldString, newString string, replaceAll bool) (*agent.ToolResult, error) {
	if strings.TrimSpace(path) == "" {
		return agent.ErrorResultf("path is required"), nil
	}
	if oldString == "" {
		return agent.ErrorResultf("old_string is required"), nil
	}

	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return agent.ErrorResult("path", err), nil
	}
	if denied, reason := DeniedWrite(resolved); denied {
		return agent.ErrorResultf("denied: %s", reason), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return agent.ErrorResult("read", err), nil
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return agent.ErrorResultf("old_string not found in %s", path), nil
	}
	if !replaceAll && count > 1 {
		return agent.ErrorResultf("old_string appears %d times; pass replace_all or add context", count), nil
	}

	replacements := 1
	if replaceAll {
		content = strings.ReplaceAll(content, oldString, newString)
		replacements = count
	} else {
		content = strings.Replace(content, oldString, newString, 1)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return agent.ErrorResult("write", err), nil
	}
	return agent.JSONResult(map[string]any{"path": path, "replacements": replacements}), nil
}

// envelope section kinds.
const (
	sectionUpdate = "update"
	sectionAdd    = "add"
	sectionDelete = "delete"
)

type patchSection struct {
	kind  string
	path  string
	lines []string
}

func (t *PatchTool) applyEnvelope(diff string) (*agent.ToolResult, error) {
	if strings.TrimSpace(diff) == "" {
		return agent.ErrorResultf("v4a_diff is required"), nil
	}
	sections, err := parseEnvelope(diff)
	if err != nil {
		return agent.ErrorResult("parse", err), nil
	}

	results := make([]map[string]any, 0, len(sections))
	for _, sec := range sections {
		resolved, err := t.resolver.Resolve(sec.path)
		if err != nil {
			return agent.ErrorResult("path", err), nil
		}
		if denied, reason := DeniedWrite(resolved); denied {
			return agent.ErrorResultf("denied: %s", reason), nil
		}

		switch sec.kind {
		case sectionAdd:
			var sb strings.Builder
			for _, line := range sec.lines {
				sb.WriteString(strings.TrimPrefix(line, "+"))
				sb.WriteString("\n")
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return agent.ErrorResult("mkdir", err), nil
			}
			if err := os.WriteFile(resolved, []byte(sb.String()), 0o644); err != nil {
				return agent.ErrorResult("write", err), nil
			}
			results = append(results, map[string]any{"path": sec.path, "action": "added"})

		case sectionDelete:
			if err := os.Remove(resolved); err != nil {
				return agent.ErrorResult("delete", err), nil
			}
			results = append(results, map[string]any{"path": sec.path, "action": "deleted"})

		case sectionUpdate:
			data, err := os.ReadFile(resolved)
			if err != nil {
				return agent.ErrorResult("read", err), nil
			}
			updated, hunks, err := applyContextHunks(string(data), sec.lines)
			if err != nil {
				return agent.ErrorResultf("apply %s: %v", sec.path, err), nil
			}
			if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
				return agent.ErrorResult("write", err), nil
			}
			results = append(results, map[string]any{"path": sec.path, "action": "updated", "hunks": hunks})
		}
	}
	return agent.JSONResult(map[string]any{"applied": results}), nil
}

// parseEnvelope splits the v4a envelope into per-file sections.
func parseEnvelope(diff string) ([]patchSection, error) {
	lines := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")
	var sections []patchSection
	var current *patchSection
	seenBegin := false

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "*** Begin Patch"):
			seenBegin = true
		case strings.HasPrefix(line, "*** End Patch"):
			return finishEnvelope(sections, seenBegin)
		case strings.HasPrefix(line, "*** Update File: "):
			sections = append(sections, patchSection{kind: sectionUpdate, path: strings.TrimSpace(strings.TrimPrefix(line, "*** Update File: "))})
			current = &sections[len(sections)-1]
		case strings.HasPrefix(line, "*** Add File: "):
			sections = append(sections, patchSection{kind: sectionAdd, path: strings.TrimSpace(strings.TrimPrefix(line, "*** Add File: "))})
			current = &sections[len(sections)-1]
		case strings.HasPrefix(line, "*** Delete File: "):
			sections = append(sections, patchSection{kind: sectionDelete, path: strings.TrimSpace(strings.TrimPrefix(line, "*** Delete File: "))})
			current = nil
		default:
			if current != nil {
				current.lines = append(current.lines, line)
			}
		}
	}
	return finishEnvelope(sections, seenBegin)
}

func finishEnvelope(sections []patchSection, seenBegin bool) ([]patchSection, error) {
	if !seenBegin {
		return nil, fmt.Errorf("missing *** Begin Patch header")
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("patch contains no file sections")
	}
	return sections, nil
}

// applyContextHunks applies @@-delimited context hunks: each hunk's
// pre-image (context + removed lines) is located by exact match in the
// file and replaced by its post-image (context + added lines).
func applyContextHunks(content string, lines []string) (string, int, error) {
	var hunks [][]string
	var current []string
	flush := func() {
		if len(current) > 0 {
			hunks = append(hunks, current)
			current = nil
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			flush()
			continue
		}
		if line == "" && len(current) == 0 {
			continue
		}
		current = append(current, line)
	}
	flush()
	if len(hunks) == 0 {
		return "", 0, fmt.Errorf("no hunks in update section")
	}

	for i, hunk := range hunks {
		var oldBlock, newBlock []string
		for _, line := range hunk {
			if line == "" {
				oldBlock = append(oldBlock, "")
				newBlock = append(newBlock, "")
				continue
			}
			text := line[1:]
			switch line[0] {
			case ' ':
				oldBlock = append(oldBlock, text)
				newBlock = append(newBlock, text)
			case '-':
				oldBlock = append(oldBlock, text)
			case '+':
				newBlock = append(newBlock, text)
			default:
				// Tolerate unprefixed context lines.
				oldBlock = append(oldBlock, line)
				newBlock = append(newBlock, line)
			}
		}
		oldText := strings.Join(oldBlock, "\n")
		newText := strings.Join(newBlock, "\n")
		if !strings.Contains(content, oldText) {
			return "", 0, fmt.Errorf("hunk %d context not found", i+1)
		}
		content = strings.Replace(content, oldText, newText, 1)
	}
	return content, len(hunks), nil
}
