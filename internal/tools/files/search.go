package files

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
)

// SearchTool implements search_files: regex search over file contents
// or names, with glob filtering and three output modes.
type SearchTool struct {
	resolver Resolver
}

// NewSearchTool creates a search tool scoped to the workspace.
func NewSearchTool(cfg Config) *SearchTool {
	return &SearchTool{resolver: Resolver{Root: cfg.Workspace}}
}

const (
	maxSearchMatches  = 200
	maxSearchFileSize = 2 << 20
)

func (t *SearchTool) Name() string { return "search_files" }

func (t *SearchTool) Description() string {
	return "Search workspace files by content or name with a regex pattern."
}

func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under (default: workspace root).",
			},
			"target": map[string]any{
				"type":        "string",
				"enum":        []string{"content", "files"},
				"description": "Match file contents or file names (default: content).",
			},
			"file_glob": map[string]any{
				"type":        "string",
				"description": "Glob filter on file names, e.g. *.go.",
			},
			"output_mode": map[string]any{
				"type":        "string",
				"enum":        []string{"content", "count", "files"},
				"description": "Result shape: matching lines, per-file counts, or file paths.",
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type contentMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		Target     string `json:"target"`
		FileGlob   string `json:"file_glob"`
		OutputMode string `json:"output_mode"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ErrorResult("invalid_parameters", err), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return agent.ErrorResultf("pattern is required"), nil
	}
	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return agent.ErrorResult("invalid_pattern", err), nil
	}
	if input.Target == "" {
		input.Target = "content"
	}
	if input.OutputMode == "" {
		input.OutputMode = "content"
	}

	rootPath := input.Path
	if rootPath == "" {
		rootPath = "."
	}
	resolved, err := t.resolver.Resolve(rootPath)
	if err != nil {
		return agent.ErrorResult("path", err), nil
	}

	var (
		matches    []contentMatch
		counts     = map[string]int{}
		fileOrder  []string
		totalFound int
	)

	walkErr := filepath.WalkDir(resolved, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if input.FileGlob != "" {
			if ok, _ := filepath.Match(input.FileGlob, name); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(resolved, path)

		if input.Target == "files" {
			if re.MatchString(name) || re.MatchString(rel) {
				if counts[rel] == 0 {
					fileOrder = append(fileOrder, rel)
				}
				counts[rel]++
				totalFound++
			}
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileSize {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			if counts[rel] == 0 {
				fileOrder = append(fileOrder, rel)
			}
			counts[rel]++
			totalFound++
			if len(matches) < maxSearchMatches {
				matches = append(matches, contentMatch{Path: rel, Line: lineNo, Text: truncateLine(line)})
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return agent.ErrorResult("walk", walkErr), nil
	}

	switch input.OutputMode {
	case "files":
		return agent.JSONResult(map[string]any{"files": fileOrder, "total": len(fileOrder)}), nil
	case "count":
		return agent.JSONResult(map[string]any{"counts": counts, "total": totalFound}), nil
	default:
		return agent.JSONResult(map[string]any{
			"matches":   matches,
			"total":     totalFound,
			"truncated": totalFound > len(matches),
		}), nil
	}
}

func truncateLine(line string) string {
	const max = 400
	if len(line) <= max {
		return line
	}
	return line[:max] + "…"
}
