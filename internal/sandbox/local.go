package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/hermes/pkg/models"
)

// LocalBackend runs commands directly on the host in a configured
// working directory with a curated environment.
type LocalBackend struct {
	workDir string
	env     []string
}

// curatedEnvKeys are the only host environment variables forwarded into
// locally executed commands. Secrets in the agent's own environment
// (bot tokens, API keys) stay out of child processes.
var curatedEnvKeys = []string{
	"PATH", "HOME", "USER", "SHELL", "LANG", "LC_ALL", "TERM",
	"TMPDIR", "TZ", "SSH_AUTH_SOCK",
}

// NewLocalBackend creates a host-process backend rooted at workDir
// (defaults to the caller's home; a leading ~ resolves against it).
func NewLocalBackend(workDir string) (*LocalBackend, error) {
	resolved, err := expandHome(workDir)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		resolved, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	env := make([]string, 0, len(curatedEnvKeys))
	for _, key := range curatedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return &LocalBackend{workDir: resolved, env: env}, nil
}

func (b *LocalBackend) Kind() models.SandboxBackendKind { return models.SandboxLocal }

// Execute runs the command through the host shell.
func (b *LocalBackend) Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error) {
	dir := b.workDir
	if req.Cwd != "" {
		expanded, err := expandHome(req.Cwd)
		if err != nil {
			return models.ExecResult{}, err
		}
		if filepath.IsAbs(expanded) {
			dir = expanded
		} else {
			dir = filepath.Join(b.workDir, expanded)
		}
	}
	return runHostCommand(ctx, []string{"/bin/sh", "-c", req.Command}, req, dir, b.env)
}

// Cleanup is a no-op: the host owns its own lifecycle.
func (b *LocalBackend) Cleanup() error { return nil }

// expandHome resolves a leading ~ against the caller's home directory
// on the host side.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
