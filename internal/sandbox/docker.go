package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// DockerBackend launches (or reuses) one container per task_id. The
// container's /workspace is bind-mounted from a host directory under
// {root}/docker/{task_id}/ so files survive container restarts, and
// commands run via docker exec.
type DockerBackend struct {
	taskID    string
	image     string
	root      string
	container string

	mu      sync.Mutex
	started bool
	cleaned bool
}

const dockerWorkdir = "/workspace"

// NewDockerBackend prepares a container-backed sandbox. The container
// is started lazily on first Execute.
func NewDockerBackend(taskID, image, root string) *DockerBackend {
	if image == "" {
		image = "ubuntu:24.04"
	}
	return &DockerBackend{
		taskID:    taskID,
		image:     image,
		root:      root,
		container: "hermes-sbx-" + sanitizeID(taskID),
	}
}

func (b *DockerBackend) Kind() models.SandboxBackendKind { return models.SandboxDocker }

func (b *DockerBackend) hostWorkspace() string {
	return filepath.Join(b.root, "docker", sanitizeID(b.taskID))
}

func (b *DockerBackend) ensureStarted(ctx context.Context, req ExecRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	ws := b.hostWorkspace()
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	// Reuse a still-running container from a previous process.
	probe := ExecRequest{Cancel: req.Cancel}
	res, err := runHostCommand(ctx, []string{
		"docker", "inspect", "--format", "{{.State.Running}}", b.container,
	}, probe, "", nil)
	if err == nil && res.ReturnCode == 0 && strings.TrimSpace(res.Output) == "true" {
		b.started = true
		return nil
	}

	runHostCommand(ctx, []string{"docker", "rm", "-f", b.container}, probe, "", nil)

	res, err = runHostCommand(ctx, []string{
		"docker", "run", "-d",
		"--name", b.container,
		"-v", ws + ":" + dockerWorkdir,
		"-w", dockerWorkdir,
		b.image,
		"sleep", "infinity",
	}, probe, "", nil)
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("docker run failed: %s", strings.TrimSpace(res.Output))
	}
	b.started = true
	return nil
}

// Execute runs the command inside the task's container.
func (b *DockerBackend) Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error) {
	if err := b.ensureStarted(ctx, req); err != nil {
		return models.ExecResult{}, err
	}

	cwd := dockerWorkdir
	if req.Cwd != "" {
		if filepath.IsAbs(req.Cwd) {
			cwd = req.Cwd
		} else {
			cwd = filepath.Join(dockerWorkdir, req.Cwd)
		}
	}

	argv := []string{"docker", "exec", "-w", cwd}
	if req.Stdin != "" {
		argv = append(argv, "-i")
	}
	argv = append(argv, b.container, "/bin/sh", "-c", req.Command)
	return runHostCommand(ctx, argv, req, "", nil)
}

// Cleanup stops and removes the container. The bind-mounted workspace
// under {root}/docker/{task_id}/ is the persistence layer and is left
// in place.
func (b *DockerBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return nil
	}
	b.cleaned = true
	if !b.started {
		return nil
	}
	req := ExecRequest{Cancel: NewCancelFlag()}
	res, err := runHostCommand(context.Background(), []string{"docker", "rm", "-f", b.container}, req, "", nil)
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("docker rm: %s", strings.TrimSpace(res.Output))
	}
	return nil
}

func sanitizeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}
