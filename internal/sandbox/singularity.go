package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SingularityBackend boots one persistent Singularity/Apptainer
// instance per task_id with full host isolation (--containall
// --no-home). An optional writable overlay directory under
// {root}/singularity/overlays/{task_id}/ carries filesystem state
// across sessions. SIF images are built once per source image URL and
// cached by content hash of the URL.
type SingularityBackend struct {
	taskID   string
	imageURL string
	root     string
	overlay  bool
	instance string

	mu      sync.Mutex
	started bool
	cleaned bool
}

// NewSingularityBackend prepares an instance-backed sandbox. The
// instance boots lazily on first Execute.
func NewSingularityBackend(taskID, imageURL, root string, overlay bool) *SingularityBackend {
	if imageURL == "" {
		imageURL = "docker://ubuntu:24.04"
	}
	return &SingularityBackend{
		taskID:   taskID,
		imageURL: imageURL,
		root:     root,
		overlay:  overlay,
		instance: "hermes-" + sanitizeID(taskID),
	}
}

func (b *SingularityBackend) Kind() models.SandboxBackendKind { return models.SandboxSingularity }

func (b *SingularityBackend) overlayDir() string {
	return filepath.Join(b.root, "singularity", "overlays", sanitizeID(b.taskID))
}

// sifPath caches built images per source URL so repeated sessions skip
// the pull/build step.
func (b *SingularityBackend) sifPath() string {
	sum := sha256.Sum256([]byte(b.imageURL))
	return filepath.Join(b.root, "singularity", "images", hex.EncodeToString(sum[:8])+".sif")
}

func (b *SingularityBackend) ensureStarted(ctx context.Context, req ExecRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	probe := ExecRequest{Cancel: req.Cancel}
	sif := b.sifPath()
	if _, err := os.Stat(sif); err != nil {
		if err := os.MkdirAll(filepath.Dir(sif), 0o755); err != nil {
			return fmt.Errorf("create image cache: %w", err)
		}
		res, err := runHostCommand(ctx, []string{"singularity", "build", "--force", sif, b.imageURL}, probe, "", nil)
		if err != nil {
			return fmt.Errorf("singularity build: %w", err)
		}
		if res.ReturnCode != 0 {
			return fmt.Errorf("singularity build failed: %s", tail(res.Output, 500))
		}
	}

	argv := []string{"singularity", "instance", "start", "--containall", "--no-home"}
	if b.overlay {
		dir := b.overlayDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create overlay: %w", err)
		}
		argv = append(argv, "--overlay", dir)
	}
	argv = append(argv, sif, b.instance)

	res, err := runHostCommand(ctx, argv, probe, "", nil)
	if err != nil {
		return fmt.Errorf("instance start: %w", err)
	}
	if res.ReturnCode != 0 && !strings.Contains(res.Output, "already exists") {
		return fmt.Errorf("instance start failed: %s", tail(res.Output, 500))
	}
	b.started = true
	return nil
}

// Execute runs the command inside the task's instance. Singularity exec
// has no native stdin piping, so stdin is synthesized as a heredoc with
// a collision-proof random marker.
func (b *SingularityBackend) Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error) {
	if err := b.ensureStarted(ctx, req); err != nil {
		return models.ExecResult{}, err
	}

	command := req.Command
	if req.Stdin != "" {
		command = heredocWrap(command, req.Stdin)
		req.Stdin = ""
	}
	if req.Cwd != "" {
		command = fmt.Sprintf("cd %s && %s", shellQuote(req.Cwd), command)
	}

	argv := []string{"singularity", "exec", "instance://" + b.instance, "/bin/sh", "-c", command}
	return runHostCommand(ctx, argv, req, "", nil)
}

// Cleanup stops the instance. The overlay directory is the persistence
// layer and survives for the next session with the same task_id.
func (b *SingularityBackend) Cleanup() error {
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
	res, err := runHostCommand(context.Background(), []string{"singularity", "instance", "stop", b.instance}, req, "", nil)
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 && !strings.Contains(res.Output, "no instance") {
		return fmt.Errorf("instance stop: %s", tail(res.Output, 500))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
