package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Manager owns the live sandbox map: exactly one backend per task_id,
// with creation and teardown serialized per key. It also applies the
// cross-backend obligations (sudo rewrite, persistence bookkeeping)
// so individual backends stay focused on transport.
type Manager struct {
	cfg    config.SandboxConfig
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	backends map[string]Backend

	persistMu sync.Mutex
	persisted map[string]PersistRecord
}

// PersistRecord is the durable filesystem-state pointer a stateful
// backend leaves behind at cleanup, keyed by task_id.
type PersistRecord struct {
	Backend models.SandboxBackendKind `json:"backend"`
	Path    string                    `json:"path"`
	SavedAt time.Time                 `json:"saved_at"`
}

// NewManager builds a sandbox manager rooted at the sandboxes dir.
func NewManager(cfg config.SandboxConfig, sandboxesDir string, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		root:      sandboxesDir,
		logger:    logger.With("component", "sandbox"),
		backends:  make(map[string]Backend),
		persisted: make(map[string]PersistRecord),
	}
	m.loadPersistMap()
	return m
}

func (m *Manager) persistMapPath() string {
	return filepath.Join(m.root, "persist.json")
}

func (m *Manager) loadPersistMap() {
	data, err := os.ReadFile(m.persistMapPath())
	if err != nil {
		return
	}
	var records map[string]PersistRecord
	if err := json.Unmarshal(data, &records); err != nil {
		m.logger.Warn("corrupt persist map, starting empty", "error", err)
		return
	}
	m.persisted = records
}

func (m *Manager) savePersistMap() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	data, err := json.MarshalIndent(m.persisted, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return
	}
	tmp := m.persistMapPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Warn("write persist map", "error", err)
		return
	}
	os.Rename(tmp, m.persistMapPath())
}

// Acquire returns the live backend for taskID, creating it on first
// use. Creation failures propagate as errors so the agent loop can
// surface them as tool errors without killing the session.
func (m *Manager) Acquire(taskID string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[taskID]; ok {
		return b, nil
	}
	b, err := m.build(taskID)
	if err != nil {
		return nil, err
	}
	m.backends[taskID] = b
	m.logger.Info("sandbox created", "task_id", taskID, "backend", b.Kind())
	return b, nil
}

func (m *Manager) build(taskID string) (Backend, error) {
	switch models.SandboxBackendKind(m.cfg.Backend) {
	case models.SandboxLocal, "":
		return NewLocalBackend(m.cfg.WorkDir)
	case models.SandboxDocker:
		return NewDockerBackend(taskID, m.cfg.Image, m.root), nil
	case models.SandboxSingularity:
		return NewSingularityBackend(taskID, m.cfg.Image, m.root, m.cfg.Persist), nil
	case models.SandboxSSH:
		ssh := m.cfg.SSH
		if ssh.Host == "" {
			return nil, fmt.Errorf("ssh backend selected but no host configured")
		}
		return NewSSHBackend(ssh.Host, ssh.User, ssh.Port, ssh.KeyPath, m.cfg.WorkDir), nil
	case models.SandboxCloud, "modal", "firecracker":
		return NewFirecrackerBackend(taskID, m.root, FirecrackerOptions{
			KernelPath: filepath.Join(m.root, "firecracker", "vmlinux"),
			RootfsPath: filepath.Join(m.root, "firecracker", "rootfs.ext4"),
			SSHUser:    "root",
			SSHKeyPath: filepath.Join(m.root, "firecracker", "id_ed25519"),
			Persist:    m.cfg.Persist,
		}), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", m.cfg.Backend)
	}
}

// Execute runs a command in taskID's sandbox, applying the sudo
// transform before dispatch. The command string the approval gate saw
// is the transformed one.
func (m *Manager) Execute(ctx context.Context, taskID string, req ExecRequest) (models.ExecResult, error) {
	backend, err := m.Acquire(taskID)
	if err != nil {
		return models.ExecResult{}, err
	}

	command, stdinPrefix := policy.RewriteSudo(req.Command, m.cfg.SudoPassword)
	req.Command = command
	if stdinPrefix != "" {
		req.Stdin = stdinPrefix + req.Stdin
	}
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.ExecTimeout
	}
	return backend.Execute(ctx, req)
}

// Release tears down taskID's sandbox if one is live, recording any
// persisted filesystem state first. Safe to call when no sandbox
// exists.
func (m *Manager) Release(taskID string) error {
	m.mu.Lock()
	backend, ok := m.backends[taskID]
	if ok {
		delete(m.backends, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.cfg.Persist {
		var path string
		switch backend.Kind() {
		case models.SandboxDocker:
			path = filepath.Join(m.root, "docker", sanitizeID(taskID))
		case models.SandboxSingularity:
			path = filepath.Join(m.root, "singularity", "overlays", sanitizeID(taskID))
		case models.SandboxCloud:
			path = filepath.Join(m.root, "firecracker", sanitizeID(taskID))
		}
		if path != "" {
			m.persistMu.Lock()
			m.persisted[taskID] = PersistRecord{Backend: backend.Kind(), Path: path, SavedAt: time.Now()}
			m.persistMu.Unlock()
			m.savePersistMap()
		}
	}

	if err := backend.Cleanup(); err != nil {
		m.logger.Warn("sandbox cleanup failed", "task_id", taskID, "error", err)
		return err
	}
	m.logger.Info("sandbox released", "task_id", taskID)
	return nil
}

// ReleaseAll tears down every live sandbox; used at daemon shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id)
	}
}

// Persisted returns the stored filesystem-state record for taskID.
func (m *Manager) Persisted(taskID string) (PersistRecord, bool) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	rec, ok := m.persisted[taskID]
	return rec, ok
}
