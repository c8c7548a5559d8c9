package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/haasonsaas/hermes/pkg/models"
)

// FirecrackerBackend is the cloud-sandbox variant: each task_id gets its
// own microVM and commands reach it over SSH. A copied rootfs per task
// keeps writes isolated between tasks sharing the same base image, and
// that copy is reused when the same task_id boots again. With
// persistence enabled, Cleanup also writes a VM snapshot into the task
// directory; booting does not load that snapshot.
type FirecrackerBackend struct {
	taskID     string
	root       string
	kernelPath string
	rootfsPath string
	sshUser    string
	sshKeyPath string
	persist    bool

	mu      sync.Mutex
	machine *firecracker.Machine
	vmIP    string
	ssh     *SSHBackend
	cleaned bool
}

// FirecrackerOptions configures the microVM backend.
type FirecrackerOptions struct {
	KernelPath string
	RootfsPath string
	SSHUser    string
	SSHKeyPath string
	Persist    bool
	VcpuCount  int64
	MemSizeMib int64
}

// NewFirecrackerBackend prepares a microVM sandbox; the VM boots lazily
// on first Execute.
func NewFirecrackerBackend(taskID, root string, opts FirecrackerOptions) *FirecrackerBackend {
	return &FirecrackerBackend{
		taskID:     taskID,
		root:       root,
		kernelPath: opts.KernelPath,
		rootfsPath: opts.RootfsPath,
		sshUser:    opts.SSHUser,
		sshKeyPath: opts.SSHKeyPath,
		persist:    opts.Persist,
	}
}

func (b *FirecrackerBackend) Kind() models.SandboxBackendKind { return models.SandboxCloud }

func (b *FirecrackerBackend) taskDir() string {
	return filepath.Join(b.root, "firecracker", sanitizeID(b.taskID))
}

func (b *FirecrackerBackend) snapshotPaths() (memPath, statePath string) {
	dir := b.taskDir()
	return filepath.Join(dir, "snapshot.mem"), filepath.Join(dir, "snapshot.state")
}

func (b *FirecrackerBackend) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return fmt.Errorf("firecracker backend already cleaned up")
	}
	if b.machine != nil {
		return nil
	}

	dir := b.taskDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}

	// Per-task writable copy of the base rootfs.
	taskRootfs := filepath.Join(dir, "rootfs.ext4")
	if _, err := os.Stat(taskRootfs); err != nil {
		if err := copyFile(b.rootfsPath, taskRootfs); err != nil {
			return fmt.Errorf("copy rootfs: %w", err)
		}
	}

	sock := filepath.Join(dir, "firecracker.sock")
	os.Remove(sock)

	cfg := firecracker.Config{
		SocketPath:      sock,
		KernelImagePath: b.kernelPath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off",
		Drives:          firecracker.NewDrivesBuilder(taskRootfs).Build(),
		MachineCfg: fcmodels.MachineConfiguration{
			VcpuCount:  firecracker.Int64(2),
			MemSizeMib: firecracker.Int64(1024),
			Smt:        firecracker.Bool(false),
		},
		NetworkInterfaces: firecracker.NetworkInterfaces{{
			CNIConfiguration: &firecracker.CNIConfiguration{
				NetworkName: "hermes-fcnet",
				IfName:      "veth0",
			},
		}},
	}

	machine, err := firecracker.NewMachine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}

	ifaces := machine.Cfg.NetworkInterfaces
	if len(ifaces) == 0 || ifaces[0].StaticConfiguration == nil ||
		ifaces[0].StaticConfiguration.IPConfiguration == nil {
		machine.StopVMM()
		return fmt.Errorf("machine has no routable address")
	}
	b.vmIP = ifaces[0].StaticConfiguration.IPConfiguration.IPAddr.IP.String()

	b.machine = machine
	b.ssh = NewSSHBackend(b.vmIP, b.sshUser, 22, b.sshKeyPath, "/root")
	return nil
}

// Execute boots the VM if needed and runs the command over SSH.
func (b *FirecrackerBackend) Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error) {
	if err := b.ensureStarted(ctx); err != nil {
		return models.ExecResult{}, err
	}
	return b.ssh.Execute(ctx, req)
}

// Cleanup snapshots the VM when persistence is enabled, then tears the
// VMM down. Idempotent.
func (b *FirecrackerBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return nil
	}
	b.cleaned = true
	if b.machine == nil {
		return nil
	}

	ctx := context.Background()
	if b.ssh != nil {
		b.ssh.Cleanup()
	}
	if b.persist {
		memPath, statePath := b.snapshotPaths()
		if err := b.machine.PauseVM(ctx); err == nil {
			b.machine.CreateSnapshot(ctx, memPath, statePath)
		}
	}
	err := b.machine.StopVMM()
	b.machine = nil
	return err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
