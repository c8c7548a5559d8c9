package sandbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SSHBackend executes commands on a remote host over one multiplexed
// SSH connection: the client connection plays the role of a control
// socket, and every command opens a cheap session channel on it.
type SSHBackend struct {
	host    string
	user    string
	port    int
	keyPath string
	workDir string

	mu      sync.Mutex
	client  *ssh.Client
	cleaned bool
}

// NewSSHBackend prepares a remote backend. The connection is dialed
// lazily on first Execute and reused afterwards.
func NewSSHBackend(host, user string, port int, keyPath, workDir string) *SSHBackend {
	if port <= 0 {
		port = 22
	}
	return &SSHBackend{host: host, user: user, port: port, keyPath: keyPath, workDir: workDir}
}

func (b *SSHBackend) Kind() models.SandboxBackendKind { return models.SandboxSSH }

func (b *SSHBackend) ensureClient() (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return nil, fmt.Errorf("ssh backend already cleaned up")
	}
	if b.client != nil {
		return b.client, nil
	}

	keyPath, err := expandHome(b.keyPath)
	if err != nil {
		return nil, err
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            b.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	addr := net.JoinHostPort(b.host, fmt.Sprintf("%d", b.port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	b.client = client
	return client, nil
}

// Execute runs the command remotely as `cd {cwd} && {cmd}`.
func (b *SSHBackend) Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error) {
	client, err := b.ensureClient()
	if err != nil {
		return models.ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		// The control connection may have died; redial once.
		b.mu.Lock()
		if b.client != nil {
			b.client.Close()
			b.client = nil
		}
		b.mu.Unlock()
		if client, err = b.ensureClient(); err != nil {
			return models.ExecResult{}, err
		}
		if session, err = client.NewSession(); err != nil {
			return models.ExecResult{}, fmt.Errorf("open session: %w", err)
		}
	}
	defer session.Close()

	var buf lockedBuffer
	session.Stdout = &buf
	session.Stderr = &buf
	if req.Stdin != "" {
		session.Stdin = strings.NewReader(req.Stdin)
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = b.workDir
	}
	command := req.Command
	if cwd != "" {
		command = fmt.Sprintf("cd %s && %s", shellQuote(cwd), command)
	}

	if err := session.Start(command); err != nil {
		return models.ExecResult{}, fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout)
	}
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			out := normalizeOutput(buf.String())
			code := 0
			if err != nil {
				if exitErr, ok := err.(*ssh.ExitError); ok {
					code = exitErr.ExitStatus()
				} else {
					return models.ExecResult{Output: out, ReturnCode: 1}, nil
				}
			}
			return models.ExecResult{Output: out, ReturnCode: code}, nil

		case <-ticker.C:
			if req.Cancel.IsSet() {
				session.Signal(ssh.SIGKILL)
				session.Close()
				<-done
				out := normalizeOutput(buf.String())
				if out != "" && !strings.HasSuffix(out, "\n") {
					out += "\n"
				}
				return models.ExecResult{Output: out + interruptedSuffix, ReturnCode: models.ExitCodeInterrupted}, nil
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				session.Signal(ssh.SIGKILL)
				session.Close()
				<-done
				out := normalizeOutput(buf.String())
				if out != "" && !strings.HasSuffix(out, "\n") {
					out += "\n"
				}
				return models.ExecResult{
					Output:     out + fmt.Sprintf("[Command timed out after %s]", req.Timeout),
					ReturnCode: models.ExitCodeTimeout,
				}, nil
			}

		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			session.Close()
			<-done
			out := normalizeOutput(buf.String())
			return models.ExecResult{Output: out + interruptedSuffix, ReturnCode: models.ExitCodeInterrupted}, nil
		}
	}
}

// Cleanup closes the multiplexed connection.
func (b *SSHBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return nil
	}
	b.cleaned = true
	if b.client != nil {
		err := b.client.Close()
		b.client = nil
		return err
	}
	return nil
}
