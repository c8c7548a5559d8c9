// Package sandbox provides the execution backends the terminal tool runs
// commands in: local process, Docker container, Singularity instance,
// SSH remote, and a Firecracker microVM variant. Every backend exposes
// the same execute/cleanup contract; the Manager pins one live backend
// per task_id.
package sandbox

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

// ExecRequest is one command to run inside a backend.
type ExecRequest struct {
	Command string
	Cwd     string
	Timeout time.Duration
	Stdin   string

	// Cancel is the shared per-turn interruption flag. Backends poll it
	// at least every 200ms and kill the in-flight command when set.
	Cancel *CancelFlag
}

// Backend is the uniform contract over heterogeneous execution
// environments. Execute returns merged stdout+stderr with CRs
// normalized; returncode 124 marks a timeout and 130 an interruption.
// Cleanup is idempotent and safe to call from a finalizer.
type Backend interface {
	Kind() models.SandboxBackendKind
	Execute(ctx context.Context, req ExecRequest) (models.ExecResult, error)
	Cleanup() error
}

// CancelFlag is a shared cancellation signal checked on a bounded
// cadence inside every blocking region.
type CancelFlag struct {
	set atomic.Bool
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Set marks the flag; all pollers observe it within one poll interval.
func (f *CancelFlag) Set() { f.set.Store(true) }

// IsSet reports whether cancellation was requested.
func (f *CancelFlag) IsSet() bool { return f != nil && f.set.Load() }

// Reset clears the flag for reuse by the next turn.
func (f *CancelFlag) Reset() { f.set.Store(false) }

// cancelPollInterval bounds how long a running command can outlive a
// cancellation request.
const cancelPollInterval = 200 * time.Millisecond

// interruptedSuffix is appended to partial output when a command is
// killed by cancellation.
const interruptedSuffix = "[Command interrupted]"

// normalizeOutput merges CRLF and lone-CR progress rewrites into plain
// newlines so transcripts stay readable.
func normalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	// A bare CR rewinds the line (progress bars); keep only the text
	// after the last rewind on each line.
	if !strings.Contains(s, "\r") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			lines[i] = line[idx+1:]
		}
	}
	return strings.Join(lines, "\n")
}
