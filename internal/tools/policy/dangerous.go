// Package policy provides tool authorization and access control.
// This file implements pattern-based detection of dangerous shell commands
// and the per-conversation approval state machine that gates them.
package policy

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// PatternKey names a coarse category of dangerous command, used as the unit
// of session-scoped approval. Approving a pattern key authorizes every future
// command that matches the same pattern for the rest of the session.
type PatternKey string

const (
	PatternRmRecursive       PatternKey = "rm_recursive"
	PatternDestructiveRootRm PatternKey = "destructive_root_rm"
	PatternCurlPipeSh       PatternKey = "curl_pipe_sh"
	PatternShellViaC        PatternKey = "shell_via_c"
	PatternSQLDrop          PatternKey = "sql_drop"
	PatternSQLDeleteNoWhere PatternKey = "sql_delete_nowhere"
	PatternReverseShell     PatternKey = "reverse_shell"
	PatternSudoersMod       PatternKey = "sudoers_mod"
)

type dangerPattern struct {
	key         PatternKey
	description string
	match       func(cmd string) bool
}

var (
	reRmFlags        = regexp.MustCompile(`(?i)\brm\b[^|;&\n]*`)
	reRmRecursive    = regexp.MustCompile(`(?i)(^|\s)-[a-z]*r[a-z]*f?[a-z]*(\s|$)|--recursive\b`)
	reRmRootTarget   = regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*f?[a-z]*\s+/\s*$|\brm\s+-[a-z]*f[a-z]*r[a-z]*\s+/\s*$`)
	reCurlPipeSh     = regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`)
	reBashC          = regexp.MustCompile(`(?i)\b(bash|sh|zsh)\s+-c\s+['"]`)
	reSuspiciousToks = regexp.MustCompile(`(?i)(curl|wget|nc\s|base64\s+-d|/dev/tcp/|eval\s)`)
	reSQLDrop        = regexp.MustCompile(`(?i)\bdrop\s+table\b`)
	reSQLDeleteFrom  = regexp.MustCompile(`(?i)\bdelete\s+from\b`)
	reSQLWhere       = regexp.MustCompile(`(?i)\bwhere\b`)
	reReverseShellNc = regexp.MustCompile(`(?i)\bnc\s+(-[a-z]*\s+)*-[a-z]*l[a-z]*p\b`)
	reReverseFifo    = regexp.MustCompile(`(?i)\bmkfifo\b[^|]*\|\s*(sudo\s+)?sh\b`)
	reVisudo         = regexp.MustCompile(`(?i)\bvisudo\b`)
	reSudoersWrite   = regexp.MustCompile(`(?i)(>>?|tee)\s*/etc/sudoers(\.d/\S+)?\b`)
)

// ShellCThreshold is the minimum payload length (recommended 60 chars) above
// which a `bash -c '...'` invocation containing suspicious tokens is flagged.
const ShellCThreshold = 60

var dangerPatterns = []dangerPattern{
	{
		key:         PatternDestructiveRootRm,
		description: "recursive force-delete of the filesystem root",
		match: func(cmd string) bool {
			return reRmRootTarget.MatchString(strings.TrimSpace(cmd))
		},
	},
	{
		key:         PatternRmRecursive,
		description: "recursive file deletion",
		match: func(cmd string) bool {
			loc := reRmFlags.FindString(cmd)
			if loc == "" {
				return false
			}
			return reRmRecursive.MatchString(loc)
		},
	},
	{
		key:         PatternCurlPipeSh,
		description: "download-and-execute pipeline",
		match: func(cmd string) bool {
			return reCurlPipeSh.MatchString(cmd)
		},
	},
	{
		key:         PatternShellViaC,
		description: "inline shell payload via -c",
		match: func(cmd string) bool {
			m := reBashC.FindStringIndex(cmd)
			if m == nil {
				return false
			}
			payload := cmd[m[1]:]
			if len(payload) < ShellCThreshold {
				return false
			}
			return reSuspiciousToks.MatchString(payload)
		},
	},
	{
		key:         PatternSQLDrop,
		description: "SQL DROP TABLE",
		match: func(cmd string) bool {
			return reSQLDrop.MatchString(cmd)
		},
	},
	{
		key:         PatternSQLDeleteNoWhere,
		description: "SQL DELETE without a WHERE clause",
		match: func(cmd string) bool {
			idx := reSQLDeleteFrom.FindStringIndex(cmd)
			if idx == nil {
				return false
			}
			// A WHERE anywhere after the DELETE FROM is treated as scoping it;
			// statement-level parsing is out of scope here.
			return !reSQLWhere.MatchString(cmd[idx[1]:])
		},
	},
	{
		key:         PatternReverseShell,
		description: "reverse shell listener",
		match: func(cmd string) bool {
			return reReverseShellNc.MatchString(cmd) || reReverseFifo.MatchString(cmd)
		},
	},
	{
		key:         PatternSudoersMod,
		description: "sudoers modification",
		match: func(cmd string) bool {
			return reVisudo.MatchString(cmd) || reSudoersWrite.MatchString(cmd)
		},
	},
}

// RewriteSudo rewrites a leading `sudo ` command to `sudo -S ...` so the
// configured sudo password (if any) can be piped on stdin. Commands that do
// not start with sudo are returned unchanged.
func RewriteSudo(command, sudoPassword string) (rewritten string, stdinPrefix string) {
	trimmed := strings.TrimSpace(command)
	if sudoPassword == "" || !strings.HasPrefix(trimmed, "sudo ") {
		return command, ""
	}
	if strings.HasPrefix(trimmed, "sudo -S") {
		return command, sudoPassword + "\n"
	}
	rest := strings.TrimPrefix(trimmed, "sudo ")
	return "sudo -S " + rest, sudoPassword + "\n"
}

// Detect classifies a command string (already sudo-rewritten) against the
// known dangerous patterns. Matching is case-insensitive and ordered so the
// most specific pattern (destructive_root_rm) is preferred over the more
// general one it overlaps with (rm_recursive).
func Detect(command string) (isDangerous bool, key PatternKey, description string) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return false, "", ""
	}
	for _, p := range dangerPatterns {
		if p.match(cmd) {
			return true, p.key, p.description
		}
	}
	return false, "", ""
}

// PendingApproval is the sentinel awaiting-decision state for one conversation key.
type PendingApproval struct {
	Command    string
	PatternKey PatternKey
	CreatedAt  time.Time
}

// Resolution is the user's answer to an approval prompt.
type Resolution string

const (
	ResolutionAllowOnce   Resolution = "allow_once"
	ResolutionAllowAlways Resolution = "allow_always"
	ResolutionDeny        Resolution = "deny"
)

// CommandGate holds per-conversation dangerous-command approval state: a
// pending-approval slot, a set of pattern keys already approved for the
// lifetime of the session, and single-use allowances granted by
// "allow once" resolutions. Session approvals are in-memory only; a
// separate permanent allowlist (persisted to operator config) is
// consulted by callers with the pattern key Detect returns, before the
// gate is asked.
type CommandGate struct {
	mu        sync.Mutex
	pending   map[string]*PendingApproval        // conversation key -> pending
	approved  map[string]map[PatternKey]struct{} // conversation key -> approved patterns
	allowOnce map[string]map[PatternKey]int      // conversation key -> remaining single-use grants
}

// NewCommandGate creates an empty approval gate.
func NewCommandGate() *CommandGate {
	return &CommandGate{
		pending:   make(map[string]*PendingApproval),
		approved:  make(map[string]map[PatternKey]struct{}),
		allowOnce: make(map[string]map[PatternKey]int),
	}
}

// IsApproved reports whether pattern has already been approved for key in
// this session.
func (g *CommandGate) IsApproved(key string, pattern PatternKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.approved[key]
	if !ok {
		return false
	}
	_, ok = set[pattern]
	return ok
}

// SubmitPending records a new pending approval for key, overwriting any prior
// pending slot (the newest dangerous command wins; the gateway is expected to
// have already surfaced the previous prompt).
func (g *CommandGate) SubmitPending(key, command string, pattern PatternKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[key] = &PendingApproval{
		Command:    command,
		PatternKey: pattern,
		CreatedAt:  time.Now(),
	}
}

// HasPending reports whether key has an outstanding approval request.
func (g *CommandGate) HasPending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

// PopPending removes and returns the pending approval for key, if any.
func (g *CommandGate) PopPending(key string) (*PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	return p, ok
}

// ApproveSession records pattern as approved for the remainder of key's
// session: every later Detect() match on the same pattern is pre-authorized.
func (g *CommandGate) ApproveSession(key string, pattern PatternKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.approved[key]
	if !ok {
		set = make(map[PatternKey]struct{})
		g.approved[key] = set
	}
	set[pattern] = struct{}{}
}

// grantOnce records one single-use allowance for pattern on key.
func (g *CommandGate) grantOnce(key string, pattern PatternKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grants, ok := g.allowOnce[key]
	if !ok {
		grants = make(map[PatternKey]int)
		g.allowOnce[key] = grants
	}
	grants[pattern]++
}

// ConsumeAllowOnce spends one single-use allowance for pattern on key,
// reporting whether one was available. Unlike a session approval, the
// grant authorizes exactly one execution: the next matching command
// prompts again.
func (g *CommandGate) ConsumeAllowOnce(key string, pattern PatternKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	grants, ok := g.allowOnce[key]
	if !ok || grants[pattern] <= 0 {
		return false
	}
	grants[pattern]--
	if grants[pattern] == 0 {
		delete(grants, pattern)
	}
	return true
}

// ClearSession drops all pending, approved, and single-use state for
// key (called on /reset or session end).
func (g *CommandGate) ClearSession(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, key)
	delete(g.approved, key)
	delete(g.allowOnce, key)
}

// Resolve applies a user resolution to key's pending approval, if one
// exists. ResolutionAllowAlways records the pattern via ApproveSession;
// ResolutionAllowOnce grants a single-use allowance the next dispatch
// consumes, so the retried command runs exactly once without a session
// approval being stored. Returns the resolved pattern key and whether a
// pending request was actually found.
func (g *CommandGate) Resolve(key string, resolution Resolution) (PatternKey, bool) {
	pending, ok := g.PopPending(key)
	if !ok {
		return "", false
	}
	switch resolution {
	case ResolutionAllowAlways:
		g.ApproveSession(key, pending.PatternKey)
	case ResolutionAllowOnce:
		g.grantOnce(key, pending.PatternKey)
	}
	return pending.PatternKey, true
}
