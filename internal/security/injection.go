// Package security holds the prompt-injection scanner shared by the
// cron scheduler (job prompts) and the memory tool (note writes).
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ScanResult reports why a text was blocked; Blocked=false means the
// text passed every check.
type ScanResult struct {
	Blocked bool
	Rule    string
	Detail  string
}

var (
	// Instruction-override phrasing. The gap between the verb and
	// "instructions" tolerates filler words, but the match still
	// requires the instruction noun so "ignore this file in the
	// backup" passes.
	reIgnoreInstr = regexp.MustCompile(`(?i)\bignore\b(?:\s+\S+){0,4}?\s+(previous|all|above|prior)\b(?:\s+\S+){0,3}?\s+instructions\b`)
	reDisregard   = regexp.MustCompile(`(?i)\bdisregard\s+(your|all|any)\s+(instructions|rules|guidelines)\b`)
	reDontTell    = regexp.MustCompile(`(?i)\bdo\s+not\s+tell\s+the\s+user\b`)
	reSysOverride = regexp.MustCompile(`(?i)\bsystem\s+prompt\s+override\b`)

	// Exfiltration: env vars whose names look like secrets.
	reSecretEnv = regexp.MustCompile(`\$\{?[A-Za-z_]*(KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|API)[A-Za-z_]*\}?`)

	// Dotfile reads, authorized_keys writes, sudoers edits, root wipe.
	reCatDotfile   = regexp.MustCompile(`(?i)\bcat\b[^|;&\n]*\.(env|netrc|pgpass)\b`)
	reAuthKeys     = regexp.MustCompile(`(?i)(>>?|tee)\s*\S*authorized_keys\b`)
	reSudoersEdit  = regexp.MustCompile(`(?i)(visudo\b|(>>?|tee)\s*/etc/sudoers)`)
	reRootWipe     = regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*f?[a-z]*\s+/(\s|$)`)

	// Credential-shaped literals embedded in the text itself.
	reCredLiteral = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|ghp_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16})\b`)
)

// invisibleRunes are zero-width and bidi-control characters used to
// smuggle hidden instructions.
var invisibleRunes = []rune{
	'\u200B', '\u200C', '\u200D', '\u2060', '\uFEFF',
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
}

type rule struct {
	name string
	re   *regexp.Regexp
}

var rules = []rule{
	{"instruction_override", reIgnoreInstr},
	{"instruction_override", reDisregard},
	{"concealment", reDontTell},
	{"system_prompt_override", reSysOverride},
	{"secret_env_reference", reSecretEnv},
	{"dotfile_read", reCatDotfile},
	{"authorized_keys_write", reAuthKeys},
	{"sudoers_modification", reSudoersEdit},
	{"destructive_root_rm", reRootWipe},
	{"credential_literal", reCredLiteral},
}

// ScanPrompt checks text against the injection rule set. It runs on
// the raw prompt string only; attachments and referenced files are
// deliberately out of scope.
func ScanPrompt(text string) ScanResult {
	for _, r := range rules {
		if m := r.re.FindString(text); m != "" {
			return ScanResult{Blocked: true, Rule: r.name, Detail: firstN(m, 80)}
		}
	}
	for _, invisible := range invisibleRunes {
		if strings.ContainsRune(text, invisible) {
			return ScanResult{
				Blocked: true,
				Rule:    "invisible_unicode",
				Detail:  fmt.Sprintf("contains U+%04X", invisible),
			}
		}
	}
	return ScanResult{}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
