// Package files implements the filesystem tool surface: read_file,
// write_file, patch, and search_files. Every mutating operation passes
// through the deny-list before touching disk.
package files

import (
	"path/filepath"
	"strings"
)

// deniedExact are absolute paths writes must never touch.
var deniedExact = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
}

// deniedPrefixes block whole trees.
var deniedPrefixes = []string{
	"/etc/sudoers.d/",
	"/etc/systemd/",
}

// deniedBasenames block files by name anywhere they appear: shell rc
// files and credential stores.
var deniedBasenames = []string{
	".bashrc", ".zshrc", ".profile", ".bash_profile", ".zprofile",
	".netrc", ".npmrc", ".pypirc", ".pgpass",
	".env",
}

// deniedHomeDirs block sensitive directories under the user's home.
var deniedHomeDirs = []string{
	".ssh", ".aws", ".gnupg", ".kube",
}

// DeniedWrite reports whether a write to path must be refused, with a
// human-readable reason. The check runs on the cleaned absolute path
// before any filesystem operation is issued.
func DeniedWrite(path string) (bool, string) {
	clean := filepath.Clean(path)

	for _, exact := range deniedExact {
		if clean == exact {
			return true, "write to protected system file " + exact + " is not permitted"
		}
	}
	for _, prefix := range deniedPrefixes {
		if strings.HasPrefix(clean, prefix) || clean == strings.TrimSuffix(prefix, "/") {
			return true, "write under protected system directory " + strings.TrimSuffix(prefix, "/") + " is not permitted"
		}
	}

	base := filepath.Base(clean)
	for _, name := range deniedBasenames {
		if base == name {
			return true, "write to " + name + " is not permitted"
		}
	}

	for _, dir := range deniedHomeDirs {
		marker := string(filepath.Separator) + dir + string(filepath.Separator)
		if strings.Contains(clean, marker) || strings.HasSuffix(clean, string(filepath.Separator)+dir) {
			return true, "write under " + dir + " is not permitted"
		}
	}
	return false, ""
}
