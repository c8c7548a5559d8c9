package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// DirectoryEntry is one resolvable channel: a human name mapped to a
// platform chat id, optionally qualified by guild/workspace.
type DirectoryEntry struct {
	Platform models.Platform
	Name     string
	Guild    string
	ChatID   string
}

// Directory resolves "platform:human_name" references to chat ids for
// operators and the send_message tool. Lookup order: case-insensitive
// exact match, then guild-qualified match, then unambiguous prefix.
type Directory struct {
	mu      sync.RWMutex
	entries []DirectoryEntry
}

// NewDirectory creates an empty channel directory.
func NewDirectory() *Directory { return &Directory{} }

// Replace swaps the full entry list (reload path).
func (d *Directory) Replace(entries []DirectoryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = entries
}

// Add registers one entry, replacing a same-platform same-chat-id row.
func (d *Directory) Add(entry DirectoryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.entries {
		if existing.Platform == entry.Platform && existing.ChatID == entry.ChatID {
			d.entries[i] = entry
			return
		}
	}
	d.entries = append(d.entries, entry)
}

// Resolve finds the chat id for a "platform:name" reference. Ambiguous
// prefix matches are reported as not found.
func (d *Directory) Resolve(ref string) (string, error) {
	platformPart, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("channel reference must be platform:name, got %q", ref)
	}
	platform := models.Platform(strings.ToLower(platformPart))
	lowered := strings.ToLower(name)

	d.mu.RLock()
	defer d.mu.RUnlock()

	// 1. Case-insensitive exact match.
	for _, e := range d.entries {
		if e.Platform == platform && strings.ToLower(e.Name) == lowered {
			return e.ChatID, nil
		}
	}

	// 2. Guild-qualified "guild/name" match.
	if guild, bare, ok := strings.Cut(lowered, "/"); ok {
		for _, e := range d.entries {
			if e.Platform == platform &&
				strings.ToLower(e.Guild) == guild &&
				strings.ToLower(e.Name) == bare {
				return e.ChatID, nil
			}
		}
	}

	// 3. Unambiguous prefix match.
	var hit string
	count := 0
	for _, e := range d.entries {
		if e.Platform == platform && strings.HasPrefix(strings.ToLower(e.Name), lowered) {
			hit = e.ChatID
			count++
		}
	}
	if count == 1 {
		return hit, nil
	}
	return "", fmt.Errorf("channel %q not found", ref)
}
