// Package skills loads the user-editable markdown skill tree: one
// directory per skill containing SKILL.md (YAML frontmatter + body)
// and optional linked files. Disclosure is progressive: category and
// name listings carry only metadata; the body and linked files load on
// explicit view.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected definition file in a skill dir.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one discovered skill's metadata. Content is loaded lazily
// by View.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`
	Path        string `json:"-"`
}

// Library is the loaded skill tree.
type Library struct {
	root   string
	skills map[string]Skill
}

// Load walks root and parses every SKILL.md beneath it. The directory
// layout is {root}/{category}/{skill}/SKILL.md; a skill directly under
// root falls into the "general" category.
func Load(root string) (*Library, error) {
	lib := &Library{root: root, skills: make(map[string]Skill)}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() != SkillFilename {
			return nil
		}
		skill, perr := parseSkillFile(path)
		if perr != nil {
			// A malformed skill never breaks the rest of the tree.
			return nil
		}
		if skill.Category == "" {
			rel, _ := filepath.Rel(root, filepath.Dir(path))
			parts := strings.Split(rel, string(filepath.Separator))
			if len(parts) >= 2 {
				skill.Category = parts[0]
			} else {
				skill.Category = "general"
			}
		}
		lib.skills[skill.Name] = skill
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walk skills tree: %w", err)
	}
	return lib, nil
}

func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	frontmatter, _, err := splitFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return Skill{}, fmt.Errorf("skill description is required")
	}
	skill.Path = filepath.Dir(path)
	return skill, nil
}

func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}
	var fm bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			var rest bytes.Buffer
			for scanner.Scan() {
				rest.WriteString(scanner.Text())
				rest.WriteByte('\n')
			}
			return fm.Bytes(), rest.Bytes(), nil
		}
		fm.WriteString(line)
		fm.WriteByte('\n')
	}
	return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
}

// Categories lists the distinct categories with their skill counts.
func (l *Library) Categories() map[string]int {
	out := make(map[string]int)
	for _, s := range l.skills {
		out[s.Category]++
	}
	return out
}

// List returns skill metadata, optionally filtered by category, sorted
// by name.
func (l *Library) List(category string) []Skill {
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		if category == "" || s.Category == category {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// View loads a skill's SKILL.md body, or a linked file inside the
// skill directory when filePath is given. Paths escaping the skill
// directory are rejected.
func (l *Library) View(name, filePath string) (string, error) {
	skill, ok := l.skills[name]
	if !ok {
		return "", fmt.Errorf("unknown skill %q", name)
	}

	target := filepath.Join(skill.Path, SkillFilename)
	if filePath != "" {
		target = filepath.Join(skill.Path, filePath)
		rel, err := filepath.Rel(skill.Path, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "", fmt.Errorf("file path escapes skill directory")
		}
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", target, err)
	}
	return string(data), nil
}
