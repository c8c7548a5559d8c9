package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, category, name, desc, body string) {
	t.Helper()
	dir := filepath.Join(root, category, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: " + name + "\ndescription: " + desc + "\n---\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(dir, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndList(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "research", "arxiv-digest", "summarize arxiv papers", "Use the search first.")
	writeSkill(t, root, "research", "web-clip", "clip web pages", "body")
	writeSkill(t, root, "ops", "log-triage", "triage production logs", "body")

	lib, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cats := lib.Categories()
	if cats["research"] != 2 || cats["ops"] != 1 {
		t.Errorf("Categories = %v", cats)
	}
	list := lib.List("research")
	if len(list) != 2 || list[0].Name != "arxiv-digest" {
		t.Errorf("List = %+v", list)
	}
}

func TestViewBodyAndLinkedFile(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "ops", "runbook", "operational runbook", "See [details](details.md).")
	os.WriteFile(filepath.Join(root, "ops", "runbook", "details.md"), []byte("the details"), 0o644)

	lib, _ := Load(root)
	body, err := lib.View("runbook", "")
	if err != nil {
		t.Fatal(err)
	}
	if body == "" {
		t.Error("empty body")
	}
	linked, err := lib.View("runbook", "details.md")
	if err != nil || linked != "the details" {
		t.Errorf("linked = %q, %v", linked, err)
	}
	if _, err := lib.View("runbook", "../../outside"); err == nil {
		t.Error("escape not rejected")
	}
}

func TestMalformedSkillSkipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bad", "broken")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, SkillFilename), []byte("no frontmatter here"), 0o644)
	writeSkill(t, root, "good", "fine", "works", "body")

	lib, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(lib.List("")) != 1 {
		t.Errorf("List = %+v", lib.List(""))
	}
}
