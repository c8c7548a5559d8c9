package gateway

import (
	"testing"

	"github.com/haasonsaas/hermes/pkg/models"
)

func testDirectory() *Directory {
	d := NewDirectory()
	d.Replace([]DirectoryEntry{
		{Platform: models.PlatformDiscord, Name: "bot-home", Guild: "hq", ChatID: "100"},
		{Platform: models.PlatformDiscord, Name: "bot-testing", Guild: "hq", ChatID: "101"},
		{Platform: models.PlatformDiscord, Name: "general", Guild: "hq", ChatID: "102"},
		{Platform: models.PlatformDiscord, Name: "general", Guild: "side", ChatID: "202"},
		{Platform: models.PlatformSlack, Name: "engineering", ChatID: "C01ENG"},
	})
	return d
}

func TestResolveExactCaseInsensitive(t *testing.T) {
	d := testDirectory()
	got, err := d.Resolve("discord:Bot-Home")
	if err != nil || got != "100" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
	got, err = d.Resolve("slack:engineering")
	if err != nil || got != "C01ENG" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}

func TestResolveGuildQualified(t *testing.T) {
	d := testDirectory()
	got, err := d.Resolve("discord:side/general")
	if err != nil || got != "202" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}

func TestResolveUnambiguousPrefix(t *testing.T) {
	d := testDirectory()
	got, err := d.Resolve("slack:eng")
	if err != nil || got != "C01ENG" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}

func TestResolveAmbiguousPrefixFails(t *testing.T) {
	d := testDirectory()
	if _, err := d.Resolve("discord:bot-"); err == nil {
		t.Error("ambiguous prefix should not resolve")
	}
}

func TestResolveUnknownFails(t *testing.T) {
	d := testDirectory()
	if _, err := d.Resolve("discord:nope"); err == nil {
		t.Error("unknown channel should not resolve")
	}
	if _, err := d.Resolve("noplatform"); err == nil {
		t.Error("missing colon should not resolve")
	}
}

func TestPopLastExchange(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer one"},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "terminal"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "out"},
		{Role: models.RoleAssistant, Content: "answer two"},
	}
	trimmed, removed := popLastExchange(msgs)
	if removed != 4 {
		t.Errorf("removed = %d, want the whole second exchange", removed)
	}
	if len(trimmed) != 2 || trimmed[1].Content != "answer one" {
		t.Errorf("trimmed = %+v", trimmed)
	}

	_, removed = popLastExchange(nil)
	if removed != 0 {
		t.Errorf("empty transcript removed %d", removed)
	}
}
