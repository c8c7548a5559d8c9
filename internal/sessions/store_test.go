package sessions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *Store, id string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:     id,
		Source: models.PlatformCLI,
		Model:  "test-model",
		Origin: models.CLIOrigin(),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")

	got, err := s.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Model != "test-model" || got.Source != models.PlatformCLI {
		t.Errorf("session = %+v", got)
	}
	if !got.Active() {
		t.Error("new session should be active")
	}
}

func TestEndSessionFreezesAndRejectsDouble(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	if err := s.EndSession(ctx, "s1", models.EndReasonReset); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.Active() || got.EndReason != models.EndReasonReset {
		t.Errorf("session = %+v", got)
	}
	if err := s.EndSession(ctx, "s1", models.EndReasonReset); err == nil {
		t.Error("double end should fail")
	}
}

func TestAppendMessageCounters(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "hi"})
	s.AppendMessage(ctx, &models.Message{
		SessionID: "s1", Role: models.RoleAssistant, Content: "",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{"command":"ls"}`)},
			{ID: "c2", Name: "terminal", Arguments: json.RawMessage(`{"command":"pwd"}`)},
		},
	})

	sess, _ := s.GetSession(ctx, "s1")
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", sess.MessageCount)
	}
	if sess.ToolCallCount != 2 {
		t.Errorf("ToolCallCount = %d, want 2", sess.ToolCallCount)
	}
}

func TestMirrorMessagesSkipCounters(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "mirrored", Mirror: true})
	sess, _ := s.GetSession(ctx, "s1")
	if sess.MessageCount != 0 {
		t.Errorf("mirror bumped MessageCount to %d", sess.MessageCount)
	}
	msgs, _ := s.GetMessages(ctx, "s1")
	if len(msgs) != 1 || !msgs[0].Mirror {
		t.Errorf("mirror message not stored: %+v", msgs)
	}
}

func TestRewriteTranscriptAtomicity(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		s.AppendMessage(ctx, &models.Message{
			SessionID: "s1", Role: role,
			Content:   "msg " + string(rune('a'+i)),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		})
	}

	want := []models.Message{
		{SessionID: "s1", Role: models.RoleUser, Content: "only user", Timestamp: time.Now()},
		{SessionID: "s1", Role: models.RoleAssistant, Content: "only assistant", Timestamp: time.Now().Add(time.Second)},
	}
	if err := s.RewriteTranscript(ctx, "s1", want); err != nil {
		t.Fatalf("RewriteTranscript: %v", err)
	}

	got, _ := s.GetMessages(ctx, "s1")
	if len(got) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(got))
	}
	for i := range want {
		if got[i].Content != want[i].Content || got[i].Role != want[i].Role {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	sess, _ := s.GetSession(ctx, "s1")
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount after rewrite = %d", sess.MessageCount)
	}
}

func TestSearchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	newSession(t, s, "s2")
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "the mitochondria is the powerhouse"})
	s.AppendMessage(ctx, &models.Message{SessionID: "s2", Role: models.RoleUser, Content: "unrelated chatter"})

	matches, err := s.SearchMessages(ctx, "mitochondria", "", "", 5, 0)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(matches) != 1 || matches[0].SessionID != "s1" {
		t.Fatalf("matches = %+v", matches)
	}
	if !strings.Contains(matches[0].Snippet, ">>>mitochondria<<<") {
		t.Errorf("snippet markers missing: %q", matches[0].Snippet)
	}
}

func TestSearchContextNeighbors(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	base := time.Now()
	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "before msg", Timestamp: base})
	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "needle zxqv", Timestamp: base.Add(time.Second)})
	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "after msg", Timestamp: base.Add(2 * time.Second)})

	matches, err := s.SearchMessages(ctx, "zxqv", "", "", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}
	if matches[0].Before == nil || matches[0].Before.Content != "before msg" {
		t.Errorf("Before = %+v", matches[0].Before)
	}
	if matches[0].After == nil || matches[0].After.Content != "after msg" {
		t.Errorf("After = %+v", matches[0].After)
	}
}

func TestNoOrphanFTSRowsAfterRewrite(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "ephemeral flamingo"})
	if err := s.RewriteTranscript(ctx, "s1", []models.Message{
		{SessionID: "s1", Role: models.RoleUser, Content: "replacement"},
	}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.SearchMessages(ctx, "flamingo", "", "", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("orphan FTS rows survived rewrite: %+v", matches)
	}
}

func TestReasoningDetailsRoundTripByteIdentical(t *testing.T) {
	s := openTestStore(t)
	newSession(t, s, "s1")
	ctx := context.Background()

	payload := json.RawMessage(`[{"type":"reasoning","signature":"sig-abc","encrypted_content":"blob","unknown_key":{"nested":1}}]`)
	s.AppendMessage(ctx, &models.Message{
		SessionID: "s1", Role: models.RoleAssistant, Content: "x",
		ReasoningDetails: payload,
		CodexReasoningItems: []models.ReasoningItem{{ID: "rs_1", EncryptedContent: "blob1"}},
	})

	msgs, _ := s.GetMessages(ctx, "s1")
	if len(msgs) != 1 {
		t.Fatal("message missing")
	}
	if string(msgs[0].ReasoningDetails) != string(payload) {
		t.Errorf("reasoning_details mutated:\n got %s\nwant %s", msgs[0].ReasoningDetails, payload)
	}
	if len(msgs[0].CodexReasoningItems) != 1 || msgs[0].CodexReasoningItems[0].EncryptedContent != "blob1" {
		t.Errorf("codex items = %+v", msgs[0].CodexReasoningItems)
	}
}

func TestPruneOnlyEndedSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &models.Session{ID: "old", Source: models.PlatformCLI, Origin: models.CLIOrigin(),
		StartedAt: time.Now().AddDate(0, 0, -30)}
	s.CreateSession(ctx, old)
	s.EndSession(ctx, "old", models.EndReasonReset)
	// Backdate the end.
	s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = 'old'`, time.Now().AddDate(0, 0, -20))

	newSession(t, s, "active")

	n, err := s.PruneSessions(ctx, 7, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := s.GetSession(ctx, "active"); err != nil {
		t.Error("active session pruned")
	}
}

func TestParentSessionForest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newSession(t, s, "root")
	child := &models.Session{ID: "child", Source: models.PlatformCLI, Origin: models.CLIOrigin(),
		ParentSessionID: "root"}
	if err := s.CreateSession(ctx, child); err != nil {
		t.Fatalf("child create: %v", err)
	}
	got, _ := s.GetSession(ctx, "child")
	if got.ParentSessionID != "root" {
		t.Errorf("ParentSessionID = %q", got.ParentSessionID)
	}
}

func TestUnknownSchemaVersionFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.db.Exec("PRAGMA user_version = 99")
	s.Close()

	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("expected loud failure on newer schema version")
	}
}
