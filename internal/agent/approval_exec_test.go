package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/process"
	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/sandbox"
	execTools "github.com/haasonsaas/hermes/internal/tools/exec"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/pkg/models"
)

// queueClient replays canned responses in order.
type queueClient struct {
	steps []*providers.Response
	idx   int
}

func (c *queueClient) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if c.idx >= len(c.steps) {
		return &providers.Response{Content: "done", FinishReason: models.FinishStop}, nil
	}
	step := c.steps[c.idx]
	c.idx++
	return step, nil
}

func terminalCall(id, command string) *providers.Response {
	args, _ := json.Marshal(map[string]string{"command": command})
	return &providers.Response{
		FinishReason: models.FinishToolCalls,
		ToolCalls:    []models.ToolCall{{ID: id, Name: "terminal", Arguments: args}},
	}
}

func newExecLoop(t *testing.T, client providers.Client) (*agent.Loop, *agent.ToolContext) {
	t.Helper()
	reg := agent.NewRegistry()
	reg.Register(execTools.NewTerminalTool(""), agent.RegisterOptions{Toolset: "terminal"})

	manager := sandbox.NewManager(
		config.SandboxConfig{Backend: "local", WorkDir: t.TempDir(), ExecTimeout: 30 * time.Second},
		t.TempDir(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	t.Cleanup(manager.ReleaseAll)

	tc := &agent.ToolContext{
		TaskID:          "task-exec-test",
		ConversationKey: "cli:exec-test",
		SessionID:       "sess-exec-test",
		Gate:            policy.NewCommandGate(),
		Sandbox:         manager,
		Processes:       process.NewRegistry(nil),
		Cancel:          sandbox.NewCancelFlag(),
	}

	loop := &agent.Loop{
		Client:   client,
		Registry: reg,
		Config:   agent.LoopConfig{Model: "test", MaxIterations: 10, Toolsets: []string{"terminal"}},
	}
	return loop, tc
}

// The S4 scenario against the real terminal tool: a recursive delete
// prompts, "allow once" lets the re-dispatch actually run the command
// exactly once, no session approval is stored, and the next recursive
// delete prompts again.
func TestTerminalAllowOnceRunsCommand(t *testing.T) {
	scratch := t.TempDir()
	doomed := filepath.Join(scratch, "doomed")
	if err := os.MkdirAll(doomed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(doomed, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &queueClient{steps: []*providers.Response{
		terminalCall("c1", "rm -rf "+doomed),
		{Content: "removed it", FinishReason: models.FinishStop},
	}}
	loop, tc := newExecLoop(t, client)

	prompts := 0
	wantPath := doomed
	loop.OnApproval = func(ctx context.Context, command string, pattern policy.PatternKey, desc string) policy.Resolution {
		prompts++
		if pattern != policy.PatternRmRecursive {
			t.Errorf("prompted pattern = %q", pattern)
		}
		if !strings.Contains(command, wantPath) {
			t.Errorf("prompted command = %q", command)
		}
		return policy.ResolutionAllowOnce
	}

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "clean up " + doomed}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d", prompts)
	}
	if res.Text != "removed it" {
		t.Errorf("text = %q", res.Text)
	}

	// The command really ran: the directory is gone.
	if _, err := os.Stat(doomed); !os.IsNotExist(err) {
		t.Fatal("rm -rf never executed after allow_once")
	}
	var toolMsg *models.Message
	for i := range res.Messages {
		if res.Messages[i].Role == models.RoleTool {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in transcript")
	}
	if strings.Contains(toolMsg.Content, "pending_approval") {
		t.Errorf("sentinel leaked into transcript: %q", toolMsg.Content)
	}
	var payload struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(toolMsg.Content), &payload); err != nil || payload.ExitCode != 0 {
		t.Errorf("tool result = %q (err=%v)", toolMsg.Content, err)
	}

	// No session approval was stored: a new recursive delete prompts.
	if tc.Gate.IsApproved(tc.ConversationKey, policy.PatternRmRecursive) {
		t.Error("allow_once stored a session approval")
	}
	other := filepath.Join(scratch, "other")
	os.MkdirAll(other, 0o755)
	wantPath = other
	client.steps = append(client.steps,
		terminalCall("c2", "rm -rf "+other),
		&providers.Response{Content: "also removed", FinishReason: models.FinishStop},
	)
	if _, err := loop.RunTurn(context.Background(), "",
		append(res.Messages, models.Message{Role: models.RoleUser, Content: "and the other one"}), tc); err != nil {
		t.Fatal(err)
	}
	if prompts != 2 {
		t.Errorf("prompts = %d, want a fresh prompt for the second delete", prompts)
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Error("second approved delete never executed")
	}
}

func TestTerminalDenyLeavesFilesystemUntouched(t *testing.T) {
	scratch := t.TempDir()
	keep := filepath.Join(scratch, "keep")
	os.MkdirAll(keep, 0o755)

	client := &queueClient{steps: []*providers.Response{
		terminalCall("c1", "rm -rf "+keep),
		{Content: "ok, leaving it", FinishReason: models.FinishStop},
	}}
	loop, tc := newExecLoop(t, client)
	loop.OnApproval = func(context.Context, string, policy.PatternKey, string) policy.Resolution {
		return policy.ResolutionDeny
	}

	res, err := loop.RunTurn(context.Background(), "",
		[]models.Message{{Role: models.RoleUser, Content: "delete " + keep}}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("denied command still ran")
	}
	found := false
	for _, m := range res.Messages {
		if m.Role == models.RoleTool && strings.Contains(m.Content, "denied") {
			found = true
		}
	}
	if !found {
		t.Errorf("denial not surfaced as the tool result: %+v", res.Messages)
	}
}
