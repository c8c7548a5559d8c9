package gateway

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/process"
	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/internal/tools/todo"
	"github.com/haasonsaas/hermes/pkg/models"
)

// fakeAdapter records outbound sends and lets tests inject events.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	handler channels.Handler
}

func (f *fakeAdapter) Platform() models.Platform            { return models.PlatformCLI }
func (f *fakeAdapter) Connect(ctx context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect()                          {}
func (f *fakeAdapter) OnMessage(h channels.Handler)         { f.handler = h }
func (f *fakeAdapter) SendTyping(ctx context.Context, c string) {}

func (f *fakeAdapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return models.SendResult{Success: true, MessageID: "m1"}
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// blockingClient parks requests until released.
type blockingClient struct {
	release chan struct{}
}

func (c *blockingClient) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	select {
	case <-c.release:
		return &providers.Response{Content: "done waiting", FinishReason: models.FinishStop}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type echoClient struct{}

func (echoClient) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return &providers.Response{Content: "echo: " + last.Content, FinishReason: models.FinishStop}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, client providers.Client) (*Gateway, *fakeAdapter, *sessions.Store) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HERMES_HOME", home)
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Gateway.QueueWatermark = 2

	store, err := sessions.Open(filepath.Join(home, "state.db"), sessions.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := &fakeAdapter{}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	gw := New(Options{
		Config:    cfg,
		Store:     store,
		Adapters:  registry,
		Registry:  agent.NewRegistry(),
		Intercept: map[string]agent.Tool{},
		Client:    client,
		Sandboxes: sandbox.NewManager(cfg.Sandbox, filepath.Join(home, "sandboxes"), testLogger()),
		Processes: process.NewRegistry(nil),
		Gate:      policy.NewCommandGate(),
		Todos:     todo.NewStore(),
		Directory: NewDirectory(),
	})
	return gw, adapter, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestTextTurnEndToEnd(t *testing.T) {
	gw, adapter, store := newTestGateway(t, echoClient{})

	gw.HandleMessage(context.Background(), models.MessageEvent{
		Text:        "say hi",
		MessageType: models.MessageTypeText,
		Source:      models.CLIOrigin(),
	})

	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(adapter.lastSent(), "echo: say hi")
	})

	sess, err := store.FindActiveByConversationKey(context.Background(), models.CLIOrigin())
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v", err)
	}
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want user+assistant", sess.MessageCount)
	}
	if sess.ToolCallCount != 0 {
		t.Errorf("ToolCallCount = %d", sess.ToolCallCount)
	}
}

func TestResetCommandEndsSession(t *testing.T) {
	gw, adapter, store := newTestGateway(t, echoClient{})
	ctx := context.Background()

	gw.HandleMessage(ctx, models.MessageEvent{Text: "hello", MessageType: models.MessageTypeText, Source: models.CLIOrigin()})
	waitFor(t, 5*time.Second, func() bool { return adapter.sentCount() >= 1 })

	gw.HandleMessage(ctx, models.MessageEvent{Text: "/reset", MessageType: models.MessageTypeCommand, Source: models.CLIOrigin()})
	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(adapter.lastSent(), "reset")
	})

	sess, _ := store.FindActiveByConversationKey(ctx, models.CLIOrigin())
	if sess != nil {
		t.Error("active session survived /reset")
	}
}

func TestBackpressureShedsLoad(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	gw, adapter, _ := newTestGateway(t, client)
	ctx := context.Background()

	// First event occupies the worker; the watermark-sized queue then
	// fills, and the overflow event gets a busy reply.
	for i := 0; i < 4; i++ {
		gw.HandleMessage(ctx, models.MessageEvent{Text: "work", MessageType: models.MessageTypeText, Source: models.CLIOrigin()})
		time.Sleep(50 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(adapter.lastSent(), "busy")
	})
	close(client.release)
}

func TestStopSetsCancellation(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	gw, adapter, _ := newTestGateway(t, client)
	ctx := context.Background()

	gw.HandleMessage(ctx, models.MessageEvent{Text: "long task", MessageType: models.MessageTypeText, Source: models.CLIOrigin()})
	time.Sleep(100 * time.Millisecond)

	gw.HandleMessage(ctx, models.MessageEvent{Text: "/stop", MessageType: models.MessageTypeCommand, Source: models.CLIOrigin()})

	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(adapter.lastSent(), "[Interrupted]") || strings.Contains(adapter.lastSent(), "Stopping")
	})
}
