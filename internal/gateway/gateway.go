// Package gateway routes platform events into per-conversation agent
// sessions: at most one turn in flight per conversation key, typing
// indicators while a turn runs, slash command dispatch, cross-platform
// mirroring, and delivery of outbound replies.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/hooks"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/process"
	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/internal/tools/todo"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Options wires the gateway's collaborators.
type Options struct {
	Config    *config.Config
	Store     *sessions.Store
	Adapters  *channels.Registry
	Registry  *agent.Registry
	Intercept map[string]agent.Tool
	Client    providers.Client
	AuxClient providers.Client
	Sandboxes *sandbox.Manager
	Processes *process.Registry
	Gate      *policy.CommandGate
	Todos     *todo.Store
	Hooks     *hooks.Registry
	Directory *Directory
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Gateway owns the per-conversation session map and agent lifecycle.
type Gateway struct {
	Options

	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation is the per-key serialization unit: an event queue
// drained by one worker, the in-flight cancellation flag, and the
// reply slot for clarify/approval waits.
type conversation struct {
	key    string
	origin models.Origin
	queue  chan models.MessageEvent
	cancel *sandbox.CancelFlag

	replyMu sync.Mutex
	replyCh chan string
}

// New creates the gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		Options: opts,
		logger:  logger.With("component", "gateway"),
		convs:   make(map[string]*conversation),
	}
	for _, adapter := range opts.Adapters.All() {
		adapter.OnMessage(g.HandleMessage)
	}
	return g
}

// HandleMessage is the adapter callback: enqueue the event behind any
// in-flight turn for its conversation key, shedding load past the
// watermark.
func (g *Gateway) HandleMessage(ctx context.Context, event models.MessageEvent) {
	if g.Metrics != nil {
		g.Metrics.MessagesReceived.WithLabelValues(string(event.Source.Platform), string(event.MessageType)).Inc()
	}

	conv := g.conversationFor(event.Source)

	// A turn blocked on clarify/approval consumes the next inbound
	// message as its reply instead of starting a new turn.
	conv.replyMu.Lock()
	if conv.replyCh != nil {
		ch := conv.replyCh
		conv.replyCh = nil
		conv.replyMu.Unlock()
		ch <- event.Text
		return
	}
	conv.replyMu.Unlock()

	// /stop preempts the queue entirely.
	if strings.HasPrefix(strings.TrimSpace(event.Text), "/stop") {
		conv.cancel.Set()
		g.reply(context.Background(), event.Source, "Stopping the current turn.")
		return
	}

	select {
	case conv.queue <- event:
	default:
		g.logger.Warn("conversation queue full, shedding", "key", conv.key)
		g.reply(context.Background(), event.Source, "I'm busy with a backlog for this chat — try again shortly.")
	}
}

func (g *Gateway) conversationFor(origin models.Origin) *conversation {
	key := origin.ConversationKey()
	g.mu.Lock()
	defer g.mu.Unlock()
	if conv, ok := g.convs[key]; ok {
		return conv
	}
	watermark := g.Config.Gateway.QueueWatermark
	conv := &conversation{
		key:    key,
		origin: origin,
		queue:  make(chan models.MessageEvent, watermark),
		cancel: sandbox.NewCancelFlag(),
	}
	g.convs[key] = conv
	go g.worker(conv)
	return conv
}

// worker drains one conversation's queue, strictly serializing turns.
func (g *Gateway) worker(conv *conversation) {
	for event := range conv.queue {
		ctx := context.Background()
		conv.cancel.Reset()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					g.logger.Error("turn panicked", "key", conv.key, "panic", rec)
					g.reply(ctx, event.Source, "An unexpected error occurred: internal failure")
				}
			}()
			g.processEvent(ctx, conv, event)
		}()
	}
}

func (g *Gateway) processEvent(ctx context.Context, conv *conversation, event models.MessageEvent) {
	text := strings.TrimSpace(event.Text)
	if strings.HasPrefix(text, "/") {
		g.fireHook(ctx, "command:"+commandVerb(text), event)
		output, err := g.handleCommand(ctx, conv, event, text)
		if err != nil {
			g.reply(ctx, event.Source, "Command failed: "+err.Error())
			return
		}
		if output != "" {
			g.reply(ctx, event.Source, output)
		}
		return
	}
	if text == "" && len(event.MediaURLs) == 0 {
		return
	}
	g.runTurn(ctx, conv, event)
}

// runTurn drives one agent turn end to end.
func (g *Gateway) runTurn(ctx context.Context, conv *conversation, event models.MessageEvent) {
	start := time.Now()
	platform := string(event.Source.Platform)

	sess, err := g.findOrCreateSession(ctx, event.Source)
	if err != nil {
		g.logger.Error("session lookup failed", "key", conv.key, "error", err)
		g.reply(ctx, event.Source, "An unexpected error occurred: session unavailable")
		return
	}

	g.fireHook(ctx, "agent:start", event)

	userText := event.Text
	for i, url := range event.MediaURLs {
		kind := "file"
		if i < len(event.MediaTypes) {
			kind = event.MediaTypes[i]
		}
		userText += fmt.Sprintf("\n[attachment %s: %s]", kind, url)
	}
	userMsg := models.Message{
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   userText,
		Timestamp: time.Now().UTC(),
	}
	if _, err := g.Store.AppendMessage(ctx, &userMsg); err != nil {
		g.logger.Warn("persist user message", "error", err)
	}

	transcript, err := g.Store.GetMessages(ctx, sess.ID)
	if err != nil {
		g.logger.Warn("load transcript", "error", err)
		transcript = []models.Message{userMsg}
	}
	transcript = stripMirrors(transcript)

	// Typing indicator at least every 5 seconds while the turn runs.
	typingCtx, stopTyping := context.WithCancel(ctx)
	go g.typingLoop(typingCtx, event.Source)
	defer stopTyping()

	tc := &agent.ToolContext{
		TaskID:          conv.key,
		ConversationKey: conv.key,
		SessionID:       sess.ID,
		Store:           g.Store,
		Gate:            g.Gate,
		Allowlisted:     g.allowlisted,
		Sandbox:         g.Sandboxes,
		Processes:       g.Processes,
		Cancel:          conv.cancel,
	}

	loop := g.buildLoop(sess, conv)
	result, err := loop.RunTurn(ctx, sess.SystemPrompt, transcript, tc)
	stopTyping()

	if g.Metrics != nil {
		g.Metrics.TurnDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	}

	switch {
	case err != nil:
		g.logger.Error("turn failed", "key", conv.key, "error", err)
		g.reply(ctx, event.Source, "An unexpected error occurred: "+shortReason(err))
	case result != nil:
		if g.Metrics != nil {
			g.Metrics.TurnsProcessed.WithLabelValues(platform, string(result.FinishReason)).Inc()
		}
		if result.Text != "" {
			g.reply(ctx, event.Source, result.Text)
			g.mirror(ctx, sess, result.Text)
		}
	}
	g.fireHook(ctx, "agent:end", event)
}

func (g *Gateway) buildLoop(sess *models.Session, conv *conversation) *agent.Loop {
	mode := providers.APIMode(g.Config.Agent.APIMode)
	if info := providers.Lookup(sess.Model); info.APIMode == providers.ModeResponses {
		mode = providers.ModeResponses
	}

	compressor := agent.NewCompressor(
		providers.ContextWindow(sess.Model),
		g.Config.Compression.Threshold,
		g.Config.Compression.ProtectFirst,
		g.Config.Compression.ProtectLast,
	)
	compressor.RenderTodos = func() string {
		return todo.Render(g.Todos.Get(conv.key))
	}
	if g.AuxClient != nil {
		compressor.Summarize = g.summarizeWindow
	}

	return &agent.Loop{
		Client:   g.Client,
		Registry: g.Registry,
		Config: agent.LoopConfig{
			Model:           sess.Model,
			APIMode:         mode,
			MaxIterations:   g.Config.Agent.MaxIterations,
			ReasoningEffort: g.Config.Agent.ReasoningEffort,
			Routing:         routeOptions(g.Config.Agent.Routing),
			Toolsets:        g.Config.Toolsets,
			ToolResultCap:   g.Config.Agent.ToolResultCap,
		},
		Logger:     g.logger,
		Intercept:  g.Intercept,
		OnApproval: g.approvalPrompt(conv),
		OnToolCall: g.toolProgress(conv),
		Persist: func(ctx context.Context, msg *models.Message) error {
			_, err := g.Store.AppendMessage(ctx, msg)
			return err
		},
		PersistRewrite: func(ctx context.Context, msgs []models.Message) error {
			return g.Store.RewriteTranscript(ctx, sess.ID, msgs)
		},
		AddUsage: func(ctx context.Context, input, output int) error {
			if g.Metrics != nil {
				g.Metrics.TokensUsed.WithLabelValues("input").Add(float64(input))
				g.Metrics.TokensUsed.WithLabelValues("output").Add(float64(output))
			}
			return g.Store.AddTokenUsage(ctx, sess.ID, input, output)
		},
		Compressor: compressor,
	}
}

// routeOptions converts the config routing block to the provider
// shape, nil when unset.
func routeOptions(r config.RoutingConfig) *providers.RouteOptions {
	if r.Empty() {
		return nil
	}
	return &providers.RouteOptions{
		Sort:              r.Sort,
		Only:              r.Only,
		Ignore:            r.Ignore,
		Order:             r.Order,
		RequireParameters: r.RequireParameters,
		DataCollection:    r.DataCollection,
	}
}

// toolProgress surfaces tool activity to the chat while a turn runs.
// Mode "new" announces only the first use of each tool per turn.
func (g *Gateway) toolProgress(conv *conversation) func(string) {
	if !g.Config.Agent.ToolProgress {
		return nil
	}
	seen := map[string]bool{}
	onlyNew := g.Config.Agent.ToolProgressMode != "all"
	return func(name string) {
		if onlyNew && seen[name] {
			return
		}
		seen[name] = true
		g.reply(context.Background(), conv.origin, "⚙ "+name+"…")
	}
}

// summarizeWindow condenses a compression window with the auxiliary
// model.
func (g *Gateway) summarizeWindow(ctx context.Context, msgs []models.Message) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	resp, err := g.AuxClient.Complete(ctx, &providers.Request{
		Model:        g.Config.Agent.AuxModel,
		SystemPrompt: "Summarize this conversation excerpt in a compact paragraph, preserving decisions, facts, file paths, and open threads.",
		Messages:     []models.Message{{Role: models.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return "", err
	}
	if g.Metrics != nil {
		g.Metrics.Compressions.Inc()
	}
	return resp.Content, nil
}

// approvalPrompt surfaces dangerous-command prompts on the
// conversation's own surface: interactive button views where the
// adapter supports them, a text prompt with reply parsing otherwise.
func (g *Gateway) approvalPrompt(conv *conversation) agent.ApprovalPrompt {
	return func(ctx context.Context, command string, pattern policy.PatternKey, description string) policy.Resolution {
		timeout := g.Config.Approvals.Timeout
		adapter, ok := g.Adapters.Get(conv.origin.Platform)
		if !ok {
			return policy.ResolutionDeny
		}

		var resolved string
		if prompter, ok := adapter.(channels.ApprovalPrompter); ok {
			resolved = prompter.PromptApproval(ctx, conv.origin.ChatID, truncate(command, 500), description, timeout)
		} else {
			prompt := fmt.Sprintf("⚠️ Dangerous command detected (%s):\n%s\nReply 'yes' to allow once, 'always' to allow for this session, anything else to deny.",
				description, truncate(command, 500))
			adapter.Send(ctx, conv.origin.ChatID, prompt, nil)
			reply, err := g.waitForReply(ctx, conv, timeout)
			if err != nil {
				resolved = "deny"
			} else {
				switch strings.ToLower(strings.TrimSpace(reply)) {
				case "yes", "y", "allow", "allow once", "once":
					resolved = "allow_once"
				case "always", "allow always":
					resolved = "allow_always"
				default:
					resolved = "deny"
				}
			}
		}

		if g.Metrics != nil {
			g.Metrics.ApprovalPrompts.WithLabelValues(string(pattern), resolved).Inc()
		}
		return policy.Resolution(resolved)
	}
}

// ClarifyFromContext is the clarify tool's callback: send the question
// on the calling conversation's own surface, then block until the next
// inbound message arrives there.
func (g *Gateway) ClarifyFromContext(ctx context.Context, question string, choices []string) (string, error) {
	tc := agent.ToolContextFrom(ctx)
	g.mu.Lock()
	conv, ok := g.convs[tc.ConversationKey]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no live conversation to ask")
	}
	text := question
	if len(choices) > 0 {
		text += "\nOptions: " + strings.Join(choices, " | ")
	}
	g.reply(ctx, conv.origin, text)
	return g.waitForReply(ctx, conv, g.Config.Approvals.Timeout)
}

// waitForReply parks the conversation until the next inbound message,
// which HandleMessage routes into the reply slot instead of the queue.
func (g *Gateway) waitForReply(ctx context.Context, conv *conversation, timeout time.Duration) (string, error) {
	ch := make(chan string, 1)
	conv.replyMu.Lock()
	conv.replyCh = ch
	conv.replyMu.Unlock()
	defer func() {
		conv.replyMu.Lock()
		conv.replyCh = nil
		conv.replyMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case reply := <-ch:
			return reply, nil
		case <-timer.C:
			return "", fmt.Errorf("timed out waiting for a reply")
		case <-ticker.C:
			if conv.cancel.IsSet() {
				return "", fmt.Errorf("turn cancelled")
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// typingLoop surfaces a typing indicator at least every 5 seconds
// while a turn is in flight.
func (g *Gateway) typingLoop(ctx context.Context, origin models.Origin) {
	adapter, ok := g.Adapters.Get(origin.Platform)
	if !ok {
		return
	}
	interval := g.Config.Gateway.TypingInterval
	adapter.SendTyping(ctx, origin.ChatID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			adapter.SendTyping(ctx, origin.ChatID)
		}
	}
}

// findOrCreateSession locates the active session for an origin or
// starts a fresh one.
func (g *Gateway) findOrCreateSession(ctx context.Context, origin models.Origin) (*models.Session, error) {
	sess, err := g.Store.FindActiveByConversationKey(ctx, origin)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return g.createSession(ctx, origin)
}

func (g *Gateway) createSession(ctx context.Context, origin models.Origin) (*models.Session, error) {
	sess := &models.Session{
		ID:           uuid.NewString(),
		Source:       origin.Platform,
		UserID:       origin.UserID,
		Model:        g.Config.Agent.Model,
		Provider:     g.Config.Agent.Provider,
		SystemPrompt: g.Config.Agent.SystemPrompt,
		Origin:       origin,
		StartedAt:    time.Now().UTC(),
	}
	if err := g.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if g.Metrics != nil {
		g.Metrics.ActiveSessions.Inc()
	}
	if g.Directory != nil && origin.ChatName != "" {
		g.Directory.Add(DirectoryEntry{Platform: origin.Platform, Name: origin.ChatName, ChatID: origin.ChatID})
	}
	g.fireHook(ctx, "session:start", models.MessageEvent{Source: origin})
	g.logger.Info("session created", "session_id", sess.ID, "key", origin.ConversationKey())
	return sess, nil
}

func (g *Gateway) allowlisted(pattern policy.PatternKey) bool {
	for _, allowed := range g.Config.Approvals.AllowPatterns {
		if allowed == string(pattern) {
			return true
		}
	}
	return false
}

// reply delivers text to an origin through its adapter.
func (g *Gateway) reply(ctx context.Context, origin models.Origin, text string) {
	adapter, ok := g.Adapters.Get(origin.Platform)
	if !ok {
		g.logger.Warn("no adapter for platform", "platform", origin.Platform)
		return
	}
	result := adapter.Send(ctx, origin.ChatID, text, nil)
	if g.Metrics != nil {
		outcome := "ok"
		if !result.Success {
			outcome = "error"
		}
		g.Metrics.MessagesSent.WithLabelValues(string(origin.Platform), outcome).Inc()
	}
	if !result.Success {
		g.logger.Warn("send failed", "platform", origin.Platform, "error", result.Error)
	}
}

// SendTo implements the send_message tool's outbound surface: empty
// chatID resolves to the platform's home channel, "platform:name"
// references resolve through the channel directory. Cron delivery uses
// the same path.
func (g *Gateway) SendTo(ctx context.Context, platform models.Platform, chatID, text string) (models.SendResult, error) {
	adapter, ok := g.Adapters.Get(platform)
	if !ok {
		return models.SendResult{}, fmt.Errorf("platform %s is not connected", platform)
	}
	if chatID == "" {
		resolved, err := g.homeChat(ctx, platform)
		if err != nil {
			return models.SendResult{}, err
		}
		chatID = resolved
	} else if g.Directory != nil && !isNumericy(chatID) {
		if resolved, err := g.Directory.Resolve(string(platform) + ":" + chatID); err == nil {
			chatID = resolved
		}
	}
	return adapter.Send(ctx, chatID, text, nil), nil
}

// homeChat resolves the platform's home channel: explicit config
// first, then the session flagged via /sethome.
func (g *Gateway) homeChat(ctx context.Context, platform models.Platform) (string, error) {
	var configured string
	switch platform {
	case models.PlatformTelegram:
		configured = g.Config.Platforms.Telegram.HomeChannel
	case models.PlatformDiscord:
		configured = g.Config.Platforms.Discord.HomeChannel
	case models.PlatformSlack:
		configured = g.Config.Platforms.Slack.HomeChannel
	case models.PlatformWhatsApp:
		configured = g.Config.Platforms.WhatsApp.HomeChannel
	}
	if configured != "" {
		return configured, nil
	}
	sess, err := g.Store.HomeChannelSession(ctx, platform)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("no home channel configured for %s", platform)
	}
	return sess.Origin.ChatID, nil
}

// mirror copies an assistant reply into sibling-platform sessions
// sharing the same conversation semantics (multi-surface presence).
// Mirrored rows are tagged and never trigger further processing, and
// the write happens only after the originating transcript committed.
func (g *Gateway) mirror(ctx context.Context, source *models.Session, text string) {
	if !g.Config.Gateway.MirrorSessions {
		return
	}
	sessions, err := g.Store.ListSessions(ctx, "", 100, 0)
	if err != nil {
		return
	}
	for _, sess := range sessions {
		if sess.ID == source.ID || !sess.Active() || sess.Source == source.Source {
			continue
		}
		if sess.Origin.ChatID != source.Origin.ChatID && sess.Origin.ChatName != source.Origin.ChatName {
			continue
		}
		g.Store.AppendMessage(ctx, &models.Message{
			SessionID: sess.ID,
			Role:      models.RoleAssistant,
			Content:   text,
			Mirror:    true,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (g *Gateway) fireHook(ctx context.Context, eventType string, event models.MessageEvent) {
	if g.Hooks == nil {
		return
	}
	g.Hooks.Fire(ctx, eventType, map[string]any{
		"platform": string(event.Source.Platform),
		"chat_id":  event.Source.ChatID,
		"user_id":  event.Source.UserID,
		"text":     event.Text,
	})
}

// stripMirrors drops mirror rows from a working transcript: they are
// display copies, not conversation state.
func stripMirrors(msgs []models.Message) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.Mirror {
			out = append(out, m)
		}
	}
	return out
}

func commandVerb(text string) string {
	verb := strings.TrimPrefix(strings.Fields(text)[0], "/")
	return strings.ToLower(verb)
}

func shortReason(err error) string {
	return truncate(err.Error(), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func isNumericy(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return s != ""
}
