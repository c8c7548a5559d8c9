package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/hermes/pkg/models"
)

// handleCommand dispatches one slash command for a conversation and
// returns the text to reply with.
func (g *Gateway) handleCommand(ctx context.Context, conv *conversation, event models.MessageEvent, text string) (string, error) {
	verb := commandVerb(text)
	args := strings.TrimSpace(strings.TrimPrefix(text, "/"+verb))

	switch verb {
	case "reset", "new":
		return g.cmdReset(ctx, conv, event.Source)

	case "undo":
		return g.cmdUndo(ctx, event.Source)

	case "retry":
		return g.cmdRetry(ctx, conv, event)

	case "model":
		return g.cmdModel(ctx, event.Source, args)

	case "personality":
		return g.cmdPersonality(ctx, event.Source, args)

	case "status":
		return g.cmdStatus(ctx, event.Source)

	case "stop":
		// Normally intercepted in HandleMessage; reaching here means
		// nothing was in flight.
		return "Nothing is running.", nil

	case "sethome":
		return g.cmdSetHome(ctx, event.Source)

	case "help":
		return helpText, nil

	default:
		return "", fmt.Errorf("unknown command /%s (try /help)", verb)
	}
}

const helpText = `Commands:
/reset (/new) — end this session and start fresh
/undo — remove the last exchange
/retry — redo the last exchange
/model [name] — show or set the model
/personality <name> — switch system-prompt personality
/status — session summary
/stop — cancel the in-flight turn
/sethome — make this chat the platform's home channel
/help — this list`

func (g *Gateway) cmdReset(ctx context.Context, conv *conversation, origin models.Origin) (string, error) {
	sess, err := g.Store.FindActiveByConversationKey(ctx, origin)
	if err != nil {
		return "", err
	}
	if sess != nil {
		if err := g.Store.EndSession(ctx, sess.ID, models.EndReasonReset); err != nil {
			return "", err
		}
		if g.Metrics != nil {
			g.Metrics.ActiveSessions.Dec()
		}
	}
	g.Gate.ClearSession(conv.key)
	g.Todos.Set(conv.key, nil, false)
	g.Sandboxes.Release(conv.key)
	g.fireHook(ctx, "session:reset", models.MessageEvent{Source: origin})
	return "Session reset. Starting fresh.", nil
}

// cmdUndo pops the last complete user/assistant exchange — including
// every tool round-trip inside it — via rewrite_transcript.
func (g *Gateway) cmdUndo(ctx context.Context, origin models.Origin) (string, error) {
	sess, err := g.Store.FindActiveByConversationKey(ctx, origin)
	if err != nil || sess == nil {
		return "Nothing to undo.", nil
	}
	msgs, err := g.Store.GetMessages(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	trimmed, removed := popLastExchange(msgs)
	if removed == 0 {
		return "Nothing to undo.", nil
	}
	if err := g.Store.RewriteTranscript(ctx, sess.ID, trimmed); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed the last exchange (%d messages).", removed), nil
}

// cmdRetry undoes the last assistant output and re-issues the prior
// user message as a fresh turn.
func (g *Gateway) cmdRetry(ctx context.Context, conv *conversation, event models.MessageEvent) (string, error) {
	sess, err := g.Store.FindActiveByConversationKey(ctx, event.Source)
	if err != nil || sess == nil {
		return "Nothing to retry.", nil
	}
	msgs, err := g.Store.GetMessages(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	trimmed, removed := popLastExchange(msgs)
	if removed == 0 {
		return "Nothing to retry.", nil
	}

	// The popped exchange's user message becomes the new turn.
	var lastUser string
	for i := len(msgs) - 1; i >= len(trimmed); i-- {
		if msgs[i].Role == models.RoleUser && !msgs[i].Mirror {
			lastUser = msgs[i].Content
			break
		}
	}
	if lastUser == "" {
		return "Nothing to retry.", nil
	}
	if err := g.Store.RewriteTranscript(ctx, sess.ID, trimmed); err != nil {
		return "", err
	}

	retryEvent := event
	retryEvent.Text = lastUser
	retryEvent.MessageType = models.MessageTypeText
	g.runTurn(ctx, conv, retryEvent)
	return "", nil
}

func (g *Gateway) cmdModel(ctx context.Context, origin models.Origin, name string) (string, error) {
	sess, err := g.findOrCreateSession(ctx, origin)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "Current model: " + sess.Model, nil
	}
	if err := g.Store.UpdateSessionModel(ctx, sess.ID, name); err != nil {
		return "", err
	}
	return "Model set to " + name + ".", nil
}

func (g *Gateway) cmdPersonality(ctx context.Context, origin models.Origin, name string) (string, error) {
	if name == "" {
		names := make([]string, 0, len(g.Config.Personas))
		for persona := range g.Config.Personas {
			names = append(names, persona)
		}
		if len(names) == 0 {
			return "No personalities configured.", nil
		}
		return "Available personalities: " + strings.Join(names, ", "), nil
	}
	prompt, ok := g.Config.Personas[name]
	if !ok {
		return "", fmt.Errorf("unknown personality %q", name)
	}
	sess, err := g.findOrCreateSession(ctx, origin)
	if err != nil {
		return "", err
	}
	if err := g.Store.UpdateSystemPrompt(ctx, sess.ID, prompt); err != nil {
		return "", err
	}
	return "Personality switched to " + name + ".", nil
}

func (g *Gateway) cmdStatus(ctx context.Context, origin models.Origin) (string, error) {
	sess, err := g.Store.FindActiveByConversationKey(ctx, origin)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "No active session for this chat.", nil
	}
	availability := g.Registry.CheckToolsetRequirements()
	var active []string
	for _, ts := range g.Config.Toolsets {
		if availability[ts] {
			active = append(active, ts)
		}
	}
	return fmt.Sprintf(
		"Session %s\nModel: %s\nMessages: %d\nTool calls: %d\nTokens: %d in / %d out\nToolsets: %s\nSandbox: %s",
		sess.ID, sess.Model, sess.MessageCount, sess.ToolCallCount,
		sess.InputTokens, sess.OutputTokens,
		strings.Join(active, ", "), g.Config.Sandbox.Backend,
	), nil
}

func (g *Gateway) cmdSetHome(ctx context.Context, origin models.Origin) (string, error) {
	sess, err := g.findOrCreateSession(ctx, origin)
	if err != nil {
		return "", err
	}
	if err := g.Store.SetHomeChannel(ctx, sess.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("This chat is now the home channel for %s.", origin.Platform), nil
}

// popLastExchange removes the trailing block from the last non-mirror
// user message onward: the user turn plus every assistant/tool message
// it produced.
func popLastExchange(msgs []models.Message) (trimmed []models.Message, removed int) {
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser && !msgs[i].Mirror {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return msgs, 0
	}
	return msgs[:lastUser], len(msgs) - lastUser
}
