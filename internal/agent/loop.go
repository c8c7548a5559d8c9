package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Synthetic assistant messages the loop appends on abnormal exits.
const (
	interruptedMarker    = "[Interrupted]"
	iterationLimitMarker = "[Iteration limit reached]"
	truncatedMarker      = "[…truncated…]"
)

// maxIncompleteContinuations bounds responses-mode re-requests when the
// provider reports an incomplete turn with neither tool calls nor
// text; on exhaustion the partial text is surfaced.
const maxIncompleteContinuations = 2

// ApprovalPrompt surfaces a dangerous-command prompt to the user and
// blocks until a resolution or timeout. Timeouts resolve as deny.
type ApprovalPrompt func(ctx context.Context, command string, pattern policy.PatternKey, description string) policy.Resolution

// ClarifyPrompt asks the user a clarifying question and blocks for the
// reply.
type ClarifyPrompt func(ctx context.Context, question string, choices []string) (string, error)

// LoopConfig is the per-session configuration of a turn.
type LoopConfig struct {
	Model           string
	APIMode         providers.APIMode
	MaxIterations   int
	ReasoningEffort string
	Routing         *providers.RouteOptions
	Toolsets        []string
	ToolResultCap   int
}

// Loop drives one user turn to completion.
type Loop struct {
	Client   providers.Client
	Registry *Registry
	Config   LoopConfig
	Logger   *slog.Logger

	// Intercepted tools run in-process with direct access to per-agent
	// state (todo store, clarify callback, memory path) and bypass
	// registry dispatch. Keyed by tool name.
	Intercept map[string]Tool

	// OnApproval surfaces dangerous-command prompts; nil denies.
	OnApproval ApprovalPrompt

	// OnToolCall, when set, observes each dispatched tool call (used
	// for tool-progress surfacing).
	OnToolCall func(name string)

	// Persist appends a message to durable storage; nil keeps the turn
	// in memory only (cron warmups, tests).
	Persist func(ctx context.Context, msg *models.Message) error

	// PersistRewrite replaces the stored transcript after compression.
	PersistRewrite func(ctx context.Context, msgs []models.Message) error

	// AddUsage records provider-reported token counts.
	AddUsage func(ctx context.Context, input, output int) error

	// Compressor guards the context budget; nil disables compression.
	Compressor *Compressor
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Text         string
	FinishReason models.FinishReason
	Messages     []models.Message // full working transcript after the turn
	Interrupted  bool
}

// RunTurn drives the conversation until a terminal finish reason,
// interruption, or the iteration limit. transcript must already
// contain the new user message.
func (l *Loop) RunTurn(ctx context.Context, systemPrompt string, transcript []models.Message, tc *ToolContext) (*TurnResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent_loop", "session_id", tc.SessionID)

	maxIterations := l.Config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 60
	}

	working := append([]models.Message{}, transcript...)
	ctx = WithToolContext(ctx, tc)

	lastPromptTokens := 0
	continuations := 0

	for iteration := 0; iteration < maxIterations; iteration++ {
		if tc.Cancel.IsSet() {
			return l.finishInterrupted(ctx, working, tc)
		}

		// Compression check before every request.
		if l.Compressor != nil && l.Compressor.ShouldCompress(lastPromptTokens, working) {
			logger.Info("compressing context", "messages", len(working))
			working = l.Compressor.Compress(ctx, working)
			lastPromptTokens = 0
			if l.PersistRewrite != nil {
				if err := l.PersistRewrite(ctx, working); err != nil {
					logger.Warn("persist compressed transcript", "error", err)
				}
			}
		}

		req := &providers.Request{
			Model:           l.Config.Model,
			SystemPrompt:    systemPrompt,
			Messages:        working,
			Tools:           l.Registry.Schemas(l.Config.Toolsets),
			ReasoningEffort: l.Config.ReasoningEffort,
			Routing:         l.Config.Routing,
		}

		resp, err := l.completeWithRetry(ctx, req, tc, logger)
		if err != nil {
			if err == ErrInterrupted {
				return l.finishInterrupted(ctx, working, tc)
			}
			return nil, err
		}
		lastPromptTokens = resp.PromptTokens

		assistant := models.Message{
			SessionID:           tc.SessionID,
			Role:                models.RoleAssistant,
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			ReasoningDetails:    resp.ReasoningDetails,
			CodexReasoningItems: resp.CodexReasoningItems,
			FinishReason:        resp.FinishReason,
			TokenCount:          resp.CompletionTokens,
			Timestamp:           time.Now().UTC(),
		}

		// Interim continuation: incomplete with nothing actionable.
		if resp.FinishReason == models.FinishIncomplete && len(resp.ToolCalls) == 0 && resp.Content == "" {
			continuations++
			if continuations > maxIncompleteContinuations {
				assistant.Content = l.partialText(working)
				l.append(ctx, &assistant, tc)
				working = append(working, assistant)
				return &TurnResult{Text: assistant.Content, FinishReason: models.FinishIncomplete, Messages: working}, nil
			}
			logger.Debug("incomplete response, re-requesting", "continuation", continuations)
			continue
		}

		l.append(ctx, &assistant, tc)
		working = append(working, assistant)
		if l.AddUsage != nil {
			l.AddUsage(ctx, resp.PromptTokens, resp.CompletionTokens)
		}

		if len(resp.ToolCalls) == 0 {
			switch resp.FinishReason {
			case models.FinishStop, models.FinishLength, models.FinishContentFilter, models.FinishIncomplete:
				return &TurnResult{Text: resp.Content, FinishReason: resp.FinishReason, Messages: working}, nil
			}
			// No tool calls and a non-terminal reason: treat as done.
			return &TurnResult{Text: resp.Content, FinishReason: resp.FinishReason, Messages: working}, nil
		}

		for _, call := range resp.ToolCalls {
			if tc.Cancel.IsSet() {
				return l.finishInterrupted(ctx, working, tc)
			}
			if l.OnToolCall != nil {
				l.OnToolCall(call.Name)
			}
			result := l.runToolCall(ctx, call, tc, logger)

			toolMsg := models.Message{
				SessionID:  tc.SessionID,
				Role:       models.RoleTool,
				Content:    l.truncateResult(result.Content),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Timestamp:  time.Now().UTC(),
			}
			l.append(ctx, &toolMsg, tc)
			working = append(working, toolMsg)
		}
	}

	final := models.Message{
		SessionID: tc.SessionID,
		Role:      models.RoleAssistant,
		Content:   iterationLimitMarker,
		Timestamp: time.Now().UTC(),
	}
	l.append(ctx, &final, tc)
	working = append(working, final)
	return &TurnResult{Text: iterationLimitMarker, FinishReason: models.FinishLength, Messages: working}, nil
}

// completeWithRetry runs the provider call on a background worker the
// foreground can abandon, retrying transient failures with exponential
// backoff.
func (l *Loop) completeWithRetry(ctx context.Context, req *providers.Request, tc *ToolContext, logger *slog.Logger) (*providers.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxProviderAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			logger.Warn("provider error, backing off", "attempt", attempt, "delay", delay, "error", lastErr)
			if !l.sleepInterruptible(ctx, delay, tc) {
				return nil, ErrInterrupted
			}
		}

		type completion struct {
			resp *providers.Response
			err  error
		}
		done := make(chan completion, 1)
		callCtx, cancel := context.WithCancel(ctx)
		go func() {
			resp, err := l.Client.Complete(callCtx, req)
			done <- completion{resp, err}
		}()

		ticker := time.NewTicker(time.Second)
		var result completion
		abandoned := false
	wait:
		for {
			select {
			case result = <-done:
				break wait
			case <-ticker.C:
				if tc.Cancel.IsSet() {
					cancel()
					abandoned = true
					break wait
				}
			case <-ctx.Done():
				cancel()
				abandoned = true
				break wait
			}
		}
		ticker.Stop()
		cancel()
		if abandoned {
			return nil, ErrInterrupted
		}
		if result.err == nil {
			return result.resp, nil
		}
		lastErr = result.err
		if !retryable(result.err) {
			return nil, &FatalProviderError{Provider: l.providerName(), Err: result.err}
		}
	}
	return nil, &FatalProviderError{Provider: l.providerName(), Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func (l *Loop) providerName() string {
	if l.Config.APIMode == providers.ModeResponses {
		return "codex"
	}
	return "chat"
}

// sleepInterruptible waits for d, returning false if cancelled.
func (l *Loop) sleepInterruptible(ctx context.Context, d time.Duration, tc *ToolContext) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if tc.Cancel.IsSet() || ctx.Err() != nil {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
	return true
}

// runToolCall validates and dispatches one tool call, routing through
// the interceptors first and handling the pending-approval sentinel.
func (l *Loop) runToolCall(ctx context.Context, call models.ToolCall, tc *ToolContext, logger *slog.Logger) *ToolResult {
	if !json.Valid(call.Arguments) && len(call.Arguments) > 0 {
		return ErrorResultf("tool %s: arguments are not valid JSON", call.Name)
	}

	dispatch := func() *ToolResult {
		if tool, ok := l.Intercept[call.Name]; ok {
			return runGuarded(ctx, tool, call.Arguments)
		}
		return l.Registry.Dispatch(ctx, call.Name, call.Arguments)
	}

	result := dispatch()

	if pending := parsePendingApproval(result); pending != nil {
		resolution := policy.ResolutionDeny
		if l.OnApproval != nil {
			resolution = l.OnApproval(ctx, pending.Command, policy.PatternKey(pending.PatternKey), pending.Description)
		}
		if tc.Gate != nil {
			tc.Gate.Resolve(tc.ConversationKey, resolution)
		}
		switch resolution {
		case policy.ResolutionAllowOnce, policy.ResolutionAllowAlways:
			logger.Info("dangerous command approved", "pattern", pending.PatternKey, "resolution", resolution)
			result = dispatch()
		default:
			logger.Info("dangerous command denied", "pattern", pending.PatternKey)
			result = ErrorResultf("command denied by user")
		}
	}
	return result
}

type pendingApprovalPayload struct {
	PendingApproval bool   `json:"pending_approval"`
	PatternKey      string `json:"pattern_key"`
	Description     string `json:"description"`
	Command         string `json:"command"`
}

func parsePendingApproval(result *ToolResult) *pendingApprovalPayload {
	if result == nil || !strings.Contains(result.Content, "pending_approval") {
		return nil
	}
	var payload pendingApprovalPayload
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil || !payload.PendingApproval {
		return nil
	}
	return &payload
}

// truncateResult caps very large tool outputs by cutting the midpoint.
func (l *Loop) truncateResult(content string) string {
	limit := l.Config.ToolResultCap
	if limit <= 0 {
		limit = 100 * 1024
	}
	if len(content) <= limit {
		return content
	}
	half := limit / 2
	return content[:half] + "\n" + truncatedMarker + "\n" + content[len(content)-half:]
}

func (l *Loop) append(ctx context.Context, msg *models.Message, tc *ToolContext) {
	if l.Persist == nil {
		return
	}
	if err := l.Persist(ctx, msg); err != nil && l.Logger != nil {
		l.Logger.Warn("persist message", "error", err, "session_id", tc.SessionID)
	}
}

// finishInterrupted appends the interruption marker, preserving
// partial tool results already in the working transcript.
func (l *Loop) finishInterrupted(ctx context.Context, working []models.Message, tc *ToolContext) (*TurnResult, error) {
	msg := models.Message{
		SessionID: tc.SessionID,
		Role:      models.RoleAssistant,
		Content:   interruptedMarker,
		Timestamp: time.Now().UTC(),
	}
	l.append(ctx, &msg, tc)
	working = append(working, msg)
	return &TurnResult{Text: interruptedMarker, Messages: working, Interrupted: true}, nil
}

// partialText pulls the most recent assistant text out of the working
// list for the incomplete-continuation exhaustion path.
func (l *Loop) partialText(working []models.Message) string {
	for i := len(working) - 1; i >= 0; i-- {
		if working[i].Role == models.RoleAssistant && working[i].Content != "" {
			return working[i].Content
		}
	}
	return "[Response incomplete]"
}
