// Package models holds the data types shared by every subsystem: the
// gateway, the agent loop, the tool registry, the session store, and the
// cron scheduler all exchange these shapes rather than each other's
// internal structs.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies a messaging surface a Session or Origin is attached to.
type Platform string

const (
	PlatformCLI      Platform = "cli"
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformCron     Platform = "cron"
)

// Role indicates the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal status of one provider response.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishIncomplete    FinishReason = "incomplete"
	FinishContentFilter FinishReason = "content_filter"
)

// ChatType classifies the kind of conversation surface an Origin points at.
type ChatType string

const (
	ChatDM      ChatType = "dm"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
	ChatForum   ChatType = "forum"
)

// Origin is the immutable contextual identity of where a message came from.
// It is attached once, at session creation, and never mutated afterward.
type Origin struct {
	Platform  Platform `json:"platform"`
	ChatID    string   `json:"chat_id"`
	ChatName  string   `json:"chat_name,omitempty"`
	ChatType  ChatType `json:"chat_type,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	UserName  string   `json:"user_name,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
	ChatTopic string   `json:"chat_topic,omitempty"`
}

// ConversationKey returns the (platform, chat_id, thread_id?) tuple that is
// the unit of serialization for agent turns, rendered as a map key.
func (o Origin) ConversationKey() string {
	if o.ThreadID != "" {
		return string(o.Platform) + ":" + o.ChatID + ":" + o.ThreadID
	}
	return string(o.Platform) + ":" + o.ChatID
}

// CLIOrigin is the synthetic origin the local CLI surface attaches to its
// sessions.
func CLIOrigin() Origin {
	return Origin{Platform: PlatformCLI, ChatID: "cli", ChatType: ChatDM}
}

// ToolCall is one LLM-requested tool invocation attached to an assistant
// message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ReasoningItem is one encrypted Codex-style reasoning block that must be
// replayed verbatim on the following turn to preserve multi-step thought.
type ReasoningItem struct {
	ID               string `json:"id"`
	EncryptedContent string `json:"encrypted_content"`
	Summary          string `json:"summary,omitempty"`
}

// Message is one row of a session transcript.
type Message struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`

	// ReasoningDetails holds opaque chat-completions reasoning payloads
	// (OpenRouter "signature", "encrypted_content", and any unknown keys)
	// that must round-trip byte-identical on the next request.
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`

	// CodexReasoningItems holds responses-mode encrypted reasoning blocks.
	CodexReasoningItems []ReasoningItem `json:"codex_reasoning_items,omitempty"`

	Timestamp    time.Time    `json:"timestamp"`
	TokenCount   int          `json:"token_count,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Mirror marks a message copied into a sibling-platform session by the
	// gateway's mirror mechanism; mirrored messages never trigger further
	// processing and do not count toward the owning session's counters.
	Mirror bool `json:"mirror,omitempty"`
}

// EndReason records why a Session stopped accepting turns.
type EndReason string

const (
	EndReasonReset            EndReason = "reset"
	EndReasonProcessExit      EndReason = "process_exit"
	EndReasonCompressionSplit EndReason = "compression_split"
)

// Session is a continuous agent conversation: metadata plus an ordered
// transcript of Messages held in the store.
type Session struct {
	ID              string          `json:"id"`
	Source          Platform        `json:"source"`
	UserID          string          `json:"user_id,omitempty"`
	Model           string          `json:"model"`
	Provider        string          `json:"provider,omitempty"`
	ModelConfig     json.RawMessage `json:"model_config,omitempty"`
	SystemPrompt    string          `json:"system_prompt"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	Origin          Origin          `json:"origin"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`

	MessageCount  int `json:"message_count"`
	ToolCallCount int `json:"tool_call_count"`
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`

	HomeChannel bool `json:"home_channel,omitempty"`
}

// Active reports whether the session is still accepting turns.
func (s *Session) Active() bool { return s.EndedAt == nil }

// MessageType classifies an inbound platform event's payload kind.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeCommand  MessageType = "command"
	MessageTypePhoto    MessageType = "photo"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
)

// MessageEvent is the normalized shape every platform adapter hands to the
// gateway's handle_message callback.
type MessageEvent struct {
	Text             string      `json:"text"`
	MessageType      MessageType `json:"message_type"`
	Source           Origin      `json:"source"`
	RawMessage       any         `json:"raw_message,omitempty"`
	MessageID        string      `json:"message_id,omitempty"`
	MediaURLs        []string    `json:"media_urls,omitempty"`
	MediaTypes       []string    `json:"media_types,omitempty"`
	ReplyToMessageID string      `json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time   `json:"timestamp,omitempty"`
}

// SendResult is the outcome of one outbound delivery attempt.
type SendResult struct {
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	RawResponse any    `json:"raw_response,omitempty"`
}

// TodoStatus is the lifecycle state of one Todo entry.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo is one entry of an agent instance's in-memory plan. Todo lists are
// per-agent-instance and are never persisted to the session store.
type Todo struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}
