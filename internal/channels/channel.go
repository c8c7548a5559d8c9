// Package channels defines the platform adapter contract and the
// shared helpers (chunking, media caching) every surface uses. Each
// concrete adapter lives in its own subpackage; the gateway talks to
// them only through the interfaces here.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

// Handler receives normalized inbound events from an adapter.
type Handler func(ctx context.Context, event models.MessageEvent)

// SendOptions carries optional outbound parameters.
type SendOptions struct {
	ReplyTo  string
	Metadata map[string]string
}

// Adapter is the common contract every platform surface implements.
type Adapter interface {
	// Platform identifies the surface.
	Platform() models.Platform

	// Connect establishes the platform connection and starts inbound
	// delivery to the handler registered with OnMessage.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Idempotent.
	Disconnect()

	// Send delivers text to a chat, chunked per platform rules.
	Send(ctx context.Context, chatID, content string, opts *SendOptions) models.SendResult

	// SendTyping surfaces a typing indicator.
	SendTyping(ctx context.Context, chatID string)

	// OnMessage registers the inbound handler; must be called before
	// Connect.
	OnMessage(handler Handler)
}

// MediaSender is implemented by adapters that can ship rich media.
type MediaSender interface {
	SendImage(ctx context.Context, chatID, imageURL, caption string, opts *SendOptions) models.SendResult
	SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *SendOptions) models.SendResult
}

// ChatInfoProvider resolves chat metadata.
type ChatInfoProvider interface {
	GetChatInfo(ctx context.Context, chatID string) (ChatInfo, error)
}

// ApprovalPrompter is implemented by adapters with interactive
// approval surfaces (buttons); others fall back to text prompts.
type ApprovalPrompter interface {
	// PromptApproval shows an approval request and blocks until a
	// resolution or the timeout; timeouts resolve as deny.
	PromptApproval(ctx context.Context, chatID, command, description string, timeout time.Duration) string
}

// ChatInfo is the platform-neutral chat metadata shape.
type ChatInfo struct {
	Name  string          `json:"name"`
	Type  models.ChatType `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Guild string          `json:"guild,omitempty"`
}

// Registry maps platforms to their connected adapters.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Platform]Adapter)}
}

// Register adds an adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform models.Platform) (Adapter, bool) {
	a, ok := r.adapters[platform]
	return a, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// ConnectAll connects every adapter, returning the first error.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, a := range r.adapters {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll tears all adapters down.
func (r *Registry) DisconnectAll() {
	for _, a := range r.adapters {
		a.Disconnect()
	}
}
