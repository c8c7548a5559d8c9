// Package todo implements the agent's in-memory per-conversation plan tool.
package todo

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/haasonsaas/hermes/internal/agent"
)

// Status is the lifecycle state of a single todo item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Item is one entry in a conversation's plan.
type Item struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  Status `json:"status"`
}

// Store holds the current todo list per conversation key. It is not
// persisted: the plan lives only for the lifetime of the agent process, the
// way a scratch list on a whiteboard would.
type Store struct {
	mu    sync.Mutex
	lists map[string][]Item
}

// NewStore creates an empty todo store.
func NewStore() *Store {
	return &Store{lists: make(map[string][]Item)}
}

// Get returns a copy of key's current list.
func (s *Store) Get(key string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	out := make([]Item, len(list))
	copy(out, list)
	return out
}

// Set replaces key's list, optionally merging with the existing one by ID
// (items present in both keep the incoming content/status; items only in the
// existing list are preserved; items only in the incoming list are added).
func (s *Store) Set(key string, items []Item, merge bool) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !merge {
		s.lists[key] = items
		out := make([]Item, len(items))
		copy(out, items)
		return out
	}

	existing := s.lists[key]
	byID := make(map[string]int, len(existing))
	merged := make([]Item, len(existing))
	copy(merged, existing)
	for i, it := range merged {
		byID[it.ID] = i
	}
	for _, it := range items {
		if idx, ok := byID[it.ID]; ok {
			merged[idx] = it
		} else {
			byID[it.ID] = len(merged)
			merged = append(merged, it)
		}
	}
	s.lists[key] = merged
	out := make([]Item, len(merged))
	copy(out, merged)
	return out
}

// Render produces a human/LLM-readable rendering of key's list, used by the
// context compressor to preserve the plan across a summarization pass.
func Render(items []Item) string {
	if len(items) == 0 {
		return "(todo list is empty)"
	}
	out := "Todo list:\n"
	for _, it := range items {
		marker := " "
		switch it.Status {
		case StatusInProgress:
			marker = "~"
		case StatusCompleted:
			marker = "x"
		case StatusCancelled:
			marker = "-"
		}
		out += "[" + marker + "] " + it.ID + ": " + it.Content + "\n"
	}
	return out
}

// Tool is the `todo` tool: reading returns the current plan, writing
// (with `todos` supplied) replaces or merges it. The agent loop intercepts
// this tool before registry dispatch in most deployments because it needs
// direct access to per-agent state, but it is equally safe to register
// normally since Store is keyed and synchronized per conversation.
type Tool struct {
	store           *Store
	conversationKey func(ctx context.Context) string
}

// New creates the todo tool bound to store, resolving the conversation key
// from context via keyFn.
func New(store *Store, keyFn func(ctx context.Context) string) *Tool {
	return &Tool{store: store, conversationKey: keyFn}
}

func (t *Tool) Name() string { return "todo" }

func (t *Tool) Description() string {
	return "Read or write the current task's todo list. Omit `todos` to read the current list; " +
		"provide `todos` to replace it (or merge by id when `merge` is true)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"description": "New or updated todo items. Omit to just read the current list.",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string"},
						"content": {"type": "string"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "cancelled"]}
					},
					"required": ["id", "content", "status"]
				}
			},
			"merge": {
				"type": "boolean",
				"description": "Merge with the existing list by id instead of replacing it (default false)."
			}
		}
	}`)
}

type input struct {
	Todos []Item `json:"todos"`
	Merge bool   `json:"merge"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.store == nil {
		return &agent.ToolResult{Content: `{"error":"todo store unavailable"}`, IsError: true}, nil
	}
	var in input
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return &agent.ToolResult{Content: `{"error":"invalid parameters"}`, IsError: true}, nil
		}
	}

	key := "default"
	if t.conversationKey != nil {
		key = t.conversationKey(ctx)
	}

	var items []Item
	if in.Todos == nil {
		items = t.store.Get(key)
	} else {
		items = t.store.Set(key, in.Todos, in.Merge)
	}

	payload, _ := json.Marshal(map[string]any{"todos": items})
	return &agent.ToolResult{Content: string(payload)}, nil
}
