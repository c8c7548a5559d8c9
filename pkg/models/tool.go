package models

import "encoding/json"

// ToolSchema is the provider-neutral description of one available
// tool: name, description, and a JSON Schema for its parameters.
// Presentation-time wrapping (chat-completions function envelope vs
// responses-API flat shape) is applied by the request builders.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
