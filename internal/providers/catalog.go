package providers

import "strings"

// ModelInfo is static metadata for one known model: the context window
// feeds the compressor's threshold, and APIMode/reasoning drive the
// request builders.
type ModelInfo struct {
	ContextWindow     int
	SupportsReasoning bool
	APIMode           APIMode
}

// defaultContextWindow is assumed for models not in the table.
const defaultContextWindow = 128_000

// catalog maps model identifiers (lowercased) to their metadata.
var catalog = map[string]ModelInfo{
	"gpt-5.2":                        {ContextWindow: 400_000, SupportsReasoning: true, APIMode: ModeResponses},
	"gpt-5.2-codex":                  {ContextWindow: 400_000, SupportsReasoning: true, APIMode: ModeResponses},
	"gpt-5.1":                        {ContextWindow: 272_000, SupportsReasoning: true, APIMode: ModeResponses},
	"gpt-5.1-codex":                  {ContextWindow: 272_000, SupportsReasoning: true, APIMode: ModeResponses},
	"gpt-4o":                         {ContextWindow: 128_000, APIMode: ModeChat},
	"gpt-4o-mini":                    {ContextWindow: 128_000, APIMode: ModeChat},
	"anthropic/claude-sonnet-4":      {ContextWindow: 200_000, SupportsReasoning: true, APIMode: ModeChat},
	"anthropic/claude-opus-4":        {ContextWindow: 200_000, SupportsReasoning: true, APIMode: ModeChat},
	"anthropic/claude-3.5-haiku":     {ContextWindow: 200_000, APIMode: ModeChat},
	"deepseek/deepseek-chat":         {ContextWindow: 64_000, APIMode: ModeChat},
	"deepseek/deepseek-r1":           {ContextWindow: 64_000, SupportsReasoning: true, APIMode: ModeChat},
	"qwen/qwen3-235b-a22b":           {ContextWindow: 131_072, SupportsReasoning: true, APIMode: ModeChat},
	"meta-llama/llama-3.3-70b":       {ContextWindow: 131_072, APIMode: ModeChat},
	"nousresearch/hermes-4-405b":     {ContextWindow: 131_072, SupportsReasoning: true, APIMode: ModeChat},
	"nousresearch/hermes-4-70b":      {ContextWindow: 131_072, SupportsReasoning: true, APIMode: ModeChat},
	"google/gemini-2.5-pro":          {ContextWindow: 1_048_576, SupportsReasoning: true, APIMode: ModeChat},
	"google/gemini-2.5-flash":        {ContextWindow: 1_048_576, APIMode: ModeChat},
}

// Lookup returns model metadata, falling back to sensible defaults
// for unknown identifiers: chat mode, default window, responses mode
// for codex-suffixed names.
func Lookup(model string) ModelInfo {
	key := strings.ToLower(strings.TrimSpace(model))
	if info, ok := catalog[key]; ok {
		return info
	}
	info := ModelInfo{ContextWindow: defaultContextWindow, APIMode: ModeChat}
	if strings.Contains(key, "codex") {
		info.APIMode = ModeResponses
		info.SupportsReasoning = true
	}
	return info
}

// ContextWindow is a convenience accessor for the compressor.
func ContextWindow(model string) int {
	return Lookup(model).ContextWindow
}
