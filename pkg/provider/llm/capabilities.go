package llm

import (
	"strings"

	"github.com/hexenseai/hex-platform/pkg/types"
)

// defaultCapabilities is reported for models missing from [knownModels].
var defaultCapabilities = types.ModelCapabilities{
	ContextWindow:       128_000,
	MaxOutputTokens:     4_096,
	SupportsToolCalling: true,
	SupportsStreaming:   true,
}

// knownModels is matched top to bottom against the lower-cased model name;
// more specific prefixes come first.
var knownModels = []struct {
	match func(model string) bool
	caps  types.ModelCapabilities
}{
	{prefix("gpt-4.1"), caps(1_047_576, 32_768, true, true)},
	{prefix("gpt-4o"), caps(128_000, 16_384, true, true)},
	{prefix("gpt-4-turbo"), caps(128_000, 4_096, true, true)},
	{prefix("gpt-4"), caps(8_192, 4_096, true, false)},
	{prefix("gpt-3.5-turbo"), caps(16_385, 4_096, true, false)},
	{prefix("o1-mini"), caps(128_000, 65_536, false, false)},
	{prefix("o3-mini", "o4-mini"), caps(200_000, 100_000, true, false)},
	{prefix("o1", "o3", "o4"), caps(200_000, 100_000, true, true)},

	{contains("claude-3-opus"), caps(200_000, 4_096, true, true)},
	{prefix("claude"), caps(200_000, 8_192, true, true)},

	{contains("gemini-1.5-pro"), caps(2_097_152, 8_192, true, true)},
	{contains("flash"), caps(1_048_576, 8_192, true, true)},
	{prefix("gemini"), caps(128_000, 8_192, true, true)},

	{prefix("deepseek-reasoner"), caps(64_000, 8_192, false, false)},
	{prefix("deepseek"), caps(64_000, 8_192, true, false)},
	{prefix("mistral-large", "mistral-medium"), caps(128_000, 8_192, true, false)},

	// Small local models served through Ollama or llama.cpp.
	{prefix("gemma", "phi", "tinyllama"), caps(8_192, 4_096, false, false)},
}

// LookupCapabilities returns the static capabilities of a model by name.
// Unknown models receive defaults that assume tool support, so a package
// bound to them is offered its tools; the catalog's supports_tools flag is
// the authority for routing.
func LookupCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if m.match(lower) {
			return m.caps
		}
	}
	return defaultCapabilities
}

func caps(window, output int, tools, vision bool) types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       window,
		MaxOutputTokens:     output,
		SupportsToolCalling: tools,
		SupportsVision:      vision,
		SupportsStreaming:   true,
	}
}

func prefix(ps ...string) func(string) bool {
	return func(model string) bool {
		for _, p := range ps {
			if strings.HasPrefix(model, p) {
				return true
			}
		}
		return false
	}
}

func contains(s string) func(string) bool {
	return func(model string) bool { return strings.Contains(model, s) }
}
