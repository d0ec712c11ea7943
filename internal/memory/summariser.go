package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Ellipsis marks a truncated summary.
const Ellipsis = "…"

// summarisationPrompt is the system prompt sent to the LLM when summarising
// a conversation window.
const summarisationPrompt = `Summarise the following conversation between a user and an assistant.
Preserve: the user's goals, decisions taken, facts the user revealed about themselves or their work,
open questions, and the results of any tool calls that the user relied on.
Write at most five sentences in the language of the conversation.`

// Summariser produces a concise summary of a conversation window.
type Summariser interface {
	// Summarise condenses messages into a short text.
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations. Wrap the
// provider in a resilience.LLMFallback to survive a single backend outage.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats messages into a transcript, sends it as a single user
// message under the summarisation prompt and returns the reply.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: Transcript(messages)},
		},
		Temperature: llm.Ptr(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("summarise: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// Transcript renders messages as "[role]: text" lines. Tool messages and
// assistant messages without text are skipped.
func Transcript(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == types.RoleTool || strings.TrimSpace(m.Content) == "" {
			continue
		}
		speaker := m.Role
		if m.Name != "" {
			speaker = m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}
	return sb.String()
}

// Truncate returns text cut to at most limit characters followed by
// [Ellipsis]. Text within the limit is returned unchanged.
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + Ellipsis
}

// TopicChars bounds the thread topic derived from a summary.
const TopicChars = 80

// Topic derives a short thread topic from a summary: its first line,
// truncated to TopicChars.
func Topic(summary string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(summary), "\n")
	return Truncate(line, TopicChars)
}
