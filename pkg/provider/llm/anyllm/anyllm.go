// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// interface. One adapter covers every hosted and local family the library
// speaks (Anthropic, Gemini, DeepSeek, Mistral, Groq, Ollama, llama.cpp,
// llamafile and OpenAI itself), so the dispatcher only needs a family name.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

var constructors = map[string]constructor{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Families returns the family names accepted by [New], sorted.
func Families() []string {
	return slices.Sorted(maps.Keys(constructors))
}

// Provider implements llm.Provider on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	family  string
	model   string
}

// New creates a Provider for model on the named family. opts are passed to
// the library (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL, ...). The
// dispatcher always passes keys explicitly; the library's environment fallback
// only matters for local tooling.
func New(family, model string, opts ...anyllmlib.Option) (*Provider, error) {
	family = strings.ToLower(family)
	if model == "" {
		return nil, fault.Configuration("anyllm: model is empty")
	}
	ctor, ok := constructors[family]
	if !ok {
		return nil, fault.Configuration("anyllm: unsupported family %q (supported: %s)", family, strings.Join(Families(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fault.Configuration("anyllm: create %s backend: %w", family, err)
	}
	return Wrap(family, model, backend), nil
}

// Wrap adapts an already constructed any-llm-go backend, for example one
// configured with options New does not expose.
func Wrap(family, model string, backend anyllmlib.Provider) *Provider {
	return &Provider{backend: backend, family: strings.ToLower(family), model: model}
}

// StreamCompletion implements llm.Provider. The library reports stream
// failures on a separate error channel, which is drained after the last chunk
// and turned into a single error chunk.
//
// Several backends finish a tool-calling turn with "stop"; the reason is
// normalised so the orchestrator sees a tool_calls finish whenever calls are
// attached.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)
	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)

		var acc llm.ToolCallAccumulator
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			// Library deltas carry no call index. Calls are told apart by
			// their id; see ToolCallAccumulator.Append.
			for _, tc := range choice.Delta.ToolCalls {
				acc.Append(tc.ID, tc.Function.Name, tc.Function.Arguments)
			}

			c := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if c.FinishReason != "" {
				c.ToolCalls = acc.Flush()
				if len(c.ToolCalls) > 0 {
					c.FinishReason = anyllmlib.FinishReasonToolCalls
				}
			}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			if !send(c) {
				return
			}
		}

		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: p.String() + ": " + err.Error()})
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fault.Transient("%s: completion: %w", p, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.Transient("%w", fault.Protocol("%s: response has no choices", p))
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.LookupCapabilities(p.model)
}

// String identifies the provider in logs and errors.
func (p *Provider) String() string { return fmt.Sprintf("anyllm/%s/%s", p.family, p.model) }

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != nil {
		params.Temperature = llm.Ptr(*t)
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type:     "function",
			Function: anyllmlib.Function{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return msg
}

var _ llm.Provider = (*Provider)(nil)
