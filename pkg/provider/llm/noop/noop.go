// Package noop provides a placeholder llm.Provider for backends that are
// catalogued but not yet wired to a real inference path (for example locally
// hosted models awaiting a runtime).
//
// It honours the stream contract: every stream emits exactly one content chunk
// followed by a "stop" finish. Tool definitions are ignored.
package noop

import (
	"context"
	"fmt"

	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Provider is a placeholder llm.Provider.
type Provider struct {
	reply string
}

// New returns a Provider that answers every request with a fixed notice naming
// model.
func New(model string) *Provider {
	return &Provider{reply: fmt.Sprintf("[%s is not available for streaming yet]", model)}
}

// WithReply returns a Provider that answers with reply verbatim.
func WithReply(reply string) *Provider {
	return &Provider{reply: reply}
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: p.reply}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: p.reply}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{SupportsStreaming: true}
}

var _ llm.Provider = (*Provider)(nil)
