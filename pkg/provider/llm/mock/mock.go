// Package mock is a scripted llm.Provider for tests.
//
//	p := &mock.Provider{Streams: [][]llm.Chunk{
//	    {{Text: "Hello"}, {FinishReason: "stop"}},
//	}}
//
// Set the exported fields before the first call. Requests and CompleteCalls
// record what the code under test sent.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays scripted streams and completions.
type Provider struct {
	// Streams[n] is emitted by the n-th StreamCompletion call. Once the
	// script runs out the last entry repeats, so a provider that requests
	// tools forever needs a single entry.
	Streams [][]llm.Chunk
	// StreamErr makes StreamCompletion fail before any chunk.
	StreamErr error
	// Block gates every chunk: each send waits for a receive or close.
	Block chan struct{}

	CompleteResponse  *llm.CompletionResponse
	CompleteErr       error
	ModelCapabilities types.ModelCapabilities

	// CompleteCalls lists Complete invocations in order.
	CompleteCalls []CompleteCall

	mu       sync.Mutex
	streamed []llm.CompletionRequest
}

// StreamCompletion records req and replays the next script entry.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.streamed)
	p.streamed = append(p.streamed, snapshot(req))
	if p.StreamErr != nil {
		defer p.mu.Unlock()
		return nil, p.StreamErr
	}
	var script []llm.Chunk
	if len(p.Streams) > 0 {
		script = slices.Clone(p.Streams[min(n, len(p.Streams)-1)])
	}
	gate := p.Block
	p.mu.Unlock()

	out := make(chan llm.Chunk, len(script))
	go func() {
		defer close(out)
		for _, c := range script {
			if gate != nil && !wait(ctx, gate) {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func wait(ctx context.Context, gate <-chan struct{}) bool {
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete records req and returns CompleteResponse and CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: snapshot(req)})
	return p.CompleteResponse, p.CompleteErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return p.ModelCapabilities
}

// Requests returns the StreamCompletion requests seen so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.streamed)
}

// snapshot detaches the message slice from the caller, which keeps appending
// to its history between dispatches.
func snapshot(req llm.CompletionRequest) llm.CompletionRequest {
	req.Messages = slices.Clone(req.Messages)
	return req
}

var _ llm.Provider = (*Provider)(nil)
