package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// EventKind enumerates the values an [Event] can take.
type EventKind uint8

const (
	// EventContentChunk carries a fragment of user-visible text.
	EventContentChunk EventKind = iota + 1

	// EventToolCallsReady carries a complete, index-ordered list of tool calls.
	EventToolCallsReady

	// EventStreamEnd terminates a successful stream.
	EventStreamEnd

	// EventError terminates a failed stream.
	EventError
)

// Reasons attached to [EventStreamEnd] by the normaliser itself.
const (
	// ReasonError trails an [EventError] so that consumers watching only for
	// stream ends still observe completion.
	ReasonError = "error"

	// ReasonCancelled is reported when the turn's context was cancelled before
	// the backend finished.
	ReasonCancelled = "cancelled"
)

// String returns the event kind's wire name.
func (k EventKind) String() string {
	switch k {
	case EventContentChunk:
		return "content_chunk"
	case EventToolCallsReady:
		return "tool_calls_ready"
	case EventStreamEnd:
		return "stream_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of the normalised provider stream.
//
// A stream is finite and not restartable. Its first terminal event is either
// [EventStreamEnd] or [EventError]; after an [EventError] the stream emits one
// trailing [EventStreamEnd] with reason [ReasonError] and closes. Consumers
// stop at the first terminal event and must not treat the trailer as a second
// outcome.
type Event struct {
	Kind EventKind

	// Text is set for EventContentChunk.
	Text string

	// ToolCalls is set for EventToolCallsReady.
	ToolCalls []types.ToolCall

	// Reason is set for EventStreamEnd.
	Reason string

	// Err is set for EventError. It always wraps a [fault] kind.
	Err error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventStreamEnd || e.Kind == EventError
}

// Stream starts a completion on p and returns the normalised event sequence.
// A failure to start the stream is reported as an [EventError] rather than a
// Go error, so the caller only ever handles one shape of failure.
func Stream(ctx context.Context, p Provider, req CompletionRequest) <-chan Event {
	chunks, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return Failed(classify(err))
	}
	return Events(ctx, chunks)
}

// Failed returns a closed stream that reports err followed by the
// [ReasonError] trailer and emits no content.
func Failed(err error) <-chan Event {
	out := make(chan Event, 2)
	out <- Event{Kind: EventError, Err: err}
	out <- Event{Kind: EventStreamEnd, Reason: ReasonError}
	close(out)
	return out
}

// Events converts a backend chunk channel into the normalised event sequence.
//
// The returned channel is closed after the terminal event. If ctx is cancelled
// the normaliser stops forwarding, drains chunks so the backend goroutine can
// exit, and closes the channel after a best-effort [ReasonCancelled] end.
// A chunk channel that closes without a finish signal is a protocol violation
// and is reported as [EventError].
func Events(ctx context.Context, chunks <-chan Chunk) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer drain(chunks)

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		cancelled := func() {
			select {
			case out <- Event{Kind: EventStreamEnd, Reason: ReasonCancelled}:
			default:
			}
		}

		for {
			var (
				c  Chunk
				ok bool
			)
			select {
			case <-ctx.Done():
				cancelled()
				return
			case c, ok = <-chunks:
			}
			if !ok {
				if ctx.Err() != nil {
					cancelled()
					return
				}
				send(Event{Kind: EventError, Err: fault.Transient("%w", fault.Protocol("stream closed without a finish signal"))})
				send(Event{Kind: EventStreamEnd, Reason: ReasonError})
				return
			}

			if c.FinishReason == FinishReasonError {
				send(Event{Kind: EventError, Err: fault.Transient("%s", c.Text)})
				send(Event{Kind: EventStreamEnd, Reason: ReasonError})
				return
			}
			if c.Text != "" && !send(Event{Kind: EventContentChunk, Text: c.Text}) {
				cancelled()
				return
			}
			if len(c.ToolCalls) > 0 && !send(Event{Kind: EventToolCallsReady, ToolCalls: c.ToolCalls}) {
				cancelled()
				return
			}
			if c.FinishReason != "" {
				send(Event{Kind: EventStreamEnd, Reason: c.FinishReason})
				return
			}
		}
	}()
	return out
}

func drain(chunks <-chan Chunk) {
	n := 0
	for c := range chunks {
		if c.Text != "" || len(c.ToolCalls) > 0 {
			n++
		}
	}
	if n > 0 {
		slog.Warn("llm: discarded chunks after terminal event", "count", n)
	}
}

// classify maps a start-up failure onto the fault taxonomy. Errors that are
// already classified keep their kind.
func classify(err error) error {
	if errors.Is(err, fault.ErrConfiguration) || errors.Is(err, fault.ErrTransient) {
		return err
	}
	return fault.Transient("%w", err)
}
