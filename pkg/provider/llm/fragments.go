package llm

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/hexenseai/hex-platform/pkg/types"
)

// ToolCallAccumulator merges streamed tool-call fragments. It lives for
// exactly one streaming response and is not safe for concurrent use.
//
// Backends whose deltas carry a call index feed them through Add; backends
// without one use Append. Flush is called once a finish signal arrives. The
// zero value is ready to use.
type ToolCallAccumulator struct {
	byIndex map[int]*types.ToolCall
	last    int
}

// Add merges one fragment. A non-empty id or name replaces the stored value;
// argument fragments are appended in arrival order.
func (a *ToolCallAccumulator) Add(index int, id, name, arguments string) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*types.ToolCall)
	}
	tc, ok := a.byIndex[index]
	if !ok {
		tc = &types.ToolCall{}
		a.byIndex[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += arguments
	a.last = index
}

// Append merges a fragment from a stream whose deltas carry no index. A new
// id opens the next call; a fragment without id continues the last one.
//
// Some backends repeat the call id on every delta and send the arguments
// accumulated so far instead of the increment. A fragment for the same id
// that extends the stored arguments therefore replaces them.
func (a *ToolCallAccumulator) Append(id, name, arguments string) {
	cur := a.byIndex[a.last]
	switch {
	case cur == nil:
		a.Add(0, id, name, arguments)
	case id != "" && cur.ID != "" && id != cur.ID:
		a.Add(len(a.byIndex), id, name, arguments)
	case id != "" && id == cur.ID && cur.Arguments != "" && strings.HasPrefix(arguments, cur.Arguments):
		cur.Arguments = arguments
		if name != "" {
			cur.Name = name
		}
	default:
		a.Add(a.last, id, name, arguments)
	}
}

// Len returns the number of distinct indices seen since the last Flush.
func (a *ToolCallAccumulator) Len() int {
	return len(a.byIndex)
}

// Flush returns the coalesced tool calls ordered by index and resets the
// accumulator. Calls that never received an id are dropped and logged; they
// cannot be answered with a matching tool result.
func (a *ToolCallAccumulator) Flush() []types.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indices := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	calls := make([]types.ToolCall, 0, len(indices))
	for _, idx := range indices {
		tc := a.byIndex[idx]
		if tc.ID == "" {
			slog.Warn("llm: dropping tool call without id",
				"index", idx,
				"name", tc.Name,
				"args_len", len(tc.Arguments),
			)
			continue
		}
		calls = append(calls, *tc)
	}
	a.byIndex = nil
	a.last = 0
	return calls
}
