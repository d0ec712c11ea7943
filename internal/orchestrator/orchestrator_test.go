package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/orchestrator"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	llmmock "github.com/hexenseai/hex-platform/pkg/provider/llm/mock"
	"github.com/hexenseai/hex-platform/pkg/types"
)

const catalogYAML = `
models:
  - id: gpt4o
    provider: openai
    name: gpt-4o
  - id: llama
    provider: ollama
    name: llama3
    local: true
    supports_tools: false
roles:
  - id: lawyer
    name: Lawyer
    description: Reviews contracts
companies:
  - id: acme
    name: ACME
    credentials: {openai: sk-test}
packages:
  - id: legal
    name: Legal Assistant
    description: Reviews and summarizes contracts.
    system_prompt: Cite clause numbers.
    model: gpt4o
    include_company_info: true
    services:
      - name: lookup
        description: Looks up a contract.
        input_schema:
          type: object
          properties:
            id: {type: string, description: Contract id}
          required: [id]
        default_params: {endpoint: "https://erp.internal/contracts", method: GET}
  - id: general
    name: General
    description: Answers general questions.
    model: llama
    services:
      - name: lookup
        description: Looks up a contract.
profiles:
  - id: p-alice
    principal: alice
    name: Alice
    role: lawyer
    department: Legal
    company: acme
`

// ── Test doubles ─────────────────────────────────────────────────────────────

// streamer feeds the scripted mock provider through the real normaliser.
type streamer struct {
	p *llmmock.Provider

	mu    sync.Mutex
	descs []llm.ModelDescriptor
	creds []llm.Credentials
}

func (s *streamer) Stream(ctx context.Context, desc llm.ModelDescriptor, creds llm.Credentials, req llm.CompletionRequest) <-chan llm.Event {
	s.mu.Lock()
	s.descs = append(s.descs, desc)
	s.creds = append(s.creds, creds)
	s.mu.Unlock()
	return llm.Stream(ctx, s.p, req)
}

type streamFunc func(ctx context.Context, req llm.CompletionRequest) <-chan llm.Event

func (f streamFunc) Stream(ctx context.Context, _ llm.ModelDescriptor, _ llm.Credentials, req llm.CompletionRequest) <-chan llm.Event {
	return f(ctx, req)
}

type sink struct {
	mu        sync.Mutex
	chunks    []string
	finalized int
	actions   [][]types.UIAction
}

func (s *sink) Chunk(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *sink) Finalized(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
}

func (s *sink) Actions(_ context.Context, a []types.UIAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	orch     *orchestrator.Orchestrator
	threads  *thread.MemoryRepository
	llm      *llmmock.Provider
	streamer *streamer
	reg      *tools.Registry
	cat      *catalog.Catalog
	thread   *thread.Thread
	sink     *sink

	mu    sync.Mutex
	calls []tools.Call
}

func newFixture(t *testing.T, streams [][]llm.Chunk, opts ...orchestrator.Option) *fixture {
	t.Helper()
	cat, err := catalog.LoadFromReader(strings.NewReader(catalogYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	f := &fixture{
		threads: thread.NewMemoryRepository(),
		llm:     &llmmock.Provider{Streams: streams},
		reg:     tools.NewRegistry(),
		cat:     cat,
		sink:    &sink{},
	}
	f.streamer = &streamer{p: f.llm}
	f.handle(catalog.DefaultFunction, func(tools.Call) (any, error) {
		return map[string]any{"status": "success", "data": "NDA-7"}, nil
	})

	f.thread, err = f.threads.CreateThread(context.Background(), "alice", "legal", 1)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	base := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithClock(func() time.Time { return now }),
	}
	f.orch = orchestrator.New(catalog.NewHolder(cat), f.threads, f.streamer, f.reg, append(base, opts...)...)
	return f
}

// handle registers fn under key and records every call it receives.
func (f *fixture) handle(key string, fn func(tools.Call) (any, error)) {
	_ = f.reg.Register(key, tools.HandlerFunc(func(_ context.Context, c tools.Call) (any, error) {
		f.mu.Lock()
		f.calls = append(f.calls, c)
		f.mu.Unlock()
		return fn(c)
	}))
}

func (f *fixture) turn(t *testing.T, pkgID, input string) orchestrator.Turn {
	t.Helper()
	pkg, ok := f.cat.Package(pkgID)
	if !ok {
		t.Fatalf("unknown package %q", pkgID)
	}
	profile, _ := f.cat.Profile("p-alice")
	return orchestrator.Turn{Thread: f.thread, Package: pkg, Profile: profile, Input: input}
}

func (f *fixture) persisted(t *testing.T) []thread.Message {
	t.Helper()
	msgs, err := f.threads.RecentMessages(context.Background(), f.thread.ID, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	return msgs
}

func toolCall(id, name, args string) llm.Chunk {
	return llm.Chunk{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

func text(s ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(s)+1)
	for _, t := range s {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// ── Cycle ────────────────────────────────────────────────────────────────────

func TestRun_ToolCallCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{
		{{Text: "Hello "}, {Text: "world"}, toolCall("t1", "lookup", "{}")},
		text(" Found it."),
	})
	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "find the NDA"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := f.llm.Requests()
	if len(reqs) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(reqs))
	}
	first := reqs[0].Messages
	if len(first) != 1 || first[0].Role != types.RoleUser || first[0].Content != "find the NDA" {
		t.Errorf("first dispatch messages = %+v", first)
	}

	second := reqs[1].Messages
	if len(second) != 3 {
		t.Fatalf("second dispatch has %d messages, want 3: %+v", len(second), second)
	}
	asst := second[1]
	if asst.Role != types.RoleAssistant || asst.Content != "Hello world" {
		t.Errorf("assistant message = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "t1" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	tool := second[2]
	if tool.Role != types.RoleTool || tool.ToolCallID != "t1" || tool.Name != "lookup" {
		t.Errorf("tool message = %+v", tool)
	}
	if tool.Content != `{"data":"NDA-7","status":"success"}` {
		t.Errorf("tool content = %s", tool.Content)
	}

	if got := strings.Join(f.sink.chunks, ""); got != "Hello world Found it." {
		t.Errorf("streamed = %q", got)
	}
	if f.sink.finalized != 1 {
		t.Errorf("finalized = %d, want 1", f.sink.finalized)
	}
	if res.Text != "Hello world Found it." || res.Cycles != 1 || res.ToolCalls != 1 || res.CeilingHit {
		t.Errorf("result = %+v", res)
	}

	msgs := f.persisted(t)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
		t.Errorf("persisted roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != res.Text || msgs[1].PackageID != "legal" {
		t.Errorf("persisted assistant = %+v", msgs[1])
	}
	if res.Message == nil || res.Message.ID != msgs[1].ID {
		t.Errorf("result message = %+v", res.Message)
	}
}

func TestRun_ToolFailureBecomesPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{
		{toolCall("t1", "lookup", `{"id":"42"}`)},
		text("The ERP is unavailable."),
	})
	f.handle(catalog.DefaultFunction, func(tools.Call) (any, error) { return nil, errors.New("erp down") })

	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "find contract 42"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := f.llm.Requests()
	if len(reqs) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(reqs))
	}
	tool := reqs[1].Messages[len(reqs[1].Messages)-1]
	var payload map[string]string
	if err := json.Unmarshal([]byte(tool.Content), &payload); err != nil {
		t.Fatalf("tool content %q is not JSON: %v", tool.Content, err)
	}
	if !strings.Contains(payload["error"], "erp down") {
		t.Errorf("error payload = %q", payload["error"])
	}
	if res.Text != "The ERP is unavailable." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRun_OneToolMessagePerCall(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			t.Parallel()

			calls := llm.Chunk{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "lookup", Arguments: `{"id":"c-1"}`},
				{ID: "t2", Name: "delete_everything", Arguments: "{}"},
				{ID: "t3", Name: "lookup", Arguments: `{"id":`},
				{ID: "t4", Name: "lookup", Arguments: ""},
			}}
			f := newFixture(t, [][]llm.Chunk{{calls}, text("done")}, orchestrator.WithParallelTools(parallel))
			f.handle(catalog.DefaultFunction, func(c tools.Call) (any, error) {
				if c.Args["id"] == "c-1" {
					time.Sleep(20 * time.Millisecond)
				}
				return c.Args["id"], nil
			})

			res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "go"), f.sink)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			msgs := f.llm.Requests()[1].Messages
			toolMsgs := msgs[2:]
			if len(toolMsgs) != 4 {
				t.Fatalf("tool messages = %d, want 4: %+v", len(toolMsgs), toolMsgs)
			}
			for i, want := range []string{"t1", "t2", "t3", "t4"} {
				if toolMsgs[i].Role != types.RoleTool || toolMsgs[i].ToolCallID != want {
					t.Errorf("tool message %d = %+v, want id %s", i, toolMsgs[i], want)
				}
			}
			if toolMsgs[0].Content != `"c-1"` {
				t.Errorf("t1 content = %s", toolMsgs[0].Content)
			}
			if !strings.Contains(toolMsgs[1].Content, "unknown tool") {
				t.Errorf("t2 content = %s", toolMsgs[1].Content)
			}
			if !strings.Contains(toolMsgs[2].Content, "invalid arguments") {
				t.Errorf("t3 content = %s", toolMsgs[2].Content)
			}
			if toolMsgs[3].Content != "null" {
				t.Errorf("t4 content = %s", toolMsgs[3].Content)
			}
			if res.ToolCalls != 4 {
				t.Errorf("ToolCalls = %d, want 4", res.ToolCalls)
			}
		})
	}
}

func TestRun_CycleCeiling(t *testing.T) {
	t.Parallel()

	// The provider requests a tool on every dispatch.
	f := newFixture(t, [][]llm.Chunk{{toolCall("t1", "lookup", "{}")}}, orchestrator.WithMaxToolCycles(3))

	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "loop"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.CeilingHit || res.Cycles != 3 {
		t.Errorf("result = %+v, want ceiling after 3 cycles", res)
	}
	if n := len(f.llm.Requests()); n != 3 {
		t.Errorf("dispatches = %d, want 3", n)
	}
	if len(f.calls) != 3 {
		t.Errorf("tool invocations = %d, want 3", len(f.calls))
	}
	if f.sink.finalized != 1 {
		t.Errorf("finalized = %d, want 1", f.sink.finalized)
	}
	if msgs := f.persisted(t); len(msgs) != 1 {
		t.Errorf("persisted %d messages, want only the user message", len(msgs))
	}
}

func TestRun_DefaultCycleCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{{toolCall("t1", "lookup", "{}")}})
	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "loop"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Cycles != orchestrator.DefaultMaxToolCycles {
		t.Errorf("cycles = %d, want %d", res.Cycles, orchestrator.DefaultMaxToolCycles)
	}
}

// ── Failure ──────────────────────────────────────────────────────────────────

func TestRun_StreamErrorPersistsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{{{Text: "partial "}, {FinishReason: llm.FinishReasonError, Text: "upstream 503"}}})

	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink)
	if !errors.Is(err, fault.ErrTransient) {
		t.Fatalf("Run error = %v, want transient", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if f.sink.finalized != 0 || len(f.sink.actions) != 0 {
		t.Errorf("sink = %+v, want no finalize", f.sink)
	}
	msgs := f.persisted(t)
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Errorf("persisted = %+v, want only the user message", msgs)
	}
}

func TestRun_ErrorAfterToolCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{
		{{Text: "Checking."}, toolCall("t1", "lookup", "{}")},
		{{FinishReason: llm.FinishReasonError, Text: "rate limited"}},
	})
	if _, err := f.orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if msgs := f.persisted(t); len(msgs) != 1 {
		t.Errorf("persisted %d messages, want only the user message", len(msgs))
	}
}

func TestRun_StreamClosedWithoutEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	closed := streamFunc(func(context.Context, llm.CompletionRequest) <-chan llm.Event {
		ch := make(chan llm.Event, 1)
		ch <- llm.Event{Kind: llm.EventContentChunk, Text: "half"}
		close(ch)
		return ch
	})
	orch := orchestrator.New(catalog.NewHolder(f.cat), f.threads, closed, f.reg)

	_, err := orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink)
	if !errors.Is(err, fault.ErrProtocol) || !errors.Is(err, fault.ErrTransient) {
		t.Errorf("Run error = %v, want transient protocol violation", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("never", "sent")})
	f.llm.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	turn := f.turn(t, "legal", "hi")
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(ctx, turn, f.sink)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for _, m := range f.persisted(t) {
		if m.Role == types.RoleAssistant {
			t.Errorf("assistant message persisted after cancel: %+v", m)
		}
	}
}

func TestRun_StalledStreamTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("never", "sent")}, orchestrator.WithStreamTimeout(20*time.Millisecond))
	f.llm.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, fault.ErrTransient) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Run error = %v, want transient deadline", err)
		}
		if errors.Is(err, context.Canceled) {
			t.Errorf("stalled stream reported as cancelled: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run still blocked on a stalled stream")
	}
	for _, m := range f.persisted(t) {
		if m.Role == types.RoleAssistant {
			t.Errorf("assistant message persisted after timeout: %+v", m)
		}
	}
}

// ── Finalize ─────────────────────────────────────────────────────────────────

func TestRun_ActionsRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("Opening the form. ", `[ACTION]{"type":"x"}[/ACTION]`)})
	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "open the form"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []types.UIAction{{"type": "x"}}
	if !reflect.DeepEqual(res.Actions, want) {
		t.Errorf("actions = %+v, want %+v", res.Actions, want)
	}
	if len(f.sink.actions) != 1 || !reflect.DeepEqual(f.sink.actions[0], want) {
		t.Errorf("sink actions = %+v", f.sink.actions)
	}
	if res.Text != "Opening the form." {
		t.Errorf("text = %q", res.Text)
	}

	msgs := f.persisted(t)
	stored := msgs[len(msgs)-1]
	if stored.Content != "Opening the form." || !reflect.DeepEqual(stored.Actions, want) {
		t.Errorf("persisted = %+v", stored)
	}
}

func TestRun_ActionsOnlyReplyIsPersisted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text(`[ACTION]{"type":"open_form","form":"nda"}[/ACTION]`)})
	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "open"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Message == nil || res.Message.Content != "" || len(res.Message.Actions) != 1 {
		t.Errorf("message = %+v, want empty text with one action", res.Message)
	}
}

func TestRun_EmptyReplyIsNotPersisted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text()})
	res, err := f.orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Message != nil {
		t.Errorf("message = %+v, want nil", res.Message)
	}
	if f.sink.finalized != 1 || len(f.sink.actions) != 0 {
		t.Errorf("sink = %+v", f.sink)
	}
	if len(f.persisted(t)) != 1 {
		t.Error("assistant message persisted for an empty reply")
	}
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

func TestRun_DefaultParamsMergeUnderneath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{{toolCall("t1", "lookup", `{"id":"42","method":"POST"}`)}, text("ok")})
	if _, err := f.orch.Run(context.Background(), f.turn(t, "legal", "go"), f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
	c := f.calls[0]
	want := map[string]any{"endpoint": "https://erp.internal/contracts", "method": "POST", "id": "42"}
	if !reflect.DeepEqual(c.Args, want) {
		t.Errorf("args = %+v, want %+v", c.Args, want)
	}
	if c.Function != catalog.DefaultFunction || c.Service != "lookup" || c.Principal != "alice" || c.Role != "lawyer" {
		t.Errorf("call = %+v", c)
	}
}

func TestRun_ToolsNativeOrInPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pkg        string
		wantNative bool
	}{
		{pkg: "legal", wantNative: true},
		{pkg: "general", wantNative: false},
	}
	for _, tt := range tests {
		t.Run(tt.pkg, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, [][]llm.Chunk{text("hi")})
			if _, err := f.orch.Run(context.Background(), f.turn(t, tt.pkg, "hello"), f.sink); err != nil {
				t.Fatalf("Run: %v", err)
			}
			req := f.llm.Requests()[0]
			inPrompt := strings.Contains(req.SystemPrompt, "## Available Tools\n- lookup: Looks up a contract.")
			if tt.wantNative {
				if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" || inPrompt {
					t.Errorf("tools = %+v, in prompt = %v", req.Tools, inPrompt)
				}
			} else if req.Tools != nil || !inPrompt {
				t.Errorf("tools = %+v, in prompt = %v; prompt:\n%s", req.Tools, inPrompt, req.SystemPrompt)
			}
		})
	}
}

func TestRun_HistoryAndMemory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("ok")}, orchestrator.WithHistoryLimit(4))
	ctx := context.Background()
	for i := range 6 {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		_, _ = f.threads.AppendMessage(ctx, f.thread.ID, thread.Message{Role: role, Content: fmt.Sprintf("old %d", i)})
	}
	_, _ = f.threads.AppendMessage(ctx, f.thread.ID, thread.Message{Role: types.RoleAssistant, Content: "  "})

	turn := f.turn(t, "legal", "new question")
	turn.Memory = "- (2026-02-01) Alice renewed the ACME NDA."
	if _, err := f.orch.Run(ctx, turn, f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := f.llm.Requests()[0]
	var got []string
	for _, m := range req.Messages {
		got = append(got, m.Content)
	}
	want := []string{"old 3", "old 4", "old 5", "new question"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
	if !strings.HasSuffix(req.SystemPrompt, "## Memory\n- (2026-02-01) Alice renewed the ACME NDA.") {
		t.Errorf("system prompt lacks memory block:\n%s", req.SystemPrompt)
	}
	if req.Temperature == nil || *req.Temperature != orchestrator.DefaultTemperature {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestRun_CredentialsAndModel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("ok")})
	if _, err := f.orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.streamer.descs) != 1 || f.streamer.descs[0].Name != "gpt-4o" {
		t.Errorf("descriptors = %+v", f.streamer.descs)
	}
	if f.streamer.creds[0]["openai"] != "sk-test" {
		t.Errorf("credentials = %+v", f.streamer.creds[0])
	}
}

func TestRun_Builtins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{
		{toolCall("s1", tools.SwitchPackageFunction, `{"intent_description":"tax advice"}`)},
		text("Switching."),
	}, orchestrator.WithBuiltins(tools.Builtin{Definition: tools.SwitchPackageDefinition, Function: tools.SwitchPackageFunction}))
	f.handle(tools.SwitchPackageFunction, func(c tools.Call) (any, error) {
		return map[string]any{"target_package_id": "tax"}, nil
	})

	if _, err := f.orch.Run(context.Background(), f.turn(t, "legal", "I need tax advice"), f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := f.llm.Requests()
	var names []string
	for _, d := range reqs[0].Tools {
		names = append(names, d.Name)
	}
	if !reflect.DeepEqual(names, []string{"lookup", tools.SwitchPackageFunction}) {
		t.Errorf("offered tools = %v", names)
	}
	if len(f.calls) != 1 || f.calls[0].Function != tools.SwitchPackageFunction || f.calls[0].Args["intent_description"] != "tax advice" {
		t.Errorf("calls = %+v", f.calls)
	}
}

func TestRun_RejectsIncompleteTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.orch.Run(context.Background(), orchestrator.Turn{Input: "hi"}, f.sink)
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Errorf("Run error = %v, want configuration", err)
	}
}

type observer struct {
	mu     sync.Mutex
	counts []int
	repo   *thread.MemoryRepository
}

func (o *observer) Observe(ctx context.Context, th *thread.Thread) bool {
	n, _ := o.repo.CountMessages(ctx, th.ID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, n)
	return false
}

func TestRun_ObserverSeesUserMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, [][]llm.Chunk{text("ok")})
	obs := &observer{repo: f.threads}
	orch := orchestrator.New(catalog.NewHolder(f.cat), f.threads, f.streamer, f.reg, orchestrator.WithObserver(obs))
	if _, err := orch.Run(context.Background(), f.turn(t, "legal", "hi"), f.sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(obs.counts, []int{1}) {
		t.Errorf("observed counts = %v, want [1] (user message only)", obs.counts)
	}
}
