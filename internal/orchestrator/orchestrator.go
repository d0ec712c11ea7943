// Package orchestrator drives one user turn through the tool-calling cycle.
//
// A turn moves through Dispatch → Streaming → ToolCheck → ToolExecute and
// back to Dispatch until the model stops requesting tools or the cycle
// ceiling is reached, then Finalize persists one assistant message. Content
// is forwarded to the [Sink] as it arrives. An error event from the model
// aborts the turn without persisting an assistant message; tool failures
// never do, they become {"error": "..."} tool results.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Defaults.
const (
	DefaultHistoryLimit  = 10
	DefaultMaxToolCycles = 5
	DefaultTemperature   = 0.7
	DefaultToolTimeout   = 30 * time.Second

	// DefaultStreamTimeout bounds one model dispatch, from request to the
	// last chunk.
	DefaultStreamTimeout = 2 * time.Minute

	// DefaultTurnTimeout bounds a whole turn including tool cycles.
	DefaultTurnTimeout = 5 * time.Minute
)

// Streamer starts a normalised completion stream. *llm.Dispatcher
// implements it.
type Streamer interface {
	Stream(ctx context.Context, desc llm.ModelDescriptor, creds llm.Credentials, req llm.CompletionRequest) <-chan llm.Event
}

// Invoker executes tool calls. *tools.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, call tools.Call) (any, error)
}

// Observer is told about every persisted user message. *memory.Manager
// implements it.
type Observer interface {
	Observe(ctx context.Context, th *thread.Thread) bool
}

// Sink receives the caller-visible output of a turn.
type Sink interface {
	// Chunk forwards one piece of streamed assistant text.
	Chunk(ctx context.Context, text string)

	// Finalized signals that the assistant's reply is complete.
	Finalized(ctx context.Context)

	// Actions delivers the UI actions of the reply. It is only called with a
	// non-empty list.
	Actions(ctx context.Context, actions []types.UIAction)
}

// Turn is one user message to answer.
type Turn struct {
	Thread  *thread.Thread
	Package *catalog.Package
	Profile catalog.Profile
	Input   string

	// Memory is the rendered memory block for this turn, or "".
	Memory string
}

// Result describes a completed turn.
type Result struct {
	// Text is the assistant reply with action directives removed.
	Text    string
	Actions []types.UIAction

	// Message is the persisted assistant message; nil when the reply had
	// neither text nor actions.
	Message *thread.Message

	// Cycles counts the tool executions performed.
	Cycles     int
	ToolCalls  int
	CeilingHit bool
}

// Orchestrator runs turns. It is safe for concurrent use; each Run is
// independent.
type Orchestrator struct {
	catalog  *catalog.Holder
	threads  thread.Repository
	streamer Streamer
	invoker  Invoker
	observer Observer
	builtins []tools.Builtin

	historyLimit  int
	maxToolCycles int
	temperature   float64
	toolTimeout   time.Duration
	streamTimeout time.Duration
	parallel      bool
	now           func() time.Time
	metrics       *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithHistoryLimit sets how many persisted messages are replayed.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithMaxToolCycles sets the tool-cycle ceiling.
func WithMaxToolCycles(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolCycles = n
		}
	}
}

// WithTemperature sets the sampling temperature of every request.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.toolTimeout = d
		}
	}
}

// WithStreamTimeout bounds each model dispatch. A dispatch that runs out of
// time ends the turn with a transient error.
func WithStreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.streamTimeout = d
		}
	}
}

// WithParallelTools runs the tool calls of one cycle concurrently. Results
// are still appended in request order.
func WithParallelTools(enabled bool) Option {
	return func(o *Orchestrator) { o.parallel = enabled }
}

// WithBuiltins offers tools in every package next to the package services.
func WithBuiltins(b ...tools.Builtin) Option {
	return func(o *Orchestrator) { o.builtins = append(o.builtins, b...) }
}

// WithObserver reports each persisted user message to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock replaces time.Now in system prompts.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records turn metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator.
func New(cat *catalog.Holder, threads thread.Repository, streamer Streamer, invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:       cat,
		threads:       threads,
		streamer:      streamer,
		invoker:       invoker,
		historyLimit:  DefaultHistoryLimit,
		maxToolCycles: DefaultMaxToolCycles,
		temperature:   DefaultTemperature,
		toolTimeout:   DefaultToolTimeout,
		streamTimeout: DefaultStreamTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// turnState is the mutable state of one Run.
type turnState struct {
	turn     Turn
	role     string
	creds    llm.Credentials
	system   string
	tools    []types.ToolDefinition
	history  []types.Message
	cycle    []types.Message
	streamed strings.Builder
	result   Result
}

// Run answers turn, forwarding output to sink. The user message is persisted
// first. Run returns an error when the turn could not be completed; content
// already delivered to sink stays delivered.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.turn")
	start := time.Now()

	res, err := o.run(ctx, turn, sink)
	status := "ok"
	if err != nil {
		status = fault.Name(err)
		if ctx.Err() != nil {
			status = "cancelled"
		}
	}
	observe.EndSpan(span, err)
	cycles := 0
	if res != nil {
		cycles = res.Cycles
	}
	o.metrics.RecordTurn(ctx, time.Since(start).Seconds(), cycles, status)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	st, err := o.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}
	log := observe.Logger(ctx).With("thread_id", turn.Thread.ID, "package_id", turn.Package.ID)

	for {
		// ── Dispatch ──────────────────────────────────────────────────────
		req := llm.CompletionRequest{
			SystemPrompt: st.system,
			Messages:     st.messages(),
			Temperature:  llm.Ptr(o.temperature),
		}
		if turn.Package.Model.SupportsTools {
			req.Tools = st.tools
		}

		// ── Streaming ─────────────────────────────────────────────────────
		text, calls, err := o.stream(ctx, st, req, sink)
		if err != nil {
			return nil, err
		}

		// ── ToolCheck ─────────────────────────────────────────────────────
		if len(calls) == 0 {
			break
		}
		clean, _, _ := ParseActions(text)
		st.cycle = append(st.cycle, types.Message{Role: types.RoleAssistant, Content: clean, ToolCalls: calls})

		// ── ToolExecute ───────────────────────────────────────────────────
		results, err := o.execute(ctx, st, calls)
		if err != nil {
			return nil, err
		}
		st.cycle = append(st.cycle, results...)
		st.result.ToolCalls += len(calls)
		st.result.Cycles++
		if st.result.Cycles >= o.maxToolCycles {
			st.result.CeilingHit = true
			log.Warn("orchestrator: tool cycle ceiling reached", "cycles", st.result.Cycles)
			break
		}
	}

	// ── Finalize ──────────────────────────────────────────────────────────
	clean, actions, dropped := ParseActions(st.streamed.String())
	for _, body := range dropped {
		log.Warn("orchestrator: dropped malformed action directive", "body", body)
	}
	st.result.Text, st.result.Actions = clean, actions

	sink.Finalized(ctx)
	if clean != "" || len(actions) > 0 {
		msg, err := o.threads.AppendMessage(ctx, turn.Thread.ID, thread.Message{
			Role:      types.RoleAssistant,
			Content:   clean,
			Actions:   actions,
			PackageID: turn.Package.ID,
		})
		if err != nil {
			log.Error("orchestrator: persist assistant message failed", "err", err)
		} else {
			st.result.Message = &msg
			if err := o.threads.Touch(ctx, turn.Thread.ID); err != nil {
				log.Warn("orchestrator: touch thread failed", "err", err)
			}
		}
	}
	if len(actions) > 0 {
		sink.Actions(ctx, actions)
	}
	log.Debug("orchestrator: turn finished", "cycles", st.result.Cycles, "tool_calls", st.result.ToolCalls, "chars", len(clean))
	return &st.result, nil
}

// prepare loads everything a turn needs and persists the user message.
func (o *Orchestrator) prepare(ctx context.Context, turn Turn) (*turnState, error) {
	if turn.Thread == nil || turn.Package == nil {
		return nil, fault.Configuration("orchestrator: turn has no thread or package")
	}

	cat := o.catalog.Current()
	role, _ := cat.Role(turn.Profile.Role)
	if role.ID == "" {
		role = catalog.Role{ID: turn.Profile.Role, Name: turn.Profile.Role}
	}
	company, _ := cat.Company(turn.Profile.CompanyID)

	st := &turnState{
		turn:  turn,
		role:  turn.Profile.Role,
		creds: cat.Credentials(turn.Profile),
		tools: turn.Package.Tools(),
	}
	for _, b := range o.builtins {
		st.tools = append(st.tools, b.Definition)
	}

	stored, err := o.threads.RecentMessages(ctx, turn.Thread.ID, o.historyLimit)
	if err != nil {
		return nil, fault.Transient("orchestrator: load history: %w", err)
	}
	for _, m := range stored {
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
			continue
		}
		st.history = append(st.history, m.LLM())
	}

	if _, err := o.threads.AppendMessage(ctx, turn.Thread.ID, thread.Message{
		Role:      types.RoleUser,
		Content:   turn.Input,
		PackageID: turn.Package.ID,
	}); err != nil {
		return nil, fault.Transient("orchestrator: persist user message: %w", err)
	}
	if o.observer != nil {
		o.observer.Observe(ctx, turn.Thread)
	}

	st.system = BuildSystemPrompt(PromptContext{
		Package:       turn.Package,
		Profile:       turn.Profile,
		Role:          role,
		Company:       company,
		Memory:        turn.Memory,
		Tools:         st.tools,
		InPromptTools: !turn.Package.Model.SupportsTools,
		Now:           o.now(),
	})
	return st, nil
}

// messages returns history, then the user message, then this turn's
// synthesized assistant and tool messages.
func (st *turnState) messages() []types.Message {
	msgs := make([]types.Message, 0, len(st.history)+1+len(st.cycle))
	msgs = append(msgs, st.history...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: st.turn.Input})
	return append(msgs, st.cycle...)
}

// stream consumes one completion. It returns the text of this cycle and the
// requested tool calls, or the error that ends the turn.
func (o *Orchestrator) stream(ctx context.Context, st *turnState, req llm.CompletionRequest, sink Sink) (string, []types.ToolCall, error) {
	desc := st.turn.Package.Model
	start := time.Now()
	defer func() {
		o.metrics.LLMStreamDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", desc.Provider)))
	}()

	sctx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	var (
		text     strings.Builder
		calls    []types.ToolCall
		terminal *llm.Event
	)
	for ev := range o.streamer.Stream(sctx, desc, st.creds, req) {
		if terminal != nil {
			continue // drain the error trailer
		}
		switch ev.Kind {
		case llm.EventContentChunk:
			text.WriteString(ev.Text)
			st.streamed.WriteString(ev.Text)
			sink.Chunk(ctx, ev.Text)
		case llm.EventToolCallsReady:
			calls = append(calls, ev.ToolCalls...)
		case llm.EventStreamEnd, llm.EventError:
			terminal = &ev
		}
	}

	completed := terminal != nil && terminal.Kind == llm.EventStreamEnd && terminal.Reason != llm.ReasonCancelled
	switch {
	case ctx.Err() == nil && sctx.Err() != nil && !completed:
		err := fault.Transient("orchestrator: %s stream timed out after %s: %w", desc, o.streamTimeout, context.DeadlineExceeded)
		o.metrics.RecordStreamError(ctx, desc.Provider, fault.Name(err))
		return "", nil, err
	case ctx.Err() != nil && (terminal == nil || terminal.Kind != llm.EventError):
		return "", nil, fmt.Errorf("orchestrator: turn cancelled: %w", context.Cause(ctx))
	case terminal == nil:
		err := fault.Transient("orchestrator: %s stream closed without an end event: %w", desc, fault.ErrProtocol)
		o.metrics.RecordStreamError(ctx, desc.Provider, fault.Name(err))
		return "", nil, err
	case terminal.Kind == llm.EventError:
		o.metrics.RecordStreamError(ctx, desc.Provider, fault.Name(terminal.Err))
		return "", nil, terminal.Err
	case terminal.Reason == llm.ReasonCancelled:
		return "", nil, fmt.Errorf("orchestrator: turn cancelled: %w", context.Cause(ctx))
	}
	return text.String(), calls, nil
}

// execute runs calls and returns exactly one tool message per call, in
// request order. Only cancellation of ctx makes it fail.
func (o *Orchestrator) execute(ctx context.Context, st *turnState, calls []types.ToolCall) ([]types.Message, error) {
	out := make([]types.Message, len(calls))
	if !o.parallel {
		for i, c := range calls {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("orchestrator: turn cancelled: %w", context.Cause(ctx))
			}
			out[i] = o.invoke(ctx, st, c)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		g.Go(func() error {
			out[i] = o.invoke(gctx, st, c)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: turn cancelled: %w", context.Cause(ctx))
	}
	return out, nil
}

// invoke resolves and runs one tool call and renders its tool message.
func (o *Orchestrator) invoke(ctx context.Context, st *turnState, c types.ToolCall) types.Message {
	ctx, span := observe.StartSpan(ctx, "orchestrator.tool")
	defer span.End()
	start := time.Now()

	res, err := o.call(ctx, st, c)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, tools.ErrUnknownTool) {
			status = "unknown"
		}
		observe.Logger(ctx).Warn("orchestrator: tool call failed", "tool", c.Name, "tool_call_id", c.ID, "err", err)
	}
	o.metrics.RecordToolCall(ctx, c.Name, status, time.Since(start).Seconds())

	return types.Message{
		Role:       types.RoleTool,
		Name:       c.Name,
		ToolCallID: c.ID,
		Content:    tools.Encode(res, err),
	}
}

func (o *Orchestrator) call(ctx context.Context, st *turnState, c types.ToolCall) (any, error) {
	var args map[string]any
	if raw := strings.TrimSpace(c.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fault.ToolExecution("%s: invalid arguments: %v", c.Name, err)
		}
	}

	function, defaults, ok := o.resolve(st.turn.Package, c.Name)
	if !ok {
		return nil, fmt.Errorf("%w %q", tools.ErrUnknownTool, c.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()
	return o.invoker.Invoke(ctx, tools.Call{
		Function:  function,
		Service:   c.Name,
		Args:      tools.Merge(defaults, args),
		Principal: st.turn.Thread.Principal,
		Role:      st.role,
	})
}

// resolve maps a tool name to its function key and default parameters.
func (o *Orchestrator) resolve(pkg *catalog.Package, name string) (string, map[string]any, bool) {
	if s, ok := pkg.Service(name); ok {
		return s.FunctionName(), s.DefaultParams, true
	}
	for _, b := range o.builtins {
		if b.Definition.Name == name {
			return b.Function, nil, true
		}
	}
	return "", nil, false
}
