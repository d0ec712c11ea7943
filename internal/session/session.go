// Package session implements one caller connection.
//
// A [Session] holds the selected profile, package and thread of a principal.
// Inbound [Command]s change that state or start a turn; every turn is routed,
// bound to a thread, enriched with recalled memory and handed to the
// orchestrator, and its progress is reported as [Event]s. Each turn ends with
// exactly one terminal event: assistant_stream_finalized or error.
//
// At most one turn runs per session. A new chat message, a cancel command or
// a state change cancels the running turn and waits for it to report before
// continuing.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/memory"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/orchestrator"
	"github.com/hexenseai/hex-platform/internal/router"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Cancellation causes.
var (
	errSuperseded = errors.New("session: turn superseded")
	errCancelled  = errors.New("session: turn cancelled by caller")
	errClosed     = errors.New("session: connection closed")
)

// KindCancelled is the error kind reported for a cancelled turn.
const KindCancelled = "cancelled"

// Router selects packages and binds threads. *router.Router implements it.
type Router interface {
	Route(ctx context.Context, req router.Request) (router.Decision, error)
	Bind(ctx context.Context, principal string, current *thread.Thread, pkg string) (router.Binding, error)
	OpenThread(ctx context.Context, principal, pkg string) (*thread.Thread, error)
}

// Recaller retrieves memory records. *memory.Manager implements it.
type Recaller interface {
	Recall(ctx context.Context, principal, text string) []memory.Record
}

// Runner answers one turn. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, turn orchestrator.Turn, sink orchestrator.Sink) (*orchestrator.Result, error)
}

// Config holds the collaborators shared by all sessions.
type Config struct {
	Catalog      *catalog.Holder
	Router       Router
	Orchestrator Runner

	// Memory is optional; without it turns run without recalled memory.
	Memory Recaller

	// Switches holds package switches requested by the switch_package tool.
	// They are applied at the start of the principal's next turn. Optional.
	Switches *tools.SwitchRequests

	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration
}

// Session is the state of one connection. Handle must not be called
// concurrently; turns run in their own goroutine.
type Session struct {
	principal string
	emitter   Emitter
	cfg       Config

	mu      sync.Mutex
	profile *catalog.Profile
	pkgID   string
	thread  *thread.Thread
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

// New returns a Session for principal reporting to emitter.
func New(principal string, emitter Emitter, cfg Config) *Session {
	return &Session{principal: principal, emitter: emitter, cfg: cfg}
}

// Open acknowledges the connection. The principal's default profile, if any,
// is selected and reported in the acknowledgement.
func (s *Session) Open(ctx context.Context) error {
	ev := Event{Type: EventConnectionAck, Principal: s.principal}
	if p, ok := s.cfg.Catalog.Current().DefaultProfile(s.principal); ok {
		s.mu.Lock()
		s.profile = &p
		s.mu.Unlock()
		ev.ProfileID = p.ID
	}
	return s.emitter.Emit(ctx, ev)
}

// Handle processes cmd. A chat message starts a turn and returns without
// waiting for it.
func (s *Session) Handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CommandChatMessage:
		s.stopTurn(errSuperseded)
		s.startTurn(ctx, cmd.Message)
	case CommandCancel:
		s.stopTurn(errCancelled)
	case CommandProfileChange:
		s.stopTurn(errSuperseded)
		s.changeProfile(ctx, cmd.ProfileID)
	case CommandPackageChange:
		s.stopTurn(errSuperseded)
		s.changePackage(ctx, cmd.PackageID)
	case CommandNewThread:
		s.stopTurn(errSuperseded)
		s.newThread(ctx)
	default:
		s.fail(ctx, fault.Protocol("session: unknown command %q", cmd.Type))
	}
}

// Wait blocks until the running turn, if any, has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the running turn without reporting it and waits for it.
func (s *Session) Close() {
	s.stopTurn(errClosed)
}

// State returns the selected profile id, package id and thread id.
func (s *Session) State() (profile, pkg, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile != nil {
		profile = s.profile.ID
	}
	if s.thread != nil {
		threadID = s.thread.ID
	}
	return profile, s.pkgID, threadID
}

// ── Commands ─────────────────────────────────────────────────────────────────

func (s *Session) changeProfile(ctx context.Context, id string) {
	p, ok := s.cfg.Catalog.Current().Profile(id)
	if !ok || p.PrincipalID != s.principal {
		s.fail(ctx, fault.Configuration("session: profile %q not found", id))
		return
	}
	s.mu.Lock()
	s.profile, s.pkgID, s.thread = &p, "", nil
	s.mu.Unlock()
	observe.Logger(ctx).Info("session: profile changed", "profile_id", p.ID)
	s.send(ctx, Event{Type: EventProfileAck, ProfileID: p.ID})
}

func (s *Session) changePackage(ctx context.Context, id string) {
	s.mu.Lock()
	profile := s.profile
	s.mu.Unlock()
	if profile == nil {
		s.fail(ctx, fault.Configuration("session: select a profile first"))
		return
	}
	pkg, ok := s.cfg.Catalog.Current().Package(id)
	switch {
	case !ok || !pkg.IsActive():
		s.fail(ctx, fault.Configuration("session: package %q not found", id))
		return
	case !pkg.Permits(profile.Role):
		s.fail(ctx, fault.Routing("session: package %q is not available to role %q", id, profile.Role))
		return
	}

	b, err := s.cfg.Router.Bind(ctx, s.principal, nil, pkg.ID)
	if err != nil {
		s.fail(ctx, fault.Transient("session: bind thread: %w", err))
		return
	}
	s.mu.Lock()
	s.pkgID, s.thread = pkg.ID, b.Thread
	s.mu.Unlock()
	s.send(ctx, Event{Type: EventPackageAck, PackageID: pkg.ID, PackageName: pkg.Name, ThreadID: b.Thread.ID, NewThread: b.NewThread})
}

func (s *Session) newThread(ctx context.Context) {
	s.mu.Lock()
	pkgID := s.pkgID
	s.mu.Unlock()
	if pkgID == "" {
		s.fail(ctx, fault.Configuration("session: select a package first"))
		return
	}
	th, err := s.cfg.Router.OpenThread(ctx, s.principal, pkgID)
	if err != nil {
		s.fail(ctx, fault.Transient("session: %w", err))
		return
	}
	s.mu.Lock()
	s.thread = th
	s.mu.Unlock()
	s.send(ctx, Event{Type: EventNewThreadAck, PackageID: pkgID, ThreadID: th.ID, NewThread: true})
}

// ── Turns ────────────────────────────────────────────────────────────────────

func (s *Session) startTurn(ctx context.Context, input string) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel(nil)
		s.turn(ctx, input)
	}()
}

func (s *Session) stopTurn(cause error) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(cause)
	<-done
}

func (s *Session) turn(ctx context.Context, input string) {
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()
	log := observe.Logger(ctx)

	input = strings.TrimSpace(input)
	if input == "" {
		s.fail(ctx, router.ErrEmptyInput)
		return
	}

	s.mu.Lock()
	profile, prev, current := s.profile, s.pkgID, s.thread
	s.mu.Unlock()
	if profile == nil {
		s.fail(ctx, fault.Configuration("session: select a profile first"))
		return
	}

	wanted := prev
	if s.cfg.Switches != nil {
		if target, ok := s.cfg.Switches.Take(s.principal); ok {
			log.Info("session: applying requested package switch", "from", prev, "to", target)
			wanted = target
		}
	}

	// ── Route and bind ────────────────────────────────────────────────────
	dec, err := s.cfg.Router.Route(ctx, router.Request{
		Input:     input,
		Principal: s.principal,
		Role:      profile.Role,
		Current:   wanted,
	})
	if err != nil {
		s.fail(ctx, err)
		return
	}
	pkg := dec.Package
	b, err := s.cfg.Router.Bind(ctx, s.principal, current, pkg.ID)
	if err != nil {
		s.fail(ctx, fault.Transient("session: bind thread: %w", err))
		return
	}
	s.mu.Lock()
	s.pkgID, s.thread = pkg.ID, b.Thread
	s.mu.Unlock()
	if pkg.ID != prev {
		log.Info("session: package switched", "from", prev, "to", pkg.ID, "score", dec.Score, "thread_id", b.Thread.ID, "new_thread", b.NewThread)
		s.send(ctx, Event{
			Type:        EventPackageSwitched,
			PackageID:   pkg.ID,
			PackageName: pkg.Name,
			ThreadID:    b.Thread.ID,
			NewThread:   b.NewThread,
		})
	}

	// ── Memory ────────────────────────────────────────────────────────────
	var block string
	if s.cfg.Memory != nil {
		block = memory.Block(s.cfg.Memory.Recall(ctx, s.principal, input))
	}

	// ── Orchestrate ───────────────────────────────────────────────────────
	res, err := s.cfg.Orchestrator.Run(ctx, orchestrator.Turn{
		Thread:  b.Thread,
		Package: pkg,
		Profile: *profile,
		Input:   input,
		Memory:  block,
	}, sink{s})
	if err != nil {
		s.fail(ctx, err)
		return
	}
	log.Info("session: turn finished", "thread_id", b.Thread.ID, "package_id", pkg.ID, "cycles", res.Cycles, "tool_calls", res.ToolCalls, "actions", len(res.Actions))
}

// fail reports err as the terminal error event. A turn cancelled because
// the connection closed is not reported.
func (s *Session) fail(ctx context.Context, err error) {
	ev := Event{Type: EventError, Message: err.Error(), Kind: fault.Name(err)}
	switch cause := context.Cause(ctx); {
	case cause == nil:
	case errors.Is(cause, errClosed):
		return
	case errors.Is(cause, context.DeadlineExceeded):
		ev.Message, ev.Kind = "turn timed out", fault.Name(fault.ErrTransient)
	default:
		ev.Message, ev.Kind = "turn cancelled", KindCancelled
	}
	observe.Logger(ctx).Warn("session: turn failed", "kind", ev.Kind, "err", err)
	s.send(context.WithoutCancel(ctx), ev)
}

func (s *Session) send(ctx context.Context, ev Event) {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		observe.Logger(ctx).Debug("session: emit failed", "type", ev.Type, "err", err)
	}
}

// sink forwards orchestrator output as events.
type sink struct{ s *Session }

func (k sink) Chunk(ctx context.Context, text string) {
	k.s.send(ctx, Event{Type: EventChunk, Chunk: text})
}

func (k sink) Finalized(ctx context.Context) {
	k.s.send(ctx, Event{Type: EventFinalized})
}

func (k sink) Actions(ctx context.Context, actions []types.UIAction) {
	k.s.send(ctx, Event{Type: EventUIActions, Actions: actions})
}
