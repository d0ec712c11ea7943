// Package ws serves sessions over WebSocket.
//
// Every connection carries one [session.Session]. Inbound text frames are
// JSON [session.Command]s; every [session.Event] is written as one JSON text
// frame. The principal is taken from the X-Principal-ID request header, which
// an authenticating proxy in front of the service is expected to set.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/session"
	"github.com/hexenseai/hex-platform/pkg/fault"
)

// PrincipalHeader identifies the caller.
const PrincipalHeader = "X-Principal-ID"

// ErrShuttingDown is the cancellation cause of sessions ended by
// [Handler.Drain].
var ErrShuttingDown = errors.New("ws: server shutting down")

// Defaults.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
)

// Handler upgrades requests to WebSocket sessions. It implements
// http.Handler.
type Handler struct {
	cfg          session.Config
	origins      []string
	writeTimeout time.Duration
	readLimit    int64
	metrics      *observe.Metrics

	active atomic.Int64

	// mu guards live and draining. wg counts tracked connections.
	mu       sync.Mutex
	live     map[*session.Session]context.CancelCauseFunc
	draining bool
	wg       sync.WaitGroup
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin browser connections from hosts
// matching patterns (see websocket.AcceptOptions.OriginPatterns).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = append(h.origins, patterns...) }
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithReadLimit sets the maximum size in bytes of one inbound frame.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithMetrics records open connections on m.ActiveSessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler returns a Handler that builds sessions from cfg.
func NewHandler(cfg session.Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:          cfg,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		live:         make(map[*session.Session]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Active returns the number of open connections.
func (h *Handler) Active() int64 { return h.active.Load() }

// Drain cancels every open session, including its running turn, and waits
// until their connections are closed or ctx ends. Connections upgraded after
// Drain are closed straight away with StatusGoingAway.
func (h *Handler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	for _, cancel := range h.live {
		cancel(ErrShuttingDown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: drain: %w", ctx.Err())
	}
}

// track registers sess until the returned release is called. It reports
// false once the handler is draining.
func (h *Handler) track(sess *session.Session, cancel context.CancelCauseFunc) (release func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return nil, false
	}
	h.live[sess] = cancel
	h.wg.Add(1)
	return func() {
		h.mu.Lock()
		delete(h.live, sess)
		h.mu.Unlock()
		h.wg.Done()
	}, true
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if principal == "" {
		http.Error(w, "missing "+PrincipalHeader+" header", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("ws: accept failed", "principal", principal, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancelCause(observe.WithAttrs(r.Context(), "principal", principal))
	defer cancel(nil)

	out := &emitter{conn: conn, timeout: h.writeTimeout}
	sess := session.New(principal, out, h.cfg)
	release, ok := h.track(sess, cancel)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	// The session is closed before it is released so Drain also waits for
	// its turn.
	defer release()
	defer sess.Close()

	h.active.Add(1)
	defer h.active.Add(-1)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
		defer h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	log := observe.Logger(ctx)

	if err := sess.Open(ctx); err != nil {
		log.Warn("ws: send connection ack failed", "err", err)
		return
	}
	log.Info("ws: session opened")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("ws: session closed")
			default:
				switch {
				case errors.Is(context.Cause(ctx), ErrShuttingDown):
					log.Info("ws: session drained")
				case ctx.Err() == nil:
					log.Warn("ws: read failed", "err", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			out.reject(ctx, fault.Protocol("ws: binary frames are not supported"))
			continue
		}
		var cmd session.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			out.reject(ctx, fault.Protocol("ws: invalid command: %v", err))
			continue
		}
		sess.Handle(ctx, cmd)
	}
}

// emitter writes events as JSON text frames.
type emitter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// Emit implements [session.Emitter]. Writes are not bound to ctx's
// cancellation: coder/websocket closes the connection when a write's context
// ends mid-frame, and a cancelled turn must not end the session.
func (e *emitter) Emit(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws: marshal %s: %w", ev.Type, err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write %s: %w", ev.Type, err)
	}
	return nil
}

func (e *emitter) reject(ctx context.Context, err error) {
	ev := session.Event{Type: session.EventError, Message: err.Error(), Kind: fault.Name(err)}
	if werr := e.Emit(ctx, ev); werr != nil && !errors.Is(werr, context.Canceled) {
		observe.Logger(ctx).Debug("ws: reject failed", "err", werr)
	}
}
