// Package router picks the agent package that should answer a user turn.
//
// The input is embedded and matched against the package-description
// collection maintained by [catalog.Indexer]. Candidates the caller's role may
// not use, and packages whose model is inactive, are discarded before the
// highest score is taken, so a better-scoring package the caller cannot use
// never shadows one they can.
//
// Two thresholds apply, both compared with a strict ">": InitialThreshold when
// no package is bound yet and SwitchThreshold when a binding exists and a
// different package wins. A bound package that is still valid is kept when no
// other package clears the switch threshold.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

var (
	// ErrEmptyInput is returned for blank input. Nothing is embedded.
	ErrEmptyInput = fmt.Errorf("%w: empty input", fault.ErrRouting)

	// ErrNoSuitablePackage is returned when no permitted package matches the
	// input well enough.
	ErrNoSuitablePackage = fmt.Errorf("%w: no suitable package", fault.ErrRouting)
)

// Defaults.
const (
	DefaultK         = 5
	DefaultThreshold = 0.80

	// DefaultTimeout bounds the embedding and index calls of one decision.
	DefaultTimeout = 10 * time.Second
)

// Decision outcomes, used as the "outcome" metric attribute.
const (
	OutcomeSelected = "selected"
	OutcomeKept     = "kept"
	OutcomeSwitched = "switched"
	OutcomeNoMatch  = "no_match"
	OutcomeDegraded = "degraded"
)

// Request is one routing question.
type Request struct {
	Input string

	// Principal and Role identify the caller; Role drives the access filter.
	Principal string
	Role      string

	// Current is the id of the package bound to the active thread, or "".
	Current string
}

// Decision is the routing answer.
type Decision struct {
	Package *catalog.Package
	Score   float64

	// Switched is true when Package differs from a valid current binding.
	Switched bool

	// Degraded is true when the embedding or index call failed and the
	// current binding was kept without a search.
	Degraded bool

	Outcome string
}

// Router implements package selection. It is safe for concurrent use.
type Router struct {
	catalog  *catalog.Holder
	embedder embeddings.Provider
	index    vectorindex.Index
	threads  thread.Repository

	k                int
	initialThreshold float64
	switchThreshold  float64
	collection       string
	timeout          time.Duration
	metrics          *observe.Metrics
}

// Option configures a [Router].
type Option func(*Router)

// WithK sets the number of nearest neighbours fetched before filtering.
func WithK(k int) Option {
	return func(r *Router) {
		if k > 0 {
			r.k = k
		}
	}
}

// WithThresholds sets the initial-routing and switch thresholds.
func WithThresholds(initial, switching float64) Option {
	return func(r *Router) {
		r.initialThreshold = initial
		r.switchThreshold = switching
	}
}

// WithCollection sets the package-description collection name.
func WithCollection(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.collection = name
		}
	}
}

// WithTimeout bounds the embedding and index calls of one decision. A
// decision that runs out of time is handled like a failed search.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics records decisions on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New returns a Router reading packages from cat. threads is used by
// [Router.Bind].
func New(cat *catalog.Holder, embedder embeddings.Provider, index vectorindex.Index, threads thread.Repository, opts ...Option) *Router {
	r := &Router{
		catalog:          cat,
		embedder:         embedder,
		index:            index,
		threads:          threads,
		k:                DefaultK,
		initialThreshold: DefaultThreshold,
		switchThreshold:  DefaultThreshold,
		collection:       catalog.DefaultCollection,
		timeout:          DefaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Route selects the package for req.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	ctx, span := observe.StartSpan(ctx, "router.route")

	d, err := r.route(ctx, req)
	outcome := d.Outcome
	if errors.Is(err, ErrNoSuitablePackage) || errors.Is(err, ErrEmptyInput) {
		outcome = OutcomeNoMatch
	} else if err != nil {
		outcome = "error"
	}
	span.SetAttributes(attribute.String("router.outcome", outcome))
	if d.Package != nil {
		span.SetAttributes(attribute.String("router.package", d.Package.ID))
	}
	r.metrics.RecordRouterDecision(ctx, outcome)
	observe.EndSpan(span, err)
	return d, err
}

func (r *Router) route(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.Input) == "" {
		return Decision{}, ErrEmptyInput
	}
	cat := r.catalog.Current()
	current := r.valid(cat, req.Current, req.Role)

	hits, err := r.search(ctx, req.Input)
	if err != nil {
		return r.degrade(ctx, current, err)
	}

	// Scores are compared at index precision so a score equal to the
	// threshold never passes it.
	best, score := r.pick(cat, hits, req.Role, current)
	switch {
	case best == nil:
		return Decision{}, ErrNoSuitablePackage
	case current == nil:
		if score > float32(r.initialThreshold) {
			return Decision{Package: best, Score: float64(score), Outcome: OutcomeSelected}, nil
		}
		return Decision{}, ErrNoSuitablePackage
	case best.ID == current.ID:
		return Decision{Package: current, Score: float64(score), Outcome: OutcomeKept}, nil
	case score > float32(r.switchThreshold):
		return Decision{Package: best, Score: float64(score), Switched: true, Outcome: OutcomeSwitched}, nil
	default:
		return Decision{Package: current, Outcome: OutcomeKept}, nil
	}
}

func (r *Router) search(ctx context.Context, input string) ([]vectorindex.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vec, err := r.embedder.Embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("embed input: %w", err)
	}
	hits, err := r.index.Search(ctx, r.collection, vec, nil, r.k)
	if err != nil {
		return nil, fmt.Errorf("search packages: %w", err)
	}
	return hits, nil
}

// valid returns the package with id if it may still serve role.
func (r *Router) valid(cat *catalog.Catalog, id, role string) *catalog.Package {
	if id == "" {
		return nil
	}
	p, ok := cat.Package(id)
	if !ok || !usable(p, role) {
		return nil
	}
	return p
}

func usable(p *catalog.Package, role string) bool {
	return p.IsActive() && p.Model.Active && p.Permits(role)
}

// degrade keeps the current binding when the search path fails.
func (r *Router) degrade(ctx context.Context, current *catalog.Package, cause error) (Decision, error) {
	if current == nil {
		return Decision{}, fault.Transient("router: %w", cause)
	}
	observe.Logger(ctx).Warn("router: unavailable, keeping current package",
		"package_id", current.ID, "err", cause)
	return Decision{Package: current, Degraded: true, Outcome: OutcomeDegraded}, nil
}

// pick returns the highest-scoring usable package among hits. Equal scores
// prefer current, then the lowest catalog order.
func (r *Router) pick(cat *catalog.Catalog, hits []vectorindex.Hit, role string, current *catalog.Package) (*catalog.Package, float32) {
	var (
		best  *catalog.Package
		score float32
	)
	for _, h := range hits {
		id, _ := h.Payload[catalog.PayloadPackageID].(string)
		if id == "" {
			id = h.ID
		}
		p, ok := cat.Package(id)
		if !ok || !usable(p, role) {
			continue
		}
		switch {
		case best == nil || h.Score > score:
			best, score = p, h.Score
		case h.Score == score && preferOnTie(p, best, current):
			best = p
		}
	}
	return best, score
}

func preferOnTie(candidate, incumbent, current *catalog.Package) bool {
	if current != nil {
		if incumbent.ID == current.ID {
			return false
		}
		if candidate.ID == current.ID {
			return true
		}
	}
	return candidate.Order < incumbent.Order
}
