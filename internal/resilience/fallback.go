package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hexenseai/hex-platform/pkg/fault"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped by its breaker. It is always wrapped in [fault.ErrTransient].
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker created for each backend of a
// [FallbackGroup]. The breaker name is set per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and ordered fallbacks of the same
// provider type. Calls go to the first backend whose breaker admits them and
// move on when it fails.
//
// Fallbacks are registered during startup; AddFallback must not race with
// calls.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup creates a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend, tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Primary returns the first backend. Static metadata such as dimensions or
// capabilities is read from it.
func (fg *FallbackGroup[T]) Primary() T { return fg.backends[0].value }

// Names returns the backend names in call order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.backends))
	for i, b := range fg.backends {
		names[i] = b.name
	}
	return names
}

// Execute calls fn with each backend in turn until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn with each backend in turn and returns the first
// successful result. A cancelled or expired context stops the walk and is
// returned unwrapped: no other backend can finish a call its caller gave up
// on. When every backend fails, the error wraps [ErrAllFailed] and each
// backend's error.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var res R
		err := b.breaker.Execute(func() error {
			var err error
			res, err = fn(b.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Debug("served by fallback", "provider", b.name)
			}
			return res, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider, circuit open", "provider", b.name)
		default:
			slog.Warn("provider failed, trying next", "provider", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return zero, fault.Transient("%w: %w", ErrAllFailed, errors.Join(errs...))
}
