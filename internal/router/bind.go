package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/thread"
)

// Binding is the thread a turn continues on after a routing decision.
type Binding struct {
	Thread *thread.Thread

	// NewThread is true when a thread was created for the package.
	NewThread bool

	// Rebound is true when the current, still empty, thread was moved to the
	// package in place.
	Rebound bool
}

// Changed reports whether the active thread or its package changed.
func (b Binding) Changed() bool { return b.NewThread || b.Rebound }

// Bind attaches principal's conversation to pkg. current is the active
// thread, or nil when none exists yet; in that case the latest thread of
// (principal, pkg) is resumed.
//
// A thread without messages is moved to pkg in place. A thread with messages
// is left alone and a new thread is opened, so one message history never
// mixes the instructions of two packages. Creation is idempotent per
// (principal, package, seq): two turns racing here converge on one thread.
func (r *Router) Bind(ctx context.Context, principal string, current *thread.Thread, pkg string) (Binding, error) {
	if current == nil {
		th, created, err := r.Resume(ctx, principal, pkg)
		if err != nil {
			return Binding{}, err
		}
		return Binding{Thread: th, NewThread: created}, nil
	}
	if current.PackageID == pkg {
		return Binding{Thread: current}, nil
	}

	n, err := r.threads.CountMessages(ctx, current.ID)
	if err != nil {
		return Binding{}, fmt.Errorf("router: count messages: %w", err)
	}
	if n == 0 {
		moved, err := r.threads.Rebind(ctx, current.ID, pkg)
		switch {
		case err == nil:
			return Binding{Thread: moved, Rebound: true}, nil
		case errors.Is(err, thread.ErrNotEmpty):
			// A message landed between the count and the rebind.
			observe.Logger(ctx).Info("router: thread filled during rebind, opening a new one", "thread_id", current.ID)
		default:
			return Binding{}, fmt.Errorf("router: rebind thread: %w", err)
		}
	}

	th, err := r.OpenThread(ctx, principal, pkg)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Thread: th, NewThread: true}, nil
}

// OpenThread creates a fresh thread of (principal, pkg). The new thread never
// reuses an existing one, even when an older thread was updated after the
// newest was created.
func (r *Router) OpenThread(ctx context.Context, principal, pkg string) (*thread.Thread, error) {
	th, err := r.threads.CreateNextThread(ctx, principal, pkg)
	if err != nil {
		return nil, fmt.Errorf("router: create thread: %w", err)
	}
	return th, nil
}

// Resume returns the most recently updated thread of (principal, pkg),
// creating the first one if none exists. created reports the latter.
func (r *Router) Resume(ctx context.Context, principal, pkg string) (th *thread.Thread, created bool, err error) {
	th, err = r.threads.FindLatestThread(ctx, principal, pkg)
	if err == nil {
		return th, false, nil
	}
	if !errors.Is(err, thread.ErrNotFound) {
		return nil, false, fmt.Errorf("router: find latest thread: %w", err)
	}
	th, err = r.threads.CreateThread(ctx, principal, pkg, 1)
	if err != nil {
		return nil, false, fmt.Errorf("router: create thread: %w", err)
	}
	return th, true, nil
}
