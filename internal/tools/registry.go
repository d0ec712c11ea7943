// Package tools maps tool function keys to the Go handlers that execute them.
//
// A package service names the function implementing it (default
// [catalog.DefaultFunction]). Every function key a catalog references is
// checked against the [Registry] when the catalog is loaded, so a turn never
// discovers a missing implementation at call time.
//
// Typical usage:
//
//	reg := tools.NewRegistry()
//	reg.Register(catalog.DefaultFunction, tools.NewHTTPService(tools.HTTPConfig{}))
//	if err := reg.Validate(cat); err != nil { ... }
//
//	res, err := reg.Invoke(ctx, tools.Call{Function: "call_service", Args: args})
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/pkg/fault"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// ErrUnknownTool is returned when a function key has no registered handler.
var ErrUnknownTool = fmt.Errorf("%w: unknown tool function", fault.ErrToolExecution)

// Call is one tool invocation.
type Call struct {
	// Function is the registry key of the handler.
	Function string

	// Service is the tool name the model called.
	Service string

	// Args are the merged arguments: service defaults overlaid by the model's.
	Args map[string]any

	// Principal and Role identify the user the turn runs for.
	Principal string
	Role      string
}

// Handler executes a tool call. The returned value is JSON-encoded into the
// tool message content.
type Handler interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// HandlerFunc adapts a plain function to [Handler].
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Invoke implements [Handler].
func (f HandlerFunc) Invoke(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

// Typed returns a Handler that decodes the call arguments into T before
// calling fn. Unknown argument keys are ignored.
func Typed[T any](fn func(ctx context.Context, args T, call Call) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, call Call) (any, error) {
		var args T
		raw, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fault.ToolExecution("%s: encode arguments: %v", call.Service, err)
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fault.ToolExecution("%s: invalid arguments: %v", call.Service, err)
		}
		return fn(ctx, args, call)
	})
}

// Builtin is a tool offered to the model in every package, next to the
// package's own services.
type Builtin struct {
	Definition types.ToolDefinition
	Function   string
}

// Registry holds the handlers by function key. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h under key, replacing any previous handler.
func (r *Registry) Register(key string, h Handler) error {
	if key == "" {
		return fmt.Errorf("tools: handler key must not be empty")
	}
	if h == nil {
		return fmt.Errorf("tools: handler %q must not be nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
	return nil
}

// Unregister removes the handler under key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}

// Lookup returns the handler under key.
func (r *Registry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered function keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Validate reports every active service in cat whose function has no
// handler. The returned error wraps [ErrUnknownTool] once per offender.
func (r *Registry) Validate(cat *catalog.Catalog) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range cat.Packages() {
		for _, s := range p.Services {
			if !s.IsActive() {
				continue
			}
			if _, ok := r.handlers[s.FunctionName()]; !ok {
				errs = append(errs, fmt.Errorf("%w %q (package %q, service %q)", ErrUnknownTool, s.FunctionName(), p.ID, s.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// Invoke runs the handler for call.Function. Handler errors are returned
// classified as tool execution errors.
func (r *Registry) Invoke(ctx context.Context, call Call) (any, error) {
	h, ok := r.Lookup(call.Function)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, call.Function)
	}
	res, err := h.Invoke(ctx, call)
	if err != nil {
		if errors.Is(err, fault.ErrToolExecution) {
			return nil, err
		}
		return nil, fault.ToolExecution("%s: %w", call.Service, err)
	}
	return res, nil
}

// Merge returns a new map holding defaults overlaid by args. Keys present in
// args win. Neither input is modified.
func Merge(defaults, args map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(args))
	maps.Copy(out, defaults)
	maps.Copy(out, args)
	return out
}

// Encode renders a tool outcome as tool message content. A failed call
// becomes {"error": "..."}; strings that already hold JSON pass through.
func Encode(result any, err error) string {
	if err != nil {
		return errorPayload(err.Error())
	}
	if s, ok := result.(string); ok && json.Valid([]byte(s)) {
		return s
	}
	data, mErr := json.Marshal(result)
	if mErr != nil {
		return errorPayload("encode result: " + mErr.Error())
	}
	return string(data)
}

func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
