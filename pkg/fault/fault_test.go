package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hexenseai/hex-platform/pkg/fault"
)

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		want  error
		label string
	}{
		{"configuration", fault.Configuration("no key for %q", "openai"), fault.ErrConfiguration, "configuration"},
		{"routing", fault.Routing("no suitable package"), fault.ErrRouting, "routing"},
		{"tool", fault.ToolExecution("lookup: boom"), fault.ErrToolExecution, "tool_execution"},
		{"protocol", fault.Protocol("stream closed early"), fault.ErrProtocol, "protocol"},
		{"transient", fault.Transient("dial: refused"), fault.ErrTransient, "transient"},
		{"unclassified", context.DeadlineExceeded, fault.ErrTransient, "transient"},
		{"wrapped", fmt.Errorf("router: %w", fault.Routing("x")), fault.ErrRouting, "routing"},
		{"escalated", fault.Transient("%w", fault.Protocol("early close")), fault.ErrTransient, "transient"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := fault.Kind(tc.err); got != tc.want {
				t.Errorf("Kind = %v, want %v", got, tc.want)
			}
			if got := fault.Name(tc.err); got != tc.label {
				t.Errorf("Name = %q, want %q", got, tc.label)
			}
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fault.Transient("stream: %w", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
	if !errors.Is(err, fault.ErrTransient) {
		t.Error("wrapped error lost its kind")
	}
	if got, want := err.Error(), "transient backend error: stream: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
