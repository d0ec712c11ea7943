// Package fault classifies the errors that can end or degrade a conversational turn.
//
// Every error produced by the orchestration core wraps exactly one of the
// sentinel kinds below so that callers can decide with [errors.Is] whether a
// failure is fatal to the turn, recoverable inside a tool cycle, or merely a
// skipped optimisation:
//
//   - [ErrConfiguration]: missing credential, unknown provider, package without a
//     bound model. Fatal to the turn, surfaced verbatim.
//   - [ErrTransient]: network, timeout or rate-limit failure of a provider or
//     index. Surfaced as a turn-level error, never retried inside the core.
//   - [ErrToolExecution]: bad tool arguments or an executor fault. Contained per
//     tool call and converted into a structured tool-result payload.
//   - [ErrRouting]: no suitable package for the input. User-visible rejection;
//     conversation state is left untouched.
//   - [ErrProtocol]: a provider broke the event contract. Logged and degraded
//     where possible, otherwise escalated to [ErrTransient].
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks deployment or catalog mistakes.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransient marks backend failures that may succeed on a later turn.
	ErrTransient = errors.New("transient backend error")

	// ErrToolExecution marks a failed tool invocation.
	ErrToolExecution = errors.New("tool execution error")

	// ErrRouting marks a rejected routing decision.
	ErrRouting = errors.New("routing error")

	// ErrProtocol marks a violation of the provider event contract.
	ErrProtocol = errors.New("protocol violation")
)

// Configuration returns an error of kind [ErrConfiguration].
func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// Transient returns an error of kind [ErrTransient].
func Transient(format string, args ...any) error {
	return wrap(ErrTransient, format, args...)
}

// ToolExecution returns an error of kind [ErrToolExecution].
func ToolExecution(format string, args ...any) error {
	return wrap(ErrToolExecution, format, args...)
}

// Routing returns an error of kind [ErrRouting].
func Routing(format string, args ...any) error {
	return wrap(ErrRouting, format, args...)
}

// Protocol returns an error of kind [ErrProtocol].
func Protocol(format string, args ...any) error {
	return wrap(ErrProtocol, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// Kind reports the sentinel kind wrapped by err. A protocol violation that was
// escalated (wrapped in [ErrTransient]) reports as transient. Errors that carry
// no kind are treated as transient.
func Kind(err error) error {
	for _, k := range []error{ErrConfiguration, ErrRouting, ErrToolExecution, ErrTransient, ErrProtocol} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrTransient
}

// Name returns a short, stable label for err's kind, suitable for metric
// attributes and log fields.
func Name(err error) string {
	switch Kind(err) {
	case ErrConfiguration:
		return "configuration"
	case ErrRouting:
		return "routing"
	case ErrToolExecution:
		return "tool_execution"
	case ErrProtocol:
		return "protocol"
	default:
		return "transient"
	}
}
