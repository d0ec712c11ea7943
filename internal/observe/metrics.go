// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/hexenseai/hex-platform"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LLMStreamDuration tracks the time from dispatch to the terminal stream
	// event of one orchestrator cycle.
	LLMStreamDuration metric.Float64Histogram

	// ToolDuration tracks tool invocation latency.
	ToolDuration metric.Float64Histogram

	// TurnDuration tracks the wall time of a whole user turn.
	TurnDuration metric.Float64Histogram

	// TurnCycles records how many dispatch cycles a turn needed.
	TurnCycles metric.Int64Histogram

	// --- Counters ---

	// LLMStreamErrors counts streams that ended in an Error event. Use with
	// attributes: attribute.String("provider", ...), attribute.String("kind", ...)
	LLMStreamErrors metric.Int64Counter

	// RouterDecisions counts routing outcomes. Use with attribute:
	//   attribute.String("outcome", ...)
	RouterDecisions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// MemorySummaries counts conversation summaries. Use with attribute:
	//   attribute.String("mode", ...) ("llm" or "truncated")
	MemorySummaries metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected caller sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time per method,
	// route pattern and status. WebSocket requests last for the session.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streamed completions and outbound service calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMStreamDuration, err = m.Float64Histogram("hex.llm.stream.duration",
		metric.WithDescription("Latency of one streamed completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("hex.tool.duration",
		metric.WithDescription("Latency of tool invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("hex.turn.duration",
		metric.WithDescription("Wall time of a user turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnCycles, err = m.Int64Histogram("hex.turn.cycles",
		metric.WithDescription("Dispatch cycles per user turn."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LLMStreamErrors, err = m.Int64Counter("hex.llm.stream.errors",
		metric.WithDescription("Completion streams that ended in an error, by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RouterDecisions, err = m.Int64Counter("hex.router.decisions",
		metric.WithDescription("Routing decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("hex.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.MemorySummaries, err = m.Int64Counter("hex.memory.summaries",
		metric.WithDescription("Conversation summaries written, by mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("hex.sessions.active",
		metric.WithDescription("Number of connected caller sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRouterDecision increments the router decision counter.
func (m *Metrics) RecordRouterDecision(ctx context.Context, outcome string) {
	m.RouterDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolCall records one tool invocation and its latency in seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, seconds, attrs)
}

// RecordStreamError increments the stream error counter.
func (m *Metrics) RecordStreamError(ctx context.Context, provider, kind string) {
	m.LLMStreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSummary increments the summary counter for mode.
func (m *Metrics) RecordSummary(ctx context.Context, mode string) {
	m.MemorySummaries.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTurn records the duration and cycle count of a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, seconds float64, cycles int, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TurnDuration.Record(ctx, seconds, attrs)
	m.TurnCycles.Record(ctx, int64(cycles), attrs)
}
