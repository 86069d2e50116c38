// Package telemetry integrates kernel events with structured logging,
// metrics, and tracing. The interfaces are intentionally small so tests
// can supply lightweight stubs without pulling in Clue or OTEL.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the kernel.
// Implementations typically delegate to Clue but the interface stays
// narrow enough for tests to stub.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for kernel
// instrumentation (floor-hold duration, turn byte counts, backpressure
// stalls, preemption latency).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so kernel code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Telemetry bundles the three capabilities the kernel threads through its
// components. A zero-value Telemetry is not usable; construct one via
// NewNoop or by wiring concrete Clue/OTEL implementations.
type Telemetry struct {
	Log     Logger
	Metrics Metrics
	Tracer  Tracer
}

// NewNoop returns a Telemetry whose members discard everything. Useful
// for tests and for callers that have not wired observability yet.
func NewNoop() Telemetry {
	return Telemetry{
		Log:     NoopLogger{},
		Metrics: NoopMetrics{},
		Tracer:  NoopTracer{},
	}
}
