// Package telemetry defines the ambient logging/metrics/tracing contracts
// used across turnloop. Production wiring implements Logger over
// goa.design/clue/log and Metrics/Tracer over OpenTelemetry, the same
// pairing the teacher runtime uses; tests use the noop implementations in
// this package so components never depend on a concrete backend.
package telemetry

import "context"

// Logger is the structured logging contract every component takes as a
// constructor dependency instead of reaching for a package-level logger.
type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

// Metrics is the minimal instrument contract components use to report
// counters, timers and gauges without binding to a concrete backend.
type Metrics interface {
	IncCounter(name string, delta int64, kv ...any)
	RecordTimer(name string, seconds float64, kv ...any)
	RecordGauge(name string, value float64, kv ...any)
}

// Span is a single active trace span.
type Span interface {
	AddEvent(name string, kv ...any)
	SetStatus(ok bool, msg string)
	RecordError(err error)
	End()
}

// Tracer starts spans around component operations.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Noop is a Logger/Metrics/Tracer that discards everything. It is the
// default used by tests and anywhere telemetry is not wired.
type Noop struct{}

func (Noop) Debug(context.Context, string, ...any) {}
func (Noop) Info(context.Context, string, ...any)  {}
func (Noop) Warn(context.Context, string, ...any)  {}
func (Noop) Error(context.Context, string, ...any) {}

func (Noop) IncCounter(string, int64, ...any)    {}
func (Noop) RecordTimer(string, float64, ...any) {}
func (Noop) RecordGauge(string, float64, ...any) {}

func (Noop) Start(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }

type noopSpan struct{}

func (noopSpan) AddEvent(string, ...any)   {}
func (noopSpan) SetStatus(bool, string)    {}
func (noopSpan) RecordError(error)         {}
func (noopSpan) End()                      {}
