package telemetry

import (
	"context"

	"goa.design/clue/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ClueLogger adapts goa.design/clue/log to the Logger contract, the same
// wrapper shape the teacher runtime uses: variadic key-values are folded
// into clue Fielder pairs rather than formatted into the message string.
type ClueLogger struct{}

// NewClueLogger returns a Logger backed by clue/log. Callers are expected to
// have already called log.Context on the base context (see cmd/turnloopd).
func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, kv ...any) {
	log.Debug(ctx, msg, fielders(kv)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, kv ...any) {
	log.Info(ctx, msg, fielders(kv)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, kv ...any) {
	log.Error(ctx, msg, fielders(kv)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, kv ...any) {
	log.Error(ctx, msg, fielders(kv)...)
}

func fielders(kv []any) []log.Fielder {
	fs := make([]log.Fielder, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		fs = append(fs, log.KV{K: key, V: kv[i+1]})
	}
	return fs
}

// OtelMetrics reports counters/timers/gauges through an OpenTelemetry
// meter, grounded on the teacher's ClueMetrics wrapper.
type OtelMetrics struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOtelMetrics builds a Metrics implementation backed by the global
// OpenTelemetry meter provider under the given instrumentation name.
func NewOtelMetrics(instrumentationName string) *OtelMetrics {
	return &OtelMetrics{
		meter:      otel.Meter(instrumentationName),
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
		gauges:     map[string]metric.Float64Gauge{},
	}
}

func (m *OtelMetrics) IncCounter(name string, delta int64, kv ...any) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), delta, metric.WithAttributes(attrs(kv)...))
}

func (m *OtelMetrics) RecordTimer(name string, seconds float64, kv ...any) {
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		m.histograms[name] = h
	}
	h.Record(context.Background(), seconds, metric.WithAttributes(attrs(kv)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, kv ...any) {
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrs(kv)...))
}

// OtelTracer starts spans through an OpenTelemetry tracer.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer builds a Tracer under the given instrumentation name.
func NewOtelTracer(instrumentationName string) *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OtelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span}
}

type otelSpan struct{ span trace.Span }

func (s otelSpan) AddEvent(name string, kv ...any) {
	s.span.AddEvent(name, trace.WithAttributes(attrs(kv)...))
}

func (s otelSpan) SetStatus(ok bool, msg string) {
	if ok {
		return
	}
	s.span.SetStatus(1, msg)
}

func (s otelSpan) RecordError(err error) { s.span.RecordError(err) }
func (s otelSpan) End()                  { s.span.End() }
