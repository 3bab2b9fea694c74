// Package metrics exposes turnloop's operator-facing Prometheus surface
// (GET /metrics), separate from the OpenTelemetry instrumentation
// components emit internally through telemetry.Metrics. Grounded on the
// teacher's use of prometheus/client_golang for its own /metrics endpoint
// rather than routing operator dashboards through the OTel collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnloop/turnloop/internal/convstore"
)

// Collectors bundles every counter/histogram/gauge turnloop reports.
type Collectors struct {
	Registry *prometheus.Registry

	TurnsStarted   *prometheus.CounterVec
	TurnsCompleted *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec

	ToolRunsByStatus *prometheus.CounterVec
	ApprovalWaits    prometheus.Histogram

	RoutingDecisions *prometheus.CounterVec
	LLMTokens        *prometheus.CounterVec

	ActiveConnections prometheus.Gauge
}

// New registers and returns a fresh Collectors set on its own registry, so
// multiple turnloopd instances in one test binary never collide on the
// default global registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		Registry: reg,
		TurnsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnloop_turns_started_total",
			Help: "Conversation turns started, by domain.",
		}, []string{"domain_id"}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnloop_turns_completed_total",
			Help: "Conversation turns completed, by domain and final state.",
		}, []string{"domain_id", "final_state"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnloop_turn_duration_seconds",
			Help:    "Wall-clock duration of a conversation turn.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain_id"}),
		ToolRunsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnloop_tool_runs_total",
			Help: "Tool run terminal transitions, by tool id and status.",
		}, []string{"tool_id", "status"}),
		ApprovalWaits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnloop_approval_wait_seconds",
			Help:    "Time a tool run spent in AWAITING_APPROVAL.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600},
		}),
		RoutingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnloop_routing_decisions_total",
			Help: "Router decisions, by domain id and chosen agent id.",
		}, []string{"domain_id", "agent_id"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnloop_llm_tokens_total",
			Help: "LLM tokens consumed, by model id and kind (input|output).",
		}, []string{"model_id", "kind"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "turnloop_hub_active_connections",
			Help: "Currently open WebSocket connections on the session hub.",
		}),
	}
}

// Handler returns the promhttp handler serving this Collectors' registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// ObserveToolRunTerminal records a tool run reaching a terminal status.
func (c *Collectors) ObserveToolRunTerminal(toolID string, status convstore.ToolRunStatus) {
	c.ToolRunsByStatus.WithLabelValues(toolID, string(status)).Inc()
}

// ObserveTurn records a completed turn's terminal state and duration.
func (c *Collectors) ObserveTurn(domainID, finalState string, seconds float64) {
	c.TurnsCompleted.WithLabelValues(domainID, finalState).Inc()
	c.TurnDuration.WithLabelValues(domainID).Observe(seconds)
}

// ObserveRouting records which agent a domain's router selected.
func (c *Collectors) ObserveRouting(domainID, agentID string) {
	c.RoutingDecisions.WithLabelValues(domainID, agentID).Inc()
}
