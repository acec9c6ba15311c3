package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors on a private registry,
// keeping default-registry noise out of the scrape.
type Metrics struct {
	Registry *prometheus.Registry

	ToolCalls     *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	ToolLatency   *prometheus.HistogramVec
	ProviderCalls *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and outcome status.",
		}, []string{"tool", "status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "policy_decisions_total",
			Help:      "Policy decisions by action.",
		}, []string{"action"}),
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trustgate",
			Name:      "tool_duration_seconds",
			Help:      "Tool dispatch wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "provider_calls_total",
			Help:      "Outbound provider calls by plugin and outcome.",
		}, []string{"plugin", "outcome"}),
	}
	m.Registry.MustRegister(m.ToolCalls, m.Decisions, m.ToolLatency, m.ProviderCalls)
	return m
}
