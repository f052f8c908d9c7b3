// Package monitor exposes the gateway's Prometheus collectors.
package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the relay pipeline reports into.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AttemptsTotal   *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
	CostUSDTotal    *prometheus.CounterVec
	AffinityHits    *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
	ActiveRequests  prometheus.Gauge
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "requests_total",
			Help:      "Total inbound relay requests.",
		}, []string{"format", "model", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end relay latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"format"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "attempts_total",
			Help:      "Total upstream attempts by outcome class.",
		}, []string{"provider", "class"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "tokens_total",
			Help:      "Total tokens relayed by class.",
		}, []string{"model", "class"}),

		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "cost_usd_total",
			Help:      "Total billed cost in USD.",
		}, []string{"provider", "kind"}),

		AffinityHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "affinity_routed_total",
			Help:      "Requests routed through a cache-affinity hit.",
		}, []string{"provider"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "circuit_state",
			Help:      "Circuit state per upstream key (0 closed, 1 half-open, 2 open).",
		}, []string{"key_id"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "active_requests",
			Help:      "Currently in-flight relay requests.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.AttemptsTotal,
		m.TokensTotal,
		m.CostUSDTotal,
		m.AffinityHits,
		m.CircuitState,
		m.ActiveRequests,
	)
	return m
}

// ObserveAttempt counts one upstream attempt by its outcome class.
func (m *Metrics) ObserveAttempt(provider, class string) {
	m.AttemptsTotal.WithLabelValues(provider, class).Inc()
}

// ObserveUsage records the token and cost report of one finished request.
func (m *Metrics) ObserveUsage(modelName, provider string, input, output, cacheCreation, cacheRead int, surfaceUSD, actualUSD float64) {
	m.TokensTotal.WithLabelValues(modelName, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(modelName, "output").Add(float64(output))
	m.TokensTotal.WithLabelValues(modelName, "cache_creation").Add(float64(cacheCreation))
	m.TokensTotal.WithLabelValues(modelName, "cache_read").Add(float64(cacheRead))
	m.CostUSDTotal.WithLabelValues(provider, "surface").Add(surfaceUSD)
	m.CostUSDTotal.WithLabelValues(provider, "actual").Add(actualUSD)
}

// SetCircuitState mirrors one breaker's state into the gauge.
func (m *Metrics) SetCircuitState(keyId int, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(strconv.Itoa(keyId)).Set(v)
}
