package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveAttemptCountsByClass(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAttempt("p1", "upstream_error")
	m.ObserveAttempt("p1", "upstream_error")
	m.ObserveAttempt("p2", "success")

	require.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("p1", "upstream_error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("p2", "success")))
}

func TestSetCircuitStateGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetCircuitState(7, "open")
	require.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("7")))

	m.SetCircuitState(7, "half_open")
	require.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("7")))

	m.SetCircuitState(7, "closed")
	require.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("7")))
}

func TestObserveUsageSplitsTokenClasses(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveUsage("claude-3-5-sonnet", "p1", 100, 40, 10, 5, 0.5, 0.25)

	require.Equal(t, 100.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("claude-3-5-sonnet", "input")))
	require.Equal(t, 40.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("claude-3-5-sonnet", "output")))
	require.Equal(t, 0.5, testutil.ToFloat64(m.CostUSDTotal.WithLabelValues("p1", "surface")))
	require.Equal(t, 0.25, testutil.ToFloat64(m.CostUSDTotal.WithLabelValues("p1", "actual")))
}
