package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	for i := 0; i < 9; i++ {
		require.NoError(t, metrics.Track("inventory:alert_sweep").End(nil))
	}
	boom := errors.New("redis unavailable")
	require.ErrorIs(t, metrics.Track("inventory:alert_sweep").End(boom), boom)

	families, err := reg.Gather()
	require.NoError(t, err)

	success := metricValue(t, families, "stockledger_jobs_total", map[string]string{"job": "inventory:alert_sweep", "status": "success"})
	failure := metricValue(t, families, "stockledger_jobs_total", map[string]string{"job": "inventory:alert_sweep", "status": "failure"})
	require.Equal(t, 9.0, success)
	require.Equal(t, 1.0, failure)
	require.Equal(t, 1.0, metricValue(t, families, "stockledger_jobs_failures_total", map[string]string{"job": "inventory:alert_sweep"}))
	require.Equal(t, uint64(10), histogramCount(t, families, "stockledger_job_duration_seconds", map[string]string{"job": "inventory:alert_sweep"}))
}

func TestLedgerAndAlertCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.AddMovement("purchase", "completed")
	metrics.AddMovement("purchase", "completed")
	metrics.AddMovement("", "rejected")
	metrics.AddAlertTransitions("low_stock", "raised", 3)
	metrics.AddAlertTransitions("low_stock", "resolved", 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 2.0, metricValue(t, families, "stockledger_movements_total", map[string]string{"type": "purchase", "status": "completed"}))
	require.Equal(t, 1.0, metricValue(t, families, "stockledger_movements_total", map[string]string{"type": "unknown", "status": "rejected"}))
	require.Equal(t, 3.0, metricValue(t, families, "stockledger_alerts_total", map[string]string{"type": "low_stock", "transition": "raised"}))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var metrics *Metrics
	boom := errors.New("x")
	require.ErrorIs(t, metrics.Track("job").End(boom), boom)
	metrics.AddMovement("purchase", "completed")
	metrics.AddAlertTransitions("expired", "raised", 1)
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramCount(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) uint64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		val, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != val {
			return false
		}
		matched++
	}
	return matched == len(labels)
}
