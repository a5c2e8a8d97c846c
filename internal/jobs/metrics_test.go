package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("billing:balance_refresh").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("billing:balance_refresh").End(boom), boom)
	m.AddRefreshed(3)
	m.AddRefreshed(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:balance_refresh", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:balance_refresh", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("billing:balance_refresh")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.refreshed))
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("x").End(boom), boom)
	m.AddRefreshed(5)
}
