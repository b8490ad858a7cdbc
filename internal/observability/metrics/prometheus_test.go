package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.KitIssued(7)
	m.AlertRaised("location_violation", "medium")
	m.AlertRaised("location_violation", "medium")
	m.ObserveSync(120 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.KitsIssued))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DosesDispensed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("location_violation", "medium")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderCreated()
		m.ScanRecorded("failed")
		m.SetBreakerState("regulatory", 1)
	})
}
