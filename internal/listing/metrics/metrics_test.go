package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementIngest("30402", "accepted")
	m.IncrementIngest("30402", "accepted")
	m.IncrementDeletion("deleted")
	m.ObserveHandle("ingest", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestOutcome.WithLabelValues("30402", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeletionOutcome.WithLabelValues("deleted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HandleLatency))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementIngest("30402", "accepted")
		m.IncrementDeletion("ignored")
		m.ObserveHandle("ingest", time.Millisecond)
	})
}
