package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for listing ingestion and deletion.
type Metrics struct {
	// Ingest outcomes by kind and outcome
	IngestOutcome *prometheus.CounterVec

	// Deletion outcomes by outcome
	DeletionOutcome *prometheus.CounterVec

	// Time to handle one event end to end
	HandleLatency *prometheus.HistogramVec
}

// New registers the listing metrics on reg. Passing prometheus.DefaultRegisterer
// matches the global registry; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrsync_listing_ingest_total",
			Help: "Listing events handled by kind and outcome",
		}, []string{"kind", "outcome"}),

		DeletionOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrsync_listing_deletion_total",
			Help: "Deletion events handled by outcome",
		}, []string{"outcome"}),

		HandleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nostrsync_listing_handle_duration_seconds",
			Help:    "Duration of handling one listing or deletion event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"handler"}),
	}
}

func (m *Metrics) IncrementIngest(kind, outcome string) {
	if m != nil {
		m.IngestOutcome.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncrementDeletion(outcome string) {
	if m != nil {
		m.DeletionOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveHandle(handler string, d time.Duration) {
	if m != nil {
		m.HandleLatency.WithLabelValues(handler).Observe(d.Seconds())
	}
}
