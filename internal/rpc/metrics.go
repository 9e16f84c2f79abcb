package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers both sides of the RPC protocol.
type Metrics struct {
	Calls        *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	Served       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrsync_rpc_calls_total",
			Help: "Outbound RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nostrsync_rpc_call_duration_seconds",
			Help:    "Time from publishing a request to receiving its response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		Served: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrsync_rpc_served_total",
			Help: "Inbound RPC requests by method and outcome",
		}, []string{"method", "outcome"}),
	}
}

func (m *Metrics) observeCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(method, outcome).Inc()
	if outcome == "ok" {
		m.CallDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) incServed(method, outcome string) {
	if m != nil {
		m.Served.WithLabelValues(method, outcome).Inc()
	}
}
