package bench

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records the outcome of each test. A nil *Metrics records nothing.
type Metrics struct {
	latency  *prometheus.GaugeVec
	observed *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "latbench",
			Name:      "latency_seconds",
			Help:      "One-way latency of the last probe per transport.",
		}, []string{"transport"}),
		observed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "latbench",
			Name:      "probe_latency_seconds",
			Help:      "Distribution of probe latencies per transport.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"transport"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latbench",
			Name:      "failures_total",
			Help:      "Failed tests by transport and step.",
		}, []string{"transport", "kind"}),
	}
	reg.MustRegister(m.latency, m.observed, m.failures)
	return m
}

func (m *Metrics) observe(transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(transport).Set(d.Seconds())
	m.observed.WithLabelValues(transport).Observe(d.Seconds())
}

func (m *Metrics) fail(transport string, kind Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(transport, kind.String()).Inc()
}
