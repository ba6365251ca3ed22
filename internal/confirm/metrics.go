// internal/confirm/metrics.go
package confirm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

type Metrics struct {
	resolved *prometheus.CounterVec
	latency  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copybot_attempts_resolved_total",
			Help: "Attempts resolved by the confirmation tracker",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "copybot_confirmation_seconds",
			Help:    "Time from submission to resolution",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.resolved, m.latency)
	}
	return m
}

func (m *Metrics) observe(outcome domain.AttemptOutcome, elapsed time.Duration) {
	m.resolved.WithLabelValues(string(outcome)).Inc()
	if elapsed > 0 {
		m.latency.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) lateLanded() {
	m.resolved.WithLabelValues("late_landed").Inc()
}
