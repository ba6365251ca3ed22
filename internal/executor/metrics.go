// internal/executor/metrics.go
package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

type Metrics struct {
	attempts      *prometheus.CounterVec
	orders        *prometheus.CounterVec
	tipLamports   prometheus.Histogram
	submitLatency prometheus.Histogram
}

// NewMetrics registers the execution metrics on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copybot_execution_attempts_total",
			Help: "Submitted execution attempts by outcome",
		}, []string{"outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copybot_orders_closed_total",
			Help: "Orders reaching a terminal status",
		}, []string{"direction", "status"}),
		tipLamports: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "copybot_tip_lamports",
			Help:    "Priority fee offered per attempt",
			Buckets: prometheus.ExponentialBuckets(10_000, 2, 10),
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "copybot_submit_duration_seconds",
			Help:    "Build, sign and send round trip",
			Buckets: prometheus.LinearBuckets(0, 0.1, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.orders, m.tipLamports, m.submitLatency)
	}
	return m
}

func (m *Metrics) observeAttempt(outcome domain.AttemptOutcome, tip uint64) {
	m.attempts.WithLabelValues(string(outcome)).Inc()
	m.tipLamports.Observe(float64(tip))
}

func (m *Metrics) observeClosed(d domain.Direction, s domain.OrderStatus) {
	m.orders.WithLabelValues(string(d), string(s)).Inc()
}

func (m *Metrics) trackSubmit(start time.Time) {
	m.submitLatency.Observe(time.Since(start).Seconds())
}
