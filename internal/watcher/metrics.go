// internal/watcher/metrics.go
package watcher

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	notifications prometheus.Counter
	emitted       prometheus.Counter
	backfilled    prometheus.Counter
	reconnects    prometheus.Counter
	skipped       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copybot_watcher_notifications_total",
			Help: "Log notifications received for target wallets",
		}),
		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copybot_watcher_swaps_total",
			Help: "Decoded swaps emitted to the normalizer",
		}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copybot_watcher_backfilled_total",
			Help: "Transactions replayed after a reconnect",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copybot_watcher_reconnects_total",
			Help: "Failed subscribe attempts",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copybot_watcher_skipped_total",
			Help: "Notifications discarded before emission",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.notifications, m.emitted, m.backfilled, m.reconnects, m.skipped)
	}
	return m
}
