package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLockNotify = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dovel_lock_notify_total",
			Help: "Lock-stall notifications shown to users, by type.",
		},
		[]string{
			"type", // mailboxabort, mailboxoverride, indexabort
		},
	)

	metricLockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dovel_lock_wait_duration_seconds",
			Help:    "Duration of index lock acquisition.",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 60, 120},
		},
		[]string{
			"type", // shared, exclusive, unlock
		},
	)
)

func LockNotifyInc(kind string) {
	metricLockNotify.WithLabelValues(kind).Inc()
}

func LockWaitObserve(kind string, seconds float64) {
	metricLockWait.WithLabelValues(kind).Observe(seconds)
}
