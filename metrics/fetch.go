package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricFetch = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dovel_fetch_commands_total",
		Help: "Fetch commands executed, by result.",
	},
	[]string{
		"result", // ok, partial, error
	},
)

func FetchInc(result string) {
	metricFetch.WithLabelValues(result).Inc()
}
