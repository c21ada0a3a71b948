package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricIndexCacheLookup = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dovel_index_cache_lookups_total",
			Help: "Index cache lookups, by result.",
		},
		[]string{
			"result", // hit, miss
		},
	)

	metricIndexCacheEvict = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dovel_index_cache_evictions_total",
			Help: "Unreferenced indexes evicted from the cache, by timeout or capacity.",
		},
	)
)

func IndexCacheLookupInc(result string) {
	metricIndexCacheLookup.WithLabelValues(result).Inc()
}

func IndexCacheEvictInc() {
	metricIndexCacheEvict.Inc()
}
