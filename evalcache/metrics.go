package evalcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics holds metrics related to the evaluator cache.
type CacheMetrics struct {
	Hits         prometheus.Counter
	Misses       prometheus.Counter
	Loads        prometheus.Counter
	LoadFailures prometheus.Counter
	Evictions    prometheus.Counter
	RowsDropped  prometheus.Counter
	Units        prometheus.Gauge
}

func NewCacheMetrics() *CacheMetrics {
	const (
		namespace = "reportkit"
		subsystem = "evalcache"
	)

	return &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hits_total",
			Help:      "Count of lookups served from the cache",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "misses_total",
			Help:      "Count of lookups that required a load",
		}),
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loads_total",
			Help:      "Count of artifact sets loaded and linked",
		}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "load_failures_total",
			Help:      "Count of artifact loads that failed",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evictions_total",
			Help:      "Count of cached units reclaimed by sweeps",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_dropped_total",
			Help:      "Count of cache rows dropped after their scope was collected",
		}),
		Units: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "units",
			Help:      "Number of currently cached units",
		}),
	}
}

func (cm *CacheMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		cm.Hits,
		cm.Misses,
		cm.Loads,
		cm.LoadFailures,
		cm.Evictions,
		cm.RowsDropped,
		cm.Units,
	}
}
