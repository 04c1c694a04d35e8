package imago

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics bundles the Prometheus instrumentation for one Manager/Cache/
// Downloader stack: cache hit/miss rates, disk size/entry gauges, and
// blacklist size, registered with promauto so callers can mount them on
// their own registry.
type metrics struct {
	memHits       prometheus.Counter
	memMisses     prometheus.Counter
	diskHits      prometheus.Counter
	diskMisses    prometheus.Counter
	diskBytes     prometheus.Gauge
	diskEntries   prometheus.Gauge
	blacklistSize prometheus.Gauge
	downloadsIn   prometheus.Gauge
	downloadsOK   prometheus.Counter
	downloadsErr  prometheus.Counter
}

// newMetrics registers a fresh set of collectors under reg. Passing a
// dedicated *prometheus.Registry (rather than the global default) lets
// multiple Managers coexist in tests without collector-already-registered
// panics.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		memHits: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_memory_cache_hits_total",
			Help: "Memory cache hits.",
		}),
		memMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_memory_cache_misses_total",
			Help: "Memory cache misses.",
		}),
		diskHits: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_disk_cache_hits_total",
			Help: "Disk cache hits.",
		}),
		diskMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_disk_cache_misses_total",
			Help: "Disk cache misses.",
		}),
		diskBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "imago_disk_cache_bytes",
			Help: "Current total size of the disk cache.",
		}),
		diskEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "imago_disk_cache_entries",
			Help: "Current number of files in the disk cache.",
		}),
		blacklistSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "imago_failed_url_set_size",
			Help: "Current size of the failed-URL memoization set.",
		}),
		downloadsIn: f.NewGauge(prometheus.GaugeOpts{
			Name: "imago_downloads_in_flight",
			Help: "Number of download operations currently running or queued.",
		}),
		downloadsOK: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_downloads_completed_total",
			Help: "Downloads that completed successfully.",
		}),
		downloadsErr: f.NewCounter(prometheus.CounterOpts{
			Name: "imago_downloads_failed_total",
			Help: "Downloads that completed with an error.",
		}),
	}
}

// noopMetrics builds metrics against a fresh local registry so callers
// that do not care about instrumentation (e.g. unit tests instantiating
// many Managers) never collide on collector names.
func noopMetrics() *metrics {
	return newMetrics(prometheus.NewRegistry())
}
