/*
Package metrics provides Prometheus metrics collection and exposition
for the engine: pool/filesystem counts, allocator occupancy, flush
latency, thin-pool low-water gauges, and the availability-state gauge
that backs the property-change notification stream's numeric half
(spec.md §6.3).
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolsTotal counts live pools by availability state.
	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_pools_total",
			Help: "Total number of pools by action-availability state",
		},
		[]string{"availability"},
	)

	// FilesystemsTotal counts filesystems across all pools.
	FilesystemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratisd_filesystems_total",
			Help: "Total number of filesystems across all pools",
		},
	)

	// BlockDevicesTotal counts block devices by tier.
	BlockDevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_block_devices_total",
			Help: "Total number of block devices by tier",
		},
		[]string{"tier"},
	)

	// PoolUsedSectors reports allocator occupancy per pool.
	PoolUsedSectors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_pool_used_sectors",
			Help: "Sectors currently allocated in a pool's data tier",
		},
		[]string{"pool_id"},
	)

	// PoolFreeSectors reports allocator free space per pool.
	PoolFreeSectors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_pool_free_sectors",
			Help: "Sectors currently free in a pool's data tier",
		},
		[]string{"pool_id"},
	)

	// ThinPoolMetadataLowWater reports whether a thin-pool's metadata
	// subdevice is below its low-water mark (1) or not (0).
	ThinPoolMetadataLowWater = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_thinpool_metadata_low_water",
			Help: "1 if a pool's thin-pool metadata subdevice is below its low-water mark",
		},
		[]string{"pool_id"},
	)

	// ThinPoolDataLowWater reports whether a thin-pool's data
	// subdevice is below its low-water mark.
	ThinPoolDataLowWater = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratisd_thinpool_data_low_water",
			Help: "1 if a pool's thin-pool data subdevice is below its low-water mark",
		},
		[]string{"pool_id"},
	)

	// FlushDuration times pkg/persistence.Flush calls.
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratisd_metadata_flush_duration_seconds",
			Help:    "Time taken to flush a metadata record to all of a pool's block devices",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FlushFailuresTotal counts failed flushes by reason.
	FlushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratisd_metadata_flush_failures_total",
			Help: "Total number of metadata flush failures by reason",
		},
		[]string{"reason"},
	)

	// DiscoveryEventsTotal counts hotplug events processed, by action.
	DiscoveryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratisd_discovery_events_total",
			Help: "Total number of hotplug device events processed, by action",
		},
		[]string{"action"},
	)

	// AssemblyDuration times the Stopped->Running transition.
	AssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratisd_assembly_duration_seconds",
			Help:    "Time taken to assemble (start) a pool once its device set is complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	// UnlockAttemptsTotal counts encryption unlock attempts by slot
	// kind and outcome.
	UnlockAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratisd_unlock_attempts_total",
			Help: "Total number of encryption-slot unlock attempts by slot kind and outcome",
		},
		[]string{"slot_kind", "outcome"},
	)

	// AllocationRequestsTotal counts allocator requests by outcome.
	AllocationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratisd_allocation_requests_total",
			Help: "Total number of allocator extent requests by outcome",
		},
		[]string{"outcome"},
	)

	// ThinPoolEventsTotal counts thin-pool DM events handled, by event
	// kind and outcome.
	ThinPoolEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratisd_thinpool_events_total",
			Help: "Total number of thin-pool DM events handled, by event kind and outcome",
		},
		[]string{"event", "outcome"},
	)

	// ThinPoolExtendDuration times a subdevice low-water extend attempt.
	ThinPoolExtendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratisd_thinpool_extend_duration_seconds",
			Help:    "Time taken to extend a thin-pool subdevice in response to a low-water event",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		PoolsTotal,
		FilesystemsTotal,
		BlockDevicesTotal,
		PoolUsedSectors,
		PoolFreeSectors,
		ThinPoolMetadataLowWater,
		ThinPoolDataLowWater,
		FlushDuration,
		FlushFailuresTotal,
		DiscoveryEventsTotal,
		AssemblyDuration,
		UnlockAttemptsTotal,
		AllocationRequestsTotal,
		ThinPoolEventsTotal,
		ThinPoolExtendDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec
// with the given labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
