package metrics

import (
	"fmt"
	"time"
)

// PoolSnapshot is the subset of a pool's state the Collector samples
// on each tick. It is intentionally decoupled from pkg/pool's types so
// this package never has to import the engine (which imports metrics).
type PoolSnapshot struct {
	PoolID       string
	Availability string
	Filesystems  int
	DataTier     int
	CacheTier    int
	UsedSectors  uint64
	FreeSectors  uint64
	MetaLowWater bool
	DataLowWater bool
}

// SnapshotSource supplies the current snapshot of every live pool.
// pkg/pool.Registry implements this.
type SnapshotSource interface {
	Snapshots() []PoolSnapshot
}

// Collector periodically samples a SnapshotSource and updates the
// package-level gauges, the way the teacher's Collector polls its
// manager on a ticker.
type Collector struct {
	source SnapshotSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins the periodic collection loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snaps := c.source.Snapshots()

	availabilityCounts := make(map[string]int)
	tierCounts := map[string]int{"data": 0, "cache": 0}
	fsTotal := 0

	for _, s := range snaps {
		availabilityCounts[s.Availability]++
		tierCounts["data"] += s.DataTier
		tierCounts["cache"] += s.CacheTier
		fsTotal += s.Filesystems

		PoolUsedSectors.WithLabelValues(s.PoolID).Set(float64(s.UsedSectors))
		PoolFreeSectors.WithLabelValues(s.PoolID).Set(float64(s.FreeSectors))
		ThinPoolMetadataLowWater.WithLabelValues(s.PoolID).Set(boolFloat(s.MetaLowWater))
		ThinPoolDataLowWater.WithLabelValues(s.PoolID).Set(boolFloat(s.DataLowWater))

		UpdateComponent(PoolComponentName(s.PoolID), s.Availability != "MaintenanceMode",
			fmt.Sprintf("availability: %s", s.Availability))
	}

	for availability, count := range availabilityCounts {
		PoolsTotal.WithLabelValues(availability).Set(float64(count))
	}
	BlockDevicesTotal.WithLabelValues("data").Set(float64(tierCounts["data"]))
	BlockDevicesTotal.WithLabelValues("cache").Set(float64(tierCounts["cache"]))
	FilesystemsTotal.Set(float64(fsTotal))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
