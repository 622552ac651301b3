package allocator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// Metrics exposes fragmentation counters. Histograms are re-observed on
// every sample; scrapers read the latest distribution.
type Metrics struct {
	TotalNodes      prometheus.Gauge
	InodesInUse     prometheus.Gauge
	ContainersInUse prometheus.Gauge
	ExtentsPerBlob  prometheus.Histogram
	InUseFragments  prometheus.Histogram
	FreeFragments   prometheus.Histogram
}

// NewMetrics builds the collectors and registers them when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TotalNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "nodes_total",
			Help: "Size of the node table.",
		}),
		InodesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "inodes_in_use",
			Help: "Allocated blob head nodes.",
		}),
		ContainersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "extent_containers_in_use",
			Help: "Allocated extent container nodes.",
		}),
		ExtentsPerBlob: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "extents_per_blob",
			Help:    "Extent count per allocated blob.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		InUseFragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "in_use_fragment_blocks",
			Help:    "Length in blocks of allocated fragments.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FreeFragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blobstore", Subsystem: "allocator", Name: "free_fragment_blocks",
			Help:    "Length in blocks of free fragments.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TotalNodes, m.InodesInUse, m.ContainersInUse,
			m.ExtentsPerBlob, m.InUseFragments, m.FreeFragments)
	}
	return m
}

// FragmentationStats is one sample of the allocator's shape.
type FragmentationStats struct {
	TotalNodes      uint64
	InodesInUse     uint64
	ContainersInUse uint64
	// ExtentsPerBlob maps extent count to number of blobs with that count.
	ExtentsPerBlob map[uint32]uint64
	// FreeFragments maps fragment length in blocks to occurrence count.
	FreeFragments map[int]uint64
	// InUseFragments maps fragment length in blocks to occurrence count.
	InUseFragments map[int]uint64
}

// SampleFragmentation walks the node table and bitmaps and returns the
// current stats, publishing them to the metrics collectors if configured.
func (a *Allocator) SampleFragmentation() FragmentationStats {
	stats := FragmentationStats{
		ExtentsPerBlob: make(map[uint32]uint64),
		FreeFragments:  make(map[int]uint64),
		InUseFragments: make(map[int]uint64),
	}
	a.tableMu.RLock()
	stats.TotalNodes = a.nodeCount
	for i := uint64(0); i < a.nodeCount; i++ {
		hdr := layout.HeaderFromBytes(a.nodeRecord(i))
		if !hdr.Allocated() {
			continue
		}
		if hdr.IsExtentContainer() {
			stats.ContainersInUse++
			continue
		}
		stats.InodesInUse++
		if ino, err := layout.InodeFromBytes(a.nodeRecord(i)); err == nil {
			stats.ExtentsPerBlob[ino.ExtentCount]++
		}
	}
	a.tableMu.RUnlock()

	for _, c := range a.FreeFragments() {
		stats.FreeFragments[c.Count]++
	}
	for _, c := range a.InUseFragments() {
		stats.InUseFragments[c.Count]++
	}

	if a.metrics != nil {
		a.metrics.TotalNodes.Set(float64(stats.TotalNodes))
		a.metrics.InodesInUse.Set(float64(stats.InodesInUse))
		a.metrics.ContainersInUse.Set(float64(stats.ContainersInUse))
		for count, n := range stats.ExtentsPerBlob {
			for i := uint64(0); i < n; i++ {
				a.metrics.ExtentsPerBlob.Observe(float64(count))
			}
		}
		for length, n := range stats.FreeFragments {
			for i := uint64(0); i < n; i++ {
				a.metrics.FreeFragments.Observe(float64(length))
			}
		}
		for length, n := range stats.InUseFragments {
			for i := uint64(0); i < n; i++ {
				a.metrics.InUseFragments.Observe(float64(length))
			}
		}
	}
	return stats
}
