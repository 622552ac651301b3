package blobstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// storeMetrics are the store-level counters; allocator fragmentation
// metrics live in the allocator package.
type storeMetrics struct {
	transactions   prometheus.Counter
	journaledBytes prometheus.Counter
	pageFaults     prometheus.Counter
	pageFaultBytes prometheus.Counter
	corruptions    prometheus.Counter
	blobsWritten   prometheus.Counter
	blobsDeleted   prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Subsystem: "journal", Name: "transactions_total",
			Help: "Committed journal transactions.",
		}),
		journaledBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Subsystem: "journal", Name: "bytes_total",
			Help: "Metadata bytes written through the journal.",
		}),
		pageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Subsystem: "pager", Name: "faults_total",
			Help: "Page faults serviced.",
		}),
		pageFaultBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Subsystem: "pager", Name: "fault_bytes_total",
			Help: "Bytes supplied to readers by the pager.",
		}),
		corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Name: "corruptions_total",
			Help: "Blobs found corrupt at read time.",
		}),
		blobsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Name: "blobs_written_total",
			Help: "Blobs committed.",
		}),
		blobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobstore", Name: "blobs_deleted_total",
			Help: "Blobs purged from disk.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transactions, m.journaledBytes, m.pageFaults,
			m.pageFaultBytes, m.corruptions, m.blobsWritten, m.blobsDeleted)
	}
	return m
}
