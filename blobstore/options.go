package blobstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// Writability restricts what a mount may do to persistent storage.
type Writability int

const (
	// ReadOnlyDisk never writes to the device, not even journal replay.
	ReadOnlyDisk Writability = iota
	// ReadOnlyFilesystem replays the journal but rejects client mutation.
	ReadOnlyFilesystem
	// Writable permits all operations.
	Writable
)

// CachePolicy controls what happens to a blob's decompressed pages when
// the last external reference goes away.
type CachePolicy int

const (
	// EvictImmediately drops an inactive blob's pages right away.
	EvictImmediately CachePolicy = iota
	// NeverEvict retains pages until unmount.
	NeverEvict
)

// CompressionSetting selects the write-path compression.
type CompressionSetting int

const (
	// CompressionUncompressed stores every blob raw.
	CompressionUncompressed CompressionSetting = iota
	// CompressionChunked stores blobs in the seekable chunked format when
	// it saves space.
	CompressionChunked
)

// MountOptions are the toggles set when bringing up a store.
type MountOptions struct {
	Writability Writability

	Compression CompressionSetting
	// CompressionLevel is passed through to the codec; 0 is the default.
	CompressionLevel int
	// ChunkedAlgorithm picks the chunk compressor; zero value is zstd.
	ChunkedAlgorithm chunked.Algorithm

	CachePolicy CachePolicy
	// PagerBackedCachePolicy overrides CachePolicy for paged blobs.
	PagerBackedCachePolicy *CachePolicy

	// SandboxDecompressor routes decompression through an external
	// service. Nil uses the in-process decompressor.
	SandboxDecompressor chunked.Decompressor

	// OfflineCompression accepts pre-compressed input blobs.
	OfflineCompression bool

	// PagingThreads is the pager worker pool size; minimum 1.
	PagingThreads int

	Verbose bool

	// Metrics enables collector registration on Registerer.
	Metrics            bool
	Registerer         prometheus.Registerer
	MetricsFlushPeriod time.Duration

	// CacheBlocks is the buffered-I/O read cache capacity; 0 for the
	// default.
	CacheBlocks int

	// FsckAtEndOfEveryTransaction runs an in-memory consistency check
	// after each transaction. Debug aid.
	FsckAtEndOfEveryTransaction bool

	// Logger receives store logging; nil is silent.
	Logger *logrus.Logger
}

func (o *MountOptions) normalize() {
	if o.PagingThreads < 1 {
		o.PagingThreads = 1
	}
	if o.ChunkedAlgorithm == 0 {
		o.ChunkedAlgorithm = chunked.Zstd
	}
	if o.MetricsFlushPeriod <= 0 {
		o.MetricsFlushPeriod = 5 * time.Minute
	}
}

// pagedPolicy resolves the cache policy for pager-backed blobs.
func (o *MountOptions) pagedPolicy() CachePolicy {
	if o.PagerBackedCachePolicy != nil {
		return *o.PagerBackedCachePolicy
	}
	return o.CachePolicy
}

// FormatOptions are the choices fixed at creation time.
type FormatOptions struct {
	// BlobLayout selects the Merkle tree placement; zero value is
	// CompactMerkleTreeAtEnd. PaddedMerkleTreeAtStart is read-only
	// legacy and refused for new instances.
	BlobLayout layout.BlobLayoutFormat

	// NumInodes is the initial inode count, rounded up to fill whole
	// blocks; 0 picks the default.
	NumInodes uint64

	// JournalBlocks sizes the journal region; 0 picks a size scaled to
	// the device, never below the minimum.
	JournalBlocks uint64

	// OldestMinorVersion stamps the superblock; 0 uses the current
	// build's minor version.
	OldestMinorVersion uint32

	// Logger receives format logging; nil is silent.
	Logger *logrus.Logger
}

func nopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func entryFor(l *logrus.Logger, verbose bool) *logrus.Entry {
	if l == nil {
		l = nopLogger()
	} else if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(l)
}
