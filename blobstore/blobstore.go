// Package blobstore implements a content-addressed, write-once blob store
// on a block device. Blobs are named by the root digest of their Merkle
// tree; once committed they are immutable and every read is verified
// against the digest.
package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-blobstore/backend"
	"github.com/diskfs/go-blobstore/blobstore/allocator"
	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/journal"
	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// CorruptionKind classifies an integrity failure.
type CorruptionKind int

const (
	CorruptionMerkle CorruptionKind = iota
	CorruptionNodeLinkage
)

func (k CorruptionKind) String() string {
	switch k {
	case CorruptionMerkle:
		return "merkle-mismatch"
	case CorruptionNodeLinkage:
		return "bad-node-linkage"
	default:
		return "unknown"
	}
}

// CorruptionHandler receives a notification whenever a blob transitions to
// Errored because of an integrity failure at read time.
type CorruptionHandler func(digest merkle.Digest, kind CorruptionKind)

// FileSystem is a mounted store.
type FileSystem struct {
	dev backend.Device
	bc  *bcache.Cache

	opts MountOptions
	log  *logrus.Entry

	jnl    *journal.Journal
	alloc  *allocator.Allocator
	cache  *blobCache
	pager  *pager
	decomp chunked.Decompressor

	metrics      *storeMetrics
	allocMetrics *allocator.Metrics

	deviceBlocks uint64
	backupOnDisk bool

	mu           sync.Mutex
	sb           *layout.Superblock
	dirty        bool // clean flag cleared on disk
	closed       bool
	diskReadOnly bool
	fsReadOnly   bool

	corruptionMu sync.Mutex
	corruptionCb CorruptionHandler

	// fsckMu is held shared by every transaction and exclusively by the
	// end-of-transaction checker. Debug aid.
	fsckMu sync.RWMutex

	samplerStop chan struct{}
	samplerDone chan struct{}
}

// Mount parses the on-disk format on dev and brings up the store.
func Mount(dev backend.Device, opts MountOptions) (*FileSystem, error) {
	opts.normalize()
	log := entryFor(opts.Logger, opts.Verbose)

	bc, err := bcache.New(dev, opts.CacheBlocks)
	if err != nil {
		return nil, err
	}
	info := bc.Info()
	if opts.Writability == Writable && info.ReadOnly {
		return nil, fmt.Errorf("%w: writable mount of a read-only device", ErrAccessDenied)
	}

	fs := &FileSystem{
		dev:          dev,
		bc:           bc,
		opts:         opts,
		log:          log,
		deviceBlocks: bc.Blocks(),
		diskReadOnly: opts.Writability == ReadOnlyDisk || info.ReadOnly,
		fsReadOnly:   opts.Writability != Writable,
	}

	fs.decomp = opts.SandboxDecompressor
	if fs.decomp == nil {
		fs.decomp, err = chunked.NewLocalDecompressor()
		if err != nil {
			return nil, err
		}
	}

	var reg = opts.Registerer
	if !opts.Metrics {
		reg = nil
	}
	fs.metrics = newStoreMetrics(reg)
	fs.allocMetrics = allocator.NewMetrics(reg)

	sb, fromBackup, err := fs.readSuperblocks(info)
	if err != nil {
		return nil, err
	}
	fs.sb = sb
	if fromBackup {
		log.Warn("primary superblock is invalid, mounted from the backup")
	}
	if sb.MinorVersion > layout.CurrentMinorVersion && sb.OldestMinorVersion > layout.CurrentMinorVersion {
		return nil, fmt.Errorf("%w: on-disk minor version %d is newer than this build", ErrUnsupported, sb.OldestMinorVersion)
	}
	if !sb.Clean() {
		log.Info("unclean shutdown detected")
	}

	var ringSeq, ringHead uint64 = 1, 0
	if !fs.diskReadOnly {
		res, err := journal.Replay(bc, sb.JournalStartBlock(), sb.JournalBlockCount, log)
		if err != nil {
			return nil, fmt.Errorf("%w: journal replay: %v", ErrIO, err)
		}
		ringSeq, ringHead = res.NextSequence, res.Head
		if res.Entries > 0 {
			// replay may have rewritten the superblock
			sb, _, err = fs.readSuperblocks(info)
			if err != nil {
				return nil, err
			}
			fs.sb = sb
		}
	}

	// Stamp this build's minor version; the oldest-minor watermark only
	// ever moves down. Reaches the disk with the first transaction.
	if opts.Writability == Writable {
		sb.MinorVersion = layout.CurrentMinorVersion
		if sb.OldestMinorVersion > layout.CurrentMinorVersion {
			sb.OldestMinorVersion = layout.CurrentMinorVersion
		}
	}

	if err := fs.loadAllocator(); err != nil {
		return nil, err
	}

	if !fs.fsReadOnly {
		fs.jnl, err = journal.New(bc, journal.Options{
			StartBlock:   sb.JournalStartBlock(),
			Blocks:       sb.JournalBlockCount,
			NextSequence: ringSeq,
			Head:         ringHead,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
	}

	fs.cache = newBlobCache()
	fs.pager = newPager(fs, opts.PagingThreads)

	if err := fs.validateNodeGraph(); err != nil {
		fs.pager.stop()
		if fs.jnl != nil {
			_ = fs.jnl.Close()
		}
		return nil, err
	}

	if opts.Metrics {
		fs.samplerStop = make(chan struct{})
		fs.samplerDone = make(chan struct{})
		go fs.sampleLoop()
	}

	log.WithFields(map[string]interface{}{
		"blocks": sb.BlockCount,
		"inodes": sb.InodeCount,
		"layout": sb.BlobLayout.String(),
		"clean":  sb.Clean(),
	}).Info("mounted")
	return fs, nil
}

// readSuperblocks parses the primary superblock and, when it is invalid,
// falls back to a consistent backup.
func (fs *FileSystem) readSuperblocks(info backend.Info) (*layout.Superblock, bool, error) {
	deviceSize := fs.deviceBlocks * layout.FSBlockSize
	buf := make([]byte, layout.FSBlockSize)
	var primary *layout.Superblock
	var primaryErr error
	if err := fs.bc.ReadBlock(layout.SuperblockBlock, buf); err != nil {
		primaryErr = err
	} else if sb, err := layout.SuperblockFromBytes(buf); err != nil {
		primaryErr = err
	} else if err := sb.Validate(deviceSize, info.DeviceBlockSize); err != nil {
		primaryErr = err
	} else {
		primary = sb
	}

	var backup *layout.Superblock
	if fs.deviceBlocks > 0 {
		if err := fs.bc.ReadBlock(layout.BackupSuperblockBlock(fs.deviceBlocks), buf); err == nil {
			if sb, err := layout.SuperblockFromBytes(buf); err == nil {
				if sb.Validate(deviceSize, info.DeviceBlockSize) == nil {
					backup = sb
				}
			}
		}
	}
	fs.backupOnDisk = backup != nil

	switch {
	case primary != nil:
		return primary, false, nil
	case backup != nil:
		return backup, true, nil
	default:
		return nil, false, fmt.Errorf("%w: no valid superblock: %v", ErrIO, primaryErr)
	}
}

// loadAllocator reads the block bitmap and node table into memory.
func (fs *FileSystem) loadAllocator() error {
	sb := fs.sb
	bitmapRaw := make([]byte, sb.BlockBitmapBlocks()*layout.FSBlockSize)
	if err := fs.bc.ReadBlocks(layout.BlockBitmapStartBlock, sb.BlockBitmapBlocks(), bitmapRaw); err != nil {
		return fmt.Errorf("%w: reading block bitmap: %v", ErrIO, err)
	}
	bitmapBits := bitmapRaw[:(sb.BlockCount+7)/8]

	nodeTable := make([]byte, sb.NodeTableBlocks()*layout.FSBlockSize)
	if err := fs.bc.ReadBlocks(sb.NodeTableStartBlock(), sb.NodeTableBlocks(), nodeTable); err != nil {
		return fmt.Errorf("%w: reading node table: %v", ErrIO, err)
	}
	nodeTable = nodeTable[:sb.InodeCount*layout.NodeSize]

	var space allocator.SpaceManager
	if fs.sb.Flags&layout.FlagWithinVolumeManager != 0 && !fs.fsReadOnly {
		if _, ok := fs.dev.(backend.VolumeManager); ok {
			space = (*fsSpace)(fs)
		}
	}
	var err error
	fs.alloc, err = allocator.New(sb.DataStartBlock(), sb.BlockCount, bitmapBits, nodeTable, space, fs.allocMetrics)
	return err
}

// validateNodeGraph walks every allocated inode at mount time; blobs with
// broken chains are excluded from the readable set.
func (fs *FileSystem) validateNodeGraph() error {
	count := fs.alloc.NodeCount()
	for i := uint64(0); i < count; i++ {
		hdr, err := fs.alloc.GetHeader(uint32(i))
		if err != nil {
			return err
		}
		if !hdr.Allocated() || hdr.IsExtentContainer() {
			continue
		}
		ino, err := fs.alloc.GetInode(uint32(i))
		if err != nil {
			return err
		}
		if _, err := walkExtents(fs.alloc, uint32(i), ino); err != nil {
			fs.log.WithError(err).WithField("node", i).Error("blob excluded: invalid extent chain")
			fs.cache.markErrored(merkle.Digest(ino.Digest))
			fs.notifyCorruption(merkle.Digest(ino.Digest), CorruptionNodeLinkage)
			continue
		}
		fs.cache.setNode(merkle.Digest(ino.Digest), uint32(i))
	}
	return nil
}

// SetCorruptBlobHandler registers the corruption notifier. Only one
// handler is kept; passing nil clears it.
func (fs *FileSystem) SetCorruptBlobHandler(h CorruptionHandler) {
	fs.corruptionMu.Lock()
	defer fs.corruptionMu.Unlock()
	fs.corruptionCb = h
}

func (fs *FileSystem) notifyCorruption(digest merkle.Digest, kind CorruptionKind) {
	fs.metrics.corruptions.Inc()
	fs.log.WithFields(map[string]interface{}{
		"digest": hex.EncodeToString(digest[:]),
		"kind":   kind.String(),
	}).Error("blob corrupted")
	fs.corruptionMu.Lock()
	h := fs.corruptionCb
	fs.corruptionMu.Unlock()
	if h != nil {
		h(digest, kind)
	}
}

// writableCheck gates every mutating operation.
func (fs *FileSystem) writableCheck() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return fmt.Errorf("%w: store is shut down", ErrBadState)
	}
	if fs.fsReadOnly {
		return fmt.Errorf("%w: read-only mount", ErrAccessDenied)
	}
	if fs.jnl != nil && fs.jnl.Failed() {
		return fmt.Errorf("%w: store is fail-stop after a journal error", ErrIO)
	}
	return nil
}

// superblockWrite renders the current superblock for inclusion in a
// transaction. The clean flag is cleared: any journaled transaction means
// the store is no longer clean until the next orderly shutdown.
func (fs *FileSystem) superblockWrite() bcache.BlockWrite {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sb.SetClean(false)
	fs.dirty = true
	fs.sb.AllocatedBlockCount = fs.alloc.AllocatedBlockCount()
	fs.sb.AllocatedInodeCount = fs.alloc.AllocatedInodeCount()
	return bcache.BlockWrite{Block: layout.SuperblockBlock, Data: fs.sb.ToBytes()}
}

// commitTxn submits a transaction and waits for it to complete.
func (fs *FileSystem) commitTxn(txn *journal.Transaction) error {
	if fs.jnl == nil {
		return fmt.Errorf("%w: read-only mount", ErrAccessDenied)
	}
	fs.fsckMu.RLock()
	err := fs.jnl.SubmitAndWait(txn)
	fs.fsckMu.RUnlock()
	if err != nil {
		if errors.Is(err, journal.ErrFailed) {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return err
	}
	fs.metrics.transactions.Inc()
	fs.metrics.journaledBytes.Add(float64(len(txn.Writes) * layout.FSBlockSize))
	if fs.opts.FsckAtEndOfEveryTransaction {
		fs.fsckMu.Lock()
		cerr := fs.checkInMemoryConsistency()
		fs.fsckMu.Unlock()
		if cerr != nil {
			fs.log.WithError(cerr).Error("end-of-transaction consistency check failed")
			return cerr
		}
	}
	return nil
}

// checkInMemoryConsistency cross-checks the allocator against the
// superblock counters.
func (fs *FileSystem) checkInMemoryConsistency() error {
	fs.mu.Lock()
	sb := fs.sb
	wantBlocks := sb.AllocatedBlockCount
	wantInodes := sb.AllocatedInodeCount
	fs.mu.Unlock()
	if got := fs.alloc.AllocatedBlockCount(); got != wantBlocks {
		return fmt.Errorf("%w: allocator has %d blocks allocated, superblock says %d", ErrIntegrity, got, wantBlocks)
	}
	if got := fs.alloc.AllocatedInodeCount(); got != wantInodes {
		return fmt.Errorf("%w: allocator has %d inodes allocated, superblock says %d", ErrIntegrity, got, wantInodes)
	}
	return nil
}

// Sync blocks until every transaction submitted before the call is
// durable.
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	closed := fs.closed
	jnl := fs.jnl
	fs.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: store is shut down", ErrBadState)
	}
	if jnl == nil {
		return nil
	}
	if err := jnl.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Shutdown drains the journal, retires the pager after in-flight faults
// complete, tears down the cache, and on a writable mount stamps the
// superblock clean.
func (fs *FileSystem) Shutdown() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()

	if fs.samplerStop != nil {
		close(fs.samplerStop)
		<-fs.samplerDone
	}
	fs.pager.stop()
	fs.cache.purge()

	var firstErr error
	if fs.jnl != nil {
		if err := fs.jnl.Close(); err != nil {
			firstErr = fmt.Errorf("%w: draining journal: %v", ErrIO, err)
		}
	}
	if !fs.fsReadOnly && firstErr == nil {
		fs.mu.Lock()
		fs.sb.SetClean(true)
		fs.sb.AllocatedBlockCount = fs.alloc.AllocatedBlockCount()
		fs.sb.AllocatedInodeCount = fs.alloc.AllocatedInodeCount()
		sbBytes := fs.sb.ToBytes()
		fs.dirty = false
		fs.mu.Unlock()
		writes := []bcache.BlockWrite{{Block: layout.SuperblockBlock, Data: sbBytes}}
		if fs.backupOnDisk {
			writes = append(writes, bcache.BlockWrite{Block: layout.BackupSuperblockBlock(fs.deviceBlocks), Data: sbBytes})
		}
		if err := fs.bc.WriteBlocks(writes); err != nil {
			firstErr = fmt.Errorf("%w: writing clean superblock: %v", ErrIO, err)
		} else if err := fs.bc.Flush(); err != nil {
			firstErr = fmt.Errorf("%w: flushing clean superblock: %v", ErrIO, err)
		}
	}
	fs.log.Info("unmounted")
	return firstErr
}

// FilesystemInfo is the admin query result.
type FilesystemInfo struct {
	BlockSize           uint32
	TotalBlocks         uint64
	AllocatedBlocks     uint64
	TotalInodes         uint64
	AllocatedInodes     uint64
	BlobLayout          layout.BlobLayoutFormat
	Clean               bool
	InstanceID          string
	OldestMinorVersion  uint32
}

// Info reports the store's shape and usage.
func (fs *FileSystem) Info() FilesystemInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return FilesystemInfo{
		BlockSize:          fs.sb.BlockSize,
		TotalBlocks:        fs.sb.BlockCount,
		AllocatedBlocks:    fs.alloc.AllocatedBlockCount(),
		TotalInodes:        fs.sb.InodeCount,
		AllocatedInodes:    fs.alloc.AllocatedInodeCount(),
		BlobLayout:         fs.sb.BlobLayout,
		Clean:              fs.sb.Clean() && !fs.dirty,
		InstanceID:         fs.sb.InstanceID.String(),
		OldestMinorVersion: fs.sb.OldestMinorVersion,
	}
}

// sampleLoop periodically publishes fragmentation stats.
func (fs *FileSystem) sampleLoop() {
	defer close(fs.samplerDone)
	t := time.NewTicker(fs.opts.MetricsFlushPeriod)
	defer t.Stop()
	for {
		select {
		case <-fs.samplerStop:
			return
		case <-t.C:
			fs.alloc.SampleFragmentation()
		}
	}
}

// fsSpace adapts the store to the allocator's SpaceManager when the
// device lives inside a growable volume manager.
type fsSpace FileSystem

// AddDataBlocks extends the device and the data area. The bitmap region
// is fixed at format time, so growth is bounded by its bit capacity.
func (s *fsSpace) AddDataBlocks(nblocks uint64) (uint64, error) {
	fs := (*FileSystem)(s)
	vm, ok := fs.dev.(backend.VolumeManager)
	if !ok {
		return 0, fmt.Errorf("%w: device cannot grow", ErrNoSpace)
	}
	fs.mu.Lock()
	sb := fs.sb
	capacity := sb.BlockBitmapBlocks() * layout.FSBlockSize * 8
	current := sb.BlockCount
	fs.mu.Unlock()
	if current+nblocks > capacity {
		return 0, fmt.Errorf("%w: bitmap capacity %d blocks reached", ErrNoSpace, capacity)
	}
	if err := vm.Extend(nblocks * layout.FSBlockSize); err != nil {
		return 0, fmt.Errorf("%w: volume manager extend: %v", ErrNoSpace, err)
	}
	if err := fs.bc.Resize(); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	fs.deviceBlocks = fs.bc.Blocks()
	fs.sb.BlockCount = current + nblocks
	newCount := fs.sb.BlockCount
	fs.mu.Unlock()
	fs.log.WithField("blocks", newCount).Info("data area grown")
	return newCount, nil
}

// AddNodes is refused: the node table sits between fixed regions and
// cannot be grown in place on this layout.
func (s *fsSpace) AddNodes() (uint64, error) {
	return 0, fmt.Errorf("%w: node table growth requires reformat", ErrNoSpace)
}
