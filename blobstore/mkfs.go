package blobstore

import (
	"fmt"

	"github.com/diskfs/go-blobstore/backend"
	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/journal"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// Format lays out a fresh instance on an empty device. It refuses devices
// smaller than the minimum viable layout or whose block size does not
// divide the filesystem block size.
func Format(dev backend.Device, opts FormatOptions) error {
	log := entryFor(opts.Logger, false)
	if opts.BlobLayout == 0 {
		opts.BlobLayout = layout.CompactMerkleTreeAtEnd
	}
	if opts.BlobLayout != layout.CompactMerkleTreeAtEnd {
		return fmt.Errorf("%w: new instances must use the %s layout", ErrInvalidArgument, layout.CompactMerkleTreeAtEnd)
	}
	if opts.NumInodes == 0 {
		opts.NumInodes = layout.DefaultInodeCount
	}
	opts.NumInodes = layout.RoundUpInodeCount(opts.NumInodes)
	if opts.OldestMinorVersion == 0 {
		opts.OldestMinorVersion = layout.CurrentMinorVersion
	}

	bc, err := bcache.New(dev, formatCacheBlocks)
	if err != nil {
		return err
	}
	info := bc.Info()
	if info.ReadOnly {
		return fmt.Errorf("%w: cannot format a read-only device", ErrAccessDenied)
	}
	deviceBlocks := bc.Blocks()

	withBackup := info.WithinVolumeManager || deviceBlocks > layout.MinimumBlocks(true)*2
	if deviceBlocks < layout.MinimumBlocks(withBackup) {
		return fmt.Errorf("%w: device of %d blocks is below the minimum %d", ErrInvalidArgument, deviceBlocks, layout.MinimumBlocks(withBackup))
	}

	journalBlocks := opts.JournalBlocks
	if journalBlocks == 0 {
		journalBlocks = deviceBlocks / 64
	}
	if journalBlocks < layout.MinJournalBlocks {
		journalBlocks = layout.MinJournalBlocks
	}

	nodeBlocks := layout.NodeTableBlocks(opts.NumInodes)

	// Fixed overhead: superblock, node table, journal, optional backup.
	overhead := 1 + nodeBlocks + journalBlocks
	if withBackup {
		overhead++
	}
	if deviceBlocks <= overhead+2 {
		return fmt.Errorf("%w: device of %d blocks cannot hold %d inodes and a %d block journal", ErrInvalidArgument, deviceBlocks, opts.NumInodes, journalBlocks)
	}
	// The bitmap size depends on the data size and vice versa; iterate to
	// a fixed point.
	dataBlocks := deviceBlocks - overhead - 1
	for {
		need := overhead + layout.BitmapBlocks(dataBlocks) + dataBlocks
		if need <= deviceBlocks {
			break
		}
		shrink := need - deviceBlocks
		if shrink >= dataBlocks {
			return fmt.Errorf("%w: no room for a data area", ErrInvalidArgument)
		}
		dataBlocks -= shrink
	}

	var flags uint32
	if info.WithinVolumeManager {
		flags |= layout.FlagWithinVolumeManager
	}
	if info.TrimSupport {
		flags |= layout.FlagTrimSupport
	}
	sb := layout.NewSuperblock(dataBlocks, opts.NumInodes, journalBlocks, opts.BlobLayout, flags, opts.OldestMinorVersion)
	if err := sb.Validate(deviceBlocks*layout.FSBlockSize, info.DeviceBlockSize); err != nil {
		return fmt.Errorf("computed layout is invalid: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"data_blocks": dataBlocks,
		"inodes":      opts.NumInodes,
		"journal":     journalBlocks,
		"backup":      withBackup,
	}).Info("formatting device")

	// Zero the bitmap and node table.
	zero := make([]byte, layout.FSBlockSize)
	var writes []bcache.BlockWrite
	for b := uint64(layout.BlockBitmapStartBlock); b < sb.JournalStartBlock(); b++ {
		writes = append(writes, bcache.BlockWrite{Block: b, Data: zero})
	}
	if err := bc.WriteBlocks(writes); err != nil {
		return fmt.Errorf("%w: zeroing metadata regions: %v", ErrIO, err)
	}
	if err := journal.FormatRegion(bc, sb.JournalStartBlock(), journalBlocks); err != nil {
		return fmt.Errorf("%w: initializing journal: %v", ErrIO, err)
	}
	if err := bc.WriteBlocks([]bcache.BlockWrite{{Block: layout.SuperblockBlock, Data: sb.ToBytes()}}); err != nil {
		return fmt.Errorf("%w: writing superblock: %v", ErrIO, err)
	}
	if withBackup {
		if err := bc.WriteBlocks([]bcache.BlockWrite{{Block: layout.BackupSuperblockBlock(deviceBlocks), Data: sb.ToBytes()}}); err != nil {
			return fmt.Errorf("%w: writing backup superblock: %v", ErrIO, err)
		}
	}
	if err := bc.Flush(); err != nil {
		return fmt.Errorf("%w: flushing format: %v", ErrIO, err)
	}
	return nil
}

// formatCacheBlocks keeps the formatter's read cache tiny; it only ever
// writes.
const formatCacheBlocks = 8
