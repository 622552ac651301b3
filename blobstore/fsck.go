package blobstore

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-blobstore/backend"
	"github.com/diskfs/go-blobstore/blobstore/allocator"
	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
	"github.com/diskfs/go-blobstore/util/bitmap"
)

// CheckOptions configure the consistency checker.
type CheckOptions struct {
	// Strict fails on any anomaly; lenient mode fails only on
	// integrity-critical findings and reports the rest as warnings.
	Strict bool
	// SkipMerkle skips re-hashing blob payloads; structural checks only.
	SkipMerkle bool
	Logger     *logrus.Logger
}

// CheckReport is the checker's structured result.
type CheckReport struct {
	Pass     bool
	Errors   []string
	Warnings []string

	BlobsChecked  int
	BytesVerified uint64
}

func (r *CheckReport) errf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *CheckReport) warnf(strict bool, format string, args ...interface{}) {
	if strict {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	} else {
		r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	}
}

// Check validates a dismounted instance: superblock, bitmaps, node graph,
// counters, and each blob's Merkle tree. The device is only read.
func Check(dev backend.Device, opts CheckOptions) (*CheckReport, error) {
	log := entryFor(opts.Logger, false)
	report := &CheckReport{}

	bc, err := bcache.New(dev, 0)
	if err != nil {
		return nil, err
	}
	info := bc.Info()
	deviceBlocks := bc.Blocks()
	deviceSize := deviceBlocks * layout.FSBlockSize

	// Superblock: primary, falling back to the backup; when both parse
	// they must agree on geometry.
	buf := make([]byte, layout.FSBlockSize)
	var primary, backup *layout.Superblock
	if err := bc.ReadBlock(layout.SuperblockBlock, buf); err != nil {
		return nil, fmt.Errorf("%w: reading superblock: %v", ErrIO, err)
	}
	primary, perr := layout.SuperblockFromBytes(buf)
	if perr == nil {
		perr = primary.Validate(deviceSize, info.DeviceBlockSize)
	}
	if perr != nil {
		primary = nil
	}
	if err := bc.ReadBlock(layout.BackupSuperblockBlock(deviceBlocks), buf); err == nil {
		if b, err := layout.SuperblockFromBytes(buf); err == nil {
			if b.Validate(deviceSize, info.DeviceBlockSize) == nil {
				backup = b
			}
		}
	}
	var sb *layout.Superblock
	switch {
	case primary != nil:
		sb = primary
		if backup != nil && !primary.Equal(backup) {
			report.warnf(opts.Strict, "primary and backup superblocks disagree on geometry")
		}
	case backup != nil:
		sb = backup
		report.warnf(opts.Strict, "primary superblock invalid, using the backup: %v", perr)
	default:
		report.errf("no valid superblock: %v", perr)
		report.Pass = false
		return report, nil
	}

	// Bitmap and node table.
	bitmapRaw := make([]byte, sb.BlockBitmapBlocks()*layout.FSBlockSize)
	if err := bc.ReadBlocks(layout.BlockBitmapStartBlock, sb.BlockBitmapBlocks(), bitmapRaw); err != nil {
		return nil, fmt.Errorf("%w: reading block bitmap: %v", ErrIO, err)
	}
	diskBitmap := bitmap.FromBytes(bitmapRaw[:(sb.BlockCount+7)/8])

	nodeTable := make([]byte, sb.NodeTableBlocks()*layout.FSBlockSize)
	if err := bc.ReadBlocks(sb.NodeTableStartBlock(), sb.NodeTableBlocks(), nodeTable); err != nil {
		return nil, fmt.Errorf("%w: reading node table: %v", ErrIO, err)
	}
	nodeTable = nodeTable[:sb.InodeCount*layout.NodeSize]

	alloc, err := allocator.New(sb.DataStartBlock(), sb.BlockCount, diskBitmap.ToBytes(), nodeTable, nil, nil)
	if err != nil {
		return nil, err
	}

	checkNodeRecords(report, opts.Strict, nodeTable, sb.InodeCount)

	// Walk every allocated inode and cross-check the extent graph against
	// the bitmap.
	covered := bitmap.NewBits(int(sb.BlockCount))
	var blobBlocks, inodeCount uint64
	dataStart := sb.DataStartBlock()
	dataEnd := dataStart + sb.BlockCount

	decomp, err := chunked.NewLocalDecompressor()
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < sb.InodeCount; i++ {
		hdr := layout.HeaderFromBytes(nodeTable[i*layout.NodeSize:])
		if !hdr.Allocated() || hdr.IsExtentContainer() {
			continue
		}
		inodeCount++
		ino, err := alloc.GetInode(uint32(i))
		if err != nil {
			report.errf("inode %d: %v", i, err)
			continue
		}
		extents, err := walkExtents(alloc, uint32(i), ino)
		if err != nil {
			report.errf("inode %d: %v", i, err)
			continue
		}
		total := extentBlocks(extents)
		if total != uint64(ino.BlockCount) {
			report.errf("inode %d: extents cover %d blocks, inode says %d", i, total, ino.BlockCount)
		}
		if total*layout.FSBlockSize < ino.StoredSize {
			report.errf("inode %d: %d blocks cannot hold %d stored bytes", i, total, ino.StoredSize)
			continue
		}
		overlap := false
		for _, e := range extents {
			if e.Start < dataStart || e.End() > dataEnd {
				report.errf("inode %d: extent %d+%d leaves the data area", i, e.Start, e.Length)
				overlap = true
				continue
			}
			for b := e.Start; b < e.End(); b++ {
				rel := int(b - dataStart)
				if set, _ := covered.IsSet(rel); set {
					report.errf("inode %d: block %d belongs to more than one blob", i, b)
					overlap = true
				}
				_ = covered.Set(rel)
				if set, _ := diskBitmap.IsSet(rel); !set {
					report.errf("inode %d: block %d is not marked allocated", i, b)
				}
			}
		}
		blobBlocks += total
		if overlap {
			continue
		}
		if !opts.SkipMerkle {
			verified, err := checkBlobPayload(bc, sb, ino, extents, decomp)
			if err != nil {
				report.errf("inode %d (%s): %v", i, DigestName(merkle.Digest(ino.Digest)), err)
			} else {
				report.BytesVerified += verified
			}
			report.BlobsChecked++
		}
	}

	// Counters and bitmap agreement.
	popcount := uint64(diskBitmap.Popcount())
	if popcount != blobBlocks {
		report.errf("bitmap has %d blocks set, blobs cover %d", popcount, blobBlocks)
	}
	if sb.AllocatedBlockCount != popcount {
		report.errf("superblock says %d allocated blocks, bitmap has %d", sb.AllocatedBlockCount, popcount)
	}
	if sb.AllocatedInodeCount != inodeCount {
		report.errf("superblock says %d allocated inodes, node table has %d", sb.AllocatedInodeCount, inodeCount)
	}

	report.Pass = len(report.Errors) == 0
	log.WithFields(map[string]interface{}{
		"pass":     report.Pass,
		"errors":   len(report.Errors),
		"warnings": len(report.Warnings),
		"blobs":    report.BlobsChecked,
	}).Info("consistency check finished")
	return report, nil
}

// checkNodeRecords flags unexpected flag bits, version mismatches, and
// non-zero unallocated records. Soft findings in lenient mode.
func checkNodeRecords(report *CheckReport, strict bool, nodeTable []byte, count uint64) {
	known := layout.NodeFlagAllocated | layout.NodeFlagExtentContainer |
		layout.NodeFlagChunkedZstd | layout.NodeFlagChunkedLZ4
	for i := uint64(0); i < count; i++ {
		rec := nodeTable[i*layout.NodeSize : (i+1)*layout.NodeSize]
		hdr := layout.HeaderFromBytes(rec)
		if !hdr.Allocated() {
			for _, b := range rec {
				if b != 0 {
					report.warnf(strict, "unallocated node %d is not zeroed", i)
					break
				}
			}
			continue
		}
		if hdr.Flags&^known != 0 {
			report.warnf(strict, "node %d carries unexpected flag bits %#x", i, hdr.Flags&^known)
		}
		if hdr.Version != layout.NodeVersion {
			report.warnf(strict, "node %d has version %d, want %d", i, hdr.Version, layout.NodeVersion)
		}
	}
}

// checkBlobPayload re-reads a blob, decompresses it if needed, recomputes
// the Merkle root and compares it to the inode digest.
func checkBlobPayload(bc *bcache.Cache, sb *layout.Superblock, ino *layout.Inode, extents []layout.Extent, decomp chunked.Decompressor) (uint64, error) {
	geo, err := geometryOf(sb.BlobLayout, ino.UncompressedSize, ino.StoredSize)
	if err != nil {
		return 0, err
	}
	sr := &storedReader{bc: bc, extents: extents, size: ino.StoredSize}
	alg, err := ino.Header.Compression()
	if err != nil {
		return 0, err
	}
	var data []byte
	if alg == layout.CompressionNone {
		data = make([]byte, ino.UncompressedSize)
		if len(data) > 0 {
			if _, err := sr.ReadAt(data, int64(geo.dataOff)); err != nil {
				return 0, fmt.Errorf("reading payload: %w", err)
			}
		}
	} else {
		region := make([]byte, geo.dataLen)
		if _, err := sr.ReadAt(region, int64(geo.dataOff)); err != nil {
			return 0, fmt.Errorf("reading compressed payload: %w", err)
		}
		idx, err := chunked.ParseIndex(bytesReaderAt(region), int64(len(region)))
		if err != nil {
			return 0, fmt.Errorf("parsing archive: %w", err)
		}
		if idx.UncompressedSize != ino.UncompressedSize {
			return 0, fmt.Errorf("archive holds %d bytes, inode says %d", idx.UncompressedSize, ino.UncompressedSize)
		}
		data = make([]byte, 0, idx.UncompressedSize)
		for i := range idx.Entries {
			e := idx.Entries[i]
			chunk, err := decomp.Decompress(idx.Algorithm, region[e.CompressedOffset:e.CompressedOffset+e.CompressedLength], idx.UncompressedChunkLen(i))
			if err != nil {
				return 0, fmt.Errorf("chunk %d: %w", i, err)
			}
			data = append(data, chunk...)
		}
	}
	if root := merkle.Root(data); root != merkle.Digest(ino.Digest) {
		return 0, fmt.Errorf("%w: recomputed root does not match the inode digest", ErrIntegrity)
	}
	return uint64(len(data)), nil
}
