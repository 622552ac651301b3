package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Superblock is the first filesystem block of an instance. It carries the
// format identity, the region sizes, and the allocation counters.
type Superblock struct {
	Magic0             uint64
	Magic1             uint64
	FormatVersion      uint32
	MinorVersion       uint32
	OldestMinorVersion uint32
	Flags              uint32
	BlockSize          uint32
	BlobLayout         BlobLayoutFormat

	// BlockCount is the number of data blocks.
	BlockCount uint64
	// InodeCount is the number of node table entries.
	InodeCount uint64
	// JournalBlockCount is the size of the journal region, anchors
	// included.
	JournalBlockCount uint64

	AllocatedBlockCount uint64
	AllocatedInodeCount uint64

	// InstanceID is a random identity stamped at format time.
	InstanceID uuid.UUID
}

// superblock field offsets within the block
const (
	sbOffMagic0        = 0
	sbOffMagic1        = 8
	sbOffFormatVersion = 16
	sbOffMinor         = 20
	sbOffOldestMinor   = 24
	sbOffFlags         = 28
	sbOffBlockSize     = 32
	sbOffBlobLayout    = 36
	sbOffBlockCount    = 40
	sbOffInodeCount    = 48
	sbOffJournalCount  = 56
	sbOffAllocBlocks   = 64
	sbOffAllocInodes   = 72
	sbOffInstanceID    = 80
	sbEnd              = 96
)

// NewSuperblock builds a clean superblock for a fresh instance.
func NewSuperblock(dataBlocks, inodeCount, journalBlocks uint64, blobLayout BlobLayoutFormat, flags uint32, oldestMinor uint32) *Superblock {
	return &Superblock{
		Magic0:             Magic0,
		Magic1:             Magic1,
		FormatVersion:      FormatVersion,
		MinorVersion:       CurrentMinorVersion,
		OldestMinorVersion: oldestMinor,
		Flags:              flags | FlagClean,
		BlockSize:          FSBlockSize,
		BlobLayout:         blobLayout,
		BlockCount:         dataBlocks,
		InodeCount:         inodeCount,
		JournalBlockCount:  journalBlocks,
		InstanceID:         uuid.New(),
	}
}

// ToBytes serializes the superblock into a whole filesystem block.
func (sb *Superblock) ToBytes() []byte {
	b := make([]byte, FSBlockSize)
	binary.LittleEndian.PutUint64(b[sbOffMagic0:], sb.Magic0)
	binary.LittleEndian.PutUint64(b[sbOffMagic1:], sb.Magic1)
	binary.LittleEndian.PutUint32(b[sbOffFormatVersion:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(b[sbOffMinor:], sb.MinorVersion)
	binary.LittleEndian.PutUint32(b[sbOffOldestMinor:], sb.OldestMinorVersion)
	binary.LittleEndian.PutUint32(b[sbOffFlags:], sb.Flags)
	binary.LittleEndian.PutUint32(b[sbOffBlockSize:], sb.BlockSize)
	binary.LittleEndian.PutUint32(b[sbOffBlobLayout:], uint32(sb.BlobLayout))
	binary.LittleEndian.PutUint64(b[sbOffBlockCount:], sb.BlockCount)
	binary.LittleEndian.PutUint64(b[sbOffInodeCount:], sb.InodeCount)
	binary.LittleEndian.PutUint64(b[sbOffJournalCount:], sb.JournalBlockCount)
	binary.LittleEndian.PutUint64(b[sbOffAllocBlocks:], sb.AllocatedBlockCount)
	binary.LittleEndian.PutUint64(b[sbOffAllocInodes:], sb.AllocatedInodeCount)
	copy(b[sbOffInstanceID:], sb.InstanceID[:])
	return b
}

// SuperblockFromBytes parses a superblock from a filesystem block. It does
// not validate; call Validate with the device geometry.
func SuperblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) < sbEnd {
		return nil, fmt.Errorf("superblock buffer too small: %d bytes", len(b))
	}
	sb := &Superblock{
		Magic0:             binary.LittleEndian.Uint64(b[sbOffMagic0:]),
		Magic1:             binary.LittleEndian.Uint64(b[sbOffMagic1:]),
		FormatVersion:      binary.LittleEndian.Uint32(b[sbOffFormatVersion:]),
		MinorVersion:       binary.LittleEndian.Uint32(b[sbOffMinor:]),
		OldestMinorVersion: binary.LittleEndian.Uint32(b[sbOffOldestMinor:]),
		Flags:              binary.LittleEndian.Uint32(b[sbOffFlags:]),
		BlockSize:          binary.LittleEndian.Uint32(b[sbOffBlockSize:]),
		BlobLayout:         BlobLayoutFormat(binary.LittleEndian.Uint32(b[sbOffBlobLayout:])),
		BlockCount:         binary.LittleEndian.Uint64(b[sbOffBlockCount:]),
		InodeCount:         binary.LittleEndian.Uint64(b[sbOffInodeCount:]),
		JournalBlockCount:  binary.LittleEndian.Uint64(b[sbOffJournalCount:]),
		AllocatedBlockCount: binary.LittleEndian.Uint64(b[sbOffAllocBlocks:]),
		AllocatedInodeCount: binary.LittleEndian.Uint64(b[sbOffAllocInodes:]),
	}
	copy(sb.InstanceID[:], b[sbOffInstanceID:sbOffInstanceID+16])
	return sb, nil
}

// Validate checks the superblock invariants against the device geometry.
// deviceSize is in bytes, deviceBlockSize the device's native block size.
func (sb *Superblock) Validate(deviceSize uint64, deviceBlockSize uint32) error {
	if sb.Magic0 != Magic0 || sb.Magic1 != Magic1 {
		return fmt.Errorf("bad magic %#x/%#x", sb.Magic0, sb.Magic1)
	}
	if sb.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version %d (want %d)", sb.FormatVersion, FormatVersion)
	}
	if sb.BlockSize != FSBlockSize {
		return fmt.Errorf("unsupported block size %d", sb.BlockSize)
	}
	if deviceBlockSize == 0 || (FSBlockSize%deviceBlockSize != 0 && deviceBlockSize%FSBlockSize != 0) {
		return fmt.Errorf("device block size %d does not divide into filesystem block size %d", deviceBlockSize, FSBlockSize)
	}
	if !sb.BlobLayout.Valid() {
		return fmt.Errorf("unknown blob layout selector %d", sb.BlobLayout)
	}
	if sb.JournalBlockCount < MinJournalBlocks {
		return fmt.Errorf("journal of %d blocks is below the minimum %d", sb.JournalBlockCount, MinJournalBlocks)
	}
	if sb.InodeCount == 0 || sb.InodeCount%NodesPerBlock != 0 {
		return fmt.Errorf("inode count %d does not fill whole node table blocks", sb.InodeCount)
	}
	total := sb.TotalBlocks()
	if total < sb.BlockCount {
		return fmt.Errorf("region sizes overflow")
	}
	if total*FSBlockSize/FSBlockSize != total {
		return fmt.Errorf("block count overflows byte addressing")
	}
	if total*FSBlockSize > deviceSize {
		return fmt.Errorf("layout of %d blocks exceeds device size %d", total, deviceSize)
	}
	if sb.AllocatedBlockCount > sb.BlockCount {
		return fmt.Errorf("allocated block count %d exceeds block count %d", sb.AllocatedBlockCount, sb.BlockCount)
	}
	if sb.AllocatedInodeCount > sb.InodeCount {
		return fmt.Errorf("allocated inode count %d exceeds inode count %d", sb.AllocatedInodeCount, sb.InodeCount)
	}
	return nil
}

// Clean reports the clean-unmount flag.
func (sb *Superblock) Clean() bool { return sb.Flags&FlagClean != 0 }

// SetClean sets or clears the clean-unmount flag.
func (sb *Superblock) SetClean(clean bool) {
	if clean {
		sb.Flags |= FlagClean
	} else {
		sb.Flags &^= FlagClean
	}
}

// Region accessors. All are absolute filesystem block numbers.

func (sb *Superblock) BlockBitmapBlocks() uint64 { return BitmapBlocks(sb.BlockCount) }

func (sb *Superblock) NodeTableStartBlock() uint64 {
	return BlockBitmapStartBlock + sb.BlockBitmapBlocks()
}

func (sb *Superblock) NodeTableBlocks() uint64 { return NodeTableBlocks(sb.InodeCount) }

func (sb *Superblock) JournalStartBlock() uint64 {
	return sb.NodeTableStartBlock() + sb.NodeTableBlocks()
}

func (sb *Superblock) DataStartBlock() uint64 {
	return sb.JournalStartBlock() + sb.JournalBlockCount
}

// TotalBlocks is the number of filesystem blocks the layout occupies,
// excluding any backup superblock.
func (sb *Superblock) TotalBlocks() uint64 {
	return sb.DataStartBlock() + sb.BlockCount
}

// BackupSuperblockBlock returns the well-known location of the backup
// superblock for a device of deviceBlocks filesystem blocks: the last
// block on the device.
func BackupSuperblockBlock(deviceBlocks uint64) uint64 {
	return deviceBlocks - 1
}

// Equal reports whether two superblocks agree on identity and geometry
// (counters excluded); used when deciding whether a backup superblock may
// stand in for a corrupt primary.
func (sb *Superblock) Equal(o *Superblock) bool {
	return sb.Magic0 == o.Magic0 && sb.Magic1 == o.Magic1 &&
		sb.FormatVersion == o.FormatVersion &&
		sb.BlockSize == o.BlockSize &&
		sb.BlobLayout == o.BlobLayout &&
		sb.BlockCount == o.BlockCount &&
		sb.InodeCount == o.InodeCount &&
		sb.JournalBlockCount == o.JournalBlockCount &&
		sb.InstanceID == o.InstanceID
}
