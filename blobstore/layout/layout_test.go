package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodePacking(t *testing.T) {
	assert.Equal(t, 64, NodesPerBlock)
	assert.Equal(t, 0, FSBlockSize%NodeSize)
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := NewSuperblock(1000, 512, 20, CompactMerkleTreeAtEnd, FlagTrimSupport, CurrentMinorVersion)
	sb.AllocatedBlockCount = 7
	sb.AllocatedInodeCount = 3

	got, err := SuperblockFromBytes(sb.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, sb, got)
	assert.True(t, got.Clean())
	assert.True(t, got.Equal(sb))
}

func TestSuperblockRegions(t *testing.T) {
	sb := NewSuperblock(1000, 512, 20, CompactMerkleTreeAtEnd, 0, CurrentMinorVersion)
	// bitmap: 1000 bits fit one block
	assert.Equal(t, uint64(1), sb.BlockBitmapBlocks())
	assert.Equal(t, uint64(2), sb.NodeTableStartBlock())
	// 512 nodes at 64 per block
	assert.Equal(t, uint64(8), sb.NodeTableBlocks())
	assert.Equal(t, uint64(10), sb.JournalStartBlock())
	assert.Equal(t, uint64(30), sb.DataStartBlock())
	assert.Equal(t, uint64(1030), sb.TotalBlocks())
}

func TestSuperblockValidate(t *testing.T) {
	base := func() *Superblock {
		return NewSuperblock(1000, 512, 20, CompactMerkleTreeAtEnd, 0, CurrentMinorVersion)
	}
	deviceSize := uint64(1100) * FSBlockSize

	tests := []struct {
		name    string
		mutate  func(*Superblock)
		devSize uint64
		wantErr bool
	}{
		{"valid", func(*Superblock) {}, deviceSize, false},
		{"bad magic", func(sb *Superblock) { sb.Magic0 = 1 }, deviceSize, true},
		{"bad version", func(sb *Superblock) { sb.FormatVersion = 3 }, deviceSize, true},
		{"bad block size", func(sb *Superblock) { sb.BlockSize = 4096 }, deviceSize, true},
		{"bad layout", func(sb *Superblock) { sb.BlobLayout = 9 }, deviceSize, true},
		{"journal too small", func(sb *Superblock) { sb.JournalBlockCount = 3 }, deviceSize, true},
		{"ragged inode count", func(sb *Superblock) { sb.InodeCount = 100 }, deviceSize, true},
		{"does not fit device", func(*Superblock) {}, uint64(100) * FSBlockSize, true},
		{"allocated beyond total", func(sb *Superblock) { sb.AllocatedBlockCount = 2000 }, deviceSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := base()
			tt.mutate(sb)
			err := sb.Validate(tt.devSize, 512)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("device block size must divide", func(t *testing.T) {
		assert.Error(t, base().Validate(deviceSize, 3000))
		assert.NoError(t, base().Validate(deviceSize, 8192))
	})
}

func TestInodeRoundTrip(t *testing.T) {
	ino := &Inode{
		Header: NodeHeader{
			Flags:    NodeFlagAllocated | NodeFlagChunkedZstd,
			Version:  NodeVersion,
			NextNode: 7,
		},
		UncompressedSize: 1 << 20,
		StoredSize:       12345,
		BlockCount:       4,
		ExtentCount:      9,
	}
	for i := range ino.Digest {
		ino.Digest[i] = byte(i)
	}
	ino.Extents[0] = Extent{Start: 100, Length: 3}
	ino.Extents[7] = Extent{Start: 0xffffffffffff, Length: 0xffff}

	got, err := InodeFromBytes(ino.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, ino, got)

	alg, err := got.Header.Compression()
	require.NoError(t, err)
	assert.Equal(t, CompressionChunkedZstd, alg)
}

func TestContainerRoundTrip(t *testing.T) {
	c := &ExtentContainer{
		Header: NodeHeader{
			Flags:    NodeFlagAllocated | NodeFlagExtentContainer,
			Version:  NodeVersion,
			NextNode: InvalidNodeIndex,
		},
		PreviousNode: 42,
		ExtentCount:  2,
	}
	c.Extents[0] = Extent{Start: 55, Length: 1}
	c.Extents[1] = Extent{Start: 70, Length: 200}

	got, err := ContainerFromBytes(c.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	// an inode record does not parse as a container and vice versa
	_, err = InodeFromBytes(c.ToBytes())
	assert.Error(t, err)
	ino := &Inode{Header: NodeHeader{Flags: NodeFlagAllocated}}
	_, err = ContainerFromBytes(ino.ToBytes())
	assert.Error(t, err)
}

func TestCompressionFlagConflict(t *testing.T) {
	h := NodeHeader{Flags: NodeFlagChunkedZstd | NodeFlagChunkedLZ4}
	_, err := h.Compression()
	assert.Error(t, err)
}

func TestMinimumBlocks(t *testing.T) {
	assert.Equal(t, uint64(22), MinimumBlocks(false))
	assert.Equal(t, uint64(23), MinimumBlocks(true))
}
