package blobstore

import (
	"sort"

	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// metadataWrites renders the journal writes covering a metadata mutation:
// the node table blocks holding the given nodes, the bitmap blocks
// covering the given extents, and the superblock with refreshed counters.
// The allocator's in-memory state must already reflect the mutation.
func (fs *FileSystem) metadataWrites(nodes []uint32, extents []layout.Extent) []bcache.BlockWrite {
	sb := fs.sb
	nodeStart := sb.NodeTableStartBlock()
	dataStart := sb.DataStartBlock()

	seen := make(map[uint64]struct{})
	var writes []bcache.BlockWrite

	for _, n := range nodes {
		block, data := fs.alloc.NodeBlock(nodeStart, n)
		if _, ok := seen[block]; ok {
			continue
		}
		seen[block] = struct{}{}
		writes = append(writes, bcache.BlockWrite{Block: block, Data: data})
	}
	for _, e := range extents {
		first := (e.Start - dataStart) / (layout.FSBlockSize * 8)
		last := (e.End() - 1 - dataStart) / (layout.FSBlockSize * 8)
		for bi := first; bi <= last; bi++ {
			block, data := fs.alloc.BitmapBlock(layout.BlockBitmapStartBlock, dataStart+bi*layout.FSBlockSize*8)
			if _, ok := seen[block]; ok {
				continue
			}
			seen[block] = struct{}{}
			writes = append(writes, bcache.BlockWrite{Block: block, Data: data})
		}
	}
	// deterministic block order, superblock last
	sort.Slice(writes, func(i, j int) bool { return writes[i].Block < writes[j].Block })
	writes = append(writes, fs.superblockWrite())
	return writes
}
