package blobstore

import (
	"fmt"

	"github.com/diskfs/go-blobstore/blobstore/allocator"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// walkExtents collects the full extent list of the blob headed at
// headIndex: the inline extents, then the container chain through
// header.NextNode. Iteration is bounded by the inode's extent count; every
// step asserts the chain invariants, and any violation returns an
// integrity error so the blob can be excluded from the readable set.
func walkExtents(alloc *allocator.Allocator, headIndex uint32, ino *layout.Inode) ([]layout.Extent, error) {
	total := ino.ExtentCount
	if total == 0 {
		if ino.Header.NextNode != layout.InvalidNodeIndex {
			return nil, fmt.Errorf("%w: empty blob at node %d has a container chain", ErrIntegrity, headIndex)
		}
		return nil, nil
	}
	out := make([]layout.Extent, 0, total)
	inline := total
	if inline > layout.InlineExtents {
		inline = layout.InlineExtents
	}
	for i := uint32(0); i < inline; i++ {
		if !ino.Extents[i].Valid() {
			return nil, fmt.Errorf("%w: inode %d inline extent %d is malformed", ErrIntegrity, headIndex, i)
		}
		out = append(out, ino.Extents[i])
	}

	next := ino.Header.NextNode
	for uint32(len(out)) < total {
		if next == layout.InvalidNodeIndex {
			return nil, fmt.Errorf("%w: chain of node %d ends after %d of %d extents", ErrIntegrity, headIndex, len(out), total)
		}
		if uint64(next) >= alloc.NodeCount() {
			return nil, fmt.Errorf("%w: chain of node %d points outside the node table (%d)", ErrIntegrity, headIndex, next)
		}
		hdr, err := alloc.GetHeader(next)
		if err != nil {
			return nil, fmt.Errorf("%w: chain of node %d: %v", ErrIntegrity, headIndex, err)
		}
		if !hdr.Allocated() || !hdr.IsExtentContainer() {
			return nil, fmt.Errorf("%w: chain of node %d reaches node %d which is not an allocated container", ErrIntegrity, headIndex, next)
		}
		c, err := alloc.GetContainer(next)
		if err != nil {
			return nil, fmt.Errorf("%w: chain of node %d: %v", ErrIntegrity, headIndex, err)
		}
		if c.PreviousNode != headIndex {
			return nil, fmt.Errorf("%w: container %d points back at node %d, not %d", ErrIntegrity, next, c.PreviousNode, headIndex)
		}
		if c.ExtentCount == 0 || c.ExtentCount > layout.ContainerExtents {
			return nil, fmt.Errorf("%w: container %d carries %d extents", ErrIntegrity, next, c.ExtentCount)
		}
		if uint32(len(out))+c.ExtentCount > total {
			return nil, fmt.Errorf("%w: chain of node %d exceeds its extent count %d", ErrIntegrity, headIndex, total)
		}
		for i := uint32(0); i < c.ExtentCount; i++ {
			if !c.Extents[i].Valid() {
				return nil, fmt.Errorf("%w: container %d extent %d is malformed", ErrIntegrity, next, i)
			}
			out = append(out, c.Extents[i])
		}
		next = c.Header.NextNode
	}
	return out, nil
}

// chainNodes returns the node indices of a blob's container chain, head
// excluded, bounded the same way walkExtents is.
func chainNodes(alloc *allocator.Allocator, headIndex uint32, ino *layout.Inode) ([]uint32, error) {
	var nodes []uint32
	have := ino.ExtentCount
	if have <= layout.InlineExtents {
		return nil, nil
	}
	have -= layout.InlineExtents
	next := ino.Header.NextNode
	for have > 0 {
		if next == layout.InvalidNodeIndex || uint64(next) >= alloc.NodeCount() {
			return nil, fmt.Errorf("%w: chain of node %d is truncated", ErrIntegrity, headIndex)
		}
		c, err := alloc.GetContainer(next)
		if err != nil {
			return nil, fmt.Errorf("%w: chain of node %d: %v", ErrIntegrity, headIndex, err)
		}
		nodes = append(nodes, next)
		if c.ExtentCount >= have {
			have = 0
		} else {
			have -= c.ExtentCount
		}
		next = c.Header.NextNode
	}
	return nodes, nil
}

// extentBlocks sums the block count across extents.
func extentBlocks(extents []layout.Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += uint64(e.Length)
	}
	return n
}
