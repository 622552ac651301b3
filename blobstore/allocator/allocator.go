// Package allocator hands out blocks and nodes with transaction-scoped
// reservations.
//
// Two bitmaps cover the data area: the committed bitmap mirrors the disk,
// the reserved bitmap exists only in memory and tracks blocks claimed by
// in-flight transactions. A block is free iff it is clear in both.
// Reservations vanish on unclean shutdown; only a committed bit persisted
// through the journal survives a remount.
package allocator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/util/bitmap"
)

var (
	ErrNoSpace         = errors.New("no space")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBadState        = errors.New("bad state")
)

// SpaceManager grows the backing storage; implemented by the store when
// the device sits inside a growable volume manager, nil otherwise.
type SpaceManager interface {
	// AddDataBlocks extends the data area by at least nblocks blocks and
	// returns the new data block count.
	AddDataBlocks(nblocks uint64) (uint64, error)
	// AddNodes extends the node table and returns the new node count.
	AddNodes() (uint64, error)
}

// Allocator allocates and frees both block and node entries.
type Allocator struct {
	mu sync.Mutex

	// dataStart is the absolute filesystem block where the data area
	// begins; extents carry absolute block numbers.
	dataStart  uint64
	dataBlocks uint64

	committed *bitmap.Bitmap
	reserved  *bitmap.Bitmap

	// tableMu guards the node table image: shared for node access,
	// exclusive for growth.
	tableMu   sync.RWMutex
	nodes     []byte
	nodeCount uint64

	nodeCommitted *bitmap.Bitmap
	nodeReserved  *bitmap.Bitmap

	space   SpaceManager
	metrics *Metrics
}

// New builds an allocator over a parsed bitmap and node table image.
// bitmapBits must hold one bit per data block; nodeTable is the raw node
// table region.
func New(dataStart, dataBlocks uint64, bitmapBits []byte, nodeTable []byte, space SpaceManager, metrics *Metrics) (*Allocator, error) {
	nodeCount := uint64(len(nodeTable)) / layout.NodeSize
	a := &Allocator{
		dataStart:     dataStart,
		dataBlocks:    dataBlocks,
		committed:     bitmap.FromBytes(bitmapBits),
		reserved:      bitmap.NewBits(int(dataBlocks)),
		nodes:         nodeTable,
		nodeCount:     nodeCount,
		nodeCommitted: bitmap.NewBits(int(nodeCount)),
		nodeReserved:  bitmap.NewBits(int(nodeCount)),
		space:         space,
		metrics:       metrics,
	}
	for i := uint64(0); i < nodeCount; i++ {
		hdr := layout.HeaderFromBytes(a.nodeRecord(i))
		if hdr.Allocated() {
			if err := a.nodeCommitted.Set(int(i)); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

func (a *Allocator) nodeRecord(i uint64) []byte {
	return a.nodes[i*layout.NodeSize : (i+1)*layout.NodeSize]
}

// DataBlocks returns the size of the data area in blocks.
func (a *Allocator) DataBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataBlocks
}

// NodeCount returns the size of the node table in nodes.
func (a *Allocator) NodeCount() uint64 {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	return a.nodeCount
}

// AllocatedBlockCount returns the popcount of the committed bitmap.
func (a *Allocator) AllocatedBlockCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.committed.Popcount())
}

// AllocatedInodeCount counts allocated nodes that head a blob.
func (a *Allocator) AllocatedInodeCount() uint64 {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	var n uint64
	for i := uint64(0); i < a.nodeCount; i++ {
		hdr := layout.HeaderFromBytes(a.nodeRecord(i))
		if hdr.Allocated() && !hdr.IsExtentContainer() {
			n++
		}
	}
	return n
}

// IsBlockAllocated reports whether an absolute block is committed.
func (a *Allocator) IsBlockAllocated(block uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if block < a.dataStart || block >= a.dataStart+a.dataBlocks {
		return false, fmt.Errorf("%w: block %d outside the data area", ErrInvalidArgument, block)
	}
	set, err := a.committed.IsSet(int(block - a.dataStart))
	if err != nil {
		return false, err
	}
	return set, nil
}

// ReserveBlocks claims n free blocks, first-fit from the start of the data
// area. The allocation may be split into multiple extents; each extent is
// capped by the extent length field. On failure nothing stays reserved;
// if a space manager is present one growth attempt is made first.
func (a *Allocator) ReserveBlocks(n uint64) ([]*ReservedExtent, error) {
	a.mu.Lock()
	out, err := a.reserveBlocksLocked(n)
	a.mu.Unlock()
	if err == nil || a.space == nil {
		return out, err
	}
	// Try to grow and retry once.
	newCount, gerr := a.space.AddDataBlocks(n)
	if gerr != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if newCount > a.dataBlocks {
		a.committed.Grow(int(newCount))
		a.reserved.Grow(int(newCount))
		a.dataBlocks = newCount
	}
	return a.reserveBlocksLocked(n)
}

func (a *Allocator) reserveBlocksLocked(n uint64) ([]*ReservedExtent, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-block reservation", ErrInvalidArgument)
	}
	var out []*ReservedExtent
	var got uint64
	cursor := 0
	for got < n {
		start := a.firstFreeFrom(cursor)
		if start < 0 {
			for _, re := range out {
				re.releaseLocked()
			}
			return nil, fmt.Errorf("%w: %d of %d blocks available", ErrNoSpace, got, n)
		}
		run := a.freeRunAt(start, n-got)
		if run > layout.MaxExtentLength {
			run = layout.MaxExtentLength
		}
		_ = a.reserved.SetRange(start, int(run))
		re := &ReservedExtent{
			a:      a,
			extent: layout.Extent{Start: a.dataStart + uint64(start), Length: uint16(run)},
		}
		out = append(out, re)
		got += run
		cursor = start + int(run)
	}
	return out, nil
}

// firstFreeFrom finds the first block clear in both bitmaps at or after
// start, or -1.
func (a *Allocator) firstFreeFrom(start int) int {
	for {
		c := a.committed.FirstFree(start)
		if c < 0 || c >= int(a.dataBlocks) {
			return -1
		}
		if set, _ := a.reserved.IsSet(c); !set {
			return c
		}
		start = c + 1
	}
}

// freeRunAt measures the doubly-free run at start, capped at max.
func (a *Allocator) freeRunAt(start int, max uint64) uint64 {
	var run uint64
	for run < max && start+int(run) < int(a.dataBlocks) {
		i := start + int(run)
		if set, _ := a.committed.IsSet(i); set {
			break
		}
		if set, _ := a.reserved.IsSet(i); set {
			break
		}
		run++
	}
	return run
}

// MarkAllocated converts a reservation into committed bitmap bits. The
// caller is responsible for persisting the bitmap change through the
// journal.
func (a *Allocator) MarkAllocated(re *ReservedExtent) (layout.Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if re.a != a || re.done {
		return layout.Extent{}, fmt.Errorf("%w: reservation already consumed", ErrBadState)
	}
	rel := int(re.extent.Start - a.dataStart)
	_ = a.committed.SetRange(rel, int(re.extent.Length))
	_ = a.reserved.ClearRange(rel, int(re.extent.Length))
	re.done = true
	return re.extent, nil
}

// FreeBlocks clears the committed bits of an allocated extent and returns
// a reservation covering the freed range. The caller keeps that
// reservation alive inside the freeing transaction so the blocks cannot be
// handed out again before the trim and journal flush complete.
func (a *Allocator) FreeBlocks(e layout.Extent) (*ReservedExtent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.Start < a.dataStart || e.End() > a.dataStart+a.dataBlocks {
		return nil, fmt.Errorf("%w: extent %d+%d outside the data area", ErrInvalidArgument, e.Start, e.Length)
	}
	rel := int(e.Start - a.dataStart)
	allSet, err := a.committed.IsRangeSet(rel, int(e.Length))
	if err != nil {
		return nil, err
	}
	if !allSet {
		return nil, fmt.Errorf("%w: freeing unallocated blocks at %d", ErrBadState, e.Start)
	}
	_ = a.committed.ClearRange(rel, int(e.Length))
	_ = a.reserved.SetRange(rel, int(e.Length))
	return &ReservedExtent{a: a, extent: e}, nil
}

// ReserveNode claims a free node table slot. On exhaustion one growth
// attempt is made through the space manager before giving up.
func (a *Allocator) ReserveNode() (*ReservedNode, error) {
	if rn := a.tryReserveNode(); rn != nil {
		return rn, nil
	}
	if a.space != nil {
		if newCount, err := a.space.AddNodes(); err == nil {
			a.GrowNodeTable(newCount)
			if rn := a.tryReserveNode(); rn != nil {
				return rn, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: node table is full", ErrNoSpace)
}

func (a *Allocator) tryReserveNode() *ReservedNode {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.firstFreeNodeLocked()
	if idx < 0 {
		return nil
	}
	_ = a.nodeReserved.Set(idx)
	return &ReservedNode{a: a, index: uint32(idx)}
}

func (a *Allocator) firstFreeNodeLocked() int {
	start := 0
	for {
		c := a.nodeCommitted.FirstFree(start)
		if c < 0 || c >= int(a.nodeCount) {
			return -1
		}
		if set, _ := a.nodeReserved.IsSet(c); !set {
			return c
		}
		start = c + 1
	}
}

// MarkInodeAllocated converts a reserved node into an allocated inode with
// the given fields. The caller persists the node block through the
// journal.
func (a *Allocator) MarkInodeAllocated(rn *ReservedNode, ino *layout.Inode) error {
	return a.markNode(rn, func(rec []byte) {
		ino.Header.Flags |= layout.NodeFlagAllocated
		ino.Header.Flags &^= layout.NodeFlagExtentContainer
		ino.Header.Version = layout.NodeVersion
		copy(rec, ino.ToBytes())
	})
}

// MarkContainerAllocated converts a reserved node into an allocated extent
// container.
func (a *Allocator) MarkContainerAllocated(rn *ReservedNode, c *layout.ExtentContainer) error {
	return a.markNode(rn, func(rec []byte) {
		c.Header.Flags |= layout.NodeFlagAllocated | layout.NodeFlagExtentContainer
		c.Header.Version = layout.NodeVersion
		copy(rec, c.ToBytes())
	})
}

func (a *Allocator) markNode(rn *ReservedNode, fill func([]byte)) error {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if rn.a != a || rn.done {
		return fmt.Errorf("%w: node reservation already consumed", ErrBadState)
	}
	fill(a.nodeRecord(uint64(rn.index)))
	_ = a.nodeCommitted.Set(int(rn.index))
	_ = a.nodeReserved.Clear(int(rn.index))
	rn.done = true
	return nil
}

// FreeNode clears an allocated node. The record is zeroed so unallocated
// nodes always carry zero flags.
func (a *Allocator) FreeNode(index uint32) error {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.nodeCount {
		return fmt.Errorf("%w: node index %d out of range", ErrInvalidArgument, index)
	}
	set, _ := a.nodeCommitted.IsSet(int(index))
	if !set {
		return fmt.Errorf("%w: node %d is not allocated", ErrBadState, index)
	}
	rec := a.nodeRecord(uint64(index))
	for i := range rec {
		rec[i] = 0
	}
	_ = a.nodeCommitted.Clear(int(index))
	return nil
}

// GetInode reads an allocated inode record.
func (a *Allocator) GetInode(index uint32) (*layout.Inode, error) {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	if uint64(index) >= a.nodeCount {
		return nil, fmt.Errorf("%w: node index %d out of range", ErrInvalidArgument, index)
	}
	rec := a.nodeRecord(uint64(index))
	hdr := layout.HeaderFromBytes(rec)
	if !hdr.Allocated() {
		return nil, fmt.Errorf("%w: node %d is not allocated", ErrBadState, index)
	}
	return layout.InodeFromBytes(rec)
}

// GetContainer reads an allocated extent container record.
func (a *Allocator) GetContainer(index uint32) (*layout.ExtentContainer, error) {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	if uint64(index) >= a.nodeCount {
		return nil, fmt.Errorf("%w: node index %d out of range", ErrInvalidArgument, index)
	}
	rec := a.nodeRecord(uint64(index))
	hdr := layout.HeaderFromBytes(rec)
	if !hdr.Allocated() {
		return nil, fmt.Errorf("%w: node %d is not allocated", ErrBadState, index)
	}
	return layout.ContainerFromBytes(rec)
}

// GetHeader reads any node's header.
func (a *Allocator) GetHeader(index uint32) (layout.NodeHeader, error) {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	if uint64(index) >= a.nodeCount {
		return layout.NodeHeader{}, fmt.Errorf("%w: node index %d out of range", ErrInvalidArgument, index)
	}
	return layout.HeaderFromBytes(a.nodeRecord(uint64(index))), nil
}

// NodeBlock renders the node-table filesystem block containing the given
// node, for inclusion in a journal transaction. nodeTableStart is the
// absolute block where the node table begins.
func (a *Allocator) NodeBlock(nodeTableStart uint64, index uint32) (uint64, []byte) {
	a.tableMu.RLock()
	defer a.tableMu.RUnlock()
	blockIdx := uint64(index) / layout.NodesPerBlock
	data := make([]byte, layout.FSBlockSize)
	copy(data, a.nodes[blockIdx*layout.FSBlockSize:])
	return nodeTableStart + blockIdx, data
}

// BitmapBlock renders the block-bitmap filesystem block containing the
// given absolute data block, for inclusion in a journal transaction.
func (a *Allocator) BitmapBlock(bitmapStart uint64, dataBlock uint64) (uint64, []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rel := dataBlock - a.dataStart
	blockIdx := rel / (layout.FSBlockSize * 8)
	data := make([]byte, layout.FSBlockSize)
	raw := a.committed.Bytes()
	off := blockIdx * layout.FSBlockSize
	if off < uint64(len(raw)) {
		copy(data, raw[off:])
	}
	return bitmapStart + blockIdx, data
}

// FreeFragments returns the free-run list of the committed bitmap,
// restricted to the data area.
func (a *Allocator) FreeFragments() []bitmap.Contiguous {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.committed.FreeList()
	// the bitmap is byte-granular; drop the slack past the data area
	out := make([]bitmap.Contiguous, 0, len(list))
	for _, c := range list {
		if c.Position >= int(a.dataBlocks) {
			break
		}
		if c.Position+c.Count > int(a.dataBlocks) {
			c.Count = int(a.dataBlocks) - c.Position
		}
		out = append(out, c)
	}
	return out
}

// InUseFragments returns the allocated-run list of the committed bitmap.
func (a *Allocator) InUseFragments() []bitmap.Contiguous {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.InUseList()
}

// BitmapBytes returns a copy of the committed bitmap, for the checker.
func (a *Allocator) BitmapBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.ToBytes()
}

// GrowNodeTable extends the in-memory node table to newCount nodes. Waits
// for exclusive access: all outstanding node reads finish first.
func (a *Allocator) GrowNodeTable(newCount uint64) {
	a.tableMu.Lock()
	defer a.tableMu.Unlock()
	if newCount <= a.nodeCount {
		return
	}
	nt := make([]byte, newCount*layout.NodeSize)
	copy(nt, a.nodes)
	a.nodes = nt
	a.nodeCount = newCount
	a.mu.Lock()
	a.nodeCommitted.Grow(int(newCount))
	a.nodeReserved.Grow(int(newCount))
	a.mu.Unlock()
}
