package allocator

import (
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// ReservedExtent is a scoped claim on a run of data blocks. It is consumed
// by MarkAllocated or returned by Release; whichever happens first wins
// and the other becomes a no-op. Callers defer Release so an error path
// never leaks the reservation.
type ReservedExtent struct {
	a      *Allocator
	extent layout.Extent
	done   bool
}

// Extent returns the reserved run. Start is an absolute block number.
func (re *ReservedExtent) Extent() layout.Extent { return re.extent }

// Release returns the reservation if it has not been converted into an
// allocation. Safe to call more than once.
func (re *ReservedExtent) Release() {
	if re == nil || re.a == nil {
		return
	}
	re.a.mu.Lock()
	defer re.a.mu.Unlock()
	re.releaseLocked()
}

func (re *ReservedExtent) releaseLocked() {
	if re.done {
		return
	}
	re.done = true
	rel := int(re.extent.Start - re.a.dataStart)
	_ = re.a.reserved.ClearRange(rel, int(re.extent.Length))
}

// ReservedNode is a scoped claim on a node table slot, consumed by
// MarkInodeAllocated or MarkContainerAllocated.
type ReservedNode struct {
	a     *Allocator
	index uint32
	done  bool
}

// Index returns the reserved node's table index.
func (rn *ReservedNode) Index() uint32 { return rn.index }

// Release returns the reservation if it has not been converted. Safe to
// call more than once.
func (rn *ReservedNode) Release() {
	if rn == nil || rn.a == nil {
		return
	}
	rn.a.mu.Lock()
	defer rn.a.mu.Unlock()
	if rn.done {
		return
	}
	rn.done = true
	_ = rn.a.nodeReserved.Clear(int(rn.index))
}

// ReleaseAll releases a batch of extent reservations.
func ReleaseAll(res []*ReservedExtent) {
	for _, re := range res {
		re.Release()
	}
}
