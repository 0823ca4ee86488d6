package alloc

import "github.com/blobcask/blobcask/pkg/layout"

// ReservedExtent is a single-owner claim on a run of data blocks.
// It must end in exactly one of two ways: CommitBlocks transfers
// ownership to the persistent allocator state, Cancel returns the run
// to the free pool without any I/O. Handles are not safe for
// concurrent use.
type ReservedExtent struct {
	a    *Allocator
	ext  layout.Extent
	done bool
}

// Extent returns the reserved run
func (re *ReservedExtent) Extent() layout.Extent { return re.ext }

// Cancel releases the reservation. Idempotent after commit or a prior
// cancel.
func (re *ReservedExtent) Cancel() {
	if re.done {
		return
	}
	re.done = true
	re.a.cancelExtent(re.ext)
}

// ReservedNode is a single-owner claim on one node table entry
type ReservedNode struct {
	a     *Allocator
	index uint32
	done  bool
}

// Index returns the reserved node table index
func (rn *ReservedNode) Index() uint32 { return rn.index }

// Cancel releases the reservation. Idempotent after commit or a prior
// cancel.
func (rn *ReservedNode) Cancel() {
	if rn.done {
		return
	}
	rn.done = true
	rn.a.cancelNode(rn.index)
}

// CancelExtents cancels every handle in a slice, the rollback path of
// a failed write.
func CancelExtents(res []*ReservedExtent) {
	for _, re := range res {
		re.Cancel()
	}
}

// CancelNodes cancels every node handle in a slice
func CancelNodes(res []*ReservedNode) {
	for _, rn := range res {
		rn.Cancel()
	}
}

// TotalBlocks sums the block counts of a reservation list
func TotalBlocks(res []*ReservedExtent) uint64 {
	var n uint64
	for _, re := range res {
		n += uint64(re.ext.Count)
	}
	return n
}

// Extents collects the raw extents of a reservation list
func Extents(res []*ReservedExtent) []layout.Extent {
	out := make([]layout.Extent, 0, len(res))
	for _, re := range res {
		out = append(out, re.ext)
	}
	return out
}
