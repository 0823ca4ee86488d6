// Package alloc manages the block and node bitmaps of the storage
// engine, with reservation semantics making concurrent writers safe
// without holding a lock for the duration of a write.
//
// A bit has three observable states: free, reserved, allocated. The
// reserved state exists only in memory: it is what keeps two writers
// from double-claiming blocks between the bitmap scan and the durable
// commit. Reservations turn into allocated bits inside an open journal
// transaction, or revert to free when their handle is cancelled. A
// crash reverts every uncommitted reservation by construction, since
// nothing was persisted.
package alloc

import (
	"context"
	"sync"

	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
	"go.uber.org/zap"
)

// Txn is the open journal transaction bitmap mutations are staged
// into. Satisfied by *journal.Transaction.
type Txn interface {
	Enqueue(blockIndex uint64, data []byte) error
}

// Allocator tracks free, reserved and allocated block and node ranges
type Allocator struct {
	mu     sync.Mutex
	sb     layout.Superblock
	blocks *bitmap // one bit per device block, metadata pre-allocated
	nodes  *bitmap
	l      *zap.Logger
}

// Option configures an Allocator
type Option func(*Allocator)

// Logger sets a logger for allocator operations
func Logger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.l = l
		}
	}
}

// New creates an empty allocator for the given layout: all data blocks
// and nodes free, all metadata blocks allocated.
func New(sb layout.Superblock, opts ...Option) *Allocator {
	a := &Allocator{
		sb:     sb,
		blocks: newBitmap(sb.BlockCount),
		nodes:  newBitmap(uint64(sb.InodeCount)),
		l:      dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(a)
	}
	for i := uint64(0); i < sb.DataStart(); i++ {
		a.blocks.setAllocated(i)
	}
	return a
}

// Load replaces the in-memory bitmaps with the on-disk state
func (a *Allocator) Load(ctx context.Context, dev blockdev.Device) error {
	blockBits, err := dev.ReadBlocks(ctx, a.sb.BlockBitmapStart(), a.sb.BlockBitmapBlocks)
	if err != nil {
		return err
	}
	nodeBits, err := dev.ReadBlocks(ctx, a.sb.NodeBitmapStart(), a.sb.NodeBitmapBlocks)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks.loadFrom(blockBits)
	a.nodes.loadFrom(nodeBits)
	// metadata blocks are implicitly allocated whatever the bitmap says
	for i := uint64(0); i < a.sb.DataStart(); i++ {
		a.blocks.setAllocated(i)
	}
	return nil
}

// Flush writes both bitmaps straight to the device, bypassing the
// journal. Only format and integrity repair use this.
func (a *Allocator) Flush(ctx context.Context, dev blockdev.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < a.sb.BlockBitmapBlocks; i++ {
		if err := dev.WriteBlocks(ctx, a.sb.BlockBitmapStart()+i, a.blocks.blockBytes(i, a.sb.BlockSize)); err != nil {
			return err
		}
	}
	for i := uint64(0); i < a.sb.NodeBitmapBlocks; i++ {
		if err := dev.WriteBlocks(ctx, a.sb.NodeBitmapStart()+i, a.nodes.blockBytes(i, a.sb.BlockSize)); err != nil {
			return err
		}
	}
	return dev.Flush(ctx)
}

// ReserveBlocks claims count free data blocks, first-fit, splitting
// across several extents when no contiguous run is long enough. It
// fails fast with ErrOutOfSpace when the free pool is too small, even
// fragmented; nothing is claimed in that case.
func (a *Allocator) ReserveBlocks(count uint64) ([]*ReservedExtent, error) {
	if count == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		out       []*ReservedExtent
		runStart  uint64
		runLen    uint64
		remaining = count
	)
	flush := func() {
		for _, ext := range layout.SplitRun(runStart, runLen) {
			out = append(out, &ReservedExtent{a: a, ext: ext})
		}
		runLen = 0
	}
	for i := a.sb.DataStart(); i < a.sb.BlockCount && remaining > 0; i++ {
		if !a.blocks.isFree(i) {
			if runLen > 0 {
				flush()
			}
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		remaining--
	}
	if remaining > 0 {
		return nil, status.ErrOutOfSpace.WrapMessage("%d blocks requested, %d short", count, remaining)
	}
	if runLen > 0 {
		flush()
	}
	for _, re := range out {
		for i := re.ext.Start; i < re.ext.End(); i++ {
			a.blocks.setReserved(i)
		}
	}
	a.l.Debug("reserved blocks", zap.Uint64("count", count), zap.Int("extents", len(out)))
	return out, nil
}

// ReserveNodes claims count free node table entries
func (a *Allocator) ReserveNodes(count uint32) ([]*ReservedNode, error) {
	if count == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*ReservedNode, 0, count)
	for i := uint64(0); i < uint64(a.sb.InodeCount) && len(out) < int(count); i++ {
		if a.nodes.isFree(i) {
			out = append(out, &ReservedNode{a: a, index: uint32(i)})
		}
	}
	if len(out) < int(count) {
		return nil, status.ErrOutOfSpace.WrapMessage("%d nodes requested, %d free", count, len(out))
	}
	for _, rn := range out {
		a.nodes.setReserved(uint64(rn.index))
	}
	return out, nil
}

// CommitBlocks converts reserved extents to allocated as part of the
// open journal transaction: the dirtied bitmap blocks are staged so
// the bitmap mutation and the rest of the transaction land atomically.
func (a *Allocator) CommitBlocks(txn Txn, res []*ReservedExtent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirty := make(map[uint64]struct{})
	for _, re := range res {
		if re.done {
			return status.ErrCorruptMetadata.WrapMessage("extent {%d,%d} committed or cancelled twice", re.ext.Start, re.ext.Count)
		}
		re.done = true
		for i := re.ext.Start; i < re.ext.End(); i++ {
			a.blocks.clearReserved(i)
			a.blocks.setAllocated(i)
			dirty[a.blockBitmapBlockOf(i)] = struct{}{}
		}
	}
	return a.stageBlockBitmap(txn, dirty)
}

// CommitNodes converts reserved nodes to allocated within txn
func (a *Allocator) CommitNodes(txn Txn, res []*ReservedNode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirty := make(map[uint64]struct{})
	for _, rn := range res {
		if rn.done {
			return status.ErrCorruptMetadata.WrapMessage("node %d committed or cancelled twice", rn.index)
		}
		rn.done = true
		a.nodes.clearReserved(uint64(rn.index))
		a.nodes.setAllocated(uint64(rn.index))
		dirty[uint64(rn.index)/(uint64(a.sb.BlockSize)*8)] = struct{}{}
	}
	return a.stageNodeBitmap(txn, dirty)
}

// ReleaseBlocks marks allocated extents free again, journaled the same
// way as a commit.
func (a *Allocator) ReleaseBlocks(txn Txn, exts []layout.Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirty := make(map[uint64]struct{})
	for _, ext := range exts {
		if ext.End() > a.sb.BlockCount || ext.Start < a.sb.DataStart() {
			return status.ErrCorruptMetadata.WrapMessage("release of extent {%d,%d} outside the data region", ext.Start, ext.Count)
		}
		for i := ext.Start; i < ext.End(); i++ {
			if !a.blocks.isAllocated(i) {
				return status.ErrCorruptMetadata.WrapMessage("double free of block %d", i)
			}
			a.blocks.clearAllocated(i)
			dirty[a.blockBitmapBlockOf(i)] = struct{}{}
		}
	}
	return a.stageBlockBitmap(txn, dirty)
}

// ReleaseNode marks an allocated node free again within txn
func (a *Allocator) ReleaseNode(txn Txn, index uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= uint64(a.sb.InodeCount) || !a.nodes.isAllocated(uint64(index)) {
		return status.ErrCorruptMetadata.WrapMessage("double free of node %d", index)
	}
	a.nodes.clearAllocated(uint64(index))
	return a.stageNodeBitmap(txn, map[uint64]struct{}{
		uint64(index) / (uint64(a.sb.BlockSize) * 8): {},
	})
}

// MarkAllocated force-loads allocated state for blocks and nodes found
// during mount or integrity repair, without journaling.
func (a *Allocator) MarkAllocated(exts []layout.Extent, nodes []uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ext := range exts {
		for i := ext.Start; i < ext.End(); i++ {
			a.blocks.setAllocated(i)
		}
	}
	for _, n := range nodes {
		a.nodes.setAllocated(uint64(n))
	}
}

// CheckBlocksAllocated reports whether every block in [start, end) is
// allocated.
func (a *Allocator) CheckBlocksAllocated(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if end > a.sb.BlockCount || start > end {
		return false
	}
	for i := start; i < end; i++ {
		if !a.blocks.isAllocated(i) {
			return false
		}
	}
	return true
}

// NodeAllocated reports whether a node table entry is in use
func (a *Allocator) NodeAllocated(index uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(index) < uint64(a.sb.InodeCount) && a.nodes.isAllocated(uint64(index))
}

// GetAllocatedRegions returns the allocated runs of the data region,
// merged. Metadata regions are excluded: callers reason about blob
// placement, not about the engine's own bookkeeping.
func (a *Allocator) GetAllocatedRegions() []layout.Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		out      []layout.Extent
		runStart uint64
		runLen   uint64
	)
	for i := a.sb.DataStart(); i < a.sb.BlockCount; i++ {
		if a.blocks.isAllocated(i) {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			continue
		}
		if runLen > 0 {
			out = append(out, layout.Extent{Start: runStart, Count: uint32(runLen)})
			runLen = 0
		}
	}
	if runLen > 0 {
		out = append(out, layout.Extent{Start: runStart, Count: uint32(runLen)})
	}
	return out
}

// FreeBlocks returns the number of data blocks neither allocated nor
// reserved.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks.countFree(a.sb.DataStart(), a.sb.BlockCount)
}

// FreeNodes returns the number of unclaimed node table entries
func (a *Allocator) FreeNodes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes.countFree(0, uint64(a.sb.InodeCount))
}

func (a *Allocator) blockBitmapBlockOf(block uint64) uint64 {
	return block / (uint64(a.sb.BlockSize) * 8)
}

// stageBlockBitmap stages the given bitmap blocks into txn.
// Caller holds a.mu.
func (a *Allocator) stageBlockBitmap(txn Txn, dirty map[uint64]struct{}) error {
	for b := range dirty {
		if err := txn.Enqueue(a.sb.BlockBitmapStart()+b, a.blocks.blockBytes(b, a.sb.BlockSize)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) stageNodeBitmap(txn Txn, dirty map[uint64]struct{}) error {
	for b := range dirty {
		if err := txn.Enqueue(a.sb.NodeBitmapStart()+b, a.nodes.blockBytes(b, a.sb.BlockSize)); err != nil {
			return err
		}
	}
	return nil
}

// cancelExtent returns reserved bits to the free pool, no I/O
func (a *Allocator) cancelExtent(ext layout.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := ext.Start; i < ext.End(); i++ {
		a.blocks.clearReserved(i)
	}
}

func (a *Allocator) cancelNode(index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes.clearReserved(uint64(index))
}
