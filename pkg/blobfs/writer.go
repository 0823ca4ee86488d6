package blobfs

import (
	"context"
	"sync"
	"time"

	"github.com/blobcask/blobcask/pkg/alloc"
	"github.com/blobcask/blobcask/pkg/journal"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/metrics"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/blobcask/blobcask/pkg/writeback"
	"go.uber.org/zap"
)

// WritableBlob streams content into a new blob. Data blocks are
// reserved and written to the device as they arrive; nothing becomes
// visible until Finalize verifies the digest and commits the metadata
// through the journal. A failed or aborted write cancels its
// reservations without touching the disk bitmaps.
type WritableBlob struct {
	e      *Engine
	b      *Blob
	hasher *Hasher

	mu       sync.Mutex
	node     *alloc.ReservedNode
	reserved []*alloc.ReservedExtent
	extents  []layout.Extent
	buf      []byte
	size     uint64
	done     bool
}

// Digest returns the content address this writer must produce
func (w *WritableBlob) Digest() Digest { return w.b.digest }

// Size returns the number of bytes written so far
func (w *WritableBlob) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Write appends content to the blob. Full blocks are flushed to
// reserved space eagerly so the writer buffers at most one block.
func (w *WritableBlob) Write(ctx context.Context, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, status.ErrClosed.WrapMessage("write on closed blob writer for %s", w.b.digest)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := w.hasher.Write(p); err != nil {
		w.fail()
		return 0, status.ErrIO.Wrap(err)
	}
	w.buf = append(w.buf, p...)
	w.size += uint64(len(p))
	bs := int(w.e.sb.BlockSize)
	if full := len(w.buf) / bs; full > 0 {
		if err := w.spill(ctx, uint64(full)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// spill reserves space for count full blocks from the head of the
// buffer and writes them out. Caller holds w.mu.
func (w *WritableBlob) spill(ctx context.Context, count uint64) error {
	res, err := w.e.alloc.ReserveBlocks(count)
	if err != nil {
		w.fail()
		return err
	}
	bs := int(w.e.sb.BlockSize)
	for _, re := range res {
		ext := re.Extent()
		chunk := w.buf[:int(ext.Count)*bs]
		if err := w.e.dev.WriteBlocks(ctx, ext.Start, chunk); err != nil {
			alloc.CancelExtents(res)
			w.fail()
			return status.ErrIO.Wrap(err)
		}
		w.buf = w.buf[len(chunk):]
		w.appendExtent(ext)
	}
	w.reserved = append(w.reserved, res...)
	return nil
}

// appendExtent merges the run into the logical extent list when it
// extends the previous one
func (w *WritableBlob) appendExtent(ext layout.Extent) {
	if n := len(w.extents); n > 0 {
		prev := &w.extents[n-1]
		if prev.Start+uint64(prev.Count) == ext.Start &&
			prev.Count+ext.Count <= layout.MaxExtentBlocks {
			prev.Count += ext.Count
			return
		}
	}
	w.extents = append(w.extents, ext)
}

// Finalize verifies the content digest and commits the blob. On a
// digest mismatch every reservation is rolled back, the digest becomes
// writable again, and ErrDigestMismatch is returned.
func (w *WritableBlob) Finalize(ctx context.Context) error {
	t0 := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return status.ErrClosed.WrapMessage("finalize on closed blob writer for %s", w.b.digest)
	}

	bs := int(w.e.sb.BlockSize)
	if len(w.buf) > 0 {
		// pad the tail out to a whole block before spilling
		pad := (bs - len(w.buf)%bs) % bs
		w.buf = append(w.buf, make([]byte, pad)...)
		if err := w.spill(ctx, uint64(len(w.buf)/bs)); err != nil {
			return err
		}
	}

	sum := w.hasher.Sum()
	if sum != w.b.digest {
		w.fail()
		w.e.l.Debug("digest mismatch on finalize",
			zap.Stringer("want", w.b.digest),
			zap.Stringer("got", sum),
		)
		return status.ErrDigestMismatch.WrapMessage("content hashed to %s, expected %s", sum, w.b.digest)
	}

	// data must be durable before the metadata that references it
	if err := w.e.dev.Flush(ctx); err != nil {
		w.fail()
		return status.ErrIO.Wrap(err)
	}

	extra, err := w.reserveContainers()
	if err != nil {
		w.fail()
		return err
	}
	nodes := make([]uint32, 0, 1+len(extra))
	nodes = append(nodes, w.node.Index())
	for _, rn := range extra {
		nodes = append(nodes, rn.Index())
	}
	inodes := buildChain(w.b.digest, w.size, w.extents, nodes)

	handles := append([]*alloc.ReservedNode{w.node}, extra...)
	reserved := w.reserved
	e := w.e
	work := writeback.NewWork(writeback.KindWriteNode, func(txn *journal.Transaction) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.alloc.CommitBlocks(txn, reserved); err != nil {
			return err
		}
		if err := e.alloc.CommitNodes(txn, handles); err != nil {
			return err
		}
		for i, idx := range nodes {
			if err := e.table.put(idx, inodes[i]); err != nil {
				return err
			}
			if err := e.table.stage(txn, idx); err != nil {
				return err
			}
		}
		return nil
	})
	if err := e.wb.Enqueue(ctx, work); err != nil {
		alloc.CancelNodes(extra)
		w.fail()
		return err
	}
	if err := work.Wait(ctx); err != nil {
		// in-memory allocation state may now disagree with the disk
		e.degrade(err)
		w.done = true
		w.b.setPurged()
		e.cache.Remove(w.b.digest)
		return status.ErrIO.Wrap(err)
	}

	head := w.node.Index()
	e.mu.Lock()
	e.index[w.b.digest] = head
	e.mu.Unlock()
	w.b.setReadable(head, w.size, w.extents)
	w.done = true
	// the writer holds no handle; let the policy decide whether the
	// fresh blob stays cached
	e.cache.Touch(w.b.digest)
	e.cache.ReleaseIdle(w.b.digest)

	if e.MetricsEnabled() {
		metrics.Inc(engineMetrics.Ops, "finalize")
		metrics.Int64(engineMetrics.Bytes, int64(w.size), "write")
		metrics.SinceMS(engineMetrics.Duration, t0, "finalize")
	}
	e.l.Debug("blob committed",
		zap.Stringer("digest", w.b.digest),
		zap.Uint64("size", w.size),
		zap.Int("extents", len(w.extents)),
	)
	return nil
}

// reserveContainers claims the extra nodes needed when the extent list
// overflows the primary inode. Caller holds w.mu.
func (w *WritableBlob) reserveContainers() ([]*alloc.ReservedNode, error) {
	n := len(w.extents)
	if n <= layout.InodeSlots {
		return nil, nil
	}
	extra := (n - layout.InodeSlots + layout.InodeSlots - 1) / layout.InodeSlots
	return w.e.alloc.ReserveNodes(uint32(extra))
}

// buildChain lays the extent list out across a primary inode and its
// container chain
func buildChain(d Digest, size uint64, extents []layout.Extent, nodes []uint32) []layout.Inode {
	var blocks uint32
	for _, ext := range extents {
		blocks += ext.Count
	}
	inodes := make([]layout.Inode, len(nodes))
	for i := range nodes {
		ino := layout.Inode{
			Flags:      layout.FlagAllocated,
			NextNode:   layout.InvalidNode,
			ChainIndex: uint32(i),
		}
		if i == 0 {
			ino.Digest = d
			ino.Size = size
			ino.BlockCount = blocks
			ino.Flags |= layout.FlagReadable
		} else {
			ino.Flags |= layout.FlagContainer
		}
		if i+1 < len(nodes) {
			ino.NextNode = nodes[i+1]
		}
		lo := i * layout.InodeSlots
		hi := lo + layout.InodeSlots
		if hi > len(extents) {
			hi = len(extents)
		}
		for j := lo; j < hi; j++ {
			ino.Extents[j-lo] = extents[j]
		}
		ino.ExtentCount = uint16(hi - lo)
		inodes[i] = ino
	}
	return inodes
}

// Abort discards the write, returning every reservation to the free
// pool. It is a no-op after Finalize or a failed write.
func (w *WritableBlob) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.fail()
}

// fail rolls the writer back in memory. Caller holds w.mu.
func (w *WritableBlob) fail() {
	alloc.CancelExtents(w.reserved)
	w.reserved = nil
	if w.node != nil {
		w.node.Cancel()
	}
	w.b.setPurged()
	w.e.cache.Remove(w.b.digest)
	w.done = true
}
