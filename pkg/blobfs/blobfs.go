// Package blobfs implements a content-addressed blob store on a raw
// block device.
//
// Blobs are addressed by the blake2b-256 digest of their content.
// Data blocks are written in place as content streams in; metadata
// (allocation bitmaps and the node table) only changes through
// journaled transactions applied by a single writeback flusher, so a
// crash at any point leaves either the whole blob or none of it.
package blobfs

import (
	"context"
	"sync"
	"time"

	"github.com/blobcask/blobcask/pkg/alloc"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/journal"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/metrics"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/blobcask/blobcask/pkg/writeback"
	"go.uber.org/zap"
)

// Engine is a mounted blob store. All methods are safe for concurrent
// use.
type Engine struct {
	metrics.Enable

	dev   blockdev.Device
	sb    layout.Superblock
	alloc *alloc.Allocator
	jrnl  *journal.Journal
	wb    *writeback.Queue
	cache *Cache

	l          *zap.Logger
	mode       Writability
	policy     EvictionPolicy
	wbCapacity int
	journalOff bool

	// mu guards the node table, the digest index and the degraded flag
	mu       sync.Mutex
	table    *nodeTable
	index    map[Digest]uint32
	degraded error
	closed   bool
}

// New mounts the store on dev. A Writable or ReadOnlyFilesystem mount
// first replays any committed journal transactions the previous
// session did not finish applying.
func New(ctx context.Context, dev blockdev.Device, opts ...Option) (*Engine, error) {
	e := &Engine{
		dev:        dev,
		l:          dlogger.MustGetLogger("info"),
		mode:       Writable,
		policy:     EvictImmediately{},
		wbCapacity: writeback.DefaultCapacity,
		index:      make(map[Digest]uint32),
	}
	for _, apply := range opts {
		apply(e)
	}
	e.cache = NewCache(e.policy)

	raw, err := dev.ReadBlocks(ctx, layout.SuperblockIndex, 1)
	if err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	sb, err := layout.DecodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize != dev.BlockSize() {
		return nil, status.ErrCorruptMetadata.WrapMessage("device block size %d does not match formatted size %d", dev.BlockSize(), sb.BlockSize)
	}
	if sb.BlockCount > dev.BlockCount() {
		return nil, status.ErrCorruptMetadata.WrapMessage("device has %d blocks, format needs %d", dev.BlockCount(), sb.BlockCount)
	}
	e.sb = sb

	jopts := []journal.Option{journal.Logger(e.l)}
	if e.journalOff {
		jopts = append(jopts, journal.Disabled())
	}
	e.jrnl, err = journal.New(dev, sb.JournalStartBlock, sb.JournalBlockCount, jopts...)
	if err != nil {
		return nil, err
	}
	if e.mode != ReadOnlyDisk && !e.journalOff {
		applied, err := e.jrnl.Replay(ctx)
		if err != nil {
			return nil, err
		}
		if applied > 0 {
			e.l.Info("journal replay finished pending commits", zap.Int("transactions", applied))
		}
	}

	e.alloc = alloc.New(sb, alloc.Logger(e.l))
	if err := e.alloc.Load(ctx, dev); err != nil {
		return nil, err
	}
	e.table, err = loadNodeTable(ctx, dev, sb)
	if err != nil {
		return nil, err
	}
	if err := e.buildIndex(); err != nil {
		return nil, err
	}

	e.wb = writeback.New(e.jrnl, writeback.Capacity(e.wbCapacity), writeback.Logger(e.l))

	e.l.Info("store mounted",
		zap.Stringer("mode", e.mode),
		zap.Uint32("blockSize", sb.BlockSize),
		zap.Uint64("blocks", sb.BlockCount),
		zap.Int("blobs", len(e.index)),
	)
	return e, nil
}

// buildIndex scans the node table for readable blob heads
func (e *Engine) buildIndex() error {
	return e.table.forEach(func(i uint32, ino layout.Inode) error {
		if !ino.IsAllocated() || ino.IsContainer() || !ino.IsReadable() {
			return nil
		}
		d, err := DigestFromBytes(ino.Digest[:])
		if err != nil {
			return err
		}
		if d.IsZero() {
			return status.ErrCorruptMetadata.WrapMessage("readable node %d has a zero digest", i)
		}
		if prev, dup := e.index[d]; dup {
			return status.ErrCorruptMetadata.WrapMessage("digest %s heads both node %d and node %d", d, prev, i)
		}
		e.index[d] = i
		return nil
	})
}

func (e *Engine) writableCheck() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return status.ErrClosed.WrapMessage("store is closed")
	}
	if e.degraded != nil {
		return status.ErrIO.WrapMessage("store is degraded after a failed commit: %v", e.degraded)
	}
	if e.mode != Writable {
		return status.ErrReadOnly.WrapMessage("store mounted %s", e.mode)
	}
	return nil
}

func (e *Engine) openCheck() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return status.ErrClosed.WrapMessage("store is closed")
	}
	return nil
}

// degrade marks the engine unusable for writes after a commit failure
// left in-memory state ahead of the disk
func (e *Engine) degrade(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.degraded == nil {
		e.degraded = err
		e.l.Error("entering degraded mode", zap.Error(err))
	}
}

// CreateBlob starts writing the blob addressed by d. At most one
// writer per digest may exist; a second CreateBlob for the same digest
// fails with ErrAlreadyExists until the first writer finishes or rolls
// back.
func (e *Engine) CreateBlob(ctx context.Context, d Digest) (*WritableBlob, error) {
	if err := e.writableCheck(); err != nil {
		return nil, err
	}
	if d.IsZero() {
		return nil, status.ErrDigestMismatch.WrapMessage("the zero digest does not address content")
	}

	e.mu.Lock()
	if _, ok := e.index[d]; ok {
		e.mu.Unlock()
		return nil, status.ErrAlreadyExists.WrapMessage("blob %s", d)
	}
	b, inserted := e.cache.InsertOrFind(d)
	e.mu.Unlock()
	if !inserted {
		return nil, status.ErrAlreadyExists.WrapMessage("blob %s", d)
	}

	node, err := e.alloc.ReserveNodes(1)
	if err != nil {
		e.cache.Remove(d)
		return nil, err
	}
	b.setWriting()
	if e.MetricsEnabled() {
		metrics.Inc(engineMetrics.Ops, "create")
	}
	return &WritableBlob{
		e:      e,
		b:      b,
		hasher: NewHasher(),
		node:   node[0],
	}, nil
}

// OpenBlob opens a read handle on the blob addressed by d. Blobs still
// being written are not visible; opening them fails with ErrNotFound.
func (e *Engine) OpenBlob(ctx context.Context, d Digest) (*ReadableBlob, error) {
	if err := e.openCheck(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if b := e.cache.Lookup(d); b != nil {
		switch b.State() {
		case StateReadable:
			b.addHandle()
			return &ReadableBlob{e: e, b: b}, nil
		default:
			return nil, status.ErrNotFound.WrapMessage("blob %s is not readable yet", d)
		}
	}

	idx, ok := e.index[d]
	if !ok {
		return nil, status.ErrNotFound.WrapMessage("blob %s", d)
	}
	ino, err := e.table.get(idx)
	if err != nil {
		return nil, err
	}
	extents, _, err := collectExtents(e.table, idx)
	if err != nil {
		return nil, err
	}
	b, inserted := e.cache.InsertOrFind(d)
	if inserted {
		b.setReadable(idx, ino.Size, extents)
	}
	b.addHandle()
	e.cache.Touch(d)
	if e.MetricsEnabled() {
		metrics.Inc(engineMetrics.Ops, "open")
	}
	return &ReadableBlob{e: e, b: b}, nil
}

// UnlinkBlob removes the blob addressed by d, returning its blocks and
// nodes to the free pool through a journaled commit. Blobs with open
// handles are busy and cannot be unlinked.
func (e *Engine) UnlinkBlob(ctx context.Context, d Digest) error {
	t0 := time.Now()
	if err := e.writableCheck(); err != nil {
		return err
	}

	e.mu.Lock()
	idx, ok := e.index[d]
	if !ok {
		e.mu.Unlock()
		return status.ErrNotFound.WrapMessage("blob %s", d)
	}
	if b := e.cache.Lookup(d); b != nil && b.openHandles() > 0 {
		e.mu.Unlock()
		return status.ErrBlobBusy.WrapMessage("blob %s has open handles", d)
	}
	extents, nodes, err := collectExtents(e.table, idx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	// make the blob invisible before freeing anything
	delete(e.index, d)
	e.mu.Unlock()
	e.cache.Remove(d)

	work := writeback.NewWork(writeback.KindFreeExtent, func(txn *journal.Transaction) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.alloc.ReleaseBlocks(txn, extents); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := e.alloc.ReleaseNode(txn, n); err != nil {
				return err
			}
			if err := e.table.clear(n); err != nil {
				return err
			}
			if err := e.table.stage(txn, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err := e.wb.Enqueue(ctx, work); err != nil {
		e.degrade(err)
		return err
	}
	if err := work.Wait(ctx); err != nil {
		e.degrade(err)
		return status.ErrIO.Wrap(err)
	}
	if e.MetricsEnabled() {
		metrics.Inc(engineMetrics.Ops, "unlink")
		metrics.SinceMS(engineMetrics.Duration, t0, "unlink")
	}
	e.l.Debug("blob unlinked", zap.Stringer("digest", d), zap.Int("extents", len(extents)))
	return nil
}

// Sync blocks until every admitted metadata commit is durable
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.openCheck(); err != nil {
		return err
	}
	if e.mode != Writable {
		return nil
	}
	if e.MetricsEnabled() {
		metrics.Inc(engineMetrics.Ops, "sync")
	}
	return e.wb.Sync(ctx)
}

// GetAllocatedRegions returns the allocated data extents in ascending
// order, merged into maximal runs. Reserved-but-uncommitted space is
// not included.
func (e *Engine) GetAllocatedRegions() []layout.Extent {
	return e.alloc.GetAllocatedRegions()
}

// EvictBlob drops the cached entry for d if it is readable and has no
// open handles. The blob itself stays on disk.
func (e *Engine) EvictBlob(d Digest) bool {
	return e.cache.Evict(d)
}

// Stats is a point-in-time snapshot of store occupancy
type Stats struct {
	BlockSize      uint32
	BlockCount     uint64
	DataBlocks     uint64
	FreeBlocks     uint64
	InodeCount     uint32
	FreeNodes      uint64
	Blobs          int
	CachedBlobs    int
	WritebackDepth int
}

// Stat reports current occupancy
func (e *Engine) Stat() Stats {
	e.mu.Lock()
	blobs := len(e.index)
	e.mu.Unlock()
	return Stats{
		BlockSize:      e.sb.BlockSize,
		BlockCount:     e.sb.BlockCount,
		DataBlocks:     e.sb.DataBlocks(),
		FreeBlocks:     e.alloc.FreeBlocks(),
		InodeCount:     e.sb.InodeCount,
		FreeNodes:      e.alloc.FreeNodes(),
		Blobs:          blobs,
		CachedBlobs:    e.cache.Len(),
		WritebackDepth: e.wb.Depth(),
	}
}

// Digests lists every readable blob in no particular order
func (e *Engine) Digests() []Digest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Digest, 0, len(e.index))
	for d := range e.index {
		out = append(out, d)
	}
	return out
}

// Superblock returns the mounted geometry
func (e *Engine) Superblock() layout.Superblock { return e.sb }

// Close drains pending writeback, flushes the device and marks the
// engine closed. The device itself stays open; it belongs to the
// caller.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.wb.Close(ctx); err != nil {
		return err
	}
	if e.mode == ReadOnlyDisk {
		return nil
	}
	if err := e.dev.Flush(ctx); err != nil {
		return status.ErrIO.Wrap(err)
	}
	e.l.Info("store closed")
	return nil
}
