package blobfs

import (
	"context"
	"fmt"
	"io"

	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
)

// Report summarizes an integrity pass over the store
type Report struct {
	Blobs          int
	ContainerNodes int
	OrphanNodes    []uint32
	LeakedBlocks   uint64
	Problems       []string
}

// Clean reports whether the pass found nothing wrong
func (r *Report) Clean() bool {
	return len(r.Problems) == 0 && len(r.OrphanNodes) == 0 && r.LeakedBlocks == 0
}

func (r *Report) problemf(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check walks every blob and cross-checks the node table against the
// allocation bitmaps: extents must sit in the data region, no block
// may belong to two blobs, every referenced block and node must be
// marked allocated, and nothing allocated may be unreferenced. It also
// re-reads the superblock to catch on-disk corruption behind a live
// mount.
func (e *Engine) Check(ctx context.Context) (*Report, error) {
	if err := e.openCheck(); err != nil {
		return nil, err
	}
	r := &Report{}

	raw, err := e.dev.ReadBlocks(ctx, layout.SuperblockIndex, 1)
	if err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	if _, err := layout.DecodeSuperblock(raw); err != nil {
		r.problemf("superblock: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[uint64]Digest)
	referenced := make(map[uint32]bool)
	dataStart := e.sb.DataStart()
	dataEnd := dataStart + e.sb.DataBlocks()

	for d, idx := range e.index {
		extents, nodes, err := collectExtents(e.table, idx)
		if err != nil {
			r.problemf("blob %s: %v", d, err)
			continue
		}
		r.Blobs++
		for _, n := range nodes {
			referenced[n] = true
			if !e.alloc.NodeAllocated(n) {
				r.problemf("blob %s: node %d not marked allocated", d, n)
			}
		}
		r.ContainerNodes += len(nodes) - 1

		var blocks uint32
		for _, ext := range extents {
			end := ext.Start + uint64(ext.Count)
			if ext.Start < dataStart || end > dataEnd {
				r.problemf("blob %s: extent [%d,%d) outside the data region", d, ext.Start, end)
				continue
			}
			if !e.alloc.CheckBlocksAllocated(ext.Start, end) {
				r.problemf("blob %s: extent [%d,%d) not fully allocated", d, ext.Start, end)
			}
			for blk := ext.Start; blk < end; blk++ {
				if other, dup := seen[blk]; dup {
					r.problemf("block %d claimed by both %s and %s", blk, other, d)
				}
				seen[blk] = d
			}
			blocks += ext.Count
		}

		ino, err := e.table.get(idx)
		if err != nil {
			r.problemf("blob %s: %v", d, err)
			continue
		}
		if ino.BlockCount != blocks {
			r.problemf("blob %s: inode says %d blocks, extents cover %d", d, ino.BlockCount, blocks)
		}
		if want := (ino.Size + uint64(e.sb.BlockSize) - 1) / uint64(e.sb.BlockSize); want != uint64(blocks) {
			r.problemf("blob %s: size %d needs %d blocks, extents cover %d", d, ino.Size, want, blocks)
		}
	}

	// allocated nodes nothing references
	err = e.table.forEach(func(i uint32, ino layout.Inode) error {
		if e.alloc.NodeAllocated(i) && !referenced[i] {
			r.OrphanNodes = append(r.OrphanNodes, i)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// allocated data blocks nothing references
	for _, ext := range e.alloc.GetAllocatedRegions() {
		for blk := ext.Start; blk < ext.Start+uint64(ext.Count); blk++ {
			if _, ok := seen[blk]; !ok {
				r.LeakedBlocks++
			}
		}
	}
	return r, nil
}

// VerifyBlob re-reads a blob's full content and re-hashes it against
// its digest. ErrDigestMismatch means the data rotted on disk.
func (e *Engine) VerifyBlob(ctx context.Context, d Digest) error {
	r, err := e.OpenBlob(ctx, d)
	if err != nil {
		return err
	}
	defer r.Close()

	h := NewHasher()
	buf := make([]byte, 64*1024)
	var off int64
	for {
		n, rerr := r.ReadAt(ctx, buf, off)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return status.ErrIO.Wrap(err)
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if sum := h.Sum(); sum != d {
		return status.ErrDigestMismatch.WrapMessage("blob %s re-hashed to %s", d, sum)
	}
	return nil
}
