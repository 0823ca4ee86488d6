package blobfs

import (
	"context"
	"io"
	"sync"

	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
)

// ReadableBlob is an open read handle on a committed blob. While any
// handle is open the blob can be neither unlinked nor evicted from the
// cache.
type ReadableBlob struct {
	e *Engine
	b *Blob

	mu     sync.Mutex
	closed bool
}

// Digest returns the blob's content address
func (r *ReadableBlob) Digest() Digest { return r.b.digest }

// Size returns the blob's byte length
func (r *ReadableBlob) Size() uint64 { return r.b.Size() }

// ReadAt fills p with blob content starting at off. It returns io.EOF
// when the read reaches the end of the blob, with a short count for a
// partial final read.
func (r *ReadableBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, status.ErrClosed.WrapMessage("read on closed handle for %s", r.b.digest)
	}
	r.mu.Unlock()
	if off < 0 {
		return 0, status.ErrIO.WrapMessage("negative read offset %d", off)
	}

	_, size, extents := r.b.snapshot()
	if uint64(off) >= size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := size - uint64(off); uint64(n) > rem {
		n = int(rem)
	}
	if err := r.e.readExtents(ctx, extents, uint64(off), p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAll returns the full blob content
func (r *ReadableBlob) ReadAll(ctx context.Context) ([]byte, error) {
	out := make([]byte, r.b.Size())
	if len(out) == 0 {
		return out, nil
	}
	if _, err := r.ReadAt(ctx, out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Close releases the handle. Once the last handle on a blob closes,
// the cache may evict it per its policy. Close is idempotent.
func (r *ReadableBlob) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.e.cache.Release(r.b.digest)
	return nil
}

// readExtents copies the byte range [off, off+len(p)) of the logical
// content laid out by extents into p
func (e *Engine) readExtents(ctx context.Context, extents []layout.Extent, off uint64, p []byte) error {
	bs := uint64(e.sb.BlockSize)
	rem := p
	for _, ext := range extents {
		if len(rem) == 0 {
			break
		}
		extBytes := uint64(ext.Count) * bs
		if off >= extBytes {
			off -= extBytes
			continue
		}
		want := extBytes - off
		if uint64(len(rem)) < want {
			want = uint64(len(rem))
		}
		firstBlk := off / bs
		lastBlk := (off + want - 1) / bs
		raw, err := e.dev.ReadBlocks(ctx, ext.Start+firstBlk, lastBlk-firstBlk+1)
		if err != nil {
			return status.ErrIO.Wrap(err)
		}
		skip := off - firstBlk*bs
		copy(rem, raw[skip:skip+want])
		rem = rem[want:]
		off = 0
	}
	if len(rem) != 0 {
		return status.ErrCorruptMetadata.WrapMessage("extent list short by %d bytes", len(rem))
	}
	return nil
}
