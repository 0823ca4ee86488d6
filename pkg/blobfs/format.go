package blobfs

import (
	"context"

	"github.com/blobcask/blobcask/pkg/alloc"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/journal"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
)

// FormatOption tunes store geometry at format time
type FormatOption func(*formatOptions)

type formatOptions struct {
	inodeCount    uint32
	journalBlocks uint64
}

// InodeCount sets how many blobs the store can hold. The default
// scales with device size.
func InodeCount(n uint32) FormatOption {
	return func(o *formatOptions) {
		if n > 0 {
			o.inodeCount = n
		}
	}
}

// JournalBlocks sets the size of the metadata journal in blocks. The
// journal bounds the size of one commit, so stores holding very
// fragmented blobs want a larger one.
func JournalBlocks(n uint64) FormatOption {
	return func(o *formatOptions) {
		if n >= layout.MinJournalBlocks {
			o.journalBlocks = n
		}
	}
}

func defaultFormatOptions(blockCount uint64) formatOptions {
	inodes := blockCount / 8
	if inodes < 16 {
		inodes = 16
	}
	if inodes > 1<<16 {
		inodes = 1 << 16
	}
	jblocks := blockCount / 64
	if jblocks < 8 {
		jblocks = 8
	}
	if jblocks > 256 {
		jblocks = 256
	}
	return formatOptions{
		inodeCount:    uint32(inodes),
		journalBlocks: jblocks,
	}
}

// Format writes a fresh, empty store onto dev, destroying whatever it
// held. It returns the geometry it laid down.
func Format(ctx context.Context, dev blockdev.Device, opts ...FormatOption) (layout.Superblock, error) {
	o := defaultFormatOptions(dev.BlockCount())
	for _, apply := range opts {
		apply(&o)
	}
	sb, err := layout.Compute(dev.BlockSize(), dev.BlockCount(), o.inodeCount, o.journalBlocks)
	if err != nil {
		return layout.Superblock{}, err
	}

	// superblock
	blk := make([]byte, sb.BlockSize)
	copy(blk, sb.Encode())
	if err := dev.WriteBlocks(ctx, layout.SuperblockIndex, blk); err != nil {
		return layout.Superblock{}, status.ErrIO.Wrap(err)
	}

	// bitmaps with the metadata region pre-allocated
	a := alloc.New(sb)
	if err := a.Flush(ctx, dev); err != nil {
		return layout.Superblock{}, err
	}

	// empty node table
	zero := make([]byte, sb.BlockSize)
	for i := uint64(0); i < sb.InodeTableBlocks; i++ {
		if err := dev.WriteBlocks(ctx, sb.InodeTableStart()+i, zero); err != nil {
			return layout.Superblock{}, status.ErrIO.Wrap(err)
		}
	}

	// pristine journal
	j, err := journal.New(dev, sb.JournalStartBlock, sb.JournalBlockCount)
	if err != nil {
		return layout.Superblock{}, err
	}
	if err := j.Reset(ctx); err != nil {
		return layout.Superblock{}, err
	}

	if err := dev.Flush(ctx); err != nil {
		return layout.Superblock{}, status.ErrIO.Wrap(err)
	}
	return sb, nil
}
