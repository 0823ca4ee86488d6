package blobfs

import (
	"context"

	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/journal"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
)

// nodeTable holds an in-memory image of the on-disk inode table.
// Mutations update the image and then stage the containing table block
// into a journal transaction, so the disk copy only ever advances
// through committed transactions. Callers serialize access through the
// engine lock.
type nodeTable struct {
	sb     layout.Superblock
	blocks [][]byte
}

func loadNodeTable(ctx context.Context, dev blockdev.Device, sb layout.Superblock) (*nodeTable, error) {
	t := &nodeTable{
		sb:     sb,
		blocks: make([][]byte, sb.InodeTableBlocks),
	}
	raw, err := dev.ReadBlocks(ctx, sb.InodeTableStart(), sb.InodeTableBlocks)
	if err != nil {
		return nil, status.ErrIO.Wrap(err)
	}
	bs := int(sb.BlockSize)
	for i := range t.blocks {
		t.blocks[i] = raw[i*bs : (i+1)*bs]
	}
	return t, nil
}

// newNodeTable builds an all-zero table image. Used by format, which
// writes the blocks out directly.
func newNodeTable(sb layout.Superblock) *nodeTable {
	t := &nodeTable{
		sb:     sb,
		blocks: make([][]byte, sb.InodeTableBlocks),
	}
	for i := range t.blocks {
		t.blocks[i] = make([]byte, sb.BlockSize)
	}
	return t
}

func (t *nodeTable) locate(index uint32) (blk int, off uint32, err error) {
	if index >= t.sb.InodeCount {
		return 0, 0, status.ErrCorruptMetadata.WrapMessage("node index %d beyond table of %d", index, t.sb.InodeCount)
	}
	abs, off := t.sb.InodeLocation(index)
	return int(abs - t.sb.InodeTableStart()), off, nil
}

func (t *nodeTable) get(index uint32) (layout.Inode, error) {
	blk, off, err := t.locate(index)
	if err != nil {
		return layout.Inode{}, err
	}
	return layout.DecodeInode(t.blocks[blk][off : off+layout.InodeSize])
}

func (t *nodeTable) put(index uint32, ino layout.Inode) error {
	blk, off, err := t.locate(index)
	if err != nil {
		return err
	}
	raw, err := ino.Encode()
	if err != nil {
		return err
	}
	copy(t.blocks[blk][off:off+layout.InodeSize], raw)
	return nil
}

// clear tombstones a node record
func (t *nodeTable) clear(index uint32) error {
	blk, off, err := t.locate(index)
	if err != nil {
		return err
	}
	for i := uint32(0); i < layout.InodeSize; i++ {
		t.blocks[blk][off+i] = 0
	}
	return nil
}

// stage enqueues the table block holding index into txn
func (t *nodeTable) stage(txn *journal.Transaction, index uint32) error {
	blk, _, err := t.locate(index)
	if err != nil {
		return err
	}
	return txn.Enqueue(t.sb.InodeTableStart()+uint64(blk), t.blocks[blk])
}

// forEach walks every node slot in index order
func (t *nodeTable) forEach(fn func(index uint32, ino layout.Inode) error) error {
	for i := uint32(0); i < t.sb.InodeCount; i++ {
		ino, err := t.get(i)
		if err != nil {
			return err
		}
		if err := fn(i, ino); err != nil {
			return err
		}
	}
	return nil
}
