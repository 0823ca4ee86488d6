package blobfs

import (
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
)

// ExtentIterator yields a blob's extents in logical order, following
// the container chain when the extent list overflows the primary
// inode. Chain records are validated as they are visited: a container
// must carry the container flag, its chain index must advance by one,
// and the walk must terminate within the node table. Any violation
// surfaces as ErrCorruptMetadata.
type ExtentIterator struct {
	t       *nodeTable
	ino     layout.Inode
	node    uint32
	slot    int
	chain   uint32
	visited uint32
}

func newExtentIterator(t *nodeTable, node uint32) (*ExtentIterator, error) {
	ino, err := t.get(node)
	if err != nil {
		return nil, err
	}
	if !ino.IsAllocated() || ino.IsContainer() {
		return nil, status.ErrCorruptMetadata.WrapMessage("node %d is not a blob head", node)
	}
	return &ExtentIterator{t: t, ino: ino, node: node, visited: 1}, nil
}

// Next returns the next extent. The second result is false once the
// list is exhausted.
func (it *ExtentIterator) Next() (layout.Extent, bool, error) {
	for it.slot >= int(it.ino.ExtentCount) {
		if it.ino.NextNode == layout.InvalidNode {
			return layout.Extent{}, false, nil
		}
		if err := it.descend(); err != nil {
			return layout.Extent{}, false, err
		}
	}
	ext := it.ino.Extents[it.slot]
	it.slot++
	return ext, true, nil
}

func (it *ExtentIterator) descend() error {
	next := it.ino.NextNode
	if it.visited > it.t.sb.InodeCount {
		return status.ErrCorruptMetadata.WrapMessage("container chain from node %d does not terminate", it.node)
	}
	ino, err := it.t.get(next)
	if err != nil {
		return err
	}
	if !ino.IsAllocated() || !ino.IsContainer() {
		return status.ErrCorruptMetadata.WrapMessage("node %d chains to %d which is not a container", it.node, next)
	}
	if ino.ChainIndex != it.chain+1 {
		return status.ErrCorruptMetadata.WrapMessage("container %d has chain index %d, expected %d", next, ino.ChainIndex, it.chain+1)
	}
	it.ino = ino
	it.chain++
	it.visited++
	it.slot = 0
	return nil
}

// collectExtents materializes the full extent list for the blob headed
// at node, along with every node index in its chain including the head
func collectExtents(t *nodeTable, node uint32) ([]layout.Extent, []uint32, error) {
	it, err := newExtentIterator(t, node)
	if err != nil {
		return nil, nil, err
	}
	var exts []layout.Extent
	nodes := []uint32{node}
	for {
		ext, ok, err := it.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		exts = append(exts, ext)
	}
	// second walk collects the chain's node indexes
	ino, err := t.get(node)
	if err != nil {
		return nil, nil, err
	}
	for ino.NextNode != layout.InvalidNode {
		next := ino.NextNode
		nodes = append(nodes, next)
		if uint32(len(nodes)) > t.sb.InodeCount {
			return nil, nil, status.ErrCorruptMetadata.WrapMessage("container chain from node %d does not terminate", node)
		}
		ino, err = t.get(next)
		if err != nil {
			return nil, nil, err
		}
	}
	return exts, nodes, nil
}
