package alloc

import (
	"context"
	"sync"
	"testing"

	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/errors"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) layout.Superblock {
	sb, err := layout.Compute(512, 256, 64, 8)
	require.NoError(t, err)
	return sb
}

func testAllocator(t *testing.T) (*Allocator, layout.Superblock) {
	sb := testLayout(t)
	return New(sb, Logger(dlogger.TestLogger(t))), sb
}

type fakeTxn struct {
	writes map[uint64][]byte
}

func newFakeTxn() *fakeTxn {
	return &fakeTxn{writes: make(map[uint64][]byte)}
}

func (f *fakeTxn) Enqueue(blockIndex uint64, data []byte) error {
	f.writes[blockIndex] = append([]byte(nil), data...)
	return nil
}

func TestReserveCommitBlocks(t *testing.T) {
	a, sb := testAllocator(t)
	free := a.FreeBlocks()
	require.Equal(t, sb.DataBlocks(), free)

	res, err := a.ReserveBlocks(3)
	require.NoError(t, err)
	require.EqualValues(t, 3, TotalBlocks(res))
	require.Equal(t, layout.Extent{Start: sb.DataStart(), Count: 3}, res[0].Extent())

	// reserved is not yet allocated
	require.False(t, a.CheckBlocksAllocated(sb.DataStart(), sb.DataStart()+3))
	require.Equal(t, free-3, a.FreeBlocks())

	txn := newFakeTxn()
	require.NoError(t, a.CommitBlocks(txn, res))
	require.True(t, a.CheckBlocksAllocated(sb.DataStart(), sb.DataStart()+3))
	require.Equal(t, []layout.Extent{{Start: sb.DataStart(), Count: 3}}, a.GetAllocatedRegions())

	// the dirtied bitmap block was staged into the transaction
	staged, ok := txn.writes[sb.BlockBitmapStart()]
	require.True(t, ok)
	bit := sb.DataStart()
	require.NotZero(t, staged[bit/8]&(1<<(bit%8)))

	// a committed handle cannot be recommitted
	require.True(t, errors.Is(a.CommitBlocks(newFakeTxn(), res), status.ErrCorruptMetadata))
}

func TestConcurrentReservationsDisjoint(t *testing.T) {
	a, _ := testAllocator(t)

	const workers = 8
	sizes := []uint64{3, 7, 1, 12, 5, 2, 9, 4}
	var total uint64
	for _, s := range sizes {
		total += s
	}

	var wg sync.WaitGroup
	results := make([][]*ReservedExtent, workers)
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = a.ReserveBlocks(sizes[w])
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]int)
	for _, err := range errs {
		require.NoError(t, err)
	}
	for w, res := range results {
		require.EqualValues(t, sizes[w], TotalBlocks(res))
		for _, re := range res {
			for i := re.Extent().Start; i < re.Extent().End(); i++ {
				seen[i]++
			}
		}
	}
	require.Len(t, seen, int(total), "reserved ranges must not intersect")
	for block, n := range seen {
		require.Equal(t, 1, n, "block %d double-claimed", block)
	}
}

func TestCancelReturnsBlocks(t *testing.T) {
	a, sb := testAllocator(t)
	free := a.FreeBlocks()

	res, err := a.ReserveBlocks(5)
	require.NoError(t, err)
	require.Equal(t, free-5, a.FreeBlocks())

	CancelExtents(res)
	require.Equal(t, free, a.FreeBlocks())

	// cancel is idempotent
	CancelExtents(res)
	require.Equal(t, free, a.FreeBlocks())

	// first-fit hands the same run out again
	res, err = a.ReserveBlocks(5)
	require.NoError(t, err)
	require.Equal(t, layout.Extent{Start: sb.DataStart(), Count: 5}, res[0].Extent())
}

func TestReserveBlocksFragmented(t *testing.T) {
	a, sb := testAllocator(t)

	r1, err := a.ReserveBlocks(1)
	require.NoError(t, err)
	r2, err := a.ReserveBlocks(1)
	require.NoError(t, err)
	r3, err := a.ReserveBlocks(1)
	require.NoError(t, err)

	txn := newFakeTxn()
	require.NoError(t, a.CommitBlocks(txn, r1))
	require.NoError(t, a.CommitBlocks(txn, r3))
	CancelExtents(r2)

	// the free hole left by r2 plus the tail after r3
	res, err := a.ReserveBlocks(2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, layout.Extent{Start: sb.DataStart() + 1, Count: 1}, res[0].Extent())
	require.Equal(t, layout.Extent{Start: sb.DataStart() + 3, Count: 1}, res[1].Extent())
}

func TestReserveBlocksOutOfSpace(t *testing.T) {
	a, sb := testAllocator(t)
	free := a.FreeBlocks()

	_, err := a.ReserveBlocks(sb.DataBlocks() + 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, status.ErrOutOfSpace))
	// a failed reservation claims nothing
	require.Equal(t, free, a.FreeBlocks())

	res, err := a.ReserveBlocks(sb.DataBlocks())
	require.NoError(t, err)
	require.Equal(t, free, TotalBlocks(res))
	_, err = a.ReserveBlocks(1)
	require.True(t, errors.Is(err, status.ErrOutOfSpace))
}

func TestReleaseBlocks(t *testing.T) {
	a, sb := testAllocator(t)
	free := a.FreeBlocks()

	res, err := a.ReserveBlocks(4)
	require.NoError(t, err)
	exts := Extents(res)
	require.NoError(t, a.CommitBlocks(newFakeTxn(), res))

	require.NoError(t, a.ReleaseBlocks(newFakeTxn(), exts))
	require.Equal(t, free, a.FreeBlocks())
	require.Empty(t, a.GetAllocatedRegions())

	// double free detected
	err = a.ReleaseBlocks(newFakeTxn(), exts)
	require.True(t, errors.Is(err, status.ErrCorruptMetadata))

	// releasing metadata blocks is refused
	err = a.ReleaseBlocks(newFakeTxn(), []layout.Extent{{Start: sb.BlockBitmapStart(), Count: 1}})
	require.True(t, errors.Is(err, status.ErrCorruptMetadata))
}

func TestReserveCommitNodes(t *testing.T) {
	a, sb := testAllocator(t)
	require.EqualValues(t, sb.InodeCount, a.FreeNodes())

	res, err := a.ReserveNodes(2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.EqualValues(t, 0, res[0].Index())
	require.EqualValues(t, 1, res[1].Index())

	txn := newFakeTxn()
	require.NoError(t, a.CommitNodes(txn, res))
	require.True(t, a.NodeAllocated(0))
	require.True(t, a.NodeAllocated(1))
	_, ok := txn.writes[sb.NodeBitmapStart()]
	require.True(t, ok)

	require.NoError(t, a.ReleaseNode(newFakeTxn(), 0))
	require.False(t, a.NodeAllocated(0))
	require.True(t, errors.Is(a.ReleaseNode(newFakeTxn(), 0), status.ErrCorruptMetadata))

	_, err = a.ReserveNodes(sb.InodeCount)
	require.True(t, errors.Is(err, status.ErrOutOfSpace))
}

func TestFlushLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	sb := testLayout(t)
	dev := blockdev.NewMem(sb.BlockSize, sb.BlockCount)

	a := New(sb)
	res, err := a.ReserveBlocks(6)
	require.NoError(t, err)
	require.NoError(t, a.CommitBlocks(newFakeTxn(), res))
	nres, err := a.ReserveNodes(3)
	require.NoError(t, err)
	require.NoError(t, a.CommitNodes(newFakeTxn(), nres))

	// leave an uncommitted reservation dangling: it must not survive
	_, err = a.ReserveBlocks(2)
	require.NoError(t, err)

	require.NoError(t, a.Flush(ctx, dev))

	b := New(sb)
	require.NoError(t, b.Load(ctx, dev))
	require.True(t, b.CheckBlocksAllocated(sb.DataStart(), sb.DataStart()+6))
	require.Equal(t, a.GetAllocatedRegions(), b.GetAllocatedRegions())
	require.True(t, b.NodeAllocated(2))
	// the dangling reservation reverted to free
	require.Equal(t, sb.DataBlocks()-6, b.FreeBlocks())
}
