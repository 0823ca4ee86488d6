package blobfs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/blobcask/blobcask/internal/rand"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/stretchr/testify/require"
)

func testDevice(t *testing.T) *blockdev.MemDevice {
	t.Helper()
	dev := blockdev.NewMem(512, 512)
	_, err := Format(context.Background(), dev, InodeCount(64), JournalBlocks(16))
	require.NoError(t, err)
	return dev
}

func testEngine(t *testing.T, dev blockdev.Device, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{Logger(dlogger.TestLogger(t))}, opts...)
	e, err := New(context.Background(), dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close(context.Background())
	})
	return e
}

func writeBlob(t *testing.T, e *Engine, content []byte) Digest {
	t.Helper()
	ctx := context.Background()
	d := DigestOf(content)
	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)
	_, err = w.Write(ctx, content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))
	return d
}

func readBlob(t *testing.T, e *Engine, d Digest) []byte {
	t.Helper()
	ctx := context.Background()
	r, err := e.OpenBlob(ctx, d)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	out, err := r.ReadAll(ctx)
	require.NoError(t, err)
	return out
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	content := rand.SeededBytes(1, 3000) // five full blocks and a tail
	d := DigestOf(content)

	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)
	require.Equal(t, d, w.Digest())
	// stream in uneven chunks
	for off := 0; off < len(content); off += 700 {
		end := off + 700
		if end > len(content) {
			end = len(content)
		}
		n, err := w.Write(ctx, content[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
	require.Equal(t, uint64(len(content)), w.Size())
	require.NoError(t, w.Finalize(ctx))

	r, err := e.OpenBlob(ctx, d)
	require.NoError(t, err)
	require.Equal(t, uint64(len(content)), r.Size())
	require.Equal(t, d, r.Digest())

	got, err := r.ReadAll(ctx)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got))

	// unaligned interior read
	p := make([]byte, 900)
	n, err := r.ReadAt(ctx, p, 600)
	require.NoError(t, err)
	require.Equal(t, 900, n)
	require.True(t, bytes.Equal(content[600:1500], p))

	// short final read
	p = make([]byte, 512)
	n, err = r.ReadAt(ctx, p, int64(len(content)-100))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 100, n)
	require.True(t, bytes.Equal(content[len(content)-100:], p[:100]))

	// past the end
	_, err = r.ReadAt(ctx, p, int64(len(content)))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close()) // idempotent
}

func TestEmptyBlob(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	d := writeBlob(t, e, nil)
	r, err := e.OpenBlob(ctx, d)
	require.NoError(t, err)
	defer r.Close()
	require.Zero(t, r.Size())
	got, err := r.ReadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	_, err = r.ReadAt(ctx, make([]byte, 1), 0)
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, e.GetAllocatedRegions())
}

func TestCreateBlobDuplicate(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	content := rand.SeededBytes(2, 1000)
	d := DigestOf(content)

	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)

	// a second writer for the same digest is rejected while the first
	// is in flight
	_, err = e.CreateBlob(ctx, d)
	require.ErrorIs(t, err, status.ErrAlreadyExists)

	_, err = w.Write(ctx, content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))

	// and still rejected once the blob is durable
	_, err = e.CreateBlob(ctx, d)
	require.ErrorIs(t, err, status.ErrAlreadyExists)
}

func TestConcurrentCreateSingleWriter(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	content := rand.SeededBytes(11, 900)
	d := DigestOf(content)

	const racers = 16
	writers := make(chan *WritableBlob, racers)
	losses := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := e.CreateBlob(ctx, d)
			if err != nil {
				losses <- err
				return
			}
			writers <- w
		}()
	}
	wg.Wait()
	close(writers)
	close(losses)

	require.Len(t, writers, 1)
	for err := range losses {
		require.ErrorIs(t, err, status.ErrAlreadyExists)
	}

	w := <-writers
	_, err := w.Write(ctx, content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))
	require.Equal(t, content, readBlob(t, e, d))
}

func TestOpenBlobNotReadable(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	_, err := e.OpenBlob(ctx, DigestOf([]byte("nope")))
	require.ErrorIs(t, err, status.ErrNotFound)

	// a blob mid-write is not visible to readers
	content := rand.SeededBytes(3, 600)
	d := DigestOf(content)
	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)
	_, err = w.Write(ctx, content)
	require.NoError(t, err)
	_, err = e.OpenBlob(ctx, d)
	require.ErrorIs(t, err, status.ErrNotFound)

	require.NoError(t, w.Finalize(ctx))
	r, err := e.OpenBlob(ctx, d)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestDigestMismatchRollsBack(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))

	freeBlocks := e.Stat().FreeBlocks
	freeNodes := e.Stat().FreeNodes

	content := rand.SeededBytes(4, 2000)
	wrong := DigestOf([]byte("something else"))

	w, err := e.CreateBlob(ctx, wrong)
	require.NoError(t, err)
	_, err = w.Write(ctx, content)
	require.NoError(t, err)
	err = w.Finalize(ctx)
	require.ErrorIs(t, err, status.ErrDigestMismatch)

	// every reservation was returned
	require.Equal(t, freeBlocks, e.Stat().FreeBlocks)
	require.Equal(t, freeNodes, e.Stat().FreeNodes)
	require.Empty(t, e.GetAllocatedRegions())

	// the writer is dead
	_, err = w.Write(ctx, content)
	require.ErrorIs(t, err, status.ErrClosed)
	require.ErrorIs(t, w.Finalize(ctx), status.ErrClosed)

	// the failed digest is writable again, and the correct digest works
	w2, err := e.CreateBlob(ctx, wrong)
	require.NoError(t, err)
	w2.Abort()

	d := writeBlob(t, e, content)
	require.True(t, bytes.Equal(content, readBlob(t, e, d)))
}

func TestAbortReleasesReservations(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))
	freeBlocks := e.Stat().FreeBlocks
	freeNodes := e.Stat().FreeNodes

	content := rand.SeededBytes(5, 4096)
	d := DigestOf(content)
	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)
	_, err = w.Write(ctx, content)
	require.NoError(t, err)
	w.Abort()
	w.Abort() // idempotent

	require.Equal(t, freeBlocks, e.Stat().FreeBlocks)
	require.Equal(t, freeNodes, e.Stat().FreeNodes)

	// digest usable again after abort
	_ = writeBlob(t, e, content)
	require.True(t, bytes.Equal(content, readBlob(t, e, d)))
}

func TestUnlinkBlob(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))
	freeBlocks := e.Stat().FreeBlocks
	freeNodes := e.Stat().FreeNodes

	content := rand.SeededBytes(6, 1500)
	d := writeBlob(t, e, content)
	require.NotEmpty(t, e.GetAllocatedRegions())

	// busy while a handle is open
	r, err := e.OpenBlob(ctx, d)
	require.NoError(t, err)
	require.ErrorIs(t, e.UnlinkBlob(ctx, d), status.ErrBlobBusy)
	require.NoError(t, r.Close())

	require.NoError(t, e.UnlinkBlob(ctx, d))
	require.Empty(t, e.GetAllocatedRegions())
	require.Equal(t, freeBlocks, e.Stat().FreeBlocks)
	require.Equal(t, freeNodes, e.Stat().FreeNodes)

	_, err = e.OpenBlob(ctx, d)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.ErrorIs(t, e.UnlinkBlob(ctx, d), status.ErrNotFound)

	// the digest is writable again
	_ = writeBlob(t, e, content)
}

func TestOutOfSpaceClaimsNothing(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))
	freeBlocks := e.Stat().FreeBlocks

	content := rand.SeededBytes(7, int(freeBlocks+1)*512)
	d := DigestOf(content)
	w, err := e.CreateBlob(ctx, d)
	require.NoError(t, err)
	_, err = w.Write(ctx, content)
	require.ErrorIs(t, err, status.ErrOutOfSpace)

	require.Equal(t, freeBlocks, e.Stat().FreeBlocks)
	require.Empty(t, e.GetAllocatedRegions())

	// a blob that fits still goes through afterwards
	small := rand.SeededBytes(8, 800)
	ds := writeBlob(t, e, small)
	require.True(t, bytes.Equal(small, readBlob(t, e, ds)))
}

func TestAllocationAccounting(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMem(4096, 1024)
	_, err := Format(ctx, dev)
	require.NoError(t, err)
	e := testEngine(t, dev)

	st := e.Stat()
	require.Equal(t, uint32(4096), st.BlockSize)
	require.Equal(t, st.DataBlocks, st.FreeBlocks)
	freeNodes := st.FreeNodes

	// a hair under three blocks still occupies three
	content := rand.SeededBytes(9, 3*4096-100)
	d := writeBlob(t, e, content)

	regions := e.GetAllocatedRegions()
	var blocks uint64
	for _, ext := range regions {
		blocks += uint64(ext.Count)
	}
	require.Equal(t, uint64(3), blocks)

	st = e.Stat()
	require.Equal(t, st.DataBlocks-3, st.FreeBlocks)
	require.Equal(t, freeNodes-1, st.FreeNodes)
	require.Equal(t, 1, st.Blobs)

	require.True(t, bytes.Equal(content, readBlob(t, e, d)))
	require.NoError(t, e.UnlinkBlob(ctx, d))
	require.Empty(t, e.GetAllocatedRegions())
	require.Equal(t, freeNodes, e.Stat().FreeNodes)
}

func TestRemountSeesCommitted(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)

	e := testEngine(t, dev)
	a := rand.SeededBytes(10, 2500)
	b := rand.SeededBytes(11, 512)
	da := writeBlob(t, e, a)
	db := writeBlob(t, e, b)
	require.NoError(t, e.Sync(ctx))
	require.NoError(t, e.Close(ctx))

	e2 := testEngine(t, dev)
	require.Equal(t, 2, e2.Stat().Blobs)
	require.True(t, bytes.Equal(a, readBlob(t, e2, da)))
	require.True(t, bytes.Equal(b, readBlob(t, e2, db)))

	report, err := e2.Check(ctx)
	require.NoError(t, err)
	require.True(t, report.Clean(), "check found: %v", report.Problems)
}

func TestContainerChain(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)
	e := testEngine(t, dev)

	// lay down 24 single-block blobs, then free every other one to
	// fragment the data region
	var digests []Digest
	for i := 0; i < 24; i++ {
		digests = append(digests, writeBlob(t, e, rand.SeededBytes(int64(100+i), 512)))
	}
	for i := 0; i < 24; i += 2 {
		require.NoError(t, e.UnlinkBlob(ctx, digests[i]))
	}

	// a 12-block blob now lands in 12 disjoint single-block holes,
	// overflowing the primary inode's extent slots
	big := rand.SeededBytes(12, 12*512)
	d := writeBlob(t, e, big)
	require.True(t, bytes.Equal(big, readBlob(t, e, d)))

	report, err := e.Check(ctx)
	require.NoError(t, err)
	require.True(t, report.Clean(), "check found: %v", report.Problems)
	require.Positive(t, report.ContainerNodes)

	// the chain survives a remount
	require.NoError(t, e.Close(ctx))
	e2 := testEngine(t, dev)
	require.True(t, bytes.Equal(big, readBlob(t, e2, d)))

	// unlinking returns the chain's nodes too
	freeNodes := e2.Stat().FreeNodes
	require.NoError(t, e2.UnlinkBlob(ctx, d))
	require.Greater(t, e2.Stat().FreeNodes, freeNodes+1)
}

func TestReadOnlyModes(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)
	e := testEngine(t, dev)
	content := rand.SeededBytes(13, 1024)
	d := writeBlob(t, e, content)
	require.NoError(t, e.Close(ctx))

	for _, mode := range []Writability{ReadOnlyFilesystem, ReadOnlyDisk} {
		ro := testEngine(t, dev, Mode(mode))
		require.True(t, bytes.Equal(content, readBlob(t, ro, d)))

		_, err := ro.CreateBlob(ctx, DigestOf([]byte("new")))
		require.ErrorIs(t, err, status.ErrReadOnly)
		require.ErrorIs(t, ro.UnlinkBlob(ctx, d), status.ErrReadOnly)
		require.NoError(t, ro.Sync(ctx))
		require.NoError(t, ro.Close(ctx))
	}
}

func TestWithoutJournal(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)
	e := testEngine(t, dev, WithoutJournal())

	content := rand.SeededBytes(14, 2048)
	d := writeBlob(t, e, content)
	require.True(t, bytes.Equal(content, readBlob(t, e, d)))
	require.NoError(t, e.Close(ctx))

	// a journaled mount still reads what the unjournaled one wrote
	e2 := testEngine(t, dev)
	require.True(t, bytes.Equal(content, readBlob(t, e2, d)))
}

func TestCheckReportsSuperblockCorruption(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)
	e := testEngine(t, dev)
	_ = writeBlob(t, e, rand.SeededBytes(15, 700))

	dev.CorruptBlock(0)
	report, err := e.Check(ctx)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.NotEmpty(t, report.Problems)
	dev.CorruptBlock(0) // XOR restores the original bytes
}

func TestVerifyBlobDetectsRot(t *testing.T) {
	ctx := context.Background()
	dev := testDevice(t)
	e := testEngine(t, dev)

	content := rand.SeededBytes(17, 2000)
	d := writeBlob(t, e, content)
	require.NoError(t, e.VerifyBlob(ctx, d))

	// rot a data block underneath the store
	regions := e.GetAllocatedRegions()
	require.NotEmpty(t, regions)
	dev.CorruptBlock(regions[0].Start)
	require.ErrorIs(t, e.VerifyBlob(ctx, d), status.ErrDigestMismatch)

	_, err := e.OpenBlob(ctx, DigestOf([]byte("missing")))
	require.ErrorIs(t, err, status.ErrNotFound)
	require.ErrorIs(t, e.VerifyBlob(ctx, DigestOf([]byte("missing"))), status.ErrNotFound)
}

func TestClosedEngineRejectsOps(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, testDevice(t))
	d := writeBlob(t, e, rand.SeededBytes(16, 300))
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx)) // idempotent

	_, err := e.CreateBlob(ctx, DigestOf([]byte("x")))
	require.ErrorIs(t, err, status.ErrClosed)
	_, err = e.OpenBlob(ctx, d)
	require.ErrorIs(t, err, status.ErrClosed)
	require.ErrorIs(t, e.UnlinkBlob(ctx, d), status.ErrClosed)
	require.ErrorIs(t, e.Sync(ctx), status.ErrClosed)
}

func TestMountRejectsForeignDevice(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMem(512, 64) // never formatted
	_, err := New(ctx, dev, Logger(dlogger.TestLogger(t)))
	require.ErrorIs(t, err, status.ErrCorruptMetadata)
}
