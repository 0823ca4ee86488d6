package blobfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/blobcask/blobcask/internal/rand"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/stretchr/testify/require"
)

// TestCrashAtomicity kills the device after every possible number of
// writes during a blob commit and remounts. Whatever the cut point,
// the store must come back with either the whole blob or none of it,
// and with bitmaps, node table and extents mutually consistent.
func TestCrashAtomicity(t *testing.T) {
	ctx := context.Background()
	content := rand.SeededBytes(20, 900)
	d := DigestOf(content)

	var present, absent int
	for n := 0; n <= 25; n++ {
		dev := blockdev.NewMem(512, 256)
		_, err := Format(ctx, dev, InodeCount(32), JournalBlocks(16))
		require.NoError(t, err)
		e, err := New(ctx, dev, Logger(dlogger.TestLogger(t)))
		require.NoError(t, err)

		w, err := e.CreateBlob(ctx, d)
		require.NoError(t, err)
		dev.FailAfter(n)
		_, werr := w.Write(ctx, content)
		ferr := werr
		if werr == nil {
			ferr = w.Finalize(ctx)
		}
		dev.ClearFault()
		require.NoError(t, e.Close(ctx))

		e2, err := New(ctx, dev, Logger(dlogger.TestLogger(t)))
		require.NoError(t, err, "remount after cut at %d writes", n)

		r, err := e2.OpenBlob(ctx, d)
		if ferr == nil {
			// the commit reported success, so it must survive
			require.NoError(t, err, "blob lost after successful commit, cut at %d", n)
		}
		if err != nil {
			require.ErrorIs(t, err, status.ErrNotFound)
			require.Empty(t, e2.GetAllocatedRegions(), "cut at %d", n)
			absent++
		} else {
			got, rerr := r.ReadAll(ctx)
			require.NoError(t, rerr)
			require.True(t, bytes.Equal(content, got), "cut at %d", n)
			require.NoError(t, r.Close())
			present++
		}

		report, err := e2.Check(ctx)
		require.NoError(t, err)
		require.True(t, report.Clean(), "cut at %d writes: %v, orphans %v, leaked %d",
			n, report.Problems, report.OrphanNodes, report.LeakedBlocks)
		require.NoError(t, e2.Close(ctx))
	}
	// the sweep must cover both outcomes or it proves nothing
	require.Positive(t, absent)
	require.Positive(t, present)
}

// TestCrashDuringUnlink cuts the device mid-unlink and checks the blob
// is either fully gone or fully intact after remount.
func TestCrashDuringUnlink(t *testing.T) {
	ctx := context.Background()
	content := rand.SeededBytes(21, 1200)
	d := DigestOf(content)

	var gone, intact int
	for n := 0; n <= 12; n++ {
		dev := blockdev.NewMem(512, 256)
		_, err := Format(ctx, dev, InodeCount(32), JournalBlocks(16))
		require.NoError(t, err)
		e, err := New(ctx, dev, Logger(dlogger.TestLogger(t)))
		require.NoError(t, err)
		require.Equal(t, d, writeBlob(t, e, content))

		dev.FailAfter(n)
		uerr := e.UnlinkBlob(ctx, d)
		dev.ClearFault()
		require.NoError(t, e.Close(ctx))

		e2, err := New(ctx, dev, Logger(dlogger.TestLogger(t)))
		require.NoError(t, err)
		r, err := e2.OpenBlob(ctx, d)
		if uerr == nil {
			require.ErrorIs(t, err, status.ErrNotFound, "blob survived a successful unlink, cut at %d", n)
		}
		if err != nil {
			require.Empty(t, e2.GetAllocatedRegions())
			gone++
		} else {
			got, rerr := r.ReadAll(ctx)
			require.NoError(t, rerr)
			require.True(t, bytes.Equal(content, got))
			require.NoError(t, r.Close())
			intact++
		}
		report, err := e2.Check(ctx)
		require.NoError(t, err)
		require.True(t, report.Clean(), "cut at %d: %v", n, report.Problems)
		require.NoError(t, e2.Close(ctx))
	}
	require.Positive(t, gone)
	require.Positive(t, intact)
}
