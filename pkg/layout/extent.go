package layout

import "github.com/blobcask/blobcask/pkg/status"

const (
	// MaxExtentBlocks bounds a single extent: the packed representation
	// keeps 16 bits for the block count.
	MaxExtentBlocks = 1<<16 - 1

	// maxExtentStart is the largest representable start block (48 bits)
	maxExtentStart = 1<<48 - 1
)

// Extent is a contiguous run of data blocks belonging to one blob.
// Extents are stored packed into a single uint64: 48 bits of start
// block, 16 bits of length.
type Extent struct {
	Start uint64
	Count uint32
}

// End returns the first block past the extent
func (e Extent) End() uint64 {
	return e.Start + uint64(e.Count)
}

// Pack encodes the extent into its on-disk representation
func (e Extent) Pack() (uint64, error) {
	if e.Start > maxExtentStart || e.Count > MaxExtentBlocks || e.Count == 0 {
		return 0, status.ErrCorruptMetadata.WrapMessage("extent {%d,%d} is not representable", e.Start, e.Count)
	}
	return e.Start<<16 | uint64(e.Count), nil
}

// UnpackExtent decodes an on-disk extent
func UnpackExtent(raw uint64) (Extent, error) {
	e := Extent{
		Start: raw >> 16,
		Count: uint32(raw & 0xffff),
	}
	if e.Count == 0 {
		return Extent{}, status.ErrCorruptMetadata.WrapMessage("zero-length extent")
	}
	return e, nil
}

// SplitRun cuts a contiguous run of blocks into extents no longer than
// MaxExtentBlocks.
func SplitRun(start, count uint64) []Extent {
	var out []Extent
	for count > 0 {
		n := uint32(MaxExtentBlocks)
		if count < uint64(n) {
			n = uint32(count)
		}
		out = append(out, Extent{Start: start, Count: n})
		start += uint64(n)
		count -= uint64(n)
	}
	return out
}
