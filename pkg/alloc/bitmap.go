package alloc

// bitmap tracks one bit per block or node. The allocated bits mirror
// the on-disk bitmap; reservations are a memory-only overlay that never
// reaches the device, so reserved-but-uncommitted bits revert to free
// for free on the next mount.
type bitmap struct {
	allocated []byte
	reserved  []byte
	n         uint64
}

func newBitmap(n uint64) *bitmap {
	words := (n + 7) / 8
	return &bitmap{
		allocated: make([]byte, words),
		reserved:  make([]byte, words),
		n:         n,
	}
}

func (b *bitmap) isAllocated(i uint64) bool {
	return b.allocated[i/8]&(1<<(i%8)) != 0
}

func (b *bitmap) isReserved(i uint64) bool {
	return b.reserved[i/8]&(1<<(i%8)) != 0
}

// isFree means neither allocated nor reserved
func (b *bitmap) isFree(i uint64) bool {
	return !b.isAllocated(i) && !b.isReserved(i)
}

func (b *bitmap) setAllocated(i uint64)   { b.allocated[i/8] |= 1 << (i % 8) }
func (b *bitmap) clearAllocated(i uint64) { b.allocated[i/8] &^= 1 << (i % 8) }
func (b *bitmap) setReserved(i uint64)    { b.reserved[i/8] |= 1 << (i % 8) }
func (b *bitmap) clearReserved(i uint64)  { b.reserved[i/8] &^= 1 << (i % 8) }

// countFree counts bits neither allocated nor reserved in [from, to)
func (b *bitmap) countFree(from, to uint64) uint64 {
	var free uint64
	for i := from; i < to; i++ {
		if b.isFree(i) {
			free++
		}
	}
	return free
}

// loadFrom replaces the allocated bits with on-disk content. The
// reservation overlay is cleared: reservations do not survive a mount.
func (b *bitmap) loadFrom(data []byte) {
	copy(b.allocated, data)
	for i := range b.reserved {
		b.reserved[i] = 0
	}
}

// blockBytes returns the slice of the allocated bitmap covering one
// on-disk bitmap block of blockSize bytes, zero padded at the tail.
func (b *bitmap) blockBytes(block uint64, blockSize uint32) []byte {
	out := make([]byte, blockSize)
	lo := block * uint64(blockSize)
	if lo < uint64(len(b.allocated)) {
		copy(out, b.allocated[lo:])
	}
	return out
}
