package blockdev

import (
	"context"
	"sync"

	"github.com/blobcask/blobcask/pkg/errors"
	"github.com/blobcask/blobcask/pkg/status"
)

// ErrFaultInjected distinguishes simulated failures from genuine bounds
// errors in tests.
var ErrFaultInjected = errors.New("injected device fault")

// MemDevice is an in-memory Device used by tests and by the journal
// crash-recovery tests, which need to stop a device mid-commit.
type MemDevice struct {
	mu         sync.Mutex
	blockSize  uint32
	blockCount uint64
	data       []byte

	// fault injection: after failAfter more block writes, every write
	// fails. Negative means disabled.
	failAfter int
}

var _ Device = &MemDevice{}

// NewMem creates an in-memory device with the given geometry
func NewMem(blockSize uint32, blockCount uint64) *MemDevice {
	return &MemDevice{
		blockSize:  blockSize,
		blockCount: blockCount,
		data:       make([]byte, uint64(blockSize)*blockCount),
		failAfter:  -1,
	}
}

func (d *MemDevice) checkRange(start, count uint64) error {
	if start+count > d.blockCount || start+count < start {
		return status.ErrIO.WrapMessage("block range [%d,%d) beyond device end %d", start, start+count, d.blockCount)
	}
	return nil
}

func (d *MemDevice) ReadBlocks(ctx context.Context, start, count uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(start, count); err != nil {
		return nil, err
	}
	bsz := uint64(d.blockSize)
	out := make([]byte, count*bsz)
	copy(out, d.data[start*bsz:(start+count)*bsz])
	return out, nil
}

func (d *MemDevice) WriteBlocks(ctx context.Context, start uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bsz := uint64(d.blockSize)
	if uint64(len(data))%bsz != 0 {
		return status.ErrIO.WrapMessage("write of %d bytes is not block aligned", len(data))
	}
	count := uint64(len(data)) / bsz
	if err := d.checkRange(start, count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		if d.failAfter == 0 {
			return status.ErrIO.Wrap(ErrFaultInjected)
		}
		if d.failAfter > 0 {
			d.failAfter--
		}
		copy(d.data[(start+i)*bsz:(start+i+1)*bsz], data[i*bsz:(i+1)*bsz])
	}
	return nil
}

// Flush is a no-op: memory is always "durable". Fault injection applies
// to writes only, so tests can fail a commit at an exact block boundary
// and still flush what landed before it.
func (d *MemDevice) Flush(ctx context.Context) error {
	return nil
}

func (d *MemDevice) BlockCount() uint64 { return d.blockCount }
func (d *MemDevice) BlockSize() uint32  { return d.blockSize }
func (d *MemDevice) Close() error       { return nil }

// FailAfter arms fault injection: the next n block writes succeed,
// everything after fails with ErrIO until ClearFault.
func (d *MemDevice) FailAfter(n int) {
	d.mu.Lock()
	d.failAfter = n
	d.mu.Unlock()
}

// ClearFault disarms fault injection
func (d *MemDevice) ClearFault() {
	d.mu.Lock()
	d.failAfter = -1
	d.mu.Unlock()
}

// CorruptBlock flips bytes in a block, bypassing the write path.
// Tests use it to simulate torn or bit-rotted sectors.
func (d *MemDevice) CorruptBlock(index uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bsz := uint64(d.blockSize)
	for i := bsz * index; i < bsz*(index+1); i++ {
		d.data[i] ^= 0xff
	}
}
