// Package blockdev abstracts the raw block device the storage engine
// sits on.
//
// Implementations of the Device interface are assumed to be simple:
// no retry policy lives at this layer, writes are not durable until
// Flush returns.
package blockdev

import (
	"context"
)

// Device is a fixed-geometry block device.
//
// Block addressing is zero-based. All sizes are expressed in whole
// blocks; sub-block I/O is the caller's business.
type Device interface {
	// ReadBlocks reads count blocks starting at block start.
	ReadBlocks(ctx context.Context, start, count uint64) ([]byte, error)

	// WriteBlocks writes len(data)/BlockSize() blocks starting at block
	// start. data must be a whole number of blocks. Not durable until
	// Flush.
	WriteBlocks(ctx context.Context, start uint64, data []byte) error

	// Flush blocks until all prior writes are durable.
	Flush(ctx context.Context) error

	// BlockCount returns the device size in blocks
	BlockCount() uint64

	// BlockSize returns the device block size in bytes
	BlockSize() uint32

	Close() error
}
