// Package status declares the error constants shared by the storage
// engine's components.
//
// NOTE: sentinels live in a dedicated package to avoid cyclical
// dependencies between the engine's layers, which all surface the
// same taxonomy.
package status

import "github.com/blobcask/blobcask/pkg/errors"

var (
	// ErrIO indicates a device-level failure. It is never retried
	// internally: the caller decides whether to retry the whole operation.
	ErrIO = errors.New("device I/O failure")

	// ErrOutOfSpace indicates that no free blocks or nodes remain,
	// even fragmented. Permanent until something is freed.
	ErrOutOfSpace = errors.New("out of space")

	// ErrCorruptMetadata indicates an on-disk structure failed a
	// consistency check. Fatal to the affected blob only.
	ErrCorruptMetadata = errors.New("corrupt metadata")

	// ErrDigestMismatch indicates written content did not hash to the
	// claimed digest. The write is rolled back.
	ErrDigestMismatch = errors.New("content does not match digest")

	// ErrAlreadyExists indicates a create lost the race against another
	// writer for the same digest. Callers should fall back to OpenBlob.
	ErrAlreadyExists = errors.New("blob exists already")

	// ErrNotFound indicates no blob carries the requested digest
	ErrNotFound = errors.New("blob not found")

	// ErrQueueClosed indicates work was submitted to a writeback queue
	// that has begun shutting down
	ErrQueueClosed = errors.New("writeback queue closed")

	// ErrReadOnly indicates a mutation was attempted against a read-only mount
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrBlobBusy indicates an unlink was attempted on a blob with open
	// handles or an in-flight write
	ErrBlobBusy = errors.New("blob has open handles")

	// ErrClosed indicates the engine has been shut down
	ErrClosed = errors.New("engine closed")
)
