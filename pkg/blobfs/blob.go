package blobfs

import (
	"sync"

	"github.com/blobcask/blobcask/pkg/layout"
)

// BlobState tracks a cached blob through its lifecycle. Transitions
// are one-way: Uninitialized -> Writing -> Readable or Purged, and
// Readable -> Purged on unlink or eviction.
type BlobState int

const (
	// StateUninitialized is a cache entry that has been inserted but
	// whose writer has not started yet
	StateUninitialized BlobState = iota

	// StateWriting means a writer holds the entry and is streaming
	// content in. At most one writer per digest exists at a time.
	StateWriting

	// StateReadable means the blob is durable on disk and open for
	// reads
	StateReadable

	// StatePurged is terminal: the entry is dead and must not be
	// reused. Lookups that race a purge retry against the cache.
	StatePurged
)

func (s BlobState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWriting:
		return "writing"
	case StateReadable:
		return "readable"
	case StatePurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Blob is the in-memory representation of one content-addressed blob.
// A single Blob instance is shared by every open handle on the same
// digest.
type Blob struct {
	digest Digest

	mu      sync.Mutex
	state   BlobState
	node    uint32
	size    uint64
	extents []layout.Extent
	handles int
}

func newBlob(d Digest) *Blob {
	return &Blob{digest: d, state: StateUninitialized, node: layout.InvalidNode}
}

// Digest returns the content address of the blob
func (b *Blob) Digest() Digest { return b.digest }

// State returns the current lifecycle state
func (b *Blob) State() BlobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Size returns the byte size of a readable blob and 0 otherwise
func (b *Blob) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Blob) setWriting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateWriting
}

func (b *Blob) setReadable(node uint32, size uint64, extents []layout.Extent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateReadable
	b.node = node
	b.size = size
	b.extents = extents
}

func (b *Blob) setPurged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StatePurged
	b.extents = nil
}

func (b *Blob) addHandle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles++
}

func (b *Blob) dropHandle() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handles > 0 {
		b.handles--
	}
	return b.handles
}

func (b *Blob) openHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles
}

// snapshot returns the fields a reader needs without holding the lock
// across device IO
func (b *Blob) snapshot() (BlobState, uint64, []layout.Extent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.size, b.extents
}
