package blobfs

import (
	"sync"
)

// Cache indexes in-memory Blob objects by digest. It enforces the
// single-writer rule: InsertOrFind hands a fresh entry to exactly one
// caller per digest, so two concurrent writers of the same content can
// never both proceed.
//
// The cache does not own disk state. Evicting an entry only drops the
// in-memory object; the blob stays on disk and a later open rebuilds
// the entry from the node index.
type Cache struct {
	mu     sync.Mutex
	blobs  map[Digest]*Blob
	policy EvictionPolicy
}

// NewCache builds an empty cache governed by the given policy
func NewCache(policy EvictionPolicy) *Cache {
	if policy == nil {
		policy = EvictImmediately{}
	}
	return &Cache{
		blobs:  make(map[Digest]*Blob),
		policy: policy,
	}
}

// InsertOrFind returns the entry for d, creating one if absent. The
// second result is true when the entry was created by this call;
// precisely one concurrent caller per digest observes true.
func (c *Cache) InsertOrFind(d Digest) (*Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blobs[d]; ok {
		return b, false
	}
	b := newBlob(d)
	c.blobs[d] = b
	return b, true
}

// Lookup returns the cached entry for d, or nil
func (c *Cache) Lookup(d Digest) *Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.blobs[d]
	if b != nil {
		c.dropIdle(c.policy.Touch(d))
	}
	return b
}

// dropIdle purges entries the policy expired, skipping any that are
// busy. Caller holds c.mu.
func (c *Cache) dropIdle(expired []Digest) {
	for _, d := range expired {
		b, ok := c.blobs[d]
		if !ok {
			continue
		}
		if b.State() != StateReadable || b.openHandles() > 0 {
			continue
		}
		b.setPurged()
		delete(c.blobs, d)
	}
}

// Touch records an access with the eviction policy without looking
// anything up
func (c *Cache) Touch(d Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropIdle(c.policy.Touch(d))
}

// Remove purges the entry for d regardless of state. Used when a write
// fails or an unlink commits.
func (c *Cache) Remove(d Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blobs[d]; ok {
		b.setPurged()
		delete(c.blobs, d)
	}
}

// Release drops one handle on d and consults the eviction policy once
// the last handle is gone. Entries that are still being written are
// never evicted.
func (c *Cache) Release(d Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[d]
	if !ok {
		return
	}
	if b.dropHandle() > 0 {
		return
	}
	if b.State() != StateReadable {
		return
	}
	if c.policy.ShouldEvict(d) {
		b.setPurged()
		delete(c.blobs, d)
	}
}

// ReleaseIdle offers an entry with no handles to the eviction policy
// without dropping a handle. Used by writers, which never hold one.
func (c *Cache) ReleaseIdle(d Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[d]
	if !ok || b.State() != StateReadable || b.openHandles() > 0 {
		return
	}
	if c.policy.ShouldEvict(d) {
		b.setPurged()
		delete(c.blobs, d)
	}
}

// Evict force-drops a readable entry with no open handles. It returns
// false when the entry is absent, busy, or mid-write.
func (c *Cache) Evict(d Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[d]
	if !ok {
		return false
	}
	if b.State() != StateReadable || b.openHandles() > 0 {
		return false
	}
	b.setPurged()
	delete(c.blobs, d)
	return true
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}
