package blobfs

import (
	lru "github.com/hashicorp/golang-lru"
)

// EvictionPolicy decides which readable blobs stay in the in-memory
// cache once their handles close. Blobs that are being written or have
// open handles are never offered to the policy.
type EvictionPolicy interface {
	// Touch records an access to a digest. It may return digests the
	// policy no longer wants cached; the cache drops those that are
	// idle.
	Touch(d Digest) []Digest

	// ShouldEvict reports whether the entry for d should be released
	// now that its last handle closed
	ShouldEvict(d Digest) bool
}

// EvictImmediately drops every blob as soon as its last handle closes.
// This is the default policy: the cache then only tracks in-flight
// writes and open reads, and all lookups fall through to the node
// index.
type EvictImmediately struct{}

func (EvictImmediately) Touch(Digest) []Digest { return nil }

func (EvictImmediately) ShouldEvict(Digest) bool { return true }

// LRUPolicy keeps up to size recently used blobs cached after their
// handles close, evicting the least recently touched first.
type LRUPolicy struct {
	recent  *lru.Cache
	expired []Digest
}

// NewLRUPolicy builds an LRU retention policy over size digests.
// It panics on a non-positive size.
func NewLRUPolicy(size int) *LRUPolicy {
	p := &LRUPolicy{}
	c, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		p.expired = append(p.expired, key.(Digest))
	})
	if err != nil {
		panic(err)
	}
	p.recent = c
	return p
}

func (p *LRUPolicy) Touch(d Digest) []Digest {
	p.recent.Add(d, struct{}{})
	out := p.expired
	p.expired = nil
	return out
}

func (p *LRUPolicy) ShouldEvict(d Digest) bool {
	return !p.recent.Contains(d)
}
