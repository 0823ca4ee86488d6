package blobfs

import (
	"encoding/hex"
	"hash"

	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/minio/blake2b-simd"
)

const (
	// DigestSize is the byte length of a blob digest (blake2b-256)
	DigestSize = layout.DigestSize

	// DigestSizeHex is the length of the hex rendering of a digest
	DigestSizeHex = 2 * DigestSize
)

// Digest is the content address of a blob: the blake2b-256 hash of its
// bytes. It is computed once at write-finalize time and immutable
// thereafter.
type Digest [DigestSize]byte

// DigestOf hashes a full byte slice
func DigestOf(data []byte) Digest {
	var d Digest
	sum := blake2b.Sum256(data)
	copy(d[:], sum[:])
	return d
}

// DigestFromBytes builds a digest from its raw 32-byte form
func DigestFromBytes(data []byte) (Digest, error) {
	var d Digest
	if len(data) != DigestSize {
		return Digest{}, status.ErrCorruptMetadata.WrapMessage("digest has %d bytes, expected %d", len(data), DigestSize)
	}
	copy(d[:], data)
	return d, nil
}

// DigestFromString parses the hex rendering of a digest
func DigestFromString(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestSizeHex {
		return Digest{}, status.ErrCorruptMetadata.WrapMessage("digest %q has length %d, expected %d", s, len(s), DigestSizeHex)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, status.ErrCorruptMetadata.Wrap(err)
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the all-zero value, which never
// addresses a valid blob.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hasher incrementally computes a blob digest as content streams in
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a streaming blake2b-256 hasher
func NewHasher() *Hasher {
	return &Hasher{h: blake2b.New256()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}
