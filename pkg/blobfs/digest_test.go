package blobfs

import (
	"testing"

	"github.com/blobcask/blobcask/internal/rand"
	"github.com/blobcask/blobcask/pkg/status"
	"github.com/stretchr/testify/require"
)

func TestDigestRoundTrip(t *testing.T) {
	content := rand.SeededBytes(40, 5000)
	d := DigestOf(content)
	require.False(t, d.IsZero())
	require.Len(t, d.String(), DigestSizeHex)

	parsed, err := DigestFromString(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	raw, err := DigestFromBytes(d[:])
	require.NoError(t, err)
	require.Equal(t, d, raw)
}

func TestDigestParseErrors(t *testing.T) {
	_, err := DigestFromString("short")
	require.ErrorIs(t, err, status.ErrCorruptMetadata)
	_, err = DigestFromString(string(make([]byte, DigestSizeHex)))
	require.ErrorIs(t, err, status.ErrCorruptMetadata) // not hex
	_, err = DigestFromBytes(make([]byte, 12))
	require.ErrorIs(t, err, status.ErrCorruptMetadata)
}

func TestHasherMatchesOneShot(t *testing.T) {
	content := rand.SeededBytes(41, 10000)
	h := NewHasher()
	for off := 0; off < len(content); off += 997 {
		end := off + 997
		if end > len(content) {
			end = len(content)
		}
		_, err := h.Write(content[off:end])
		require.NoError(t, err)
	}
	require.Equal(t, DigestOf(content), h.Sum())

	// distinct content yields distinct digests
	require.NotEqual(t, DigestOf(content), DigestOf(content[1:]))
}
