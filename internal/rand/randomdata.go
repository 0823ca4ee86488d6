// Package rand generates pseudo-random payloads for tests and fixtures.
package rand

import (
	"math/rand"
	"sync"
)

var (
	mu  sync.Mutex
	src = rand.New(rand.NewSource(1))
)

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	mu.Lock()
	defer mu.Unlock()
	b := make([]byte, n)
	_, _ = src.Read(b)
	return b
}

// SeededBytes returns a deterministic pseudo-random slice for a given
// seed, so tests can regenerate the same payload for verification.
func SeededBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	_, _ = rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// LetterString returns a random string picked in the [0-9]|[a-z] range
func LetterString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	mu.Lock()
	defer mu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[src.Intn(len(letters))]
	}
	return string(b)
}
