package blobfs

import (
	"go.uber.org/zap"
)

// Writability selects how much of the store a mount may touch
type Writability int

const (
	// Writable mounts replay the journal and accept writes
	Writable Writability = iota

	// ReadOnlyFilesystem replays the journal on mount but rejects
	// CreateBlob and UnlinkBlob
	ReadOnlyFilesystem

	// ReadOnlyDisk never writes to the device at all, not even journal
	// replay. Blobs whose commit sits unapplied in the journal are not
	// visible on such a mount.
	ReadOnlyDisk
)

func (w Writability) String() string {
	switch w {
	case Writable:
		return "writable"
	case ReadOnlyFilesystem:
		return "read-only-filesystem"
	case ReadOnlyDisk:
		return "read-only-disk"
	default:
		return "unknown"
	}
}

// Option configures an Engine at mount time
type Option func(*Engine)

// Logger sets the zap logger used by the engine and every component
// under it
func Logger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// CachePolicy sets the blob cache eviction policy. The default evicts
// every blob as soon as its last handle closes.
func CachePolicy(p EvictionPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// Mode sets the mount writability. The default is Writable.
func Mode(w Writability) Option {
	return func(e *Engine) {
		e.mode = w
	}
}

// WithoutJournal mounts with metadata journaling disabled: commits
// write straight to their final blocks. Crash atomicity is lost; meant
// for bulk loads onto throwaway devices.
func WithoutJournal() Option {
	return func(e *Engine) {
		e.journalOff = true
	}
}

// WritebackCapacity bounds the number of metadata work items admitted
// before Enqueue blocks
func WritebackCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.wbCapacity = n
		}
	}
}

// WithMetrics toggles opencensus metrics collection on the engine
func WithMetrics(enabled bool) Option {
	return func(e *Engine) {
		e.EnableMetrics(enabled)
	}
}
