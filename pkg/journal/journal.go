// Package journal implements the write-ahead log of the storage
// engine.
//
// All metadata mutations flow through here: a transaction stages whole
// block writes, Commit makes them durable in the journal region before
// they are applied to their final location, and Replay re-applies any
// transaction whose footer checksum validates after a crash.
//
// The journal region is a ring:
//
//	[checkpoint block][entry][entry]...
//
// Each entry is a header block (sequence number plus target block
// addresses), the staged payload blocks, and a footer block carrying a
// CRC32C over header and payload. Replay walks entries in sequence
// order from the checkpoint and stops at the first entry that fails
// validation: that entry was torn by the crash and must be ignored,
// which is the expected recovery case rather than an error.
package journal

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/errors"
	"github.com/blobcask/blobcask/pkg/layout"
	"github.com/blobcask/blobcask/pkg/status"
	"go.uber.org/zap"
)

const (
	checkpointMagic uint32 = 0x504b434a // "JCKP"
	headerMagic     uint32 = 0x5244484a // "JHDR"
	footerMagic     uint32 = 0x5254464a // "JFTR"

	headerFixedSize = 16 // magic + seq + count
)

// ErrTxnTooLarge indicates a transaction stages more blocks than the
// journal region can hold in one entry
var ErrTxnTooLarge = errors.New("transaction exceeds journal capacity")

// ErrCommitted indicates a transaction handle was reused after Commit
var ErrCommitted = errors.New("transaction already committed")

// State of the journal, for introspection and logging
type State int

const (
	Uninitialized State = iota
	Replaying
	Ready
	Appending
	Committed
)

func (s State) String() string {
	switch s {
	case Replaying:
		return "replaying"
	case Ready:
		return "ready"
	case Appending:
		return "appending"
	case Committed:
		return "committed"
	default:
		return "uninitialized"
	}
}

type blockWrite struct {
	index uint64
	data  []byte // exactly one block
}

// Transaction stages block writes until Commit. Handles are not safe
// for concurrent use; distinct transactions may be built concurrently.
type Transaction struct {
	j         *Journal
	id        uint64
	writes    []blockWrite
	byIndex   map[uint64]int
	committed bool
}

// ID returns the transaction's monotonic identifier
func (t *Transaction) ID() uint64 { return t.id }

// Pending returns the number of staged block writes
func (t *Transaction) Pending() int { return len(t.writes) }

// Enqueue stages a block write within the open transaction. No disk
// I/O happens yet. A second write to the same block index within one
// transaction absorbs the first.
func (t *Transaction) Enqueue(blockIndex uint64, data []byte) error {
	return t.j.enqueue(t, blockIndex, data)
}

// Journal is the single-writer write-ahead log. Transactions commit in
// the order Commit is called; concurrent callers queue behind the
// commit lock.
type Journal struct {
	dev       blockdev.Device
	start     uint64 // first block of the journal region (checkpoint)
	blocks    uint64 // total region size in blocks
	blockSize uint32
	enabled   bool
	l         *zap.Logger

	idMu   sync.Mutex
	nextID uint64

	// commitMu serializes Commit: single active journal writer
	commitMu sync.Mutex
	state    State
	head     uint64 // ring offset of the next entry, in [0, blocks-1)
	nextSeq  uint64 // sequence number of the next entry
}

// Option configures a Journal
type Option func(*Journal)

// Logger sets a logger for journal operations
func Logger(l *zap.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.l = l
		}
	}
}

// Disabled turns write-ahead logging off: commits write straight to
// the final location. Crash atomicity is lost; mount options decide.
func Disabled() Option {
	return func(j *Journal) {
		j.enabled = false
	}
}

// New creates a journal over the region [start, start+blocks) of dev.
// The journal is unusable until Replay (or Reset, on a fresh device)
// has run.
func New(dev blockdev.Device, start, blocks uint64, opts ...Option) (*Journal, error) {
	if blocks < layout.MinJournalBlocks {
		return nil, status.ErrCorruptMetadata.WrapMessage("journal region of %d blocks is below the minimum %d", blocks, layout.MinJournalBlocks)
	}
	j := &Journal{
		dev:       dev,
		start:     start,
		blocks:    blocks,
		blockSize: dev.BlockSize(),
		enabled:   true,
		state:     Uninitialized,
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
		nextID:    1,
	}
	for _, apply := range opts {
		apply(j)
	}
	return j, nil
}

// ringBlocks is the number of blocks available to entries
func (j *Journal) ringBlocks() uint64 { return j.blocks - 1 }

// entryBlock maps a ring offset to a device block
func (j *Journal) entryBlock(off uint64) uint64 {
	return j.start + 1 + off%j.ringBlocks()
}

// maxPayload is the largest number of blocks one transaction may stage
func (j *Journal) maxPayload() uint64 {
	byRing := j.ringBlocks() - 2 // header + footer
	byHeader := (uint64(j.blockSize) - headerFixedSize) / 8
	if byHeader < byRing {
		return byHeader
	}
	return byRing
}

// MaxTxnBlocks is the most blocks a single transaction can stage
func (j *Journal) MaxTxnBlocks() uint64 { return j.maxPayload() }

// State returns the journal state
func (j *Journal) State() State {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	return j.state
}

// Begin opens a transaction with a monotonically increasing id
func (j *Journal) Begin() *Transaction {
	j.idMu.Lock()
	id := j.nextID
	j.nextID++
	j.idMu.Unlock()
	return &Transaction{
		j:       j,
		id:      id,
		byIndex: make(map[uint64]int),
	}
}

func (j *Journal) enqueue(txn *Transaction, blockIndex uint64, data []byte) error {
	if txn.committed {
		return ErrCommitted
	}
	if uint32(len(data)) > j.blockSize {
		return status.ErrIO.WrapMessage("staged write of %d bytes exceeds block size %d", len(data), j.blockSize)
	}
	blk := make([]byte, j.blockSize)
	copy(blk, data)
	if at, ok := txn.byIndex[blockIndex]; ok {
		txn.writes[at].data = blk
		return nil
	}
	if uint64(len(txn.writes))+1 > j.maxPayload() {
		return ErrTxnTooLarge
	}
	txn.byIndex[blockIndex] = len(txn.writes)
	txn.writes = append(txn.writes, blockWrite{index: blockIndex, data: blk})
	return nil
}

// Commit writes the staged blocks and a checksummed footer to the
// journal region, flushes, then applies the writes to their final
// location. The transaction is durable once the journal flush has
// returned; final placement is re-derivable from the journal on crash.
//
// Commits are strictly serialized: replay order equals commit order.
func (j *Journal) Commit(ctx context.Context, txn *Transaction) error {
	if txn.committed {
		return ErrCommitted
	}
	txn.committed = true

	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	if len(txn.writes) == 0 {
		return nil
	}

	if !j.enabled {
		return j.apply(ctx, txn.writes)
	}

	j.state = Appending
	seq := j.nextSeq
	j.l.Debug("journal commit",
		zap.Uint64("txn", txn.id),
		zap.Uint64("seq", seq),
		zap.Int("blocks", len(txn.writes)),
	)

	header, sum := j.encodeHeader(seq, txn.writes)
	if err := j.writeEntryBlock(ctx, j.head, header); err != nil {
		j.state = Ready
		return err
	}
	for i, w := range txn.writes {
		if err := j.writeEntryBlock(ctx, j.head+1+uint64(i), w.data); err != nil {
			j.state = Ready
			return err
		}
	}
	footer := j.encodeFooter(seq, uint32(len(txn.writes)), sum)
	if err := j.writeEntryBlock(ctx, j.head+1+uint64(len(txn.writes)), footer); err != nil {
		j.state = Ready
		return err
	}
	if err := j.dev.Flush(ctx); err != nil {
		j.state = Ready
		return err
	}
	j.state = Committed

	// write-ahead discipline satisfied, apply to final locations
	if err := j.apply(ctx, txn.writes); err != nil {
		j.state = Ready
		return err
	}

	j.head += uint64(len(txn.writes)) + 2
	j.nextSeq = seq + 1
	// checkpoint durability rides on the next commit's flush: replaying
	// an already applied entry is harmless.
	if err := j.writeCheckpoint(ctx); err != nil {
		j.state = Ready
		return err
	}
	j.state = Ready
	return nil
}

func (j *Journal) apply(ctx context.Context, writes []blockWrite) error {
	for _, w := range writes {
		if err := j.dev.WriteBlocks(ctx, w.index, w.data); err != nil {
			return err
		}
	}
	return j.dev.Flush(ctx)
}

func (j *Journal) writeEntryBlock(ctx context.Context, off uint64, data []byte) error {
	return j.dev.WriteBlocks(ctx, j.entryBlock(off), data)
}

// encodeHeader builds the header block and returns the running CRC32C
// over the variable header section, to be folded with the payload.
func (j *Journal) encodeHeader(seq uint64, writes []blockWrite) ([]byte, uint32) {
	out := make([]byte, j.blockSize)
	binary.LittleEndian.PutUint32(out[0:], headerMagic)
	binary.LittleEndian.PutUint64(out[4:], seq)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(writes)))
	for i, w := range writes {
		binary.LittleEndian.PutUint64(out[headerFixedSize+8*i:], w.index)
	}
	sum := layout.Checksum(out[:headerFixedSize+8*len(writes)])
	for _, w := range writes {
		sum = layout.ChecksumAdd(sum, w.data)
	}
	return out, sum
}

func (j *Journal) encodeFooter(seq uint64, count, sum uint32) []byte {
	out := make([]byte, j.blockSize)
	binary.LittleEndian.PutUint32(out[0:], footerMagic)
	binary.LittleEndian.PutUint64(out[4:], seq)
	binary.LittleEndian.PutUint32(out[12:], count)
	binary.LittleEndian.PutUint32(out[16:], sum)
	return out
}

func (j *Journal) writeCheckpoint(ctx context.Context) error {
	out := make([]byte, j.blockSize)
	binary.LittleEndian.PutUint32(out[0:], checkpointMagic)
	binary.LittleEndian.PutUint64(out[4:], j.nextSeq)
	binary.LittleEndian.PutUint64(out[12:], j.head%j.ringBlocks())
	sum := layout.Checksum(out[:20])
	binary.LittleEndian.PutUint32(out[20:], sum)
	return j.dev.WriteBlocks(ctx, j.start, out)
}

// Reset initializes an empty journal region. Used by format.
func (j *Journal) Reset(ctx context.Context) error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	j.head = 0
	j.nextSeq = 1
	if err := j.writeCheckpoint(ctx); err != nil {
		return err
	}
	if err := j.dev.Flush(ctx); err != nil {
		return err
	}
	j.state = Ready
	return nil
}

// Replay reads the checkpoint and re-applies, in ascending sequence
// order, every entry whose footer checksum validates. The first entry
// that fails validation marks the crash point: all later bytes are
// garbage and ignored. Returns the number of transactions re-applied.
func (j *Journal) Replay(ctx context.Context) (int, error) {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	j.state = Replaying

	ckpt, err := j.dev.ReadBlocks(ctx, j.start, 1)
	if err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(ckpt[0:]) != checkpointMagic {
		return 0, status.ErrCorruptMetadata.WrapMessage("bad journal checkpoint magic")
	}
	if sum := layout.Checksum(ckpt[:20]); sum != binary.LittleEndian.Uint32(ckpt[20:]) {
		return 0, status.ErrCorruptMetadata.WrapMessage("journal checkpoint checksum mismatch")
	}
	j.nextSeq = binary.LittleEndian.Uint64(ckpt[4:])
	j.head = binary.LittleEndian.Uint64(ckpt[12:])

	replayed := 0
	for {
		applied, entryBlocks, err := j.replayOne(ctx)
		if err != nil {
			return replayed, err
		}
		if !applied {
			break
		}
		j.head += entryBlocks
		j.nextSeq++
		replayed++
	}

	if replayed > 0 {
		if err := j.writeCheckpoint(ctx); err != nil {
			return replayed, err
		}
		if err := j.dev.Flush(ctx); err != nil {
			return replayed, err
		}
	}
	j.l.Debug("journal replay done", zap.Int("replayed", replayed), zap.Uint64("next_seq", j.nextSeq))
	j.state = Ready
	return replayed, nil
}

// replayOne validates and applies the entry at the current head.
// Returns applied=false when the entry is truncated or stale, which
// terminates replay.
func (j *Journal) replayOne(ctx context.Context) (applied bool, entryBlocks uint64, err error) {
	header, err := j.dev.ReadBlocks(ctx, j.entryBlock(j.head), 1)
	if err != nil {
		return false, 0, err
	}
	if binary.LittleEndian.Uint32(header[0:]) != headerMagic {
		return false, 0, nil
	}
	seq := binary.LittleEndian.Uint64(header[4:])
	if seq != j.nextSeq {
		// an entry from a previous lap around the ring
		return false, 0, nil
	}
	count := binary.LittleEndian.Uint32(header[12:])
	if uint64(count) > j.maxPayload() {
		return false, 0, nil
	}

	sum := layout.Checksum(header[:headerFixedSize+8*int(count)])
	writes := make([]blockWrite, 0, count)
	for i := uint32(0); i < count; i++ {
		data, rerr := j.dev.ReadBlocks(ctx, j.entryBlock(j.head+1+uint64(i)), 1)
		if rerr != nil {
			return false, 0, rerr
		}
		sum = layout.ChecksumAdd(sum, data)
		writes = append(writes, blockWrite{
			index: binary.LittleEndian.Uint64(header[headerFixedSize+8*i:]),
			data:  data,
		})
	}

	footer, err := j.dev.ReadBlocks(ctx, j.entryBlock(j.head+1+uint64(count)), 1)
	if err != nil {
		return false, 0, err
	}
	if binary.LittleEndian.Uint32(footer[0:]) != footerMagic ||
		binary.LittleEndian.Uint64(footer[4:]) != seq ||
		binary.LittleEndian.Uint32(footer[12:]) != count ||
		binary.LittleEndian.Uint32(footer[16:]) != sum {
		// torn entry: the commit never completed
		return false, 0, nil
	}

	j.l.Debug("journal replaying entry", zap.Uint64("seq", seq), zap.Uint32("blocks", count))
	if err := j.apply(ctx, writes); err != nil {
		return false, 0, err
	}
	return true, uint64(count) + 2, nil
}
