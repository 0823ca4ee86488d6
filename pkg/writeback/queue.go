// Package writeback buffers and orders metadata mutations between the
// blob layer and the journal.
//
// Work items queue up in arrival order; a background flusher drains
// them into a single journal transaction per cycle, amortizing the
// commit cost across many small updates. A bounded number of items may
// be outstanding: enqueueing past capacity suspends the caller until a
// flush frees space. Every item is resolved exactly once, positively
// or negatively; shutdown drains the queue rather than dropping work.
package writeback

import (
	"context"
	"sync"

	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/blobcask/blobcask/pkg/journal"
	"github.com/blobcask/blobcask/pkg/status"
	"go.uber.org/zap"
)

// Kind tags what a work item does, for logging and introspection
type Kind int

const (
	// KindPersistBlocks commits block allocations backing new blob data
	KindPersistBlocks Kind = iota
	// KindWriteNode updates an inode record
	KindWriteNode
	// KindWriteInfo updates engine-wide bookkeeping blocks
	KindWriteInfo
	// KindFreeExtent returns data blocks to the free pool
	KindFreeExtent
	// KindFreeNode returns an inode to the free pool
	KindFreeNode
	// kindBarrier is an internal no-op used by Sync
	kindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindPersistBlocks:
		return "persist-blocks"
	case KindWriteNode:
		return "write-node"
	case KindWriteInfo:
		return "write-info"
	case KindFreeExtent:
		return "free-extent"
	case KindFreeNode:
		return "free-node"
	default:
		return "barrier"
	}
}

// Work is one unit of deferred metadata mutation. Stage is invoked by
// the flusher with the cycle's open journal transaction; the outcome
// of the commit is delivered through Wait.
type Work struct {
	kind  Kind
	stage func(txn *journal.Transaction) error
	done  chan error
}

// NewWork builds a work item. stage may be nil for barrier-like items.
func NewWork(kind Kind, stage func(txn *journal.Transaction) error) *Work {
	return &Work{
		kind:  kind,
		stage: stage,
		done:  make(chan error, 1),
	}
}

// Kind returns the work item's tag
func (w *Work) Kind() Kind { return w.kind }

// Wait blocks until the item has been resolved by a flush cycle
func (w *Work) Wait(ctx context.Context) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Work) resolve(err error) {
	w.done <- err
}

// DefaultCapacity bounds outstanding work items before Enqueue blocks
const DefaultCapacity = 128

// Queue is the writeback pipeline. One flusher goroutine owns the
// journal transaction lifecycle; producers only stage closures.
type Queue struct {
	j        *journal.Journal
	capacity int
	l        *zap.Logger

	slots chan struct{} // backpressure: one token per outstanding item
	wake  chan struct{}

	mu      sync.Mutex
	pending []*Work
	closed  bool

	flusherDone chan struct{}
}

// Option configures a Queue
type Option func(*Queue)

// Capacity bounds the number of outstanding work items
func Capacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// Logger sets a logger for queue operations
func Logger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.l = l
		}
	}
}

// New creates a queue flushing into j and starts its flusher
func New(j *journal.Journal, opts ...Option) *Queue {
	q := &Queue{
		j:           j,
		capacity:    DefaultCapacity,
		l:           dlogger.MustGetLogger(dlogger.LogLevelInfo),
		wake:        make(chan struct{}, 1),
		flusherDone: make(chan struct{}),
	}
	for _, apply := range opts {
		apply(q)
	}
	q.slots = make(chan struct{}, q.capacity)
	go q.flusher()
	return q
}

// WritebackCapacity returns the configured bound on outstanding items
func (q *Queue) WritebackCapacity() int { return q.capacity }

// Depth returns the number of items waiting for the next flush cycle
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueue appends a work item. When the queue is at capacity the call
// suspends until a flush completes; it never grows unbounded.
func (q *Queue) Enqueue(ctx context.Context, w *Work) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return status.ErrQueueClosed
	}
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Sync flushes all currently enqueued work through a journal commit
// and returns once that commit's flush has completed, or with the
// first error encountered.
func (q *Queue) Sync(ctx context.Context) error {
	barrier := NewWork(kindBarrier, nil)
	if err := q.Enqueue(ctx, barrier); err != nil {
		return err
	}
	return barrier.Wait(ctx)
}

// Close drains the queue and stops the flusher. Enqueue fails with
// ErrQueueClosed from this point on; work already enqueued is still
// resolved.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.flusherDone
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
	select {
	case <-q.flusherDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) flusher() {
	defer close(q.flusherDone)
	for {
		<-q.wake

		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closed := q.closed
			q.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			q.flush(batch)
		}
	}
}

// flush stages a batch into journal transactions and resolves every
// item with its commit outcome. Items sharing a transaction live or
// die together; a staging failure aborts the rest of the batch, since
// committing a partially staged item could tear its mutations apart.
// The batch is cut into chunks so a deep queue cannot outgrow the
// journal's transaction capacity.
func (q *Queue) flush(batch []*Work) {
	ctx := context.Background()
	soft := q.j.MaxTxnBlocks() / 2
	if soft == 0 {
		soft = 1
	}

	resolve := func(ws []*Work, err error) {
		for _, w := range ws {
			w.resolve(err)
			<-q.slots
		}
	}

	for len(batch) > 0 {
		txn := q.j.Begin()
		n := 0
		var stageErr error
		for n < len(batch) {
			w := batch[n]
			if w.stage != nil {
				if stageErr = w.stage(txn); stageErr != nil {
					break
				}
			}
			n++
			if uint64(txn.Pending()) >= soft {
				break
			}
		}
		if stageErr != nil {
			// the failed item shares the transaction with everything
			// staged before it; none of that can commit
			q.l.Debug("writeback flush cycle aborted",
				zap.Uint64("txn", txn.ID()),
				zap.Error(stageErr),
			)
			resolve(batch, stageErr)
			return
		}

		err := q.j.Commit(ctx, txn)
		q.l.Debug("writeback flush cycle",
			zap.Int("items", n),
			zap.Uint64("txn", txn.ID()),
			zap.Int("blocks", txn.Pending()),
			zap.Error(err),
		)
		resolve(batch[:n], err)
		if err != nil {
			// no point staging more onto a failing journal
			resolve(batch[n:], err)
			return
		}
		batch = batch[n:]
	}
}
