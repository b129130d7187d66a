// Package scheduler implements C8, the download scheduler: a bounded,
// cost-weighted queue feeding a worker pool that fetches (or skips, or
// downgrades) per-file work items for one backup run.
package scheduler

import (
	"sync"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/log"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
)

// Action is the kind of work a queue Item carries.
type Action int

const (
	ActionFileclient Action = iota
	ActionQuit
	ActionStartSnapshot
	ActionStopSnapshot
	ActionSkip
)

// FileclientKind distinguishes a full-file fetch from a chunked
// (patch-capable) fetch.
type FileclientKind int

const (
	Full FileclientKind = iota
	Chunked
)

// costFull and costChunked are the per-item queue costs spec.md assigns:
// 1 for a full-file fetch, 4 for a chunked one.
const (
	costFull    = 1
	costChunked = 4
)

// DefaultMaxQueueCost is max_queue_size.
const DefaultMaxQueueCost = 500

// maxChunkRetries bounds in-engine retries of transport-level errors
// before an item is surfaced as failed.
const maxChunkRetries = 5

// ErrPatchPrepareFailed signals preparePatchDownloadFiles failed (the old
// file is missing, or the snapshot to compare against is gone): the item
// must be downgraded to a full fetch rather than retried as chunked.
var ErrPatchPrepareFailed = errors.New("scheduler: patch prepare failed")

// Item is one queued unit of work.
type Item struct {
	ID         int64
	Action     Action
	Kind       FileclientKind
	HasOldCopy bool
}

func (it Item) cost() int {
	if it.Action != ActionFileclient {
		return 0
	}
	if it.Kind == Chunked {
		return costChunked
	}
	return costFull
}

// Queue is the bounded, cost-weighted FIFO. Its capacity is in cost units,
// not item count, so four full-file items and one chunked item both occupy
// the same share of the 500-unit budget.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Item
	costSum  int
	maxCost  int
	skipping bool
	sleep    func(time.Duration)
}

// NewQueue builds an empty Queue bounded at maxCost cost units.
func NewQueue(maxCost int) *Queue {
	q := &Queue{maxCost: maxCost, sleep: time.Sleep}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue blocks (sleeping 1s between checks, per spec) until there is
// room for item, then appends it.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	for q.costSum+item.cost() > q.maxCost && q.maxCost > 0 {
		q.mu.Unlock()
		q.sleep(time.Second)
		q.mu.Lock()
	}
	q.items = append(q.items, item)
	q.costSum += item.cost()
	q.cond.Signal()
	q.mu.Unlock()
}

// pushFront reinserts item at the head of the queue (used for a
// full-backup downgrade requeue at "the earliest non-queued position").
func (q *Queue) pushFront(item Item) {
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	q.costSum += item.cost()
	q.cond.Signal()
	q.mu.Unlock()
}

// hasFullQueuedAfter reports whether a full-file fileclient item is
// already queued anywhere, used to decide whether a downgrade requeue
// should go to the front or the back.
func (q *Queue) hasFullQueuedAfter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Action == ActionFileclient && it.Kind == Full {
			return true
		}
	}
	return false
}

// Skip marks the queue as skipping: subsequent fileclient items bypass a
// full fetch.
func (q *Queue) Skip() {
	q.mu.Lock()
	q.skipping = true
	q.mu.Unlock()
}

// Skipping reports whether the queue is currently in the skip state.
func (q *Queue) Skipping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipping
}

// postponeQuitStopLocked moves a leading Quit/StopSnapshot item past any
// chunked fileclient items still pending, preserving the invariant that no
// snapshot is released while one of its files is still being fetched.
// Caller must hold q.mu.
func (q *Queue) postponeQuitStopLocked() {
	if len(q.items) == 0 {
		return
	}
	front := q.items[0]
	if front.Action != ActionQuit && front.Action != ActionStopSnapshot {
		return
	}
	lastChunked := -1
	for i, it := range q.items {
		if it.Action == ActionFileclient && it.Kind == Chunked {
			lastChunked = i
		}
	}
	if lastChunked <= 0 {
		return
	}
	rest := append([]Item{}, q.items[1:lastChunked+1]...)
	after := append([]Item{}, q.items[lastChunked+1:]...)
	reordered := append(rest, front)
	q.items = append(reordered, after...)
}

// Pop blocks until an item is available or stop closes, applying the
// Quit/StopSnapshot postponement before returning the front item.
func (q *Queue) Pop(stop <-chan struct{}) (Item, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		select {
		case <-stop:
			return Item{}, false
		default:
		}
		q.cond.Wait()
		select {
		case <-stop:
			return Item{}, false
		default:
		}
	}
	q.postponeQuitStopLocked()
	item := q.items[0]
	q.items = q.items[1:]
	q.costSum -= item.cost()
	return item, true
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Executor performs the actual fetch work a queued Item describes. All
// three methods are collaborators the engine injects rather than imports,
// mirroring C4/C1's own capability-injection shape.
type Executor interface {
	// ExecuteFull fetches item in full-file mode.
	ExecuteFull(item Item) error
	// ExecuteChunked fetches item in chunked (patch-capable) mode. It
	// returns an error wrapping ErrPatchPrepareFailed when
	// preparePatchDownloadFiles could not proceed.
	ExecuteChunked(item Item) error
	// LinkOrCopyFile is the skip-state bypass for an item with an old
	// copy on disk: it links or copies that copy forward instead of
	// re-fetching.
	LinkOrCopyFile(item Item) error
}

// Engine runs a Queue's worker pool: client_hash_threads workers draining
// items, retrying transport-level failures, downgrading failed patch
// prepares, and tracking per-item outcomes.
type Engine struct {
	mu        sync.Mutex
	queue     *Queue
	executor  Executor
	log       *log.Logger
	nokIDs    IdRange
	partialID IdRange
}

// NewEngine builds an Engine around queue and executor.
func NewEngine(queue *Queue, executor Executor, logger *log.Logger) *Engine {
	return &Engine{queue: queue, executor: executor, log: logger}
}

// Enqueue adds item to the underlying queue.
func (e *Engine) Enqueue(item Item) { e.queue.Enqueue(item) }

// NokIDs returns the set of item ids that failed outright.
func (e *Engine) NokIDs() *IdRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.nokIDs
	return &cp
}

// PartialIDs returns the set of item ids that succeeded but incompletely
// (a skip-state link-or-copy).
func (e *Engine) PartialIDs() *IdRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.partialID
	return &cp
}

// RunWorker drains items from the queue until stop closes or a Quit item
// is processed, and then returns.
func (e *Engine) RunWorker(stop <-chan struct{}) {
	for {
		item, ok := e.queue.Pop(stop)
		if !ok {
			return
		}
		if e.process(item) {
			return
		}
	}
}

// process handles one item, returning true if the worker loop should stop
// (a Quit item was processed).
func (e *Engine) process(item Item) bool {
	switch item.Action {
	case ActionQuit:
		return true
	case ActionStartSnapshot, ActionStopSnapshot:
		return false
	case ActionSkip:
		e.queue.Skip()
		return false
	case ActionFileclient:
		e.processFileclient(item)
		return false
	default:
		return false
	}
}

func (e *Engine) processFileclient(item Item) {
	if e.queue.Skipping() {
		if item.HasOldCopy {
			if err := e.executor.LinkOrCopyFile(item); err != nil {
				e.logf("scheduler: link-or-copy for item %d failed: %v", item.ID, err)
				e.markNok(item.ID)
				return
			}
			e.markPartial(item.ID)
			return
		}
		e.markNok(item.ID)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxChunkRetries; attempt++ {
		if item.Kind == Full {
			lastErr = e.executor.ExecuteFull(item)
		} else {
			lastErr = e.executor.ExecuteChunked(item)
		}
		if lastErr == nil {
			return
		}
		if errors.Contains(lastErr, ErrPatchPrepareFailed) {
			e.downgrade(item)
			return
		}
		if !errors.Contains(lastErr, bberrors.ErrTransport) && !errors.Contains(lastErr, bberrors.ErrHashMismatch) {
			break
		}
	}
	e.logf("scheduler: item %d failed after retries: %v", item.ID, lastErr)
	e.markNok(item.ID)
}

// downgrade converts item to a full-file fetch and requeues it at the
// earliest non-queued position, unless a later full item is already
// queued, in which case it goes to the back to avoid starving that item.
func (e *Engine) downgrade(item Item) {
	item.Kind = Full
	if e.queue.hasFullQueuedAfter() {
		e.queue.Enqueue(item)
		return
	}
	e.queue.pushFront(item)
}

func (e *Engine) markNok(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nokIDs.Add(id)
}

func (e *Engine) markPartial(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partialID.Add(id)
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}
