// Package transition implements the Transition Pool (C4): a fixed-size
// worker pool that runs the blocking, per-task lifecycle steps (file
// staging, pre/post script execution) off the Main Loop goroutine
// (spec.md §4.2). It is grounded on the teacher's channel-based worker
// pool (pkg/common/workers/pool.go): persistent worker goroutines
// draining a task channel, a WaitGroup for shutdown, and a single shared
// mutex serializing composite state writes.
package transition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// bloomCapacity is sized well above any realistic queueDepth*numWorkers
// working set. The filter is built once in New and never rebuilt or
// cleared; past this many ids its false-positive rate rises, which only
// sends more Submit calls through the exact inflight check.
const bloomCapacity = 100000
const bloomFalsePositiveRate = 0.01

// Step is a transition function keyed by the task's current state. It
// returns the state to write back on success and an optional detail
// string (e.g. a stage-in/out integrity digest) folded into the
// resulting state_history entry; a non-nil error is logged and the task
// is left untouched (the Main Loop will retry it next tick since its
// state did not advance).
type Step func(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error)

// Table is the transition table from spec.md §4.2.
type Table map[taskmodel.State]Step

// workItem is one queued (task, observed-state) pair.
type workItem struct {
	id    uuid.UUID
	state taskmodel.State
}

// Pool is the Transition Pool. Workers share one mutex that gates any
// read-modify-write of a task's state_history, whether the write
// originates from a pool worker or the Main Loop itself (spec.md §5
// "Shared-resource policy").
type Pool struct {
	store taskmodel.Storage
	table Table
	log   *logging.Logger

	writeLock *sync.Mutex

	work chan workItem
	wg   sync.WaitGroup

	inflight sync.Map // uuid.UUID -> struct{}, membership check for "not already in the pool"

	// seen is a fast negative pre-check in front of inflight: a miss here
	// proves the id was never submitted, letting Submit skip the sync.Map
	// probe entirely on the common case. A hit falls through to inflight,
	// which stays authoritative (the filter never reports a false
	// negative, only possible false positives).
	seen   *bloom.BloomFilter
	seenMu sync.Mutex

	completed int64 // count of items finished since the last DrainCompleted

	// indexer, if set, is notified with the fresh task state after every
	// successful write so a search index (internal/tasksource.Index) stays
	// current without a separate background scan.
	indexer func(*taskmodel.Task)
}

// SetIndexer registers a callback invoked after each successful state
// write. Not required for construction since not every Launcher
// configuration runs a searchable task source.
func (p *Pool) SetIndexer(fn func(*taskmodel.Task)) {
	p.indexer = fn
}

// New builds a Pool whose queue defaults to numWorkers*4 slots; it starts
// no goroutines (Launch does). writeLock is
// shared with any other caller (the Main Loop) that performs a composite
// task write outside the pool.
func New(store taskmodel.Storage, table Table, writeLock *sync.Mutex, numWorkers, queueDepth int, log *logging.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueDepth <= 0 {
		queueDepth = numWorkers * 4
	}
	return &Pool{
		store:     store,
		table:     table,
		log:       log,
		writeLock: writeLock,
		work:      make(chan workItem, queueDepth),
		seen:      bloom.NewWithEstimates(bloomCapacity, bloomFalsePositiveRate),
	}
}

// run is the persistent worker goroutine body.
func (p *Pool) run(id int) {
	defer p.wg.Done()
	for item := range p.work {
		p.process(item)
		p.inflight.Delete(item.id)
		atomic.AddInt64(&p.completed, 1)
	}
}

// DrainCompleted reports and resets the count of items finished since
// the last call (spec.md §4.5 step 1: "drain completed transitions").
func (p *Pool) DrainCompleted() int {
	return int(atomic.SwapInt64(&p.completed, 0))
}

// Launch starts n persistent worker goroutines. Separated from New so the
// caller can size the pool after construction if it learns worker count
// from config after New is called elsewhere in startup.
func (p *Pool) Launch(n int) {
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Submit enqueues (id, state) if it is not already queued or running.
// Returns false if the pool's queue is full (the Main Loop will retry
// next tick) or the item is already in flight.
func (p *Pool) Submit(id uuid.UUID, state taskmodel.State) bool {
	key := id[:]

	p.seenMu.Lock()
	maybeInflight := p.seen.Test(key)
	p.seenMu.Unlock()

	// A bloom miss proves id was never submitted: skip the inflight probe
	// entirely. A hit is only a maybe, so it always falls through to the
	// exact check below.
	if maybeInflight {
		if _, loaded := p.inflight.LoadOrStore(id, struct{}{}); loaded {
			return false
		}
	} else {
		p.inflight.Store(id, struct{}{})
		p.seenMu.Lock()
		p.seen.Add(key)
		p.seenMu.Unlock()
	}

	select {
	case p.work <- workItem{id: id, state: state}:
		return true
	default:
		p.inflight.Delete(id)
		return false
	}
}

// process loads the task fresh, runs its transition step, and writes the
// result back under the shared lock.
func (p *Pool) process(item workItem) {
	ctx := context.Background()

	step, ok := p.table[item.state]
	if !ok {
		return
	}

	t, err := p.store.Get(ctx, item.id)
	if err != nil {
		p.log.Warnf("transition: load %s: %v", item.id, err)
		return
	}
	if t.State != item.state {
		// Superseded by another writer since this item was queued; safe
		// to drop, the Main Loop will re-evaluate current state.
		return
	}

	next, detail, err := step(ctx, t)
	if err != nil {
		p.log.Warnf("transition: %s %s: %v", item.state, t.CuteID(), err)
		return
	}

	message := fmt.Sprintf("transition %s->%s", item.state, next)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	if uerr := taskmodel.UpdateState(ctx, p.store, t, next, message); uerr != nil {
		p.log.Warnf("transition: save %s: %v", t.CuteID(), uerr)
		return
	}
	if p.indexer != nil {
		p.indexer(t)
	}
}

// Shutdown closes the work queue (the `end` sentinel of spec.md §4.2:
// closing the channel is the Go-idiomatic equivalent of a sentinel
// value) and waits for every worker to drain its current item to a safe
// terminal before returning.
func (p *Pool) Shutdown() {
	close(p.work)
	p.wg.Wait()
}
