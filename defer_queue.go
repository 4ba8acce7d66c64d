package taskhandler

import (
	"sync"

	"github.com/rs/zerolog"
)

// deferEntry is one queued deferred callback.
type deferEntry struct {
	ref     *TaskRef
	cb      func()
	removed bool // cancelled, or taken by a flush
}

// deferQueue coalesces every deferred callback queued within one tick into a single flush,
// armed once on the soonest primitive of the clock.
type deferQueue struct {
	log      zerolog.Logger
	clock    Clock
	registry *registry

	soonest     soonestFunc
	soonestOnce sync.Once

	mu    sync.Mutex
	batch []*deferEntry
	timer Timer // armed while batch is non-empty
}

func newDeferQueue(logger zerolog.Logger, clock Clock, reg *registry) *deferQueue {
	return &deferQueue{
		log:      logger,
		clock:    clock,
		registry: reg,
	}
}

// add queues cb for ref in the current batch and returns a function cancelling this entry.
func (q *deferQueue) add(ref *TaskRef, cb func()) func() {
	q.soonestOnce.Do(func() {
		q.soonest = selectSoonest(q.clock)
	})

	e := &deferEntry{ref: ref, cb: cb}

	q.mu.Lock()
	q.batch = append(q.batch, e)
	if len(q.batch) == 1 {
		q.timer = q.soonest(q.flush)
	}
	q.mu.Unlock()

	return func() { q.cancel(e) }
}

// cancel drops a single entry, disarming the queue if the batch becomes empty.
func (q *deferQueue) cancel(e *deferEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.removed {
		return
	}
	e.removed = true
	for i, queued := range q.batch {
		if queued == e {
			q.batch = append(q.batch[:i], q.batch[i+1:]...)
			break
		}
	}
	if len(q.batch) == 0 {
		q.disarmLocked()
	}
}

// clear disarms the queue and drops the batch without running any callback.
func (q *deferQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.batch {
		e.removed = true
	}
	q.batch = nil
	q.disarmLocked()
}

// flush runs the current batch in insertion order.
func (q *deferQueue) flush() {
	q.run(q.take())
}

// drain runs any batch no flush has taken yet. Timer callbacks drain before running, so
// deferred work is always dequeued before a timer armed in the same tick. A batch already
// taken by an in-flight flush is not waited for.
func (q *deferQueue) drain() {
	if batch := q.take(); len(batch) > 0 {
		q.run(batch)
	}
}

// take detaches the current batch and disarms the pending flush.
func (q *deferQueue) take() []*deferEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.batch
	q.batch = nil
	q.disarmLocked()
	return batch
}

// run invokes the callbacks of a taken batch. No lock is held while a callback runs.
func (q *deferQueue) run(batch []*deferEntry) {
	if len(batch) == 0 {
		return
	}
	if q.log.GetLevel() <= zerolog.TraceLevel {
		q.log.Trace().Int("entries", len(batch)).Msg("Flushing deferred batch")
	}

	for _, e := range batch {
		q.mu.Lock()
		skip := e.removed
		e.removed = true
		q.mu.Unlock()
		if skip {
			continue
		}
		// Released before the callback so a callback re-scheduling under the same ID
		// creates a fresh entry
		if !e.ref.kind.Repeating() {
			q.registry.release(e.ref)
		}
		e.cb()
	}
}

// disarmLocked stops the armed primitive. Assumes q.mu is held.
func (q *deferQueue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
