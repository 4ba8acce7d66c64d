package taskhandler

import (
	"context"
	"sync"
)

// Future is the single-assignment outcome of one round of a task: the whole lifetime of a
// one-shot task, or the next tick of a repeating one.
type Future struct {
	ref  *TaskRef
	done chan struct{}
	once sync.Once

	value any
	err   error
}

func newFuture(ref *TaskRef) *Future {
	return &Future{ref: ref, done: make(chan struct{})}
}

// settle assigns the outcome and releases every waiter. Later calls are ignored.
func (f *Future) settle(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. It returns the task on success and
// the task together with its *TaskError when the round ended in an error.
func (f *Future) Await(ctx context.Context) (*TaskRef, error) {
	select {
	case <-f.done:
		return f.ref, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value returns the value the round settled with, or nil while pending.
func (f *Future) Value() any {
	select {
	case <-f.done:
		return f.value
	default:
		return nil
	}
}
