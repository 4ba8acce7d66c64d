package taskhandler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Kind classifies how a task runs.
const (
	KindOneShot Kind = iota
	KindRepeating
	KindRepeatingSequential
)

// Kind is the scheduling class of a task.
type Kind int

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOneShot:
		return "one-shot"
	case KindRepeating:
		return "repeating"
	case KindRepeatingSequential:
		return "repeating-sequential"
	default:
		return "unknown"
	}
}

// Repeating reports whether tasks of this kind tick more than once.
func (k Kind) Repeating() bool {
	return k == KindRepeating || k == KindRepeatingSequential
}

// Status is a point-in-time copy of a task's state flags.
type Status struct {
	Resolving bool // the task's callback is running, or the job is being resolved
	Complete  bool // the task reached a terminal state
	Cancelled bool
	Errored   bool
}

type cancelledResult struct{}

func (cancelledResult) String() string { return "task cancelled" }

// TaskCancelled is the result of a task that was cancelled.
var TaskCancelled any = cancelledResult{}

// taskController is the internal view of a task, used by the registry, the defer queue and
// the runners. The exported methods of TaskRef are the public view.
type taskController interface {
	beginExecute() bool
	executeResult(value any, err error)
	cancelled(c *Cancellation) bool
}

var _ taskController = (*TaskRef)(nil)

// TaskRef is the handle and state machine of one scheduled unit of work.
type TaskRef struct {
	id       string
	kind     Kind
	typ      string
	instance xid.ID
	interval time.Duration // period of repeating tasks, 0 when unknown
	handler  *Handler

	ctx       context.Context
	cancelCtx context.CancelFunc
	replaced  *Cancellation // cancellation of the task this one replaced, if any

	mu     sync.Mutex
	status Status
	result any
	err    error // *TaskError once errored
	ticks  int
	round  *Future // pending future of the current round
	final  *Future // settled future handed out once complete
	subs   map[*Stream]struct{}
	job    *Job
}

func newTaskRef(h *Handler, id string, kind Kind, typ string) *TaskRef {
	ctx, cancel := context.WithCancel(h.ctx)
	return &TaskRef{
		id:        id,
		kind:      kind,
		typ:       typ,
		instance:  xid.New(),
		handler:   h,
		ctx:       ctx,
		cancelCtx: cancel,
	}
}

// ID returns the identifier the task was scheduled under.
func (r *TaskRef) ID() string { return r.id }

// Kind returns the scheduling class of the task.
func (r *TaskRef) Kind() Kind { return r.kind }

// Type returns the name of the operation that scheduled the task, e.g. "after" or "everyNow".
func (r *TaskRef) Type() string { return r.typ }

// Instance returns an ID unique to this task, distinguishing it from other tasks scheduled
// under the same identifier.
func (r *TaskRef) Instance() xid.ID { return r.instance }

// Context returns a context that is cancelled when the task is cancelled or the handler's
// parent context ends.
func (r *TaskRef) Context() context.Context { return r.ctx }

// Replaced returns the cancellation of the task this one replaced under the same ID, or nil.
func (r *TaskRef) Replaced() *Cancellation { return r.replaced }

// Status returns a copy of the task's state flags.
func (r *TaskRef) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the settled value of a complete task: the callback's value, the
// *TaskError on error or TaskCancelled on cancellation. It is nil while the task runs.
func (r *TaskRef) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Complete {
		return nil
	}
	return r.result
}

// Err returns the *TaskError of an errored task, nil otherwise.
func (r *TaskRef) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Ticks returns how many times a repeating task has settled a tick.
func (r *TaskRef) Ticks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

// Cancel cancels the task if it is still registered and neither complete nor resolving.
func (r *TaskRef) Cancel() *Cancellation {
	c := newCancellation()
	r.handler.registry.cancelRef(r, c)
	return c
}

// Resolve settles the task with value. On one-shot tasks it marks the task resolving first,
// so a concurrent cancellation becomes a no-op. On repeating tasks it records a tick.
func (r *TaskRef) Resolve(value any) {
	r.markResolving()
	r.executeResult(value, nil)
}

// Reject settles the task with err, ending it. A nil err is treated as Resolve(nil).
func (r *TaskRef) Reject(err error) {
	r.markResolving()
	r.executeResult(nil, err)
}

// Promise returns the future of the current round. Once the task is complete it returns the
// same settled future on every call.
func (r *TaskRef) Promise() *Future {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Complete {
		if r.final == nil {
			r.final = newFuture(r)
			r.final.settle(r.result, r.err)
		}
		return r.final
	}
	if r.round == nil {
		r.round = newFuture(r)
	}
	return r.round
}

// Promises returns a new stream of the task's ticks. Only repeating tasks can be streamed.
func (r *TaskRef) Promises() (*Stream, error) {
	if !r.kind.Repeating() {
		return nil, &UsageError{Op: "promises", ID: r.id, Type: r.typ, Err: ErrNotRepeating}
	}
	s := newStream(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Complete {
		s.end(r.err)
		return s, nil
	}
	if r.subs == nil {
		r.subs = make(map[*Stream]struct{})
	}
	r.subs[s] = struct{}{}
	return s, nil
}

func (r *TaskRef) unsubscribe(s *Stream) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

func (r *TaskRef) markResolving() {
	if r.kind.Repeating() {
		return
	}
	r.mu.Lock()
	if !r.status.Complete {
		r.status.Resolving = true
	}
	r.mu.Unlock()
}

// beginExecute is called right before the task's callback runs. It returns false when the
// task is already complete. One-shot tasks become resolving.
func (r *TaskRef) beginExecute() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Complete {
		return false
	}
	if !r.kind.Repeating() {
		r.status.Resolving = true
	}
	return true
}

// executeResult settles the outcome of one run of the task. Only the first settlement of a
// task is kept.
func (r *TaskRef) executeResult(value any, err error) {
	r.mu.Lock()
	if r.status.Complete {
		r.mu.Unlock()
		return
	}

	var taskErr *TaskError
	if err != nil {
		taskErr = &TaskError{Ref: r, Err: err}
		r.status.Errored = true
		r.status.Complete = true
		r.result = taskErr
		r.err = taskErr
	} else {
		r.result = value
		if !r.kind.Repeating() {
			r.status.Complete = true
		}
	}
	complete := r.status.Complete
	if complete {
		r.status.Resolving = false
	}
	if r.kind.Repeating() && err == nil {
		r.ticks++
	}
	snap := Snapshot{Ref: r, Tick: r.ticks, Result: value, Status: r.status}

	round := r.round
	r.round = nil
	if complete {
		// The settled round future doubles as the final one
		r.final = round
	}
	subs := r.takeSubscribersLocked(complete)
	job := r.job
	handled := round != nil || len(subs) > 0 || (job != nil && job.Error != nil)
	r.mu.Unlock()

	h := r.handler
	if complete {
		r.cancelCtx()
		h.registry.release(r)
		h.metrics.recordEnded(r.kind, r.interval)
	}
	if taskErr != nil {
		h.metrics.recordError()
		h.log.Debug().Err(err).Str("id", r.id).Str("type", r.typ).Msg("Task errored")
	}

	if job != nil {
		if taskErr != nil && job.Error != nil {
			job.Error(taskErr)
		}
		if complete && job.Complete != nil {
			if hookErr := job.Complete(r); hookErr != nil {
				h.log.Warn().Err(hookErr).Str("id", r.id).Msg("Job complete hook failed")
			}
		}
	}

	if round != nil {
		if taskErr != nil {
			round.settle(taskErr, taskErr)
		} else {
			round.settle(value, nil)
		}
	}
	for s := range subs {
		if taskErr != nil {
			s.end(taskErr)
			continue
		}
		s.push(snap)
		if complete {
			s.end(nil)
		}
	}

	if taskErr != nil && !handled {
		h.reportUnhandled(taskErr)
	}
}

// cancelled transitions the task to cancelled and collects job hooks into c. It returns
// false if the task was already complete or resolving.
func (r *TaskRef) cancelled(c *Cancellation) bool {
	r.mu.Lock()
	if r.status.Complete || r.status.Resolving {
		r.mu.Unlock()
		return false
	}
	r.status.Complete = true
	r.status.Cancelled = true
	r.result = TaskCancelled
	round := r.round
	r.round = nil
	r.final = round
	subs := r.takeSubscribersLocked(true)
	job := r.job
	r.mu.Unlock()

	r.cancelCtx()
	r.handler.metrics.recordCancel()
	r.handler.metrics.recordEnded(r.kind, r.interval)

	if round != nil {
		round.settle(TaskCancelled, nil)
	}
	for s := range subs {
		s.end(nil)
	}

	if job != nil {
		r.runCancelHooks(job, c)
	}
	return true
}

// runCancelHooks runs the job's cancelled and complete hooks inside c.
func (r *TaskRef) runCancelHooks(job *Job, c *Cancellation) {
	if job.Cancelled == nil && r.handler.hookWarnings {
		r.handler.log.Warn().Str("id", r.id).Msg("Job was cancelled but provided no cancelled hook")
	}
	if job.Cancelled == nil && job.Complete == nil {
		return
	}
	c.goHook(func() error {
		if job.Cancelled != nil {
			if err := job.Cancelled(r); err != nil {
				return &TaskError{Ref: r, Err: err}
			}
		}
		if job.Complete != nil {
			if err := job.Complete(r); err != nil {
				return &TaskError{Ref: r, Err: err}
			}
		}
		return nil
	})
}

// takeSubscribersLocked returns the current streams, detaching them when the task ends.
func (r *TaskRef) takeSubscribersLocked(complete bool) map[*Stream]struct{} {
	subs := r.subs
	if complete {
		r.subs = nil
		return subs
	}
	cp := make(map[*Stream]struct{}, len(subs))
	for s := range subs {
		cp[s] = struct{}{}
	}
	return cp
}
