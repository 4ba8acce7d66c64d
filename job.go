package taskhandler

// Job is a set of hooks driving the lifecycle of a job task. Only Start is required.
type Job struct {
	// Start runs synchronously when the job is registered. It typically kicks off work that
	// later calls ref.Resolve or ref.Reject. A panic in Start propagates to the caller of
	// Handler.Job.
	Start func(ref *TaskRef)

	// Cancelled runs when the job is cancelled before it settled.
	Cancelled func(ref *TaskRef) error
	// Complete runs on every terminal path: success, error and cancellation.
	Complete func(ref *TaskRef) error
	// Error runs on the error path, before Complete.
	Error func(err error)
}

// JobFactory builds the hook set of a job, given its task and the arguments passed to
// Handler.Job.
type JobFactory func(ref *TaskRef, args ...any) Job

// bindJob registers the job under the task's ID and starts it. The task is registered before
// Start runs, so Start may settle it synchronously.
func (h *Handler) bindJob(id string, factory JobFactory, args []any) *TaskRef {
	replaced := newCancellation()
	cancelled := h.registry.cancel(replaced, id)

	ref := newTaskRef(h, id, KindOneShot, "job")
	job := factory(ref, args...)
	if job.Start == nil {
		panic(&UsageError{Op: "job", ID: id, Type: ref.typ, Err: ErrMissingStart})
	}
	ref.mu.Lock()
	ref.job = &job
	ref.mu.Unlock()

	h.registry.schedule(id, replaced, func() (*TaskRef, func()) {
		if cancelled > 0 {
			ref.replaced = replaced
		}
		return ref, nil
	})
	h.metrics.recordScheduled(ref.kind, 0)
	h.log.Debug().Str("id", id).Str("instance", ref.instance.String()).Msg("Starting job")

	job.Start(ref)
	return ref
}
