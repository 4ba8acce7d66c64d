package taskhandler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRepeating is returned when streaming observation is requested on a one-shot task.
	ErrNotRepeating = errors.New("taskhandler: streaming observation requires a repeating task")
	// ErrMissingStart is the cause of the panic raised when a job has no Start hook.
	ErrMissingStart = errors.New("taskhandler: job has no start hook")
	// ErrInvalidSchedule is returned when a cron schedule cannot be parsed.
	ErrInvalidSchedule = errors.New("taskhandler: invalid schedule")
)

// UsageError reports a call the engine cannot serve for the given task, such as asking a
// one-shot task for a stream of ticks.
type UsageError struct {
	Op   string
	ID   string
	Type string
	Err  error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("taskhandler: %s on %q task with ID %q: %v", e.Op, e.Type, e.ID, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// TaskError wraps an error raised by a task callback or job hook, with a reference back to the
// task it originated from.
type TaskError struct {
	Ref *TaskRef
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("taskhandler: task %q (%s): %v", e.Ref.ID(), e.Ref.Type(), e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// UnhandledTaskError is a TaskError that no observer was subscribed to receive. It is
// delivered to the diagnostics sink instead of being dropped.
type UnhandledTaskError struct {
	*TaskError
}

func (e *UnhandledTaskError) Error() string {
	return "unhandled: " + e.TaskError.Error()
}

func (e *UnhandledTaskError) Unwrap() error { return e.TaskError }
