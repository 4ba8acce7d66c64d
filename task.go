package taskhandler

import (
	"context"
)

// TaskFunc is the work of a task. ctx is cancelled when the task is cancelled. The returned
// value becomes the task's result; a returned error, or a panic, ends the task with a
// *TaskError.
type TaskFunc func(ctx context.Context, ref *TaskRef) (any, error)

// FromFunc adapts a function that only reports an error. The task's result is nil.
func FromFunc(function func() error) TaskFunc {
	return func(context.Context, *TaskRef) (any, error) {
		return nil, function()
	}
}

// FromValue adapts a function that cannot fail. Its return value becomes the task's result.
func FromValue(function func() any) TaskFunc {
	return func(context.Context, *TaskRef) (any, error) {
		return function(), nil
	}
}
