package taskhandler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Cancellation tracks the asynchronous side effects of cancelling one or more tasks, such as
// the cancelled and complete hooks of jobs. Cancelling never blocks; callers that need the
// side effects to have finished wait on the Cancellation.
type Cancellation struct {
	group errgroup.Group
}

func newCancellation() *Cancellation {
	return &Cancellation{}
}

// goHook runs a hook on its own goroutine, recovering panics into errors.
func (c *Cancellation) goHook(hook func() error) {
	c.group.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("cancellation hook: panic: %v", rec)
			}
		}()
		return hook()
	})
}

// Wait blocks until every collected hook has returned, and returns the first hook error.
func (c *Cancellation) Wait() error {
	return c.group.Wait()
}

// Await is Wait bounded by ctx.
func (c *Cancellation) Await(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.group.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
