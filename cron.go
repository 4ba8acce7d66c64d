package taskhandler

import (
	"sync"

	"github.com/robfig/cron/v3"
)

// cronRunner arms one timer at a time, each due at the schedule's next activation.
type cronRunner struct {
	h     *Handler
	ref   *TaskRef
	sched cron.Schedule
	fn    TaskFunc

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func newCronRunner(h *Handler, ref *TaskRef, sched cron.Schedule, fn TaskFunc) *cronRunner {
	return &cronRunner{h: h, ref: ref, sched: sched, fn: fn}
}

// arm sets the timer for the next activation after the current clock time.
func (c *cronRunner) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	now := c.h.clock.Now()
	next := c.sched.Next(now)
	if next.IsZero() {
		// The schedule has no further activation
		return
	}
	c.timer = c.h.clock.AfterFunc(clampDelay(next.Sub(now)), c.fire)
}

func (c *cronRunner) fire() {
	c.h.queue.drain()
	if c.ref.Status().Complete {
		return
	}
	// Re-armed before running so a slow tick does not shift the schedule
	c.arm()
	c.h.execute(c.ref, c.fn)
}

func (c *cronRunner) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
