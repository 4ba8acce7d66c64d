package taskhandler

import (
	"sync"
	"time"
)

// sequentialRunner drives a repeating task one iteration at a time: wait for the interval,
// run the callback to completion, then arm the next interval. Iterations never overlap.
type sequentialRunner struct {
	h        *Handler
	ref      *TaskRef
	interval time.Duration
	fn       TaskFunc

	mu      sync.Mutex
	timer   Timer
	stopped bool
	cancelQ func() // cancels the immediate first iteration, if any
}

func newSequentialRunner(h *Handler, ref *TaskRef, interval time.Duration, fn TaskFunc) *sequentialRunner {
	return &sequentialRunner{
		h:        h,
		ref:      ref,
		interval: clampDelay(interval),
		fn:       fn,
	}
}

// start arms the first iteration. With now set, the defer queue only releases the first
// iteration; the callback itself runs on the runner's own timer, outside the deferred batch.
func (s *sequentialRunner) start(now bool) {
	if !now {
		s.arm(s.interval)
		return
	}
	cancel := s.h.queue.add(s.ref, func() {
		s.arm(0)
	})
	s.mu.Lock()
	s.cancelQ = cancel
	s.mu.Unlock()
}

// stop disarms the runner. An iteration in progress finishes, but no other is armed.
func (s *sequentialRunner) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelQ != nil {
		s.cancelQ()
		s.cancelQ = nil
	}
}

// arm sets the timer of the next iteration, due after d.
func (s *sequentialRunner) arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.cancelQ = nil
	s.timer = s.h.clock.AfterFunc(d, s.fire)
}

func (s *sequentialRunner) fire() {
	s.h.queue.drain()
	s.iterate()
}

// iterate runs one iteration and arms the next one unless the task ended meanwhile.
func (s *sequentialRunner) iterate() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.ref.Status().Complete {
		return
	}

	s.h.execute(s.ref, s.fn)

	if s.ref.Status().Complete {
		return
	}
	s.arm(s.interval)
}
