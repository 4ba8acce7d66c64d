package taskhandler

import (
	"sync"
	"sync/atomic"
	"time"
)

// minDelay is the shortest delay a timer is armed with. Shorter delays and intervals are
// raised to it.
const minDelay = time.Millisecond

// Timer is a cancellable handle to a scheduled callback.
type Timer interface {
	// Stop prevents any further invocation. It returns false if the timer had already been
	// stopped or, for one-shot timers, had already fired.
	Stop() bool
}

// Clock provides the scheduling primitives the engine consumes.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once, after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// EveryFunc calls f every d until stopped. Invocations may overlap if f is slow.
	EveryFunc(d time.Duration, f func()) Timer
}

// MicroScheduler is implemented by clocks that can run a callback in the current phase,
// before any timer due at the same instant.
type MicroScheduler interface {
	Microtask(f func()) Timer
}

// ImmediateScheduler is implemented by clocks that can run a callback as soon as possible,
// without going through a timer.
type ImmediateScheduler interface {
	Immediate(f func()) Timer
}

// soonestFunc schedules f on the fastest primitive a clock offers.
type soonestFunc func(f func()) Timer

// selectSoonest picks the soonest primitive of the clock: a microtask if available, then an
// immediate, then a minimum-delay timer.
func selectSoonest(c Clock) soonestFunc {
	if m, ok := c.(MicroScheduler); ok {
		return m.Microtask
	}
	if i, ok := c.(ImmediateScheduler); ok {
		return i.Immediate
	}
	return func(f func()) Timer {
		return c.AfterFunc(minDelay, f)
	}
}

// clampDelay raises d to the minimum timer delay.
func clampDelay(d time.Duration) time.Duration {
	return max(d, minDelay)
}

// realClock is a Clock backed by package time. Callbacks run on their own goroutines.
type realClock struct{}

// NewRealClock returns a Clock backed by the runtime timers.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) EveryFunc(d time.Duration, f func()) Timer {
	t := &realTicker{
		ticker: time.NewTicker(d),
		stop:   make(chan struct{}),
	}
	go t.loop(f)
	return t
}

func (realClock) Immediate(f func()) Timer {
	im := &immediate{}
	go func() {
		if im.stopped.CompareAndSwap(false, true) {
			f()
		}
	}()
	return im
}

// realTicker spawns one goroutine per tick, so a slow callback never delays the period.
type realTicker struct {
	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *realTicker) loop(f func()) {
	defer t.ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			// Stop may have raced with the tick
			select {
			case <-t.stop:
				return
			default:
			}
			go f()
		}
	}
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.stopOnce.Do(func() {
		close(t.stop)
		stopped = true
	})
	return stopped
}

// immediate is the handle of a callback started on its own goroutine.
type immediate struct {
	stopped atomic.Bool
}

func (im *immediate) Stop() bool {
	return im.stopped.CompareAndSwap(false, true)
}
