package taskhandler

import (
	"container/heap"
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when Advance is called. Timer callbacks run
// synchronously on the goroutine calling Advance, in due-time order, and pending microtasks
// always run before the next timer fires.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerQueue
	micro  []*manualTimer
}

// manualTimer is a timer, ticker or microtask armed on a ManualClock.
type manualTimer struct {
	clock   *ManualClock
	f       func()
	when    time.Time
	period  time.Duration // 0 for one-shot timers and microtasks
	seq     uint64
	index   int // Index within the heap, -1 when not queued
	stopped bool
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms a one-shot timer due d after the current manual time.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.arm(d, 0, f)
}

// EveryFunc arms a periodic timer first due d after the current manual time.
func (c *ManualClock) EveryFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		d = minDelay
	}
	return c.arm(d, d, f)
}

// Microtask queues f to run before any timer fires.
func (c *ManualClock) Microtask(f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{clock: c, f: f, seq: c.seq, index: -1}
	c.micro = append(c.micro, t)
	return t
}

// Pending returns the number of armed timers and queued microtasks.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.Len() + len(c.micro)
}

// Flush runs every queued microtask and every timer already due, without moving time.
func (c *ManualClock) Flush() {
	c.Advance(0)
}

// Advance moves the clock forward by d, firing every timer that falls due on the way.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.runMicrotasks()

		c.mu.Lock()
		next := c.timers.Peek()
		if next == nil || next.when.After(target) {
			c.now = target
			c.mu.Unlock()
			break
		}
		c.now = next.when
		c.seq++
		if next.period > 0 {
			c.timers.Reschedule(next, next.when.Add(next.period), c.seq)
		} else {
			heap.Pop(&c.timers)
			next.stopped = true
		}
		f := next.f
		c.mu.Unlock()

		f()
	}
	c.runMicrotasks()
}

// arm queues a new timer.
func (c *ManualClock) arm(d, period time.Duration, f func()) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{
		clock:  c,
		f:      f,
		when:   c.now.Add(max(d, 0)),
		period: period,
		seq:    c.seq,
	}
	heap.Push(&c.timers, t)
	return t
}

// runMicrotasks runs queued microtasks until none remain, including those queued meanwhile.
func (c *ManualClock) runMicrotasks() {
	for {
		c.mu.Lock()
		if len(c.micro) == 0 {
			c.mu.Unlock()
			return
		}
		t := c.micro[0]
		c.micro[0] = nil
		c.micro = c.micro[1:]
		t.stopped = true
		c.mu.Unlock()

		t.f()
	}
}

// Stop disarms the timer.
func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	if c.timers.Remove(t) {
		return true
	}
	for i, m := range c.micro {
		if m == t {
			c.micro = append(c.micro[:i], c.micro[i+1:]...)
			break
		}
	}
	return true
}
