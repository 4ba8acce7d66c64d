package taskhandler

import (
	"container/heap"
	"time"
)

// timerQueue implements heap.Interface and holds manual timers.
// Priority is determined by the due time, ties broken by arming order.
type timerQueue []*manualTimer

// Len returns the length of the heap.
func (tq timerQueue) Len() int { return len(tq) }

// Less prioritizes timers with earlier due times.
func (tq timerQueue) Less(i, j int) bool {
	if tq[i].when.Equal(tq[j].when) {
		return tq[i].seq < tq[j].seq
	}
	return tq[i].when.Before(tq[j].when)
}

// Swap swaps two timers in the heap.
func (tq timerQueue) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
	tq[i].index = i // Maintain index within the heap.
	tq[j].index = j
}

// Push adds a timer to the heap.
func (tq *timerQueue) Push(x any) {
	n := len(*tq)
	t := x.(*manualTimer)
	t.index = n
	*tq = append(*tq, t)
}

// Pop removes and returns the timer with the earliest due time.
func (tq *timerQueue) Pop() any {
	old := *tq
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*tq = old[0 : n-1]
	return t
}

// Peek returns the timer with the earliest due time, or nil if the queue is empty.
func (tq *timerQueue) Peek() *manualTimer {
	if len(*tq) == 0 {
		return nil
	}
	return (*tq)[0]
}

// Reschedule moves a timer already in the heap to a new due time.
func (tq *timerQueue) Reschedule(t *manualTimer, when time.Time, seq uint64) {
	t.when = when
	t.seq = seq
	heap.Fix(tq, t.index)
}

// Remove removes a timer from the heap if it is queued.
func (tq *timerQueue) Remove(t *manualTimer) bool {
	if t.index < 0 || t.index >= len(*tq) || (*tq)[t.index] != t {
		return false
	}
	heap.Remove(tq, t.index)
	return true
}
