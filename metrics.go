package taskhandler

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	uatomic "go.uber.org/atomic"
)

// Metrics holds metrics about the tasks of a Handler.
type Metrics struct {
	// Tasks
	LiveTasks      int // Tasks currently registered
	RepeatingTasks int // Repeating tasks currently running
	ScheduledTotal int // Tasks scheduled since start

	// Executions
	ExecutionsTotal int           // Callback invocations since start
	AverageExecTime time.Duration // Average duration of a callback invocation
	TickRate        float32       // Average ticks per second of a running repeating task

	// Outcomes
	CancellationsTotal int // Tasks cancelled since start
	ErrorsTotal        int // Tasks ended by an error since start
	UnhandledTotal     int // Errors reported to the diagnostics sink since start
}

// handlerMetrics stores internal metrics about the handler.
type handlerMetrics struct {
	mu sync.Mutex

	scheduled atomic.Int64 // Total number of tasks scheduled
	repeating atomic.Int64 // Number of running repeating tasks
	tickRate  uatomic.Float32

	executions      atomic.Int64     // Total number of callback invocations
	averageExecTime uatomic.Duration // Average execution time of callbacks

	cancellations atomic.Int64
	errors        atomic.Int64
	unhandled     atomic.Int64
}

// recordScheduled counts a new task. Repeating tasks also feed the tick rate.
func (m *handlerMetrics) recordScheduled(kind Kind, interval time.Duration) {
	m.scheduled.Add(1)
	if kind.Repeating() {
		m.updateTickRate(1, interval)
	}
}

// recordEnded removes a repeating task from the tick rate.
func (m *handlerMetrics) recordEnded(kind Kind, interval time.Duration) {
	if kind.Repeating() {
		m.updateTickRate(-1, interval)
	}
}

func (m *handlerMetrics) recordCancel()    { m.cancellations.Add(1) }
func (m *handlerMetrics) recordError()     { m.errors.Add(1) }
func (m *handlerMetrics) recordUnhandled() { m.unhandled.Add(1) }

// consumeOneExecTime updates the average execution time for a single observed execution.
func (m *handlerMetrics) consumeOneExecTime(execTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	avgExecTime := m.averageExecTime.Load()
	executions := m.executions.Load()
	newAvgExecTime := (avgExecTime*time.Duration(executions) + execTime) /
		time.Duration(executions+1)
	m.averageExecTime.Store(newAvgExecTime)
	m.executions.Add(1)
}

// updateTickRate updates the average tick rate. The input delta is the number of repeating
// tasks added or removed, and interval is the interval of those tasks.
func (m *handlerMetrics) updateTickRate(delta int, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.repeating.Load()
	newCount := current + int64(delta)

	// Avoid division by zero
	if newCount <= 0 {
		m.tickRate.Store(0)
		m.repeating.Store(0)
		return
	}

	rate := eventsPerSecond(delta, interval)
	sign := float32(1)
	if delta < 0 {
		sign = -1
	}

	// Weighted average over the running tasks
	newRate := (sign*rate + m.tickRate.Load()*float32(current)) / float32(newCount)

	m.tickRate.Store(max(newRate, 0))
	m.repeating.Add(int64(delta))
}

// snapshot returns the metrics; the live task count is filled in by the handler.
func (m *handlerMetrics) snapshot() Metrics {
	return Metrics{
		RepeatingTasks:     int(m.repeating.Load()),
		ScheduledTotal:     int(m.scheduled.Load()),
		ExecutionsTotal:    int(m.executions.Load()),
		AverageExecTime:    m.averageExecTime.Load(),
		TickRate:           m.tickRate.Load(),
		CancellationsTotal: int(m.cancellations.Load()),
		ErrorsTotal:        int(m.errors.Load()),
		UnhandledTotal:     int(m.unhandled.Load()),
	}
}

// eventsPerSecond calculates the number of events executed per second.
func eventsPerSecond(n int, interval time.Duration) float32 {
	if interval == 0 {
		return 0
	}
	events := math.Abs(float64(n))
	return float32(events) / float32(interval.Seconds())
}
