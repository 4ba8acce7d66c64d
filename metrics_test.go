package taskhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateTickRate(t *testing.T) {
	m := &handlerMetrics{}

	// One task ticking every 5s: 0.2 ticks per second
	m.updateTickRate(1, 5*time.Second)
	assert.Equal(t, int64(1), m.repeating.Load())
	assert.InDelta(t, 0.2, m.tickRate.Load(), 1e-6)

	// Another ticking every 2s: the average of 0.2 and 0.5
	m.updateTickRate(1, 2*time.Second)
	assert.Equal(t, int64(2), m.repeating.Load())
	assert.InDelta(t, 0.35, m.tickRate.Load(), 1e-6)

	// Removing the 2s task restores the first rate
	m.updateTickRate(-1, 2*time.Second)
	assert.Equal(t, int64(1), m.repeating.Load())
	assert.InDelta(t, 0.2, m.tickRate.Load(), 1e-5)

	m.updateTickRate(-1, 5*time.Second)
	assert.Equal(t, int64(0), m.repeating.Load())
	assert.Zero(t, m.tickRate.Load())

	// Removing from an empty set never goes negative
	m.updateTickRate(-1, time.Second)
	assert.Equal(t, int64(0), m.repeating.Load())
}

func TestRecordScheduledAndEnded(t *testing.T) {
	m := &handlerMetrics{}

	m.recordScheduled(KindOneShot, 0)
	m.recordScheduled(KindRepeating, 100*time.Millisecond)
	m.recordScheduled(KindRepeatingSequential, 100*time.Millisecond)

	snap := m.snapshot()
	assert.Equal(t, 3, snap.ScheduledTotal)
	assert.Equal(t, 2, snap.RepeatingTasks)
	assert.InDelta(t, 10.0, snap.TickRate, 1e-4)

	m.recordEnded(KindOneShot, 0)
	m.recordEnded(KindRepeating, 100*time.Millisecond)
	assert.Equal(t, 1, m.snapshot().RepeatingTasks)
}

func TestConsumeOneExecTime(t *testing.T) {
	m := &handlerMetrics{}

	m.consumeOneExecTime(10 * time.Millisecond)
	m.consumeOneExecTime(20 * time.Millisecond)
	m.consumeOneExecTime(30 * time.Millisecond)

	snap := m.snapshot()
	assert.Equal(t, 3, snap.ExecutionsTotal)
	assert.Equal(t, 20*time.Millisecond, snap.AverageExecTime)
}

func TestEventsPerSecond(t *testing.T) {
	assert.InDelta(t, 4.0, eventsPerSecond(2, 500*time.Millisecond), 1e-6)
	assert.InDelta(t, 4.0, eventsPerSecond(-2, 500*time.Millisecond), 1e-6)
	assert.Zero(t, eventsPerSecond(1, 0))
}
