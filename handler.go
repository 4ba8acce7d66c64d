// Package taskhandler provides an in-process engine for named, cancellable tasks: delayed,
// deferred, periodic, sequential and custom-lifecycle work, each observable as a future or,
// for periodic work, as a stream of ticks.
package taskhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 64
)

// Option is a functional option for the Handler struct.
type Option func(*Handler)

// Handler schedules tasks under caller-supplied IDs. Scheduling under an ID that already has
// a live task cancels that task first, so there is at most one live task per ID.
type Handler struct {
	log zerolog.Logger
	ctx context.Context

	clock    Clock
	registry *registry
	queue    *deferQueue

	metrics   *handlerMetrics
	errorChan chan error // Diagnostics sink for unhandled task errors

	// Options
	channelBufferSize int
	cronParser        cron.Parser
	hookWarnings      bool
	onUnhandled       func(error)
}

// New creates and returns a new Handler. It uses default values for the handler parameters
// unless changed by the input opts.
func New(opts ...Option) *Handler {
	h := &Handler{}
	setDefaultOptions(h)
	for _, opt := range opts {
		opt(h)
	}

	h.log = h.log.With().Str("pkg", "taskhandler").Logger()
	h.errorChan = make(chan error, h.channelBufferSize)
	h.metrics = &handlerMetrics{}
	h.registry = newRegistry(h.log.With().Str("component", "registry").Logger())
	h.queue = newDeferQueue(h.log.With().Str("component", "defer").Logger(), h.clock, h.registry)

	return h
}

// ErrorChannel returns a read-only channel receiving *UnhandledTaskError values: errors of
// tasks nobody observed. Sends never block; errors are dropped when the channel is full.
func (h *Handler) ErrorChannel() <-chan error {
	return h.errorChan
}

// Metrics returns a snapshot of the handler's metrics.
func (h *Handler) Metrics() Metrics {
	m := h.metrics.snapshot()
	m.LiveTasks = h.registry.size()
	return m
}

// After runs fn once, after delay.
func (h *Handler) After(id string, delay time.Duration, fn TaskFunc) *TaskRef {
	return h.schedule(id, KindOneShot, "after", 0, func(ref *TaskRef) func() {
		t := h.clock.AfterFunc(clampDelay(delay), func() {
			h.queue.drain()
			h.execute(ref, fn)
		})
		return func() { t.Stop() }
	})
}

// Defer runs fn as soon as possible, batched with every other deferred task of the same tick.
// Deferred tasks always run before timers armed in the same tick.
func (h *Handler) Defer(id string, fn TaskFunc) *TaskRef {
	return h.schedule(id, KindOneShot, "defer", 0, func(ref *TaskRef) func() {
		return h.queue.add(ref, func() {
			h.execute(ref, fn)
		})
	})
}

// Every runs fn every interval, starting one interval from now, until cancelled or fn fails.
// Ticks run on the clock's schedule whether or not the previous tick has returned.
func (h *Handler) Every(id string, interval time.Duration, fn TaskFunc) *TaskRef {
	return h.every(id, "every", interval, fn, false)
}

// EveryNow is Every with an additional immediate tick, deferred like Defer.
func (h *Handler) EveryNow(id string, interval time.Duration, fn TaskFunc) *TaskRef {
	return h.every(id, "everyNow", interval, fn, true)
}

// EverySequential runs fn every interval, where each interval starts only after the previous
// call has returned.
func (h *Handler) EverySequential(id string, interval time.Duration, fn TaskFunc) *TaskRef {
	return h.sequential(id, "everySequential", interval, fn, false)
}

// EveryNowSequential is EverySequential with a first, deferred call before the first interval.
func (h *Handler) EveryNowSequential(id string, interval time.Duration, fn TaskFunc) *TaskRef {
	return h.sequential(id, "everyNowSequential", interval, fn, true)
}

// Cron runs fn at the times described by a cron schedule, such as "*/5 * * * *" or
// "@every 1h". Seconds are optional.
func (h *Handler) Cron(id string, schedule string, fn TaskFunc) (*TaskRef, error) {
	sched, err := h.cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, schedule, err)
	}
	return h.schedule(id, KindRepeating, "cron", 0, func(ref *TaskRef) func() {
		runner := newCronRunner(h, ref, sched, fn)
		runner.arm()
		return runner.stop
	}), nil
}

// Job registers a task whose lifecycle is driven by the hooks factory returns. Start runs
// synchronously before Job returns; a panic in Start is not recovered.
func (h *Handler) Job(id string, factory JobFactory, args ...any) *TaskRef {
	return h.bindJob(id, factory, args)
}

// Cancel cancels the live tasks under the given IDs. Cancellation takes effect before Cancel
// returns; the returned Cancellation waits for the jobs' cancellation hooks.
func (h *Handler) Cancel(ids ...string) *Cancellation {
	c := newCancellation()
	n := h.registry.cancel(c, ids...)
	if n > 0 {
		h.log.Debug().Int("count", n).Msg("Cancelled tasks")
	}
	return c
}

// Clear cancels every task registered at the time of the call.
func (h *Handler) Clear() *Cancellation {
	c := newCancellation()
	n := h.registry.clear(c)
	h.log.Debug().Int("count", n).Msg("Cleared tasks")
	return c
}

// Has reports whether every given ID has a live task.
func (h *Handler) Has(ids ...string) bool {
	return h.registry.has(ids...)
}

// Size returns the number of live tasks.
func (h *Handler) Size() int {
	return h.registry.size()
}

// schedule registers a new task under id. arm starts whatever will run the task and returns
// the function disarming it.
func (h *Handler) schedule(
	id string,
	kind Kind,
	typ string,
	interval time.Duration,
	arm func(ref *TaskRef) func(),
) *TaskRef {
	ref := h.registry.schedule(id, newCancellation(), func() (*TaskRef, func()) {
		ref := newTaskRef(h, id, kind, typ)
		ref.interval = interval
		return ref, arm(ref)
	})
	h.metrics.recordScheduled(kind, interval)

	h.log.Debug().
		Str("id", id).
		Str("type", typ).
		Str("instance", ref.instance.String()).
		Msg("Scheduled task")
	return ref
}

func (h *Handler) every(id, typ string, interval time.Duration, fn TaskFunc, now bool) *TaskRef {
	interval = clampDelay(interval)
	return h.schedule(id, KindRepeating, typ, interval, func(ref *TaskRef) func() {
		t := h.clock.EveryFunc(interval, func() {
			h.queue.drain()
			h.execute(ref, fn)
		})
		if !now {
			return func() { t.Stop() }
		}
		cancelDefer := h.queue.add(ref, func() {
			h.execute(ref, fn)
		})
		return func() {
			t.Stop()
			cancelDefer()
		}
	})
}

func (h *Handler) sequential(id, typ string, interval time.Duration, fn TaskFunc, now bool) *TaskRef {
	interval = clampDelay(interval)
	return h.schedule(id, KindRepeatingSequential, typ, interval, func(ref *TaskRef) func() {
		runner := newSequentialRunner(h, ref, interval, fn)
		runner.start(now)
		return runner.stop
	})
}

// execute runs one invocation of fn for ref and settles its outcome. One-shot tasks leave the
// registry before fn runs, so fn may schedule a new task under the same ID.
func (h *Handler) execute(ref *TaskRef, fn TaskFunc) {
	if !ref.beginExecute() {
		return
	}
	if !ref.kind.Repeating() {
		h.registry.release(ref)
	}
	if h.log.GetLevel() <= zerolog.TraceLevel {
		h.log.Trace().Str("id", ref.id).Str("type", ref.typ).Msg("Executing task")
	}

	start := time.Now()
	value, err := safeExecute(ref, fn)
	h.metrics.consumeOneExecTime(time.Since(start))

	ref.executeResult(value, err)
}

// reportUnhandled delivers an error nobody observed to the diagnostics sink.
func (h *Handler) reportUnhandled(taskErr *TaskError) {
	err := &UnhandledTaskError{TaskError: taskErr}
	h.metrics.recordUnhandled()

	h.log.Error().
		Err(taskErr.Err).
		Str("id", taskErr.Ref.id).
		Str("type", taskErr.Ref.typ).
		Msg("Unhandled error while running task; observe it with ref.Promise() or ref.Promises()")

	select {
	case h.errorChan <- err:
	default:
	}
	if h.onUnhandled != nil {
		h.onUnhandled(err)
	}
}

// safeExecute calls fn with panic recovery. A nil fn does nothing and yields a nil result.
func safeExecute(ref *TaskRef, fn TaskFunc) (value any, err error) {
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ref.ctx, ref)
}

// setDefaultOptions sets default values for the options of the Handler.
func setDefaultOptions(h *Handler) {
	h.channelBufferSize = defaultBufferSize
	h.clock = NewRealClock()
	h.ctx = context.Background()
	h.cronParser = cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	h.hookWarnings = true
	h.log = zerolog.New(zerolog.Nop())
}

// WithChannelSize sets the buffer size of the error channel. The default is 64.
func WithChannelSize(size int) Option {
	return func(h *Handler) {
		h.channelBufferSize = size
	}
}

// WithClock sets the clock driving the handler's timers. The default is the runtime clock.
func WithClock(clock Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithContext sets the parent of every task context. Ending it cancels the contexts passed to
// running task funcs, but does not cancel the tasks themselves.
func WithContext(ctx context.Context) Option {
	return func(h *Handler) {
		h.ctx = ctx
	}
}

// WithCronParser sets the parser used by Cron. The default accepts an optional seconds field
// and descriptors such as "@hourly".
func WithCronParser(parser cron.Parser) Option {
	return func(h *Handler) {
		h.cronParser = parser
	}
}

// WithHookWarnings toggles the warning logged when a job is cancelled without a cancelled
// hook. It is on by default.
func WithHookWarnings(enabled bool) Option {
	return func(h *Handler) {
		h.hookWarnings = enabled
	}
}

// WithLogger sets the logger for the Handler. The default is a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = logger
	}
}

// WithUnhandledErrorHandler sets a callback receiving every *UnhandledTaskError, in addition
// to the error channel.
func WithUnhandledErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		h.onUnhandled = fn
	}
}
