package taskhandler

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookLog records job hook calls in order.
type hookLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *hookLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *hookLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// recordingJob returns a factory whose hooks all report to l. Start runs start, if set.
func recordingJob(l *hookLog, start func(ref *TaskRef)) JobFactory {
	return func(*TaskRef, ...any) Job {
		return Job{
			Start: func(ref *TaskRef) {
				l.add("start")
				if start != nil {
					start(ref)
				}
			},
			Cancelled: func(*TaskRef) error {
				l.add("cancelled")
				return nil
			},
			Complete: func(*TaskRef) error {
				l.add("complete")
				return nil
			},
			Error: func(error) {
				l.add("error")
			},
		}
	}
}

func TestJobResolveInStart(t *testing.T) {
	h, _ := newManualHandler()

	ref := h.Job("j", func(_ *TaskRef, args ...any) Job {
		return Job{Start: func(ref *TaskRef) {
			ref.Resolve(args[0])
		}}
	}, "ok")

	select {
	case <-ref.Promise().Done():
	default:
		t.Fatal("Expected the job to be settled when Job returns")
	}
	got, err := ref.Promise().Await(testContext(t))
	require.NoError(t, err)
	assert.Same(t, ref, got)
	assert.Equal(t, "ok", ref.Result())
	assert.Equal(t, "job", ref.Type())
	assert.False(t, h.Has("j"), "Expected settled job to leave the registry")
}

func TestJobSettlesOnce(t *testing.T) {
	h, _ := newManualHandler()

	var start *TaskRef
	ref := h.Job("j", func(*TaskRef, ...any) Job {
		return Job{Start: func(ref *TaskRef) { start = ref }}
	})
	assert.Same(t, ref, start)
	assert.True(t, h.Has("j"))

	ref.Resolve("first")
	ref.Resolve("second")
	ref.Reject(errors.New("late"))
	ref.Cancel()

	assert.Equal(t, "first", ref.Result())
	assert.Equal(t, Status{Complete: true}, ref.Status())
	assert.NoError(t, ref.Err())
}

func TestJobLifecycleSuccess(t *testing.T) {
	h, _ := newManualHandler()
	l := &hookLog{}

	ref := h.Job("j", recordingJob(l, nil))
	assert.Equal(t, []string{"start"}, l.list())

	ref.Resolve(nil)
	assert.Equal(t, []string{"start", "complete"}, l.list())
}

func TestJobLifecycleError(t *testing.T) {
	h, _ := newManualHandler()
	l := &hookLog{}
	boom := errors.New("boom")

	ref := h.Job("j", recordingJob(l, func(ref *TaskRef) {
		ref.Reject(boom)
	}))

	assert.Equal(t, []string{"start", "error", "complete"}, l.list())
	assert.Equal(t, Status{Complete: true, Errored: true}, ref.Status())
	assert.ErrorIs(t, ref.Err(), boom)

	// The error hook counts as an observer
	select {
	case err := <-h.ErrorChannel():
		t.Fatalf("Unexpected unhandled error: %v", err)
	default:
	}
}

func TestJobUnhandledError(t *testing.T) {
	h, _ := newManualHandler()
	boom := errors.New("boom")

	h.Job("j", func(*TaskRef, ...any) Job {
		return Job{Start: func(ref *TaskRef) { ref.Reject(boom) }}
	})

	select {
	case err := <-h.ErrorChannel():
		assert.ErrorIs(t, err, boom)
	default:
		t.Fatal("Expected an unhandled error on the error channel")
	}
}

func TestJobLifecycleCancel(t *testing.T) {
	h, _ := newManualHandler()
	l := &hookLog{}

	ref := h.Job("j", recordingJob(l, nil))
	future := ref.Promise()

	require.NoError(t, h.Cancel("j").Wait())
	assert.Equal(t, []string{"start", "cancelled", "complete"}, l.list())
	assert.Equal(t, TaskCancelled, future.Value())
	assert.Equal(t, Status{Complete: true, Cancelled: true}, ref.Status())
}

func TestJobCancelWaitsForHooks(t *testing.T) {
	h, _ := newManualHandler()

	var cleaned atomic.Bool
	h.Job("j", func(*TaskRef, ...any) Job {
		return Job{
			Start: func(*TaskRef) {},
			Cancelled: func(*TaskRef) error {
				time.Sleep(10 * time.Millisecond)
				cleaned.Store(true)
				return nil
			},
		}
	})

	c := h.Clear()
	assert.False(t, h.Has("j"), "Expected cancellation to take effect synchronously")
	require.NoError(t, c.Wait())
	assert.True(t, cleaned.Load())
}

func TestJobCancelHookError(t *testing.T) {
	h, _ := newManualHandler()
	boom := errors.New("boom")

	h.Job("j", func(*TaskRef, ...any) Job {
		return Job{
			Start:     func(*TaskRef) {},
			Cancelled: func(*TaskRef) error { return boom },
		}
	})

	err := h.Cancel("j").Await(testContext(t))
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "j", taskErr.Ref.ID())
}

func TestJobCancelHookPanic(t *testing.T) {
	h, _ := newManualHandler()

	h.Job("j", func(*TaskRef, ...any) Job {
		return Job{
			Start:     func(*TaskRef) {},
			Cancelled: func(*TaskRef) error { panic("kaboom") },
		}
	})

	err := h.Cancel("j").Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestJobReplacedHooks(t *testing.T) {
	h, _ := newManualHandler()
	l := &hookLog{}

	h.Job("j", recordingJob(l, nil))
	second := h.Job("j", func(*TaskRef, ...any) Job {
		return Job{Start: func(*TaskRef) {}}
	})

	require.NotNil(t, second.Replaced())
	require.NoError(t, second.Replaced().Wait())
	assert.Equal(t, []string{"start", "cancelled", "complete"}, l.list())
	assert.True(t, h.Has("j"))
}

func TestJobCancelWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&buf))

	t.Run("without cancelled hook", func(t *testing.T) {
		buf.Reset()
		h, _ := newManualHandler(WithLogger(logger))
		h.Job("j", func(*TaskRef, ...any) Job { return Job{Start: func(*TaskRef) {}} })
		require.NoError(t, h.Cancel("j").Wait())
		assert.Contains(t, buf.String(), "no cancelled hook")
	})

	t.Run("warnings disabled", func(t *testing.T) {
		buf.Reset()
		h, _ := newManualHandler(WithLogger(logger), WithHookWarnings(false))
		h.Job("j", func(*TaskRef, ...any) Job { return Job{Start: func(*TaskRef) {}} })
		require.NoError(t, h.Cancel("j").Wait())
		assert.NotContains(t, buf.String(), "no cancelled hook")
	})
}

func TestJobMissingStart(t *testing.T) {
	h, _ := newManualHandler()

	defer func() {
		rec := recover()
		err, ok := rec.(error)
		require.True(t, ok, "Expected the panic value to be an error")
		var usageErr *UsageError
		require.ErrorAs(t, err, &usageErr)
		assert.ErrorIs(t, err, ErrMissingStart)
		assert.False(t, h.Has("j"))
	}()
	h.Job("j", func(*TaskRef, ...any) Job { return Job{} })
}

func TestJobStartPanicPropagates(t *testing.T) {
	h, _ := newManualHandler()

	assert.PanicsWithValue(t, "boom", func() {
		h.Job("j", func(*TaskRef, ...any) Job {
			return Job{Start: func(*TaskRef) { panic("boom") }}
		})
	})
}

func TestJobResolvingBlocksCancel(t *testing.T) {
	h, _ := newManualHandler()

	var cancelled atomic.Bool
	ref := h.Job("j", func(*TaskRef, ...any) Job {
		return Job{
			Start: func(*TaskRef) {},
			Cancelled: func(*TaskRef) error {
				cancelled.Store(true)
				return nil
			},
		}
	})

	// A job settling from another goroutine is resolving before it completes
	ref.markResolving()
	require.NoError(t, ref.Cancel().Wait())
	assert.False(t, ref.Status().Cancelled)
	assert.False(t, cancelled.Load())

	ref.Resolve("done")
	assert.Equal(t, "done", ref.Result())
}
