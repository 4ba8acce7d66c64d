package taskhandler

import (
	"context"
	"iter"
	"sync"
)

// Snapshot captures a repeating task right after one of its ticks settled.
type Snapshot struct {
	Ref    *TaskRef
	Tick   int
	Result any
	Status Status
}

// Stream is a pull-based sequence of tick snapshots of a repeating task. Ticks are buffered
// from the moment the stream is obtained; the stream ends when the task is cancelled or
// errors. An error is reported once by Err, after every buffered tick has been consumed.
type Stream struct {
	ref *TaskRef

	mu     sync.Mutex
	queue  []Snapshot
	notify chan struct{}
	ended  bool  // no more ticks will be pushed
	closed bool  // consumer is done
	endErr error // terminal task error, surfaced after the queue drains

	current Snapshot
	err     error
}

func newStream(ref *TaskRef) *Stream {
	return &Stream{
		ref:    ref,
		notify: make(chan struct{}, 1),
	}
}

// Next blocks until the next tick is available and reports whether there is one. It returns
// false when the task has ended, the stream was closed or ctx is done; Err tells these apart.
func (s *Stream) Next(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue[0] = Snapshot{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return true
		}
		if s.ended {
			s.err = s.endErr
			s.closed = true
			s.mu.Unlock()
			s.ref.unsubscribe(s)
			return false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			s.mu.Lock()
			s.err = ctx.Err()
			s.mu.Unlock()
			return false
		}
	}
}

// Snapshot returns the tick read by the last successful call to Next.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err returns the error that ended the stream: the task's *TaskError, or the context error
// that interrupted Next. It is nil when the task was cancelled.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops buffering ticks. Pending Next calls return false.
func (s *Stream) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	if already {
		return
	}
	s.wake()
	s.ref.unsubscribe(s)
}

// All returns the remaining ticks as an iterator. A terminal error is yielded once as the
// last element.
func (s *Stream) All(ctx context.Context) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		defer s.Close()
		for s.Next(ctx) {
			if !yield(s.Snapshot(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(Snapshot{Ref: s.ref, Status: s.ref.Status()}, err)
		}
	}
}

// push buffers one tick.
func (s *Stream) push(snap Snapshot) {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	s.wake()
}

// end marks the stream as finished once the buffered ticks are read.
func (s *Stream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endErr = err
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
