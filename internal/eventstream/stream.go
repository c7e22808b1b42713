// Package eventstream provides the broadcast EventStream and AbortSignal
// primitives every long-running core operation is built on (spec §4.1, §4.2).
package eventstream

import (
	"context"
	"sync"
)

// CompletionFunc inspects an event and, if it is terminal, returns the
// derived result. It must be pure and side-effect free.
type CompletionFunc[T, R any] func(event T) (result R, terminal bool)

// Stream is a broadcast channel of typed events with an optional terminal
// result, derived from the events by a pure completion function. Push is
// idempotent after a terminal event: later events are silently dropped.
//
// Concurrency: multiple independent readers may call Next/Result at their
// own pace; Push never blocks on a reader. Go's stdlib has no multi-waiter
// "notify" primitive, so wakeups use a channel that is closed (never sent
// on) and swapped out under the lock on every Push/End — the standard Go
// idiom for broadcasting to an unbounded number of waiters without losing
// a wakeup that raced the close.
type Stream[T, R any] struct {
	completion CompletionFunc[T, R]

	mu       sync.Mutex
	events   []T
	consumed map[*reader]int

	result     R
	hasResult  bool
	terminated bool

	wake chan struct{}
}

type reader struct{}

// New creates an empty stream. completion is evaluated once per pushed
// event; the first non-terminal-false return wins the terminal result.
func New[T, R any](completion CompletionFunc[T, R]) *Stream[T, R] {
	return &Stream[T, R]{
		completion: completion,
		consumed:   make(map[*reader]int),
		wake:       make(chan struct{}),
	}
}

// Push delivers event to subscribers and evaluates completion. If the
// stream is already terminated, the event is silently dropped.
func (s *Stream[T, R]) Push(event T) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	if s.completion != nil {
		if result, terminal := s.completion(event); terminal {
			if !s.hasResult {
				s.result = result
				s.hasResult = true
			}
			s.terminated = true
		}
	}
	s.events = append(s.events, event)
	s.broadcastLocked()
	s.mu.Unlock()
}

// End force-terminates the stream. If result is non-nil and no terminal
// result has been recorded yet, it becomes the stored result.
func (s *Stream[T, R]) End(result *R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	if result != nil && !s.hasResult {
		s.result = *result
		s.hasResult = true
	}
	s.terminated = true
	s.broadcastLocked()
}

// broadcastLocked wakes every waiter blocked in Next/Result. Must hold mu.
func (s *Stream[T, R]) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// NewReader returns a cursor that can independently drain the stream via Next.
func (s *Stream[T, R]) NewReader() func(ctx context.Context) (T, bool) {
	r := &reader{}
	s.mu.Lock()
	s.consumed[r] = 0
	s.mu.Unlock()
	return func(ctx context.Context) (T, bool) {
		return s.next(ctx, r)
	}
}

func (s *Stream[T, R]) next(ctx context.Context, r *reader) (T, bool) {
	for {
		s.mu.Lock()
		idx := s.consumed[r]
		if idx < len(s.events) {
			ev := s.events[idx]
			s.consumed[r] = idx + 1
			s.mu.Unlock()
			return ev, true
		}
		if s.terminated {
			s.mu.Unlock()
			var zero T
			return zero, false
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Result waits for the terminal result. It returns (_, false) only if the
// stream is force-ended without a result ever being recorded, or ctx is
// canceled first.
func (s *Stream[T, R]) Result(ctx context.Context) (R, bool) {
	for {
		s.mu.Lock()
		if s.hasResult {
			r := s.result
			s.mu.Unlock()
			return r, true
		}
		if s.terminated {
			s.mu.Unlock()
			var zero R
			return zero, false
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			var zero R
			return zero, false
		}
	}
}

// Events returns a snapshot of every event pushed so far, in push order.
// Used by ReliableProvider to capture and discard/replay one attempt.
func (s *Stream[T, R]) Events() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.events))
	copy(out, s.events)
	return out
}

// Terminated reports whether the stream has been pushed a terminal event
// or force-ended.
func (s *Stream[T, R]) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
