package eventstream

import (
	"context"
	"sync"
)

// AbortController issues a single AbortSignal and triggers it (spec §4.2).
// Abort is idempotent and safe for concurrent use.
type AbortController struct {
	mu     sync.Mutex
	ch     chan struct{}
	fired  bool
}

// NewAbortController creates a controller whose signal starts un-aborted.
func NewAbortController() *AbortController {
	return &AbortController{ch: make(chan struct{})}
}

// Abort flips the flag and wakes every waiter. Safe to call more than once.
func (c *AbortController) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return
	}
	c.fired = true
	close(c.ch)
}

// Signal returns the observable AbortSignal for this controller.
func (c *AbortController) Signal() *AbortSignal {
	return &AbortSignal{ctrl: c}
}

// AbortSignal is a one-shot, observable cancellation flag.
type AbortSignal struct {
	ctrl *AbortController
}

// IsAborted reports the current state.
func (s *AbortSignal) IsAborted() bool {
	if s == nil || s.ctrl == nil {
		return false
	}
	s.ctrl.mu.Lock()
	defer s.ctrl.mu.Unlock()
	return s.ctrl.fired
}

// Done returns the underlying channel, closed exactly once when aborted.
// Long-running operations select on this alongside their I/O, per spec §4.2.
func (s *AbortSignal) Done() <-chan struct{} {
	if s == nil || s.ctrl == nil {
		return nil
	}
	return s.ctrl.ch
}

// AwaitCancelled blocks until the signal fires or ctx is done, whichever
// comes first. It lets code that bridges an AbortSignal into a
// context-shaped cancellation point (e.g. cancelling a derived context when
// either one fires) avoid re-deriving the select in Done() at every call
// site.
func (s *AbortSignal) AwaitCancelled(ctx context.Context) {
	if s == nil || s.ctrl == nil {
		<-ctx.Done()
		return
	}
	select {
	case <-s.ctrl.ch:
	case <-ctx.Done():
	}
}
