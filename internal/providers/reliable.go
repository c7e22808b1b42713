package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// ReliableProvider wraps a Provider with transport-retry-and-replay: each
// attempt streams into a private buffer; a ProviderTransport failure
// discards the buffer and retries; any other outcome replays the buffered
// events verbatim onto the caller's stream exactly once. Grounded on
// original_source's providers/reliable.rs run_with_retry state machine.
type ReliableProvider struct {
	inner         Provider
	maxRetries    int
	baseBackoff   time.Duration
	retriesCustom bool
}

// WrapReliable wraps inner with the process-wide default retry budget.
func WrapReliable(inner Provider) *ReliableProvider {
	return &ReliableProvider{inner: inner, maxRetries: DefaultTransportRetryCount, baseBackoff: time.Second}
}

// WithMaxRetries overrides this wrapper's own retry budget, taking it out of
// "track the process-wide default" mode (see resolveRetryCount).
func (r *ReliableProvider) WithMaxRetries(n int) *ReliableProvider {
	r.maxRetries = n
	r.retriesCustom = true
	return r
}

// WithBaseBackoff overrides the base delay before exponential doubling.
func (r *ReliableProvider) WithBaseBackoff(d time.Duration) *ReliableProvider {
	r.baseBackoff = d
	return r
}

func (r *ReliableProvider) API() string { return r.inner.API() }

// resolveRetryCount implements the exact precedence from reliable.rs: a
// per-request override wins outright; otherwise, if this wrapper was never
// explicitly customized, track the live process-wide default so a runtime
// config change takes effect without re-wrapping; otherwise use the
// wrapper's own configured value.
func (r *ReliableProvider) resolveRetryCount(override *int) int {
	if override != nil {
		return *override
	}
	if !r.retriesCustom {
		return TransportRetryCount()
	}
	return r.maxRetries
}

func (r *ReliableProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, out *Stream) error {
	maxRetries := r.resolveRetryCount(opts.TransportRetryCount)
	retriesUsed := 0

	for {
		attempt := NewStream()
		attemptErr := r.inner.Stream(ctx, model, reqCtx, opts, attempt)
		attempt.End(nil)
		events := attempt.Events()

		status, perr, retryable, terminalEmitted := classifyAttempt(r.API(), attemptErr, events)
		if status == attemptSuccess {
			replay(out, events)
			return nil
		}

		if retryable && retriesUsed < maxRetries {
			sleepBackoff(ctx, r.baseBackoff, retriesUsed)
			retriesUsed++
			continue
		}

		if terminalEmitted {
			replay(out, events)
			return nil
		}
		return perr
	}
}

type attemptStatus int

const (
	attemptSuccess attemptStatus = iota
	attemptFailure
)

func classifyAttempt(api string, attemptErr error, events []models.AssistantMessageEvent) (status attemptStatus, err error, retryable, terminalEmitted bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.Type {
		case models.EventDone:
			return attemptSuccess, nil, false, true
		case models.EventError:
			var msg string
			if ev.Message != nil {
				msg = ev.Message.ErrorMessage
			}
			parsed, ok := ParseWireError(msg)
			if !ok {
				parsed = New(ErrProviderProtocol, fmt.Sprintf(
					"provider %q emitted an error event without structured error_message", api))
			}
			return attemptFailure, parsed, parsed.Code == ErrProviderTransport, true
		}
	}

	if attemptErr != nil {
		code := ErrProviderTransport
		if pe, ok := As(attemptErr); ok {
			code = pe.Code
		}
		return attemptFailure, attemptErr, code == ErrProviderTransport, false
	}

	return attemptFailure, New(ErrProviderProtocol, fmt.Sprintf(
		"provider %q returned without a terminal event", api)), false, false
}

func replay(out *Stream, events []models.AssistantMessageEvent) {
	for _, ev := range events {
		out.Push(ev)
	}
}

func sleepBackoff(ctx context.Context, base time.Duration, retryIndex int) {
	shift := retryIndex
	if shift > 30 {
		shift = 30
	}
	delay := base * time.Duration(1<<uint(shift))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
