package providers

import (
	"context"
	"testing"
	"time"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

type fakeProvider struct {
	api      string
	attempts int
	behavior func(attempt int, s *Stream) error
}

func (f *fakeProvider) API() string { return f.api }

func (f *fakeProvider) Stream(_ context.Context, _ models.Model, _ models.Context, _ StreamOptions, s *Stream) error {
	attempt := f.attempts
	f.attempts++
	return f.behavior(attempt, s)
}

func assistantMsg(stopReason models.StopReason, errMessage string) models.AssistantMessage {
	return models.AssistantMessage{
		API: "test", Provider: "test-provider", Model: "test-model",
		StopReason: stopReason, ErrorMessage: errMessage,
	}
}

func TestReliableProviderRetriesTransportErrorsAndDiscardsPartialAttempts(t *testing.T) {
	fp := &fakeProvider{api: "test", behavior: func(attempt int, s *Stream) error {
		if attempt == 0 {
			msg := assistantMsg(models.StopReasonError, New(ErrProviderTransport, "fail-0").MarshalWire())
			msg.Content = append(msg.Content, models.AssistantContentBlock{Type: models.AssistantBlockText, Text: "partial-failed"})
			s.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: &msg})
			s.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: &msg})
			return nil
		}
		ok := assistantMsg(models.StopReasonStop, "")
		ok.Content = append(ok.Content, models.AssistantContentBlock{Type: models.AssistantBlockText, Text: "ok"})
		s.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: &ok})
		s.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneStop, Message: &ok})
		return nil
	}}

	r := WrapReliable(fp).WithMaxRetries(1).WithBaseBackoff(0)
	out := NewStream()
	if err := r.Stream(context.Background(), models.Model{}, models.Context{}, StreamOptions{}, out); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	out.End(nil)
	events := out.Events()

	if fp.attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", fp.attempts)
	}
	foundDone := false
	for _, ev := range events {
		if ev.Type == models.EventDone {
			foundDone = true
		}
		if ev.Type == models.EventStart && ev.Partial != nil {
			for _, b := range ev.Partial.Content {
				if b.Text == "partial-failed" {
					t.Fatalf("discarded attempt's events leaked into replay")
				}
			}
		}
	}
	if !foundDone {
		t.Fatalf("expected a Done event in the replayed stream")
	}
}

func TestReliableProviderDoesNotRetryNonTransportErrors(t *testing.T) {
	fp := &fakeProvider{api: "test", behavior: func(_ int, s *Stream) error {
		msg := assistantMsg(models.StopReasonError, New(ErrProviderProtocol, "bad payload").MarshalWire())
		s.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: &msg})
		return nil
	}}

	r := WrapReliable(fp).WithMaxRetries(3).WithBaseBackoff(0)
	out := NewStream()
	if err := r.Stream(context.Background(), models.Model{}, models.Context{}, StreamOptions{}, out); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	out.End(nil)

	if fp.attempts != 1 {
		t.Fatalf("expected 1 attempt for a non-retryable error, got %d", fp.attempts)
	}
}

func TestReliableProviderHonorsRequestRetryOverride(t *testing.T) {
	fp := &fakeProvider{api: "test", behavior: func(_ int, s *Stream) error {
		msg := assistantMsg(models.StopReasonError, New(ErrProviderTransport, "fail").MarshalWire())
		s.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: &msg})
		return nil
	}}

	r := WrapReliable(fp).WithMaxRetries(5).WithBaseBackoff(0)
	out := NewStream()
	zero := 0
	opts := StreamOptions{TransportRetryCount: &zero}
	if err := r.Stream(context.Background(), models.Model{}, models.Context{}, opts, out); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	out.End(nil)

	if fp.attempts != 1 {
		t.Fatalf("expected request override of 0 retries to yield 1 attempt, got %d", fp.attempts)
	}
}

func TestReliableProviderTracksProcessDefaultUntilCustomized(t *testing.T) {
	prev := TransportRetryCount()
	defer SetTransportRetryCount(prev)
	SetTransportRetryCount(0)

	fp := &fakeProvider{api: "test", behavior: func(_ int, s *Stream) error {
		msg := assistantMsg(models.StopReasonError, New(ErrProviderTransport, "fail").MarshalWire())
		s.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: &msg})
		return nil
	}}

	r := WrapReliable(fp).WithBaseBackoff(0)
	out := NewStream()
	_ = r.Stream(context.Background(), models.Model{}, models.Context{}, StreamOptions{}, out)
	out.End(nil)

	if fp.attempts != 1 {
		t.Fatalf("expected process-wide retry budget of 0 to yield 1 attempt, got %d", fp.attempts)
	}
}

func TestBaseProviderRetryExponentialBackoff(t *testing.T) {
	bp := NewBaseProvider("test", 3, time.Millisecond)
	calls := 0
	err := bp.Retry(context.Background(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return New(ErrProviderTransport, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
