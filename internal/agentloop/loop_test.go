package agentloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pixyhq/pixy-agent/internal/eventstream"
	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/internal/validator"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// scriptedProvider replays one canned AssistantMessageEvent sequence per
// call, advancing to the next script entry on every Stream invocation.
type scriptedProvider struct {
	api    string
	script [][]models.AssistantMessageEvent
	call   int
}

func (p *scriptedProvider) API() string { return p.api }

func (p *scriptedProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts providers.StreamOptions, stream *providers.Stream) error {
	idx := p.call
	p.call++
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	for _, ev := range p.script[idx] {
		stream.Push(ev)
	}
	return nil
}

func doneEvent(text string, reason models.DoneReason, stopReason models.StopReason) models.AssistantMessageEvent {
	msg := &models.AssistantMessage{
		Content:    []models.AssistantContentBlock{{Type: models.AssistantBlockText, Text: text}},
		StopReason: stopReason,
	}
	return models.AssistantMessageEvent{Type: models.EventDone, DoneReason: reason, Message: msg}
}

func toolUseDoneEvent(callID, name string, args json.RawMessage) models.AssistantMessageEvent {
	msg := &models.AssistantMessage{
		Content: []models.AssistantContentBlock{{
			Type:     models.AssistantBlockToolCall,
			ToolCall: &models.ToolCall{ID: callID, Name: name, Arguments: args},
		}},
		StopReason: models.StopReasonToolUse,
	}
	return models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneToolUse, Message: msg}
}

func errorEvent(code providers.ErrorCode) models.AssistantMessageEvent {
	perr := providers.New(code, "boom")
	msg := &models.AssistantMessage{StopReason: models.StopReasonError, ErrorMessage: perr.MarshalWire()}
	return models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: msg}
}

func testModel(id string) models.Model {
	return models.Model{Provider: "test", API: "test", ID: id, MaxTokens: 1024}
}

type echoingTool struct {
	name string
	ran  bool
}

func (t *echoingTool) Definition() models.Tool {
	return models.Tool{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *echoingTool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	t.ran = true
	return []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: "hello"}}, nil, nil
}

func newTestLoop(t *testing.T, p providers.Provider, models_ []models.Model, reg *toolrt.Registry) *Loop {
	t.Helper()
	if reg == nil {
		reg = toolrt.NewRegistry()
	}
	exec := toolrt.NewExecutor(reg, validator.New(), toolrt.DefaultConfig())
	return NewLoop(Config{
		Models:   models_,
		Tools:    reg,
		Executor: exec,
		Provider: p,
	})
}

func TestStopHappyPath(t *testing.T) {
	p := &scriptedProvider{script: [][]models.AssistantMessageEvent{
		{{Type: models.EventStart}, {Type: models.EventTextStart}, {Type: models.EventTextDelta, TextDelta: "hello"}, {Type: models.EventTextEnd}, doneEvent("hello", models.DoneStop, models.StopReasonStop)},
	}}
	l := newTestLoop(t, p, []models.Model{testModel("m1")}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream := l.Run(ctx, "", []models.Message{models.NewUserMessage("hi", time.Now())})

	final, ok := stream.Result(ctx)
	if !ok {
		t.Fatalf("expected a result")
	}

	var assistants int
	for _, m := range final {
		if m.Type == models.MessageTypeAssistant {
			assistants++
			if m.Assistant.StopReason != models.StopReasonStop {
				t.Fatalf("expected stop reason Stop, got %v", m.Assistant.StopReason)
			}
		}
	}
	if assistants != 1 {
		t.Fatalf("expected exactly one assistant message, got %d", assistants)
	}
}

func TestToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{script: [][]models.AssistantMessageEvent{
		{{Type: models.EventStart}, toolUseDoneEvent("call_1", "write", json.RawMessage(`{"path":"note.txt"}`))},
		{{Type: models.EventStart}, doneEvent("done", models.DoneStop, models.StopReasonStop)},
	}}
	reg := toolrt.NewRegistry()
	tool := &echoingTool{name: "write"}
	reg.Register(tool)
	l := newTestLoop(t, p, []models.Model{testModel("m1")}, reg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream := l.Run(ctx, "", []models.Message{models.NewUserMessage("write it", time.Now())})
	final, ok := stream.Result(ctx)
	if !ok {
		t.Fatalf("expected a result")
	}
	if !tool.ran {
		t.Fatalf("expected write tool to run")
	}

	var types []models.MessageType
	for _, m := range final {
		types = append(types, m.Type)
	}
	want := []models.MessageType{models.MessageTypeUser, models.MessageTypeAssistant, models.MessageTypeToolResult, models.MessageTypeAssistant}
	if len(types) != len(want) {
		t.Fatalf("expected message sequence %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected message sequence %v, got %v", want, types)
		}
	}
}

func TestTransportRetrySucceedsOnSecondAttempt(t *testing.T) {
	p := &scriptedProvider{script: [][]models.AssistantMessageEvent{
		{{Type: models.EventStart}, errorEvent(providers.ErrProviderTransport)},
		{{Type: models.EventStart}, doneEvent("ok", models.DoneStop, models.StopReasonStop)},
	}}
	l := newTestLoop(t, p, []models.Model{testModel("m1")}, nil)
	l.cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoffMS: 1, MaxBackoffMS: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream := l.Run(ctx, "", []models.Message{models.NewUserMessage("hi", time.Now())})
	final, ok := stream.Result(ctx)
	if !ok {
		t.Fatalf("expected a result")
	}
	if p.call != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", p.call)
	}
	last := final[len(final)-1]
	if last.Assistant.StopReason != models.StopReasonStop {
		t.Fatalf("expected final stop reason Stop, got %v", last.Assistant.StopReason)
	}
}

func TestModelFallbackSwitchesAfterExhaustingRetries(t *testing.T) {
	p := &scriptedProvider{script: [][]models.AssistantMessageEvent{
		{{Type: models.EventStart}, errorEvent(providers.ErrProviderTransport)},
		{{Type: models.EventStart}, errorEvent(providers.ErrProviderTransport)},
		{{Type: models.EventStart}, doneEvent("ok", models.DoneStop, models.StopReasonStop)},
	}}
	l := newTestLoop(t, p, []models.Model{testModel("modelA"), testModel("modelB")}, nil)
	l.cfg.Retry = RetryConfig{MaxAttempts: 1, InitialBackoffMS: 1, MaxBackoffMS: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream := l.Run(ctx, "", []models.Message{models.NewUserMessage("hi", time.Now())})

	var sawFallback bool
	reader := stream.NewReader()
	for {
		ev, ok := reader(ctx)
		if !ok {
			break
		}
		if ev.Type == models.AgentEvModelFallback {
			sawFallback = true
			if ev.ModelFallback.From != "modelA" || ev.ModelFallback.To != "modelB" {
				t.Fatalf("unexpected fallback payload: %+v", ev.ModelFallback)
			}
		}
	}
	if !sawFallback {
		t.Fatalf("expected a ModelFallback event")
	}

	final, ok := stream.Result(ctx)
	if !ok {
		t.Fatalf("expected a result")
	}
	last := final[len(final)-1]
	if last.Assistant.Model != "modelB" {
		t.Fatalf("expected final assistant message to reflect modelB, got %q", last.Assistant.Model)
	}
}

func TestAbortMidStreamEndsWithAbortedMessage(t *testing.T) {
	ctrl := eventstream.NewAbortController()
	blockingProvider := &blockUntilAbortedProvider{ctrl: ctrl}
	l := newTestLoop(t, blockingProvider, []models.Model{testModel("m1")}, nil)
	l.cfg.Abort = ctrl.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream := l.Run(ctx, "", []models.Message{models.NewUserMessage("hi", time.Now())})

	go func() {
		time.Sleep(30 * time.Millisecond)
		ctrl.Abort()
	}()

	final, ok := stream.Result(ctx)
	if !ok {
		t.Fatalf("expected a result")
	}
	last := final[len(final)-1]
	if last.Assistant.StopReason != models.StopReasonAborted {
		t.Fatalf("expected stop reason Aborted, got %v", last.Assistant.StopReason)
	}
	if last.Assistant.ErrorMessage != "Request was aborted" {
		t.Fatalf("expected abort error message, got %q", last.Assistant.ErrorMessage)
	}
}

// blockUntilAbortedProvider emits Start then hangs until the AbortSignal
// fires, simulating scenario 5 (abort mid-stream).
type blockUntilAbortedProvider struct {
	ctrl *eventstream.AbortController
}

func (p *blockUntilAbortedProvider) API() string { return "blocking" }

func (p *blockUntilAbortedProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts providers.StreamOptions, stream *providers.Stream) error {
	stream.Push(models.AssistantMessageEvent{Type: models.EventStart})
	select {
	case <-p.ctrl.Signal().Done():
	case <-ctx.Done():
	}
	return nil
}
