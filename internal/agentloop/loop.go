// Package agentloop drives the turn state machine described in spec §4.6:
// drain steering messages, request the assistant, execute any tool calls it
// requested, drain follow-ups, and repeat until the run stops, errors, or is
// aborted. Grounded on the teacher's internal/agent/loop.go (state-machine
// shape), failover.go (retry/backoff and model fallback), and steering.go
// (the steering/follow-up queue contract).
package agentloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixyhq/pixy-agent/internal/eventstream"
	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// ConvertToLLM projects domain-specific message variants onto the messages a
// Provider request is built from. It must be a pure function.
type ConvertToLLM func(messages []models.Message) []models.Message

// QueuePoller drains a steering or follow-up queue. Each call returns the
// messages to inject; an empty result means the queue is currently dry.
type QueuePoller func() []models.Message

// QueueMode controls how many queued messages one poll drains.
type QueueMode string

const (
	QueueModeAll        QueueMode = "all"
	QueueModeOneAtATime QueueMode = "one_at_a_time"
)

// RetryConfig bounds the per-model retry/backoff schedule before the loop
// falls back to the next model.
type RetryConfig struct {
	MaxAttempts      int
	InitialBackoffMS int64
	MaxBackoffMS     int64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoffMS: 500, MaxBackoffMS: 8000}
}

// Config wires one AgentLoop run together.
type Config struct {
	Models       []models.Model // Models[0] is primary; the rest are fallbacks in order.
	Retry        RetryConfig
	ConvertToLLM ConvertToLLM

	SteeringQueue QueuePoller
	SteeringMode  QueueMode
	FollowUpQueue QueuePoller
	FollowUpMode  QueueMode

	Tools    *toolrt.Registry
	Executor *toolrt.Executor
	Provider providers.Provider
	Abort    *eventstream.AbortSignal
}

func sanitize(cfg Config) Config {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.ConvertToLLM == nil {
		cfg.ConvertToLLM = func(m []models.Message) []models.Message { return m }
	}
	if cfg.SteeringMode == "" {
		cfg.SteeringMode = QueueModeAll
	}
	if cfg.FollowUpMode == "" {
		cfg.FollowUpMode = QueueModeAll
	}
	return cfg
}

// Loop runs the turn state machine for one Context and emits an
// EventStream of AgentEvents whose terminal result is the accumulated
// message history.
type Loop struct {
	cfg Config
}

func NewLoop(cfg Config) *Loop {
	return &Loop{cfg: sanitize(cfg)}
}

// EventCompletion never derives a terminal result from the event stream
// directly: AgentEnd carries no message payload of its own. The loop instead
// calls Stream.End with the accumulated message list once the run finishes,
// which is the documented way to force a terminal result on a Stream.
func EventCompletion(models.AgentEvent) ([]models.Message, bool) {
	return nil, false
}

// Run starts one agent run in its own goroutine and returns the stream
// immediately; the caller drains it with stream.NewReader() or awaits the
// final message list with stream.Result(ctx).
func (l *Loop) Run(ctx context.Context, system string, messages []models.Message) *eventstream.Stream[models.AgentEvent, []models.Message] {
	stream := eventstream.New[models.AgentEvent, []models.Message](EventCompletion)
	go l.run(ctx, system, messages, stream)
	return stream
}

type turnState struct {
	system     string
	messages   []models.Message
	modelIndex int
	attempt    int
	metrics    models.Metrics
}

func (l *Loop) run(ctx context.Context, system string, messages []models.Message, stream *eventstream.Stream[models.AgentEvent, []models.Message]) {
	st := &turnState{system: system, messages: append([]models.Message(nil), messages...)}
	stream.Push(models.AgentEvent{Type: models.AgentEvStart})

	for {
		if l.aborted() {
			break
		}

		stream.Push(models.AgentEvent{Type: models.AgentEvTurnStart})

		// Steering messages ride along with this turn's request rather
		// than forcing a separate round trip.
		l.drainQueue(st, l.cfg.SteeringQueue, l.cfg.SteeringMode)

		model := l.cfg.Models[st.modelIndex]
		final, outcome := l.requestAssistant(ctx, model, st, stream)

		switch outcome {
		case outcomeAborted:
			st.messages = append(st.messages, models.Message{Type: models.MessageTypeAssistant, Assistant: final})
			stream.Push(models.AgentEvent{Type: models.AgentEvTurnEnd})
			goto done

		case outcomeRetry:
			continue

		case outcomeFallback:
			continue

		case outcomeExhausted:
			st.messages = append(st.messages, models.Message{Type: models.MessageTypeAssistant, Assistant: final})
			stream.Push(models.AgentEvent{Type: models.AgentEvTurnEnd})
			goto done

		case outcomeToolUse:
			st.messages = append(st.messages, models.Message{Type: models.MessageTypeAssistant, Assistant: final})
			l.executeTools(ctx, final, st, stream)
			stream.Push(models.AgentEvent{Type: models.AgentEvTurnEnd})
			st.attempt = 0
			continue

		case outcomeStop:
			st.messages = append(st.messages, models.Message{Type: models.MessageTypeAssistant, Assistant: final})
			stream.Push(models.AgentEvent{Type: models.AgentEvTurnEnd})
			if l.drainQueue(st, l.cfg.FollowUpQueue, l.cfg.FollowUpMode) {
				st.attempt = 0
				continue
			}
			goto done
		}
	}

done:
	metrics := st.metrics
	stream.Push(models.AgentEvent{Type: models.AgentEvMetrics, Metrics: &metrics})
	stream.Push(models.AgentEvent{Type: models.AgentEvEnd})
	final := append([]models.Message(nil), st.messages...)
	stream.End(&final)
}

func (l *Loop) aborted() bool {
	return l.cfg.Abort != nil && l.cfg.Abort.IsAborted()
}

// drainQueue polls poller once (QueueModeOneAtATime) or until it runs dry
// (QueueModeAll), appending the drained messages to st.messages. Reports
// whether anything was appended.
func (l *Loop) drainQueue(st *turnState, poller QueuePoller, mode QueueMode) bool {
	if poller == nil {
		return false
	}
	appended := false
	for {
		batch := poller()
		if len(batch) == 0 {
			return appended
		}
		st.messages = append(st.messages, batch...)
		appended = true
		if mode == QueueModeOneAtATime {
			return appended
		}
	}
}

type turnOutcome int

const (
	outcomeStop turnOutcome = iota
	outcomeToolUse
	outcomeAborted
	outcomeExhausted
	outcomeRetry
	outcomeFallback
)

// requestAssistant runs REQUEST_ASSISTANT for the current model and attempt,
// applying the retry/backoff and model-fallback policy described in spec
// §4.6 on a retryable terminal error.
func (l *Loop) requestAssistant(ctx context.Context, model models.Model, st *turnState, stream *eventstream.Stream[models.AgentEvent, []models.Message]) (*models.AssistantMessage, turnOutcome) {
	reqCtx := models.Context{
		System:   st.system,
		Messages: l.cfg.ConvertToLLM(st.messages),
		Tools:    l.cfg.Tools.Definitions(),
	}

	stream.Push(models.AgentEvent{Type: models.AgentEvMessageStart, MessageStart: &models.MessageStartPayload{Model: model}})

	started := time.Now()
	providerStream := providers.NewStream()
	opts := providers.StreamOptions{AbortSignal: l.cfg.Abort}

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.cfg.Provider.Stream(ctx, model, reqCtx, opts, providerStream)
		providerStream.End(nil)
	}()

	// Read on a context that also cancels when AbortSignal fires, so the
	// loop stops forwarding events even if the provider never reaches its
	// own abort check (spec §4.6's "stops forwarding" clause).
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	if l.cfg.Abort != nil {
		go func() {
			l.cfg.Abort.AwaitCancelled(readCtx)
			cancelRead()
		}()
	}

	next := providerStream.NewReader()
	var final *models.AssistantMessage
	for {
		ev, ok := next(readCtx)
		if !ok {
			break
		}
		partial := models.AssistantMessage{}
		if ev.Partial != nil {
			partial = *ev.Partial
		}
		stream.Push(models.AgentEvent{Type: models.AgentEvMessageUpdate, MessageUpdate: &models.MessageUpdatePayload{Partial: partial, Underlying: ev}})
		if ev.Type == models.EventDone || ev.Type == models.EventError {
			final = ev.Message
		}
	}
	<-errCh

	st.metrics.AssistantRequestCount++
	st.metrics.AssistantRequestTotalMS += time.Since(started).Milliseconds()

	if final == nil {
		final = &models.AssistantMessage{API: model.API, Provider: model.Provider, Model: model.ID, StopReason: models.StopReasonError}
		perr := providers.New(providers.ErrProviderProtocol, "provider stream ended without a terminal event")
		final.ErrorMessage = perr.MarshalWire()
	}

	// A backend that leaves provenance unset gets the model this request was
	// sent to, so the committed message names the model that answered.
	if final.Model == "" {
		stamped := *final
		if stamped.API == "" {
			stamped.API = model.API
		}
		stamped.Provider, stamped.Model = model.Provider, model.ID
		final = &stamped
	}

	// An abort racing a successful terminal event still wins: sample the
	// signal once more right before committing the message.
	if l.aborted() {
		final = &models.AssistantMessage{
			API: model.API, Provider: model.Provider, Model: model.ID,
			StopReason: models.StopReasonAborted, ErrorMessage: "Request was aborted",
		}
	}

	stream.Push(models.AgentEvent{Type: models.AgentEvMessageEnd, MessageEnd: &models.MessageEndPayload{Message: *final}})

	switch final.StopReason {
	case models.StopReasonAborted:
		return final, outcomeAborted
	case models.StopReasonToolUse:
		return final, outcomeToolUse
	case models.StopReasonStop, models.StopReasonLength:
		return final, outcomeStop
	case models.StopReasonError:
		return l.handleError(ctx, model, final, st, stream)
	}
	return final, outcomeStop
}

func (l *Loop) handleError(ctx context.Context, model models.Model, final *models.AssistantMessage, st *turnState, stream *eventstream.Stream[models.AgentEvent, []models.Message]) (*models.AssistantMessage, turnOutcome) {
	perr, ok := providers.ParseWireError(final.ErrorMessage)
	retryable := ok && perr.Code.Retryable()

	if !retryable {
		return final, outcomeExhausted
	}

	st.attempt++
	if st.attempt > l.cfg.Retry.MaxAttempts {
		if st.modelIndex+1 < len(l.cfg.Models) {
			from, to := model.ID, l.cfg.Models[st.modelIndex+1].ID
			st.modelIndex++
			st.attempt = 0
			slog.Warn("model fallback", "from", from, "to", to, "error", final.ErrorMessage)
			stream.Push(models.AgentEvent{Type: models.AgentEvModelFallback, ModelFallback: &models.ModelFallbackPayload{From: from, To: to}})
			return final, outcomeFallback
		}
		return final, outcomeExhausted
	}

	delay := backoffDelay(l.cfg.Retry, st.attempt)
	st.metrics.RetryCount++
	slog.Warn("retry scheduled", "model", model.ID, "attempt", st.attempt, "max_attempts", l.cfg.Retry.MaxAttempts, "delay_ms", delay.Milliseconds(), "error", final.ErrorMessage)
	stream.Push(models.AgentEvent{Type: models.AgentEvRetryScheduled, RetryScheduled: &models.RetryScheduledPayload{
		Attempt: st.attempt, MaxAttempts: l.cfg.Retry.MaxAttempts, DelayMS: delay.Milliseconds(), Error: final.ErrorMessage,
	}})

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return final, outcomeExhausted
	}
	return final, outcomeRetry
}

// backoffDelay implements min(initial * 2^(k-1), max) for the k-th retry.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	ms := cfg.InitialBackoffMS
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms > cfg.MaxBackoffMS {
			ms = cfg.MaxBackoffMS
			break
		}
	}
	if ms > cfg.MaxBackoffMS {
		ms = cfg.MaxBackoffMS
	}
	return time.Duration(ms) * time.Millisecond
}

// executeTools runs EXECUTE_TOOLS: every tool_call block in final runs
// concurrently through the Executor, preserving call order in the appended
// ToolResult messages regardless of completion order.
func (l *Loop) executeTools(ctx context.Context, final *models.AssistantMessage, st *turnState, stream *eventstream.Stream[models.AgentEvent, []models.Message]) {
	calls := final.ToolCalls()
	if len(calls) == 0 {
		return
	}

	started := time.Now()
	for _, c := range calls {
		stream.Push(models.AgentEvent{Type: models.AgentEvToolExecStart, ToolExecutionStart: &models.ToolExecutionStartPayload{
			ToolCallID: c.ID, ToolName: c.Name, Arguments: c.Arguments,
		}})
		logToolEvent(models.ToolEvent{
			ToolCallID: c.ID, ToolName: c.Name, Stage: models.ToolEventStarted,
			Input: c.Arguments, StartedAt: started,
		})
	}

	if l.aborted() {
		for _, c := range calls {
			aborted := models.ErrorResult(c.ID, c.Name, "tool execution aborted")
			st.messages = append(st.messages, models.Message{Type: models.MessageTypeToolResult, ToolResult: &aborted})
			logToolEvent(models.ToolEvent{
				ToolCallID: c.ID, ToolName: c.Name, Stage: models.ToolEventFailed,
				Error: "tool execution aborted", StartedAt: started, FinishedAt: time.Now(),
			})
			stream.Push(models.AgentEvent{Type: models.AgentEvToolExecEnd, ToolExecutionEnd: &models.ToolExecutionEndPayload{
				ToolCallID: c.ID, Result: aborted, IsError: true,
			}})
		}
		return
	}

	results := l.cfg.Executor.ExecuteAll(ctx, calls)
	for _, r := range results {
		st.metrics.ToolExecutionCount++
		st.metrics.ToolExecutionTotalMS += r.Duration.Milliseconds()
		msg := r.Message
		st.messages = append(st.messages, models.Message{Type: models.MessageTypeToolResult, ToolResult: &msg})
		ev := models.ToolEvent{
			ToolCallID: r.ToolCallID, ToolName: r.ToolName,
			StartedAt: started, FinishedAt: started.Add(r.Duration),
		}
		if msg.IsError {
			ev.Stage = models.ToolEventFailed
			ev.Error = firstResultText(msg)
		} else {
			ev.Stage = models.ToolEventSucceeded
			ev.Output = firstResultText(msg)
		}
		logToolEvent(ev)
		stream.Push(models.AgentEvent{Type: models.AgentEvToolExecEnd, ToolExecutionEnd: &models.ToolExecutionEndPayload{
			ToolCallID: r.ToolCallID, Result: msg, IsError: msg.IsError, DurationMS: r.Duration.Milliseconds(),
		}})
	}
}

// logToolEvent emits one tool lifecycle event as a structured log record, the
// slog-facing counterpart to the AgentEvToolExec* events pushed onto the
// stream for consumers of Loop.Run itself.
func logToolEvent(ev models.ToolEvent) {
	level := slog.LevelDebug
	if ev.Stage == models.ToolEventFailed {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "tool event", "event", ev)
}

func firstResultText(msg models.ToolResultMessage) string {
	for _, c := range msg.Content {
		if c.Type == models.UserBlockText {
			return c.Text
		}
	}
	return ""
}
