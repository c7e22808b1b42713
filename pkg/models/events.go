package models

// AssistantEventType discriminates AssistantMessageEvent (spec §3, §6).
type AssistantEventType string

const (
	EventStart AssistantEventType = "start"

	EventTextStart AssistantEventType = "text_start"
	EventTextDelta AssistantEventType = "text_delta"
	EventTextEnd   AssistantEventType = "text_end"

	EventThinkingStart AssistantEventType = "thinking_start"
	EventThinkingDelta AssistantEventType = "thinking_delta"
	EventThinkingEnd   AssistantEventType = "thinking_end"

	EventToolcallStart AssistantEventType = "toolcall_start"
	EventToolcallDelta AssistantEventType = "toolcall_delta"
	EventToolcallEnd   AssistantEventType = "toolcall_end"

	EventDone  AssistantEventType = "done"
	EventError AssistantEventType = "error"
)

// DoneReason is the terminal reason carried by a Done event.
type DoneReason string

const (
	DoneStop    DoneReason = "stop"
	DoneLength  DoneReason = "length"
	DoneToolUse DoneReason = "tool_use"
)

// ErrorReason is the terminal reason carried by an Error event.
type ErrorReason string

const (
	ErrorReasonError   ErrorReason = "error"
	ErrorReasonAborted ErrorReason = "aborted"
)

// AssistantMessageEvent is the normalized wire event every Provider emits.
// Exactly one payload field is meaningful for a given Type; ContentIndex
// identifies which content block a text/thinking/toolcall event belongs to.
type AssistantMessageEvent struct {
	Type AssistantEventType `json:"type"`

	ContentIndex int `json:"contentIndex,omitempty"`

	// TextDelta/ThinkingDelta carry the incremental string for *_delta events.
	TextDelta     string `json:"textDelta,omitempty"`
	ThinkingDelta string `json:"thinkingDelta,omitempty"`

	// ToolcallDelta carries the raw JSON fragment appended to the running
	// argument buffer for this content index.
	ToolcallDelta string `json:"toolcallDelta,omitempty"`

	// ToolCall is populated on toolcall_end with the finalized call.
	ToolCall *ToolCall `json:"toolCall,omitempty"`

	// Partial is the assistant-message-so-far, embedded in every event.
	Partial *AssistantMessage `json:"partial,omitempty"`

	// Message is the canonical result, set only on Done/Error.
	Message *AssistantMessage `json:"message,omitempty"`

	// DoneReason/ErrorReason are set on the matching terminal event.
	DoneReason  DoneReason  `json:"doneReason,omitempty"`
	ErrorReason ErrorReason `json:"errorReason,omitempty"`
}

// IsTerminal reports whether e ends the request (Done or Error).
func (e AssistantMessageEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// AgentEventType discriminates the AgentLoop's own event stream (spec §4.6).
type AgentEventType string

const (
	AgentEvStart             AgentEventType = "agentStart"
	AgentEvTurnStart         AgentEventType = "turnStart"
	AgentEvMessageStart      AgentEventType = "messageStart"
	AgentEvMessageUpdate     AgentEventType = "messageUpdate"
	AgentEvMessageEnd        AgentEventType = "messageEnd"
	AgentEvToolExecStart     AgentEventType = "toolExecutionStart"
	AgentEvToolExecUpdate    AgentEventType = "toolExecutionUpdate"
	AgentEvToolExecEnd       AgentEventType = "toolExecutionEnd"
	AgentEvRetryScheduled    AgentEventType = "retryScheduled"
	AgentEvModelFallback     AgentEventType = "modelFallback"
	AgentEvTurnEnd           AgentEventType = "turnEnd"
	AgentEvMetrics           AgentEventType = "metrics"
	AgentEvEnd               AgentEventType = "agentEnd"
)

// AgentEvent is one entry in the AgentLoop's output EventStream.
// At most one payload is set for a given Type, mirroring AssistantMessageEvent;
// agentStart, turnStart, turnEnd and agentEnd carry none.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	MessageStart  *MessageStartPayload  `json:"messageStart,omitempty"`
	MessageUpdate *MessageUpdatePayload `json:"messageUpdate,omitempty"`
	MessageEnd    *MessageEndPayload    `json:"messageEnd,omitempty"`

	ToolExecutionStart  *ToolExecutionStartPayload  `json:"toolExecutionStart,omitempty"`
	ToolExecutionUpdate *ToolExecutionUpdatePayload `json:"toolExecutionUpdate,omitempty"`
	ToolExecutionEnd    *ToolExecutionEndPayload    `json:"toolExecutionEnd,omitempty"`

	RetryScheduled *RetryScheduledPayload `json:"retryScheduled,omitempty"`
	ModelFallback  *ModelFallbackPayload  `json:"modelFallback,omitempty"`

	Metrics *Metrics `json:"metrics,omitempty"`
}

// MessageStartPayload announces a fresh assistant request about to stream.
type MessageStartPayload struct {
	Model Model `json:"model"`
}

// MessageUpdatePayload forwards one provider event alongside the running
// partial assistant message.
type MessageUpdatePayload struct {
	Partial   AssistantMessage      `json:"partial"`
	Underlying AssistantMessageEvent `json:"underlying"`
}

// MessageEndPayload carries the finalized assistant message for this request.
type MessageEndPayload struct {
	Message AssistantMessage `json:"message"`
}

// ToolExecutionStartPayload announces a tool about to run.
type ToolExecutionStartPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  []byte          `json:"arguments"`
}

// ToolExecutionUpdatePayload carries an intermediate progress notice.
type ToolExecutionUpdatePayload struct {
	ToolCallID string `json:"toolCallId"`
	Text       string `json:"text"`
}

// ToolExecutionEndPayload carries a tool's finished result.
type ToolExecutionEndPayload struct {
	ToolCallID string         `json:"toolCallId"`
	Result     ToolResultMessage `json:"result"`
	IsError    bool           `json:"isError"`
	DurationMS int64          `json:"durationMs"`
}

// RetryScheduledPayload documents one retry/backoff decision.
type RetryScheduledPayload struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	DelayMS     int64  `json:"delayMs"`
	Error       string `json:"error"`
}

// ModelFallbackPayload documents a switch to the next fallback model.
type ModelFallbackPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Metrics aggregates counters for one AgentLoop run.
type Metrics struct {
	AssistantRequestCount  int   `json:"assistantRequestCount"`
	AssistantRequestTotalMS int64 `json:"assistantRequestTotalMs"`
	ToolExecutionCount     int   `json:"toolExecutionCount"`
	ToolExecutionTotalMS   int64 `json:"toolExecutionTotalMs"`
	RetryCount             int   `json:"retryCount"`
}
