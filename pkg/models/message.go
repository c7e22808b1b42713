// Package models provides the wire-level data types shared by the provider
// streaming abstraction, the agent loop, and the session store.
package models

import (
	"encoding/json"
	"time"
)

// StopReason explains why an assistant turn ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// MessageType discriminates the Message tagged union.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeToolResult MessageType = "tool_result"
)

// Message is the tagged-union conversation entry described in spec §3.
// Exactly one of User/Assistant/ToolResult is populated, matching Type.
type Message struct {
	Type MessageType `json:"type"`

	User       *UserMessage       `json:"user,omitempty"`
	Assistant  *AssistantMessage  `json:"assistant,omitempty"`
	ToolResult *ToolResultMessage `json:"toolResult,omitempty"`
}

// NewUserMessage wraps plain text as a User message.
func NewUserMessage(text string, ts time.Time) Message {
	return Message{
		Type: MessageTypeUser,
		User: &UserMessage{Content: UserContent{Text: text}, Timestamp: ts},
	}
}

// NewUserBlocksMessage wraps content blocks as a User message.
func NewUserBlocksMessage(blocks []UserContentBlock, ts time.Time) Message {
	return Message{
		Type: MessageTypeUser,
		User: &UserMessage{Content: UserContent{Blocks: blocks}, Timestamp: ts},
	}
}

// UserMessage is a message authored by the human (or synthesized on their
// behalf for compaction/branch-summary projection).
type UserMessage struct {
	Content   UserContent `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// UserContent is either plain text or an ordered sequence of content blocks.
// Exactly one of Text/Blocks is set; MarshalJSON/UnmarshalJSON preserve that
// shape on the wire (a bare string, or an array of blocks).
type UserContent struct {
	Text   string
	Blocks []UserContentBlock
}

// Plain reports whether the content is carried as Text rather than Blocks.
func (c UserContent) Plain() bool { return c.Blocks == nil }

// TextBlocks concatenates the text of every text block, ignoring images.
// Used when projecting blocks-form content into a plain-text summary.
func (c UserContent) TextBlocks() string {
	if c.Blocks == nil {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == UserBlockText {
			out += b.Text
		}
	}
	return out
}

func (c UserContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *UserContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []UserContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	c.Blocks = blocks
	c.Text = ""
	return nil
}

// UserBlockType discriminates UserContentBlock.
type UserBlockType string

const (
	UserBlockText  UserBlockType = "text"
	UserBlockImage UserBlockType = "image"
)

// UserContentBlock is a single block within a User message's Blocks content.
type UserContentBlock struct {
	Type UserBlockType `json:"type"`

	// Text holds the block's text when Type == UserBlockText.
	Text string `json:"text,omitempty"`

	// MimeType/Data hold an inline base64 image when Type == UserBlockImage.
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// AssistantContentType discriminates AssistantContentBlock.
type AssistantContentType string

const (
	AssistantBlockText     AssistantContentType = "text"
	AssistantBlockThinking AssistantContentType = "thinking"
	AssistantBlockToolCall AssistantContentType = "toolCall"
)

// AssistantContentBlock is one block of an assistant message's content.
type AssistantContentBlock struct {
	Type AssistantContentType `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// AssistantMessage is the model's reply: ordered content blocks, provenance,
// usage accounting, and the terminal stop reason.
type AssistantMessage struct {
	Content []AssistantContentBlock `json:"content"`

	API      string `json:"api"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	Usage Usage `json:"usage"`

	StopReason StopReason `json:"stopReason"`

	// ErrorMessage is compact JSON of a structured error; only set when
	// StopReason == StopReasonError or StopReasonAborted.
	ErrorMessage string `json:"errorMessage,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Text concatenates every text block's content.
func (m *AssistantMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == AssistantBlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call blocks in order.
func (m *AssistantMessage) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, b := range m.Content {
		if b.Type == AssistantBlockToolCall && b.ToolCall != nil {
			out = append(out, *b.ToolCall)
		}
	}
	return out
}

// ToolResultMessage is the response to a single assistant tool call.
type ToolResultMessage struct {
	ToolCallID string                  `json:"toolCallId"`
	ToolName   string                  `json:"toolName"`
	Content    []ToolResultContentBlock `json:"content"`
	Details    json.RawMessage         `json:"details,omitempty"`
	IsError    bool                    `json:"isError,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// ToolResultContentBlock is either text or an image produced by a tool.
type ToolResultContentBlock struct {
	Type UserBlockType `json:"type"`

	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextResult builds a single-block, non-error ToolResultMessage.
func TextResult(toolCallID, toolName, text string) ToolResultMessage {
	return ToolResultMessage{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    []ToolResultContentBlock{{Type: UserBlockText, Text: text}},
		Timestamp:  time.Now(),
	}
}

// ErrorResult builds a single-block, error ToolResultMessage.
func ErrorResult(toolCallID, toolName, text string) ToolResultMessage {
	r := TextResult(toolCallID, toolName, text)
	r.IsError = true
	return r
}

// Usage tracks token accounting and parallel cost figures for one assistant
// request. Missing wire fields retain their previous value (see provider
// normalization rules in spec §4.3); TotalTokens defaults to the sum of the
// four token fields when the wire omits it.
type Usage struct {
	Input       int `json:"input"`
	Output      int `json:"output"`
	CacheRead   int `json:"cacheRead"`
	CacheWrite  int `json:"cacheWrite"`
	TotalTokens int `json:"totalTokens"`

	Cost Cost `json:"cost"`
}

// Cost mirrors Usage's token fields in currency units.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Merge overlays non-zero fields from delta onto u, leaving u's existing
// values where delta reports nothing new. Recomputes TotalTokens/Cost.Total
// when the wire didn't supply them directly.
func (u Usage) Merge(delta Usage) Usage {
	if delta.Input != 0 {
		u.Input = delta.Input
	}
	if delta.Output != 0 {
		u.Output = delta.Output
	}
	if delta.CacheRead != 0 {
		u.CacheRead = delta.CacheRead
	}
	if delta.CacheWrite != 0 {
		u.CacheWrite = delta.CacheWrite
	}
	if delta.TotalTokens != 0 {
		u.TotalTokens = delta.TotalTokens
	} else {
		u.TotalTokens = u.Input + u.Output + u.CacheRead + u.CacheWrite
	}
	if delta.Cost != (Cost{}) {
		u.Cost = delta.Cost
	}
	return u
}

// ToolCall is a single tool invocation requested by the assistant.
// Arguments is a JSON value, not necessarily a string — it may arrive
// pre-parsed from the wire or be the best-effort parse of a streamed buffer.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is a callable function the assistant may invoke.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Model identifies an LLM backend and its calling conventions.
type Model struct {
	Provider string `json:"provider"`
	API      string `json:"api"`
	ID       string `json:"id"`

	BaseURL string `json:"baseUrl,omitempty"`

	ContextWindow int `json:"contextWindow"`
	MaxTokens     int `json:"maxTokens"`

	Reasoning       bool   `json:"reasoning,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`

	Cost Cost `json:"cost"`
}

// Context is the full request payload passed by value to a Provider.
type Context struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// Clone returns a deep-enough copy for safe reuse across retries/fallbacks.
func (c Context) Clone() Context {
	messages := make([]Message, len(c.Messages))
	copy(messages, c.Messages)
	tools := make([]Tool, len(c.Tools))
	copy(tools, c.Tools)
	return Context{System: c.System, Messages: messages, Tools: tools}
}
