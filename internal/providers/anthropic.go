package providers

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// AnthropicProvider streams the Anthropic Messages API, buffering
// input_json_delta per content_block index and mapping stop_reason per
// spec §4.3. Grounded on goadesign-goa-ai's features/model/anthropic
// adapter (official SDK streaming iterator, tool buffer shape) in place of
// the teacher's hand-rolled Anthropic HTTP client.
type AnthropicProvider struct {
	BaseProvider
	client sdk.Client
}

func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic-messages", 3, 0),
		client:       sdk.NewClient(opts...),
	}
}

func (p *AnthropicProvider) API() string { return "anthropic-messages" }

func (p *AnthropicProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model.ID),
		MaxTokens: int64(maxOrDefault(model.MaxTokens, 4096)),
		Messages:  convertAnthropicMessages(reqCtx),
	}
	if reqCtx.System != "" {
		params.System = []sdk.TextBlockParam{{Text: reqCtx.System}}
	}
	if len(reqCtx.Tools) > 0 {
		params.Tools = convertAnthropicTools(reqCtx.Tools)
	}
	if model.Reasoning {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(thinkingBudget(model)))
	}

	sdkStream := p.client.Messages.NewStreaming(ctx, params)
	defer sdkStream.Close()

	partial := &models.AssistantMessage{API: "anthropic-messages", Provider: model.Provider, Model: model.ID}
	stream.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: partial})

	toolBlocks := map[int]*anthropicToolBuffer{}
	thinkingOpen := map[int]bool{}
	textOpen := map[int]bool{}
	var stopReason string

	for sdkStream.Next() {
		if opts.AbortSignal != nil && opts.AbortSignal.IsAborted() {
			partial.StopReason = models.StopReasonAborted
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonAborted, Message: partial})
			return nil
		}

		event := sdkStream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[idx] = &anthropicToolBuffer{id: toolUse.ID, name: toolUse.Name}
				stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallStart, ContentIndex: idx, Partial: partial})
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !textOpen[idx] {
					stream.Push(models.AssistantMessageEvent{Type: models.EventTextStart, ContentIndex: idx, Partial: partial})
					textOpen[idx] = true
				}
				partial.Content = appendText(partial.Content, delta.Text)
				stream.Push(models.AssistantMessageEvent{Type: models.EventTextDelta, ContentIndex: idx, TextDelta: delta.Text, Partial: partial})
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !thinkingOpen[idx] {
					stream.Push(models.AssistantMessageEvent{Type: models.EventThinkingStart, ContentIndex: idx, Partial: partial})
					thinkingOpen[idx] = true
				}
				stream.Push(models.AssistantMessageEvent{Type: models.EventThinkingDelta, ContentIndex: idx, ThinkingDelta: delta.Thinking, Partial: partial})
			case sdk.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				if tb := toolBlocks[idx]; tb != nil {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
					stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallDelta, ContentIndex: idx, ToolcallDelta: delta.PartialJSON, Partial: partial})
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if thinkingOpen[idx] {
				stream.Push(models.AssistantMessageEvent{Type: models.EventThinkingEnd, ContentIndex: idx})
				delete(thinkingOpen, idx)
			}
			if textOpen[idx] {
				stream.Push(models.AssistantMessageEvent{Type: models.EventTextEnd, ContentIndex: idx})
				delete(textOpen, idx)
			}
			if tb := toolBlocks[idx]; tb != nil {
				tc := &models.ToolCall{ID: tb.id, Name: tb.name, Arguments: bestEffortJSONObject(json.RawMessage(strings.Join(tb.fragments, "")))}
				partial.Content = append(partial.Content, models.AssistantContentBlock{Type: models.AssistantBlockToolCall, ToolCall: tc})
				stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallEnd, ContentIndex: idx, ToolCall: tc, Partial: partial})
				delete(toolBlocks, idx)
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			partial.Usage = partial.Usage.Merge(models.Usage{
				Input: int(ev.Usage.InputTokens), Output: int(ev.Usage.OutputTokens),
				CacheRead: int(ev.Usage.CacheReadInputTokens), CacheWrite: int(ev.Usage.CacheCreationInputTokens),
			})
		}
	}
	if err := sdkStream.Err(); err != nil {
		return emitTransportError(stream, "anthropic-messages", err)
	}

	partial.StopReason = mapAnthropicStopReason(stopReason)
	doneReason := models.DoneStop
	switch partial.StopReason {
	case models.StopReasonLength:
		doneReason = models.DoneLength
	case models.StopReasonToolUse:
		doneReason = models.DoneToolUse
	}
	stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: doneReason, Message: partial})
	return nil
}

type anthropicToolBuffer struct {
	id, name  string
	fragments []string
}

func mapAnthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.StopReasonStop
	case "max_tokens", "model_context_window_exceeded":
		return models.StopReasonLength
	case "tool_use":
		return models.StopReasonToolUse
	default:
		return models.StopReasonStop
	}
}

func maxOrDefault(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func thinkingBudget(model models.Model) int {
	if model.MaxTokens > 2048 {
		return model.MaxTokens / 2
	}
	return 1024
}

func convertAnthropicMessages(reqCtx models.Context) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(reqCtx.Messages))
	for _, m := range reqCtx.Messages {
		switch m.Type {
		case models.MessageTypeUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.User.Content.TextBlocks())))
		case models.MessageTypeAssistant:
			blocks := []sdk.ContentBlockParamUnion{}
			if text := m.Assistant.Text(); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, tc := range m.Assistant.ToolCalls() {
				var input any
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case models.MessageTypeToolResult:
			var text string
			for _, b := range m.ToolResult.Content {
				text += b.Text
			}
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolResult.ToolCallID, text, m.ToolResult.IsError)))
		}
	}
	return out
}

func convertAnthropicTools(tools []models.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema sdk.ToolInputSchemaParam
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			InputSchema: schema,
		}})
	}
	return out
}
