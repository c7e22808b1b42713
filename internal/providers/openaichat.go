package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// OpenAIChatProvider streams OpenAI chat-completions SSE, normalizing finish
// reasons and tool-call index correlation per spec §4.3. Grounded on the
// teacher's providers/openai.go processStream, rebuilt to push the
// normalized AssistantMessageEvent schema instead of the teacher's own
// CompletionChunk shape.
type OpenAIChatProvider struct {
	BaseProvider
	client *openai.Client
}

func NewOpenAIChatProvider(apiKey string) *OpenAIChatProvider {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	return &OpenAIChatProvider{
		BaseProvider: NewBaseProvider("openai-chat", 3, 0),
		client:       client,
	}
}

func (p *OpenAIChatProvider) API() string { return "openai-chat" }

func (p *OpenAIChatProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	if p.client == nil {
		return emitTransportError(stream, "openai-chat", errors.New("openai api key not configured"))
	}

	req := openai.ChatCompletionRequest{
		Model:    model.ID,
		Messages: convertOpenAIMessages(reqCtx),
		Stream:   true,
	}
	if model.MaxTokens > 0 {
		req.MaxTokens = model.MaxTokens
	}
	if len(reqCtx.Tools) > 0 {
		req.Tools = convertOpenAITools(reqCtx.Tools)
	}

	sseStream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return emitTransportError(stream, "openai-chat", err)
	}
	defer sseStream.Close()

	partial := &models.AssistantMessage{API: "openai-chat", Provider: model.Provider, Model: model.ID}
	stream.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: partial})

	textStarted := false
	toolCalls := map[int]*models.ToolCall{}
	toolOrder := []int{}

	for {
		if opts.AbortSignal != nil && opts.AbortSignal.IsAborted() {
			partial.StopReason = models.StopReasonAborted
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonAborted, Message: partial})
			return nil
		}

		resp, err := sseStream.Recv()
		if errors.Is(err, io.EOF) {
			finishTextIfOpen(stream, &textStarted, 0)
			finishOpenAIToolCalls(stream, partial, toolCalls, toolOrder)
			partial.StopReason = models.StopReasonStop
			stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneStop, Message: partial})
			return nil
		}
		if err != nil {
			return emitTransportError(stream, "openai-chat", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textStarted {
				stream.Push(models.AssistantMessageEvent{Type: models.EventTextStart, ContentIndex: 0, Partial: partial})
				textStarted = true
			}
			partial.Content = appendText(partial.Content, delta.Content)
			stream.Push(models.AssistantMessageEvent{Type: models.EventTextDelta, ContentIndex: 0, TextDelta: delta.Content, Partial: partial})
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			existing, ok := toolCalls[index]
			if !ok {
				existing = &models.ToolCall{}
				toolCalls[index] = existing
				toolOrder = append(toolOrder, index)
				stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallStart, ContentIndex: index, Partial: partial})
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				existing.Arguments = append(existing.Arguments, []byte(tc.Function.Arguments)...)
				stream.Push(models.AssistantMessageEvent{
					Type: models.EventToolcallDelta, ContentIndex: index,
					ToolcallDelta: tc.Function.Arguments, Partial: partial,
				})
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonStop:
			finishTextIfOpen(stream, &textStarted, 0)
			partial.StopReason = models.StopReasonStop
			stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneStop, Message: partial})
			return nil
		case openai.FinishReasonLength:
			finishTextIfOpen(stream, &textStarted, 0)
			partial.StopReason = models.StopReasonLength
			stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneLength, Message: partial})
			return nil
		case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
			finishTextIfOpen(stream, &textStarted, 0)
			finishOpenAIToolCalls(stream, partial, toolCalls, toolOrder)
			partial.StopReason = models.StopReasonToolUse
			stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneToolUse, Message: partial})
			return nil
		case openai.FinishReasonContentFilter:
			perr := New(ErrProviderHttp, "content filtered")
			partial.StopReason = models.StopReasonError
			partial.ErrorMessage = perr.MarshalWire()
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: partial})
			return nil
		}

		if resp.Usage != nil {
			partial.Usage = partial.Usage.Merge(convertOpenAIUsage(resp.Usage))
		}
	}
}

func appendText(content []models.AssistantContentBlock, delta string) []models.AssistantContentBlock {
	for i := range content {
		if content[i].Type == models.AssistantBlockText {
			content[i].Text += delta
			return content
		}
	}
	return append(content, models.AssistantContentBlock{Type: models.AssistantBlockText, Text: delta})
}

func finishTextIfOpen(stream *Stream, started *bool, index int) {
	if !*started {
		return
	}
	stream.Push(models.AssistantMessageEvent{Type: models.EventTextEnd, ContentIndex: index})
	*started = false
}

func finishOpenAIToolCalls(stream *Stream, partial *models.AssistantMessage, calls map[int]*models.ToolCall, order []int) {
	for _, idx := range order {
		tc := calls[idx]
		if tc.ID == "" || tc.Name == "" {
			continue
		}
		tc.Arguments = bestEffortJSONObject(tc.Arguments)
		partial.Content = append(partial.Content, models.AssistantContentBlock{Type: models.AssistantBlockToolCall, ToolCall: tc})
		stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallEnd, ContentIndex: idx, ToolCall: tc, Partial: partial})
	}
}

// bestEffortJSONObject parses a streamed argument buffer, defaulting to "{}"
// when it is not yet valid JSON (spec §3 partial-JSON rule).
func bestEffortJSONObject(buf json.RawMessage) json.RawMessage {
	var v any
	if len(buf) == 0 || json.Unmarshal(buf, &v) != nil {
		return json.RawMessage("{}")
	}
	return buf
}

func emitTransportError(stream *Stream, provider string, err error) error {
	perr := Wrap(ErrProviderTransport, err)
	msg := &models.AssistantMessage{API: provider, StopReason: models.StopReasonError, ErrorMessage: perr.MarshalWire()}
	stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: msg})
	return nil
}

func convertOpenAIMessages(reqCtx models.Context) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(reqCtx.Messages)+1)
	if reqCtx.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: reqCtx.System})
	}
	for _, m := range reqCtx.Messages {
		switch m.Type {
		case models.MessageTypeUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.User.Content.TextBlocks()})
		case models.MessageTypeAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Assistant.Text()}
			for _, tc := range m.Assistant.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, oaiMsg)
		case models.MessageTypeToolResult:
			var text string
			for _, b := range m.ToolResult.Content {
				text += b.Text
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    text,
				ToolCallID: m.ToolResult.ToolCallID,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []models.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}
	return out
}

func convertOpenAIUsage(u *openai.Usage) models.Usage {
	return models.Usage{
		Input:       u.PromptTokens,
		Output:      u.CompletionTokens,
		TotalTokens: u.TotalTokens,
	}
}
