package providers

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// GoogleProvider streams Google GenAI's parts-based content, converting
// functionCall parts into ToolCall blocks (spec §4.3). Grounded on teacher
// internal/agent/providers/google.go's GenerateContentStream iterator usage,
// generalized from its CompletionChunk shape to the normalized
// AssistantMessageEvent schema (whole parts arrive per response rather than
// true token deltas, so each part is emitted as one start+delta+end triple).
type GoogleProvider struct {
	BaseProvider
	client *genai.Client
}

func NewGoogleProvider(ctx context.Context, apiKey string) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{BaseProvider: NewBaseProvider("google-genai", 3, 0), client: client}, nil
}

func (p *GoogleProvider) API() string { return "google-genai" }

func (p *GoogleProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	contents := convertGoogleMessages(reqCtx)
	config := &genai.GenerateContentConfig{}
	if reqCtx.System != "" {
		config.SystemInstruction = genai.NewContentFromText(reqCtx.System, genai.RoleUser)
	}
	if len(reqCtx.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertGoogleTools(reqCtx.Tools)}}
	}
	if model.MaxTokens > 0 {
		config.MaxOutputTokens = int32(model.MaxTokens)
	}

	partial := &models.AssistantMessage{API: "google-genai", Provider: model.Provider, Model: model.ID}
	stream.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: partial})

	index := 0
	var lastFinish genai.FinishReason

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model.ID, contents, config) {
		if opts.AbortSignal != nil && opts.AbortSignal.IsAborted() {
			partial.StopReason = models.StopReasonAborted
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonAborted, Message: partial})
			return nil
		}
		if err != nil {
			return emitTransportError(stream, "google-genai", err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			if cand.FinishReason != "" {
				lastFinish = cand.FinishReason
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					idx := index
					index++
					stream.Push(models.AssistantMessageEvent{Type: models.EventTextStart, ContentIndex: idx, Partial: partial})
					partial.Content = append(partial.Content, models.AssistantContentBlock{Type: models.AssistantBlockText, Text: part.Text})
					stream.Push(models.AssistantMessageEvent{Type: models.EventTextDelta, ContentIndex: idx, TextDelta: part.Text, Partial: partial})
					stream.Push(models.AssistantMessageEvent{Type: models.EventTextEnd, ContentIndex: idx})
				}
				if part.FunctionCall != nil {
					idx := index
					index++
					argsJSON, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						argsJSON = []byte("{}")
					}
					tc := &models.ToolCall{ID: googleCallID(part.FunctionCall.Name, idx), Name: part.FunctionCall.Name, Arguments: argsJSON}
					stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallStart, ContentIndex: idx, Partial: partial})
					stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallDelta, ContentIndex: idx, ToolcallDelta: string(argsJSON), Partial: partial})
					partial.Content = append(partial.Content, models.AssistantContentBlock{Type: models.AssistantBlockToolCall, ToolCall: tc})
					stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallEnd, ContentIndex: idx, ToolCall: tc, Partial: partial})
				}
			}
		}
		if resp.UsageMetadata != nil {
			partial.Usage = partial.Usage.Merge(models.Usage{
				Input: int(resp.UsageMetadata.PromptTokenCount), Output: int(resp.UsageMetadata.CandidatesTokenCount),
			})
		}
	}

	partial.StopReason = mapGoogleFinishReason(lastFinish, partial)
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

func mapGoogleFinishReason(reason genai.FinishReason, partial *models.AssistantMessage) models.StopReason {
	if len(partial.ToolCalls()) > 0 {
		return models.StopReasonToolUse
	}
	switch reason {
	case genai.FinishReasonMaxTokens:
		return models.StopReasonLength
	default:
		return models.StopReasonStop
	}
}

func googleCallID(name string, index int) string {
	return name + "-" + string(rune('a'+index%26))
}

func convertGoogleMessages(reqCtx models.Context) []*genai.Content {
	out := make([]*genai.Content, 0, len(reqCtx.Messages))
	for _, m := range reqCtx.Messages {
		switch m.Type {
		case models.MessageTypeUser:
			out = append(out, genai.NewContentFromText(m.User.Content.TextBlocks(), genai.RoleUser))
		case models.MessageTypeAssistant:
			parts := []*genai.Part{}
			if text := m.Assistant.Text(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, tc := range m.Assistant.ToolCalls() {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case models.MessageTypeToolResult:
			var text string
			for _, b := range m.ToolResult.Content {
				text += b.Text
			}
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{
				genai.NewPartFromFunctionResponse(m.ToolResult.ToolName, map[string]any{"result": text}),
			}})
		}
	}
	return out
}

func convertGoogleTools(tools []models.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema *genai.Schema
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: schema})
	}
	return out
}
