package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// OpenAIResponsesProvider speaks OpenAI's Responses API directly over a
// hand-rolled SSE client (grounded on the teacher's internal/agent/providers
// /ollama.go, which builds its own http.Request/bufio.Scanner SSE loop
// rather than a vendored SDK, since go-openai has no Responses support to
// reuse). If the first request to a given base URL 404s — e.g. an
// Azure/self-hosted proxy that only exposes chat-completions — it caches a
// fallback decision and transparently redispatches that base URL's future
// requests to the chat-completions provider (spec §4.3).
type OpenAIResponsesProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	chat    *OpenAIChatProvider

	mu       sync.Mutex
	fallback map[string]bool
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

func NewOpenAIResponsesProvider(apiKey string) *OpenAIResponsesProvider {
	return &OpenAIResponsesProvider{
		apiKey:   apiKey,
		baseURL:  defaultOpenAIBaseURL,
		client:   &http.Client{Timeout: 2 * time.Minute},
		chat:     NewOpenAIChatProvider(apiKey),
		fallback: make(map[string]bool),
	}
}

func (p *OpenAIResponsesProvider) API() string { return "openai-responses" }

func (p *OpenAIResponsesProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	key := model.BaseURL

	p.mu.Lock()
	useFallback := p.fallback[key]
	p.mu.Unlock()

	if useFallback {
		return p.chat.Stream(ctx, model, reqCtx, opts, stream)
	}

	err := p.streamResponses(ctx, model, reqCtx, opts, stream)
	if isHTTPStatus(err, http.StatusNotFound) {
		p.mu.Lock()
		p.fallback[key] = true
		p.mu.Unlock()
		return p.chat.Stream(ctx, model, reqCtx, opts, stream)
	}
	return err
}

// responsesRequest is the subset of the Responses API request body this
// harness exercises: text input turns, function tool definitions, and
// streaming.
type responsesRequest struct {
	Model        string              `json:"model"`
	Instructions string              `json:"instructions,omitempty"`
	Input        []responsesItem     `json:"input"`
	Tools        []responsesToolDef  `json:"tools,omitempty"`
	MaxOutputTok int                 `json:"max_output_tokens,omitempty"`
	Stream       bool                `json:"stream"`
}

type responsesItem struct {
	Type   string              `json:"type,omitempty"`
	Role   string              `json:"role,omitempty"`
	Content string             `json:"content,omitempty"`
	CallID string              `json:"call_id,omitempty"`
	Output string              `json:"output,omitempty"`
	Name   string              `json:"name,omitempty"`
	Arguments string           `json:"arguments,omitempty"`
}

type responsesToolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// responsesEvent is the subset of SSE event payloads this client decodes;
// the Responses API multiplexes many distinct "type" discriminators onto a
// single stream, of which only these matter for text/tool-call projection.
type responsesEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	ItemID     string `json:"item_id"`
	OutputIndex int   `json:"output_index"`

	Item *responsesOutputItem `json:"item"`

	Response *responsesEnvelope `json:"response"`
}

type responsesOutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesEnvelope struct {
	Usage *responsesUsage `json:"usage"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// streamResponses issues one streaming Responses API request and projects
// its SSE events onto the normalized AssistantMessageEvent schema. A 404
// status is returned to the caller unpushed so Stream can fall back to
// chat-completions without first emitting a broken run onto the stream.
func (p *OpenAIResponsesProvider) streamResponses(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	if p.apiKey == "" {
		return emitTransportError(stream, "openai-responses", fmt.Errorf("openai api key not configured"))
	}

	body, err := json.Marshal(responsesRequest{
		Model:        model.ID,
		Instructions: reqCtx.System,
		Input:        convertResponsesInput(reqCtx),
		Tools:        convertResponsesTools(reqCtx.Tools),
		MaxOutputTok: model.MaxTokens,
		Stream:       true,
	})
	if err != nil {
		return emitTransportError(stream, "openai-responses", err)
	}

	base := strings.TrimRight(model.BaseURL, "/")
	if base == "" {
		base = p.baseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/responses", bytes.NewReader(body))
	if err != nil {
		return emitTransportError(stream, "openai-responses", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return emitTransportError(stream, "openai-responses", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return New(ErrProviderHttp, fmt.Sprintf("openai responses: status 404 at %s", base+"/responses"))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody := make([]byte, 0, 4096)
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)
		errBody = append(errBody, buf[:n]...)
		return emitTransportError(stream, "openai-responses",
			fmt.Errorf("openai responses status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))))
	}
	defer resp.Body.Close()

	partial := &models.AssistantMessage{API: "openai-responses", Provider: model.Provider, Model: model.ID}
	stream.Push(models.AssistantMessageEvent{Type: models.EventStart, Partial: partial})

	textStarted := false
	toolCalls := map[string]*models.ToolCall{}
	toolOrder := []string{}
	toolIndex := map[string]int{}
	stopReason := models.StopReasonStop

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if opts.AbortSignal != nil && opts.AbortSignal.IsAborted() {
			partial.StopReason = models.StopReasonAborted
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonAborted, Message: partial})
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var ev responsesEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if !textStarted {
				stream.Push(models.AssistantMessageEvent{Type: models.EventTextStart, ContentIndex: 0, Partial: partial})
				textStarted = true
			}
			partial.Content = appendText(partial.Content, ev.Delta)
			stream.Push(models.AssistantMessageEvent{Type: models.EventTextDelta, ContentIndex: 0, TextDelta: ev.Delta, Partial: partial})

		case "response.output_item.added":
			if ev.Item == nil || ev.Item.Type != "function_call" {
				continue
			}
			id := ev.Item.CallID
			if id == "" {
				id = ev.Item.ID
			}
			index := len(toolOrder) + 1
			toolCalls[id] = &models.ToolCall{ID: id, Name: ev.Item.Name}
			toolOrder = append(toolOrder, id)
			toolIndex[id] = index
			stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallStart, ContentIndex: index, Partial: partial})

		case "response.function_call_arguments.delta":
			id := ev.ItemID
			tc, ok := toolCalls[id]
			if !ok {
				continue
			}
			tc.Arguments = append(tc.Arguments, []byte(ev.Delta)...)
			stream.Push(models.AssistantMessageEvent{
				Type: models.EventToolcallDelta, ContentIndex: toolIndex[id],
				ToolcallDelta: ev.Delta, Partial: partial,
			})

		case "response.completed", "response.incomplete", "response.failed":
			finishTextIfOpen(stream, &textStarted, 0)
			for _, id := range toolOrder {
				tc := toolCalls[id]
				tc.Arguments = bestEffortJSONObject(tc.Arguments)
				partial.Content = append(partial.Content, models.AssistantContentBlock{Type: models.AssistantBlockToolCall, ToolCall: tc})
				stream.Push(models.AssistantMessageEvent{Type: models.EventToolcallEnd, ContentIndex: toolIndex[id], ToolCall: tc, Partial: partial})
			}
			if ev.Response != nil && ev.Response.Usage != nil {
				partial.Usage = partial.Usage.Merge(models.Usage{
					Input: ev.Response.Usage.InputTokens, Output: ev.Response.Usage.OutputTokens, TotalTokens: ev.Response.Usage.TotalTokens,
				})
			}
			if len(toolOrder) > 0 {
				stopReason = models.StopReasonToolUse
			}
			if ev.Type != "response.completed" {
				stopReason = models.StopReasonError
			}
			partial.StopReason = stopReason
			doneReason := models.DoneStop
			if stopReason == models.StopReasonToolUse {
				doneReason = models.DoneToolUse
			}
			if stopReason == models.StopReasonError {
				stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: partial})
				return nil
			}
			stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: doneReason, Message: partial})
			return nil

		case "error":
			perr := New(ErrProviderHttp, payload)
			partial.StopReason = models.StopReasonError
			partial.ErrorMessage = perr.MarshalWire()
			stream.Push(models.AssistantMessageEvent{Type: models.EventError, ErrorReason: models.ErrorReasonError, Message: partial})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return emitTransportError(stream, "openai-responses", err)
	}

	finishTextIfOpen(stream, &textStarted, 0)
	partial.StopReason = models.StopReasonStop
	stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneStop, Message: partial})
	return nil
}

// convertResponsesInput projects the tagged-union Context messages onto the
// Responses API's flat input-item list: plain user/assistant turns plus
// function_call_output items correlated by call_id for tool results.
func convertResponsesInput(reqCtx models.Context) []responsesItem {
	out := make([]responsesItem, 0, len(reqCtx.Messages))
	for _, m := range reqCtx.Messages {
		switch m.Type {
		case models.MessageTypeUser:
			out = append(out, responsesItem{Type: "message", Role: "user", Content: m.User.Content.TextBlocks()})
		case models.MessageTypeAssistant:
			if text := m.Assistant.Text(); text != "" {
				out = append(out, responsesItem{Type: "message", Role: "assistant", Content: text})
			}
			for _, tc := range m.Assistant.ToolCalls() {
				out = append(out, responsesItem{Type: "function_call", CallID: tc.ID, Name: tc.Name, Arguments: string(tc.Arguments)})
			}
		case models.MessageTypeToolResult:
			var text string
			for _, b := range m.ToolResult.Content {
				text += b.Text
			}
			out = append(out, responsesItem{Type: "function_call_output", CallID: m.ToolResult.ToolCallID, Output: text})
		}
	}
	return out
}

func convertResponsesTools(tools []models.Tool) []responsesToolDef {
	out := make([]responsesToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, responsesToolDef{
			Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		})
	}
	return out
}

func isHTTPStatus(err error, status int) bool {
	if err == nil {
		return false
	}
	pe, ok := As(err)
	if !ok {
		return false
	}
	return pe.Code == ErrProviderHttp && strings.Contains(pe.Message, strconv.Itoa(status))
}
