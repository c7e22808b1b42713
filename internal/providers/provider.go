// Package providers implements the Provider streaming abstraction (spec
// §4.3), ReliableProvider (§4.4), and the process-wide ApiRegistry (§4.5).
package providers

import (
	"context"

	"github.com/pixyhq/pixy-agent/internal/eventstream"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// Stream is the normalized assistant-message event stream every Provider
// pushes onto, and every AgentLoop reads from.
type Stream = eventstream.Stream[models.AssistantMessageEvent, models.AssistantMessage]

// CompletionFunc derives the terminal AssistantMessage from a pushed event,
// shared by every backend and by ReliableProvider's attempt buffering.
func CompletionFunc(event models.AssistantMessageEvent) (models.AssistantMessage, bool) {
	switch event.Type {
	case models.EventDone, models.EventError:
		if event.Message != nil {
			return *event.Message, true
		}
		return models.AssistantMessage{}, true
	default:
		return models.AssistantMessage{}, false
	}
}

// NewStream creates an empty Stream wired to CompletionFunc.
func NewStream() *Stream {
	return eventstream.New[models.AssistantMessageEvent, models.AssistantMessage](CompletionFunc)
}

// StreamOptions carries per-request overrides (spec §4.4's transport-retry
// precedence; extend here for per-request provider knobs).
type StreamOptions struct {
	// TransportRetryCount overrides ReliableProvider's configured retry
	// budget for this single request, when non-nil.
	TransportRetryCount *int

	// AbortSignal, when set, lets the backend stop mid-stream.
	AbortSignal *eventstream.AbortSignal
}

// Provider streams one assistant turn for a given model/context onto stream,
// pushing AssistantMessageEvents and returning only a transport-level error
// (never the modeled error kinds, which are pushed as an Error event).
type Provider interface {
	// API names the wire protocol this implementation serves, e.g.
	// "openai-chat", "openai-responses", "anthropic-messages",
	// "google-genai", "bedrock-converse".
	API() string

	Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error
}
