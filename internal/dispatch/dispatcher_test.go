package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/internal/validator"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// stubProvider always replies with one canned text message, regardless of
// the context it is sent.
type stubProvider struct {
	text string
}

func (p *stubProvider) API() string { return "test" }

func (p *stubProvider) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts providers.StreamOptions, stream *providers.Stream) error {
	msg := &models.AssistantMessage{
		Content:    []models.AssistantContentBlock{{Type: models.AssistantBlockText, Text: p.text}},
		StopReason: models.StopReasonStop,
	}
	stream.Push(models.AssistantMessageEvent{Type: models.EventDone, DoneReason: models.DoneStop, Message: msg})
	return nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(SubAgentSpec{Name: "general", Description: "General helper", Mode: ModeSubAgent})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func testDispatcher(t *testing.T, text string, policy Policy) *Dispatcher {
	t.Helper()
	return New(Config{
		Cwd:            t.TempDir(),
		SessionDir:     t.TempDir(),
		Model:          models.Model{Provider: "test", API: "test", ID: "test-model", MaxTokens: 1024},
		SystemPrompt:   "You are parent",
		Provider:       &stubProvider{text: text},
		ChildTools:     toolrt.NewRegistry(),
		Validator:      validator.New(),
		ExecutorConfig: toolrt.DefaultConfig(),
		Resolver:       testRegistry(t),
		Policy:         policy,
	})
}

func TestDispatchRunsChildAndReturnsSummary(t *testing.T) {
	d := testDispatcher(t, "child completed", Policy{})

	result, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "general", Prompt: "run child"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Output.Summary != "child completed" {
		t.Fatalf("summary = %q, want %q", result.Output.Summary, "child completed")
	}
	if result.Output.TaskID == "" {
		t.Fatal("expected a generated task_id")
	}
	if result.Output.ChildSessionFile == "" {
		t.Fatal("expected a child session file path")
	}
	if result.ResolvedSubagent != "general" {
		t.Fatalf("resolved_subagent = %q, want general", result.ResolvedSubagent)
	}
	if result.RoutingHintApplied {
		t.Fatal("routing_hint_applied should be false for a directly-resolved subagent")
	}
}

func TestDispatchSubstitutesFallbackSubagent(t *testing.T) {
	d := testDispatcher(t, "fallback ran", Policy{FallbackSubagent: "general"})

	result, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "missing", Prompt: "run it"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.ResolvedSubagent != "general" {
		t.Fatalf("resolved_subagent = %q, want general", result.ResolvedSubagent)
	}
	if !result.RoutingHintApplied {
		t.Fatal("expected routing_hint_applied to be true")
	}
}

func TestDispatchRejectsUnknownSubagentWithNoFallback(t *testing.T) {
	d := testDispatcher(t, "unused", Policy{})

	if _, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "missing", Prompt: "run it"}); err == nil {
		t.Fatal("expected an error for an unresolvable subagent with no fallback")
	}
}

func TestDispatchDeniesPerPolicyRule(t *testing.T) {
	policy := Policy{Rules: []PolicyRule{
		{Subagent: "general", Tool: "*", Effect: Deny, Reason: "general is disabled for this run"},
	}}
	d := testDispatcher(t, "unused", policy)

	_, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "general", Prompt: "run it"})
	if err == nil {
		t.Fatal("expected dispatch to be denied")
	}
	perr, ok := providers.As(err)
	if !ok {
		t.Fatalf("expected a *providers.Error, got %T", err)
	}
	if !strings.Contains(perr.Message, "disabled") {
		t.Fatalf("error message = %q, want the policy reason", perr.Message)
	}
}

func TestDispatchReusesChildSessionForRepeatedTaskID(t *testing.T) {
	d := testDispatcher(t, "second run", Policy{})
	taskID := "retry-me"

	first, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "general", Prompt: "first", TaskID: &taskID})
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}

	second, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "general", Prompt: "again", TaskID: &taskID})
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	if second.Output.ChildSessionFile != first.Output.ChildSessionFile {
		t.Fatalf("expected the same child session file on task_id reuse, got %q vs %q",
			first.Output.ChildSessionFile, second.Output.ChildSessionFile)
	}
	if second.Output.TaskID != taskID {
		t.Fatalf("task_id = %q, want %q", second.Output.TaskID, taskID)
	}
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	var kinds []LifecycleKind
	d := New(Config{
		Cwd:            t.TempDir(),
		SessionDir:     t.TempDir(),
		Model:          models.Model{Provider: "test", API: "test", ID: "test-model", MaxTokens: 1024},
		SystemPrompt:   "You are parent",
		Provider:       &stubProvider{text: "ok"},
		ChildTools:     toolrt.NewRegistry(),
		Validator:      validator.New(),
		ExecutorConfig: toolrt.DefaultConfig(),
		Resolver:       testRegistry(t),
		LifecycleSink: func(ev LifecycleEvent) {
			kinds = append(kinds, ev.Kind)
		},
	})

	if _, err := d.Dispatch(context.Background(), TaskInput{SubagentType: "general", Prompt: "run"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(kinds) != 2 || kinds[0] != ChildRunStart || kinds[1] != ChildRunEnd {
		t.Fatalf("lifecycle events = %v, want [ChildRunStart ChildRunEnd]", kinds)
	}
}

func TestTaskToolExecutesDispatcherAndReturnsStructuredDetails(t *testing.T) {
	d := testDispatcher(t, "child completed", Policy{})
	tool := NewTool(d)

	args, _ := json.Marshal(map[string]string{"subagent_type": "general", "prompt": "run child"})
	content, details, err := tool.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "task", Arguments: args})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(content) != 1 || !strings.Contains(content[0].Text, "<task_result>") || !strings.Contains(content[0].Text, "child completed") {
		t.Fatalf("unexpected content: %+v", content)
	}

	var decoded map[string]any
	if err := json.Unmarshal(details, &decoded); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if decoded["summary"] != "child completed" {
		t.Fatalf("details.summary = %v, want child completed", decoded["summary"])
	}
	if decoded["resolved_subagent"] != "general" {
		t.Fatalf("details.resolved_subagent = %v, want general", decoded["resolved_subagent"])
	}
	if decoded["routing_hint_applied"] != false {
		t.Fatalf("details.routing_hint_applied = %v, want false", decoded["routing_hint_applied"])
	}
}

func TestTaskToolRejectsInvalidArguments(t *testing.T) {
	d := testDispatcher(t, "unused", Policy{})
	tool := NewTool(d)

	args, _ := json.Marshal(map[string]string{"subagent_type": "general"})
	_, _, err := tool.Execute(context.Background(), models.ToolCall{ID: "tc-1", Name: "task", Arguments: args})
	if err == nil {
		t.Fatal("expected an error for a missing prompt")
	}
	if !strings.Contains(err.Error(), "prompt") {
		t.Fatalf("error = %v, want it to mention prompt", err)
	}
}
