package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

const taskToolSchema = `{
  "type": "object",
  "properties": {
    "subagent_type": { "type": "string", "description": "Registered subagent type name." },
    "prompt": { "type": "string", "description": "Task prompt passed to the subagent." },
    "task_id": { "type": "string", "description": "Optional child-session reuse identifier." }
  },
  "required": ["subagent_type", "prompt"],
  "additionalProperties": false
}`

// Tool adapts a Dispatcher to the toolrt.Tool interface as the "task" tool:
// delegate work to a registered subagent, optionally reusing prior task
// context via task_id.
type Tool struct {
	dispatcher *Dispatcher
}

// NewTool wraps dispatcher as a callable "task" tool.
func NewTool(dispatcher *Dispatcher) *Tool {
	return &Tool{dispatcher: dispatcher}
}

func (t *Tool) Definition() models.Tool {
	return models.Tool{
		Name:        "task",
		Description: "Delegate work to a registered subagent, optionally reusing prior task context with task_id.",
		Parameters:  json.RawMessage(taskToolSchema),
	}
}

// Execute dispatches the task and wraps the child's summary in
// <task_result> fences, matching the wire convention the original
// implementation uses so a human-facing transcript reads the same whether
// the task ran locally or was delegated.
func (t *Tool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	var in TaskInput
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, fmt.Sprintf("invalid task tool arguments: %v", err))
	}
	if err := in.Validate(); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, err.Error())
	}

	result, err := t.dispatcher.Dispatch(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	details := map[string]any{
		"task_id":              result.Output.TaskID,
		"summary":              result.Output.Summary,
		"child_session_file":   result.Output.ChildSessionFile,
		"resolved_subagent":    result.ResolvedSubagent,
		"routing_hint_applied": result.RoutingHintApplied,
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	text := fmt.Sprintf("<task_result>\n%s\n</task_result>", result.Output.Summary)
	content := []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: text}}
	return content, detailsJSON, nil
}
