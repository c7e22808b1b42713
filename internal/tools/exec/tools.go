package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/tools/security"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// BashTool runs a shell command in the workspace and returns combined
// stdout/stderr, matching original_source's bash.rs contract: a single
// optional timeout, no background-execution mode.
type BashTool struct {
	manager *Manager
}

func NewBashTool(manager *Manager) *BashTool {
	return &BashTool{manager: manager}
}

func (t *BashTool) Definition() models.Tool {
	schema := `{
  "type": "object",
  "properties": {
    "command": { "type": "string", "description": "Shell command to execute." },
    "timeout": { "type": "number", "exclusiveMinimum": 0, "description": "Optional timeout in seconds." }
  },
  "required": ["command"],
  "additionalProperties": false
}`
	return models.Tool{
		Name:        "bash",
		Description: "Execute a bash command in the workspace cwd and return combined stdout/stderr.",
		Parameters:  json.RawMessage(schema),
	}
}

func (t *BashTool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	var in struct {
		Command string  `json:"command"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, fmt.Sprintf("invalid bash arguments: %v", err))
	}
	if in.Command == "" {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "command is required")
	}
	if in.Timeout < 0 {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "timeout must be > 0")
	}

	timeout := time.Duration(in.Timeout * float64(time.Second))
	result, err := t.manager.Run(ctx, in.Command, "", timeout)
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	combined := combineOutput(result.Stdout, result.Stderr)
	if result.ExitCode != 0 {
		return nil, nil, providers.New(providers.ErrToolExecutionFailed,
			fmt.Sprintf("%s\n\nCommand exited with code %d", combined, result.ExitCode))
	}

	analysis := security.AnalyzeCommandQuoteAware(in.Command)

	details, err := json.Marshal(map[string]any{
		"exitCode":        result.ExitCode,
		"cwd":             result.Cwd,
		"shellSafe":       analysis.IsSafe,
		"shellRiskReason": analysis.Reason,
	})
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	return []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: combined}}, details, nil
}

func combineOutput(stdout, stderr string) string {
	if stdout == "" && stderr == "" {
		return "(no output)"
	}
	combined := stdout
	if stderr != "" {
		if combined != "" && combined[len(combined)-1] != '\n' {
			combined += "\n"
		}
		combined += stderr
	}
	return combined
}
