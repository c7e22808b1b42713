package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// EditTool replaces exactly one unique text fragment in a file, matching
// original_source's edit.rs contract: oldText must occur exactly once and
// the replacement must actually change the content.
type EditTool struct {
	resolver Resolver
}

func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *EditTool) Definition() models.Tool {
	schema := `{
  "type": "object",
  "properties": {
    "path": { "type": "string", "description": "Path to edit, absolute or relative to the workspace." },
    "oldText": { "type": "string", "description": "Exact original text to replace. Must be unique in the file." },
    "newText": { "type": "string", "description": "Replacement text." }
  },
  "required": ["path", "oldText", "newText"],
  "additionalProperties": false
}`
	return models.Tool{
		Name:        "edit",
		Description: "Replace exactly one unique text fragment in a UTF-8 file.",
		Parameters:  json.RawMessage(schema),
	}
}

func (t *EditTool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	var in struct {
		Path    string `json:"path"`
		OldText string `json:"oldText"`
		NewText string `json:"newText"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, fmt.Sprintf("invalid edit arguments: %v", err))
	}
	if strings.TrimSpace(in.Path) == "" {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "path is required")
	}
	if in.OldText == "" {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "oldText must not be empty")
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, fmt.Errorf("read %s: %w", in.Path, err))
	}
	content := string(data)

	occurrences := strings.Count(content, in.OldText)
	if occurrences == 0 {
		return nil, nil, providers.New(providers.ErrToolExecutionFailed,
			fmt.Sprintf("could not find the exact text in %s; oldText must match exactly", in.Path))
	}
	if occurrences > 1 {
		return nil, nil, providers.New(providers.ErrToolExecutionFailed,
			fmt.Sprintf("found %d occurrences of the text in %s; oldText must be unique", occurrences, in.Path))
	}

	updated := strings.Replace(content, in.OldText, in.NewText, 1)
	if updated == content {
		return nil, nil, providers.New(providers.ErrToolExecutionFailed,
			fmt.Sprintf("no changes made to %s; the replacement produced identical content", in.Path))
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, fmt.Errorf("write %s: %w", in.Path, err))
	}

	insertions, deletions := lineChangeCounts(content, updated)
	text := fmt.Sprintf("edited %s (+%d -%d)", in.Path, insertions, deletions)

	details, err := json.Marshal(map[string]any{
		"path":         in.Path,
		"occurrences":  1,
		"insertions":   insertions,
		"deletions":    deletions,
		"changedLines": insertions + deletions,
	})
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	return []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: text}}, details, nil
}
