package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// WriteTool writes full UTF-8 file content, creating parent directories as
// needed, matching original_source's write.rs contract (full overwrite, no
// append mode).
type WriteTool struct {
	resolver Resolver
}

func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteTool) Definition() models.Tool {
	schema := `{
  "type": "object",
  "properties": {
    "path": { "type": "string", "description": "Path to write, absolute or relative to the workspace." },
    "content": { "type": "string", "description": "Full file content to write." }
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`
	return models.Tool{
		Name:        "write",
		Description: "Write UTF-8 text content to a file, creating parent directories if needed.",
		Parameters:  json.RawMessage(schema),
	}
}

func (t *WriteTool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, fmt.Sprintf("invalid write arguments: %v", err))
	}
	if strings.TrimSpace(in.Path) == "" {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "path is required")
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, err.Error())
	}

	previous, readErr := os.ReadFile(resolved)
	if readErr != nil {
		previous = nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, fmt.Errorf("create parent directories: %w", err))
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, fmt.Errorf("write %s: %w", in.Path, err))
	}

	insertions, deletions := lineChangeCounts(string(previous), in.Content)
	text := fmt.Sprintf("wrote %s (+%d -%d)", in.Path, insertions, deletions)

	details, err := json.Marshal(map[string]any{
		"path":         in.Path,
		"bytes":        len(in.Content),
		"insertions":   insertions,
		"deletions":    deletions,
		"changedLines": insertions + deletions,
	})
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	return []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: text}}, details, nil
}

// lineChangeCounts is a coarse line-diff approximation (insertions are
// lines added past the shared prefix length, deletions the lines removed),
// enough to report a diffstat without pulling in a full diff library.
func lineChangeCounts(before, after string) (insertions, deletions int) {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")
	shared := 0
	for shared < len(beforeLines) && shared < len(afterLines) && beforeLines[shared] == afterLines[shared] {
		shared++
	}
	insertions = len(afterLines) - shared
	deletions = len(beforeLines) - shared
	if insertions < 0 {
		insertions = 0
	}
	if deletions < 0 {
		deletions = 0
	}
	return insertions, deletions
}
