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

const (
	defaultMaxLines = 2000
	defaultMaxBytes = 256_000
)

// Config scopes every files tool to a workspace root.
type Config struct {
	Workspace string
}

// ReadTool reads UTF-8 text with 1-based offset/limit line pagination,
// matching original_source's read.rs contract.
type ReadTool struct {
	resolver Resolver
}

func NewReadTool(cfg Config) *ReadTool {
	return &ReadTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ReadTool) Definition() models.Tool {
	schema := `{
  "type": "object",
  "properties": {
    "path": { "type": "string", "description": "Path to the file, absolute or relative to the workspace." },
    "offset": { "type": "integer", "minimum": 1, "description": "1-based start line offset." },
    "limit": { "type": "integer", "minimum": 1, "description": "Maximum number of lines to return." }
  },
  "required": ["path"],
  "additionalProperties": false
}`
	return models.Tool{
		Name:        "read",
		Description: "Read UTF-8 text file content from disk. Supports offset/limit pagination.",
		Parameters:  json.RawMessage(schema),
	}
}

func (t *ReadTool) Execute(ctx context.Context, call models.ToolCall) ([]models.ToolResultContentBlock, json.RawMessage, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, fmt.Sprintf("invalid read arguments: %v", err))
	}
	if strings.TrimSpace(in.Path) == "" {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "path is required")
	}
	offset := in.Offset
	if offset == 0 {
		offset = 1
	}
	if offset < 1 {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "offset must be >= 1")
	}
	if in.Limit < 0 {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, "limit must be >= 1")
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid, err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, fmt.Errorf("read %s: %w", in.Path, err))
	}
	fullContent := string(data)
	allLines := strings.Split(fullContent, "\n")

	if offset > len(allLines) {
		return nil, nil, providers.New(providers.ErrToolArgumentsInvalid,
			fmt.Sprintf("offset %d is beyond end of file (%d lines total)", offset, len(allLines)))
	}

	startIdx := offset - 1
	endIdx := len(allLines)
	if in.Limit > 0 {
		endIdx = startIdx + in.Limit
		if endIdx > len(allLines) {
			endIdx = len(allLines)
		}
	}
	// Cap the selected window at defaultMaxLines before the byte cap, matching
	// original_source's truncate_head (lines first, then bytes) so a large
	// unbounded read (no limit given) can't return the whole file at once.
	if endIdx-startIdx > defaultMaxLines {
		endIdx = startIdx + defaultMaxLines
	}
	selected := strings.Join(allLines[startIdx:endIdx], "\n")

	truncated := false
	output := selected
	if len(output) > defaultMaxBytes {
		output = output[:defaultMaxBytes]
		truncated = true
	}

	if output == "" && fullContent == "" {
		output = "(empty file)"
	}
	if truncated {
		output += fmt.Sprintf("\n\n[Output truncated to %d bytes. Use offset to continue.]", defaultMaxBytes)
	} else if endIdx < len(allLines) {
		remaining := len(allLines) - endIdx
		output += fmt.Sprintf("\n\n[%d more lines in file. Use offset=%d to continue.]", remaining, endIdx+1)
	}

	details, err := json.Marshal(map[string]any{
		"path":       in.Path,
		"offset":     offset,
		"limit":      in.Limit,
		"totalLines": len(allLines),
		"truncated":  truncated,
	})
	if err != nil {
		return nil, nil, providers.Wrap(providers.ErrToolExecutionFailed, err)
	}

	return []models.ToolResultContentBlock{{Type: models.UserBlockText, Text: output}}, details, nil
}
