package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ToolDisplay contains formatted display info for a tool call, rendered by
// the CLI while an agent turn is running.
type ToolDisplay struct {
	Name   string
	Emoji  string
	Title  string
	Label  string
	Verb   string
	Detail string
}

// ToolDisplaySpec defines display configuration for a tool.
type ToolDisplaySpec struct {
	Emoji      string   `json:"emoji,omitempty"`
	Title      string   `json:"title,omitempty"`
	Label      string   `json:"label,omitempty"`
	DetailKeys []string `json:"detailKeys,omitempty"`
}

// ToolDisplayConfig contains the full display configuration.
type ToolDisplayConfig struct {
	Version  int                        `json:"version,omitempty"`
	Fallback *ToolDisplaySpec           `json:"fallback,omitempty"`
	Tools    map[string]ToolDisplaySpec `json:"tools,omitempty"`
}

// DetailLabelOverrides maps detail keys to their display labels.
var DetailLabelOverrides = map[string]string{
	"sessionKey": "session",
	"taskId":     "task",
	"subagent":   "agent",
	"oldText":    "old",
	"newText":    "new",
}

// MaxDetailEntries limits the number of detail items shown per tool call.
const MaxDetailEntries = 8

var defaultToolEmojis = map[string]string{
	"read":  "📖",
	"write": "✏️",
	"edit":  "✏️",
	"bash":  "💻",
	"task":  "🤖",
	"tool":  "🧩", // fallback
}

// DefaultToolDisplayConfig returns the display configuration for this
// module's tool set: read, write, edit, bash, task.
func DefaultToolDisplayConfig() *ToolDisplayConfig {
	return &ToolDisplayConfig{
		Version: 1,
		Fallback: &ToolDisplaySpec{
			Emoji:      "🧩",
			DetailKeys: []string{},
		},
		Tools: map[string]ToolDisplaySpec{
			"read": {
				Emoji:      "📖",
				Title:      "Read",
				Label:      "Reading",
				DetailKeys: []string{"path"},
			},
			"write": {
				Emoji:      "✏️",
				Title:      "Write",
				Label:      "Writing",
				DetailKeys: []string{"path"},
			},
			"edit": {
				Emoji:      "✏️",
				Title:      "Edit",
				Label:      "Editing",
				DetailKeys: []string{"path"},
			},
			"bash": {
				Emoji:      "💻",
				Title:      "Bash",
				Label:      "Running",
				DetailKeys: []string{"command"},
			},
			"task": {
				Emoji:      "🤖",
				Title:      "Task",
				Label:      "Dispatching",
				DetailKeys: []string{"subagent", "prompt"},
			},
		},
	}
}

// ResolveToolDisplay resolves display info for a tool call.
func ResolveToolDisplay(name string, args interface{}, meta string) *ToolDisplay {
	config := DefaultToolDisplayConfig()
	normalizedName := normalizeToolName(name)

	display := &ToolDisplay{
		Name:  name,
		Title: defaultTitle(name),
		Verb:  "Using",
	}

	spec, found := config.Tools[normalizedName]
	if !found {
		spec, found = config.Tools[name]
	}
	if !found && config.Fallback != nil {
		spec = *config.Fallback
	}

	if spec.Emoji != "" {
		display.Emoji = spec.Emoji
	} else if emoji, ok := defaultToolEmojis[normalizedName]; ok {
		display.Emoji = emoji
	} else {
		display.Emoji = defaultToolEmojis["tool"]
	}

	if spec.Title != "" {
		display.Title = spec.Title
	}
	if spec.Label != "" {
		display.Label = spec.Label
	}

	display.Detail = resolveDetail(name, args, spec.DetailKeys)

	return display
}

// FormatToolDetail formats the detail portion of a tool display.
func FormatToolDetail(display *ToolDisplay) string {
	if display.Detail == "" {
		return ""
	}
	return display.Detail
}

// FormatToolSummary formats a complete tool summary line.
func FormatToolSummary(display *ToolDisplay) string {
	parts := []string{}

	if display.Emoji != "" {
		parts = append(parts, display.Emoji)
	}

	label := display.Label
	if label == "" {
		label = display.Title
	}
	if label != "" {
		parts = append(parts, label)
	}

	summary := strings.Join(parts, " ")

	if display.Detail != "" {
		summary += ": " + display.Detail
	}

	return summary
}

func normalizeToolName(name string) string {
	normalized := strings.ToLower(name)

	if strings.Contains(normalized, "__") {
		parts := strings.Split(normalized, "__")
		normalized = parts[len(parts)-1]
	}
	if strings.Contains(normalized, ".") {
		parts := strings.Split(normalized, ".")
		normalized = parts[len(parts)-1]
	}

	normalized = strings.TrimSuffix(normalized, "_tool")

	return normalized
}

func defaultTitle(name string) string {
	normalized := normalizeToolName(name)
	normalized = strings.ReplaceAll(normalized, "_", " ")
	normalized = strings.ReplaceAll(normalized, "-", " ")

	words := strings.Fields(normalized)
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(string(word[0])) + word[1:]
		}
	}

	return strings.Join(words, " ")
}

func coerceDisplayValue(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int, int64, int32:
		return fmt.Sprintf("%d", v)
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		items := make([]string, 0, len(v))
		for _, item := range v {
			s := coerceDisplayValue(item)
			if s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case map[string]interface{}:
		for _, key := range []string{"name", "id", "path", "value"} {
			if val, ok := v[key]; ok {
				return coerceDisplayValue(val)
			}
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func lookupValueByPath(args interface{}, path string) interface{} {
	if args == nil || path == "" {
		return nil
	}

	parts := strings.Split(path, ".")

	current := args
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil
			}
			current = val
		default:
			return nil
		}
	}

	return current
}

func resolveDetailFromKeys(args interface{}, keys []string) string {
	if args == nil || len(keys) == 0 {
		return ""
	}

	details := []string{}
	count := 0

	for _, key := range keys {
		if count >= MaxDetailEntries {
			break
		}

		value := lookupValueByPath(args, key)
		if value == nil {
			continue
		}

		strValue := coerceDisplayValue(value)
		if strValue == "" {
			continue
		}

		strValue = shortenHomePath(strValue)

		details = append(details, strValue)
		count++
	}

	return strings.Join(details, " · ")
}

// resolveReadDetail extracts detail for the read tool ("path (offset-limit)").
func resolveReadDetail(args interface{}) string {
	argsMap, ok := args.(map[string]interface{})
	if !ok {
		return ""
	}

	path, _ := argsMap["path"].(string)
	path = shortenHomePath(path)
	if path == "" {
		return ""
	}

	detail := path

	offset, hasOffset := argsMap["offset"]
	limit, hasLimit := argsMap["limit"]

	if hasOffset || hasLimit {
		offsetVal := coerceDisplayValue(offset)
		limitVal := coerceDisplayValue(limit)

		if offsetVal != "" || limitVal != "" {
			detail += " ("
			if offsetVal != "" {
				detail += offsetVal
			}
			if limitVal != "" {
				if offsetVal != "" {
					detail += "-"
				}
				detail += limitVal
			}
			detail += ")"
		}
	}

	return detail
}

// resolveWriteDetail extracts detail for the write/edit tools.
func resolveWriteDetail(args interface{}) string {
	argsMap, ok := args.(map[string]interface{})
	if !ok {
		return ""
	}

	path, _ := argsMap["path"].(string)
	return shortenHomePath(path)
}

// shortenHomePath replaces the home directory prefix with "~".
func shortenHomePath(path string) string {
	if path == "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}

	cleanPath := filepath.Clean(path)
	cleanHome := filepath.Clean(home)

	if strings.HasPrefix(cleanPath, cleanHome) {
		return "~" + cleanPath[len(cleanHome):]
	}

	return path
}

// resolveDetail determines the detail string for a tool call.
func resolveDetail(name string, args interface{}, detailKeys []string) string {
	normalizedName := normalizeToolName(name)

	switch normalizedName {
	case "read":
		return resolveReadDetail(args)
	case "write", "edit":
		return resolveWriteDetail(args)
	}

	if len(detailKeys) > 0 {
		return resolveDetailFromKeys(args, detailKeys)
	}

	return ""
}
