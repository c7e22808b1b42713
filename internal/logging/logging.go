// Package logging configures the process-wide structured logger. Grounded
// on the teacher's own slog usage throughout cmd/nexus (main.go configures
// slog.SetDefault once at startup; call sites elsewhere use the package-level
// slog.Info/Error/Debug functions directly rather than threading a logger
// value through every call), generalized here to also support text output
// and a configurable level.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Configure installs the process-wide slog.Default logger, writing to
// stderr. An unrecognized format falls back to JSON; an unrecognized level
// falls back to Info. Takes plain strings rather than *config.Config so
// this package stays a leaf dependency callable from internal/agentloop and
// internal/dispatch without an import cycle back through internal/config.
func Configure(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run returns a logger scoped to a single AgentLoop run, carrying the
// run/session id through every subsequent call the way the teacher's
// per-request handlers attach request-scoped fields before logging.
func Run(sessionID string) *slog.Logger {
	return slog.Default().With("session_id", sessionID)
}

// Tool returns a logger scoped to one tool invocation within a run.
func Tool(sessionID, toolCallID, toolName string) *slog.Logger {
	return Run(sessionID).With("tool_call_id", toolCallID, "tool_name", toolName)
}

// Task returns a logger scoped to one dispatched child task.
func Task(sessionID, taskID, subagent string) *slog.Logger {
	return Run(sessionID).With("task_id", taskID, "subagent", subagent)
}
