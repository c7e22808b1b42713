package models

import (
	"encoding/json"
	"time"
)

// CurrentSessionVersion is written into every new session header.
const CurrentSessionVersion = 1

// Literal fences used when projecting compaction/branch-summary entries
// into synthetic User messages (spec GLOSSARY).
const (
	CompactionSummaryPrefix = "The conversation history before this point was compacted into the following summary:\n\n"
	CompactionSummarySuffix = "\n"

	BranchSummaryPrefix = "The following is a summary of a branch that this conversation came back from:\n\n"
	BranchSummarySuffix = ""
)

// SessionEntryType discriminates the persisted JSONL record types.
type SessionEntryType string

const (
	EntrySession             SessionEntryType = "session"
	EntryMessage             SessionEntryType = "message"
	EntryBranchSummary       SessionEntryType = "branch_summary"
	EntryCompaction          SessionEntryType = "compaction"
	EntryThinkingLevelChange SessionEntryType = "thinking_level_change"
	EntryModelChange         SessionEntryType = "model_change"
	EntryCustom              SessionEntryType = "custom"
	EntryCustomMessage       SessionEntryType = "custom_message"
	EntryLabel               SessionEntryType = "label"
	EntrySessionInfo         SessionEntryType = "session_info"
)

// SessionHeader is the mandatory first line of a session file.
type SessionHeader struct {
	Type      SessionEntryType `json:"type"`
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Cwd       string           `json:"cwd"`
	Version   int              `json:"version"`
}

// RawEntry is the generic shape every non-header line decodes into before
// being dispatched to its typed form. Unknown Type values keep their Fields
// verbatim so they round-trip byte-for-byte on reserialize.
type RawEntry struct {
	Type      SessionEntryType `json:"type"`
	ID        string           `json:"id"`
	ParentID  *string          `json:"parentId"`
	Timestamp time.Time        `json:"timestamp"`

	// Fields carries every type-specific key, preserved verbatim for
	// entry types the core doesn't natively project into context.
	Fields json.RawMessage `json:"-"`
}

// MessageEntry wraps a Message with its DAG position.
type MessageEntry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`
	Message   Message   `json:"message"`
}

// BranchSummaryEntry recaps a branch that was abandoned in favor of another.
type BranchSummaryEntry struct {
	ID        string          `json:"id"`
	ParentID  *string         `json:"parentId"`
	Timestamp time.Time       `json:"timestamp"`
	FromID    string          `json:"fromId"`
	Summary   string          `json:"summary"`
	Details   json.RawMessage `json:"details,omitempty"`
	FromHook  bool            `json:"fromHook,omitempty"`
}

// CompactionEntry replaces a prefix of the active path with a summary.
type CompactionEntry struct {
	ID                string          `json:"id"`
	ParentID          *string         `json:"parentId"`
	Timestamp         time.Time       `json:"timestamp"`
	Summary           string          `json:"summary"`
	FirstKeptEntryID  string          `json:"firstKeptEntryId"`
	TokensBefore      int             `json:"tokensBefore"`
	Details           json.RawMessage `json:"details,omitempty"`
	FromHook          bool            `json:"fromHook,omitempty"`
}

// ThinkingLevelChangeEntry records a mid-session reasoning-effort change.
type ThinkingLevelChangeEntry struct {
	ID             string    `json:"id"`
	ParentID       *string   `json:"parentId"`
	Timestamp      time.Time `json:"timestamp"`
	ThinkingLevel  string    `json:"thinkingLevel"`
}

// ModelChangeEntry records a mid-session model switch.
type ModelChangeEntry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	ModelID   string    `json:"modelId"`
}

// CustomEntry is an opaque, archival-only extension entry.
type CustomEntry struct {
	ID         string          `json:"id"`
	ParentID   *string         `json:"parentId"`
	Timestamp  time.Time       `json:"timestamp"`
	CustomType string          `json:"customType"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CustomMessageEntry is an extension entry that, unless ExcludeFromContext,
// is projected into the active context as a synthetic User message.
type CustomMessageEntry struct {
	ID                 string          `json:"id"`
	ParentID           *string         `json:"parentId"`
	Timestamp          time.Time       `json:"timestamp"`
	CustomType         string          `json:"customType"`
	Content             UserContent    `json:"content"`
	Display            bool            `json:"display,omitempty"`
	Details            json.RawMessage `json:"details,omitempty"`
	ExcludeFromContext bool            `json:"excludeFromContext,omitempty"`
}

// LabelEntry bookmarks an earlier entry with a human label.
type LabelEntry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`
	TargetID  string    `json:"targetId"`
	Label     string    `json:"label,omitempty"`
}

// SessionInfoEntry carries session-level metadata such as a display name.
type SessionInfoEntry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name,omitempty"`
}
