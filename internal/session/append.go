package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

func newSessionID() string {
	return uuid.NewString()
}

// typeTag is embedded first in every appended-entry wire struct so the
// discriminator always precedes the type-specific fields on disk. The
// models entry structs themselves already carry id/parentId/timestamp, so
// embedding alongside typeTag adds no duplicate-tagged fields.
type typeTag struct {
	Type models.SessionEntryType `json:"type"`
}

// AppendMessage appends a conversation Message as the new leaf.
func (s *Store) AppendMessage(msg models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.MessageEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), Message: msg}
	wire := struct {
		typeTag
		models.MessageEntry
	}{typeTag{models.EntryMessage}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryMessage, timestamp: body.Timestamp, message: &msg})
	return id, nil
}

// Branch moves the active leaf to targetID without writing anything.
func (s *Store) Branch(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[targetID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, targetID)
	}
	target := targetID
	s.leaf = &target
	return nil
}

// BranchWithSummary moves the leaf to targetID, then appends a branch_summary
// entry whose FromID and ParentID both equal targetID.
func (s *Store) BranchWithSummary(targetID *string, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetID != nil {
		if _, ok := s.entries[*targetID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrEntryNotFound, *targetID)
		}
		t := *targetID
		s.leaf = &t
	}

	id := s.nextID()
	body := models.BranchSummaryEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), Summary: summary}
	if s.leaf != nil {
		body.FromID = *s.leaf
	}
	wire := struct {
		typeTag
		models.BranchSummaryEntry
	}{typeTag{models.EntryBranchSummary}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryBranchSummary, timestamp: body.Timestamp, branchSummary: &body})
	return id, nil
}

// AppendCompaction replaces everything before firstKeptEntryID with summary
// when the context is next built.
func (s *Store) AppendCompaction(summary string, firstKeptEntryID *string, tokensBefore int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.CompactionEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), Summary: summary, TokensBefore: tokensBefore}
	if firstKeptEntryID != nil {
		body.FirstKeptEntryID = *firstKeptEntryID
	}
	wire := struct {
		typeTag
		models.CompactionEntry
	}{typeTag{models.EntryCompaction}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryCompaction, timestamp: body.Timestamp, compaction: &body})
	return id, nil
}

// AppendThinkingLevelChange records a mid-session reasoning-effort change.
func (s *Store) AppendThinkingLevelChange(level string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.ThinkingLevelChangeEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), ThinkingLevel: level}
	wire := struct {
		typeTag
		models.ThinkingLevelChangeEntry
	}{typeTag{models.EntryThinkingLevelChange}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryThinkingLevelChange, timestamp: body.Timestamp})
	return id, nil
}

// AppendModelChange records a mid-session model switch.
func (s *Store) AppendModelChange(provider, modelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.ModelChangeEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), Provider: provider, ModelID: modelID}
	wire := struct {
		typeTag
		models.ModelChangeEntry
	}{typeTag{models.EntryModelChange}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryModelChange, timestamp: body.Timestamp})
	return id, nil
}

// AppendCustomEntry archives an opaque extension payload that never projects
// into context.
func (s *Store) AppendCustomEntry(customType string, data json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.CustomEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), CustomType: customType, Data: data}
	wire := struct {
		typeTag
		models.CustomEntry
	}{typeTag{models.EntryCustom}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryCustom, timestamp: body.Timestamp})
	return id, nil
}

// AppendLabel bookmarks targetID with a human-readable label.
func (s *Store) AppendLabel(targetID string, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.LabelEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), TargetID: targetID, Label: label}
	wire := struct {
		typeTag
		models.LabelEntry
	}{typeTag{models.EntryLabel}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryLabel, timestamp: body.Timestamp})
	return id, nil
}

// AppendSessionInfo attaches session-level metadata such as a display name.
func (s *Store) AppendSessionInfo(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.SessionInfoEntry{ID: id, ParentID: s.leaf, Timestamp: time.Now(), Name: name}
	wire := struct {
		typeTag
		models.SessionInfoEntry
	}{typeTag{models.EntrySessionInfo}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntrySessionInfo, timestamp: body.Timestamp})
	return id, nil
}

// AppendCustomMessageEntry appends an extension entry that, unless
// excludeFromContext, projects into the active context as a synthetic User
// message built from content.
func (s *Store) AppendCustomMessageEntry(customType string, content models.UserContent, display bool, details json.RawMessage, excludeFromContext bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID()
	body := models.CustomMessageEntry{
		ID:                 id,
		ParentID:           s.leaf,
		Timestamp:          time.Now(),
		CustomType:         customType,
		Content:            content,
		Display:            display,
		Details:            details,
		ExcludeFromContext: excludeFromContext,
	}
	wire := struct {
		typeTag
		models.CustomMessageEntry
	}{typeTag{models.EntryCustomMessage}, body}

	if err := s.writeLine(wire); err != nil {
		return "", err
	}
	s.commit(&entry{id: id, parentID: body.ParentID, entryType: models.EntryCustomMessage, timestamp: body.Timestamp, customMessage: &body})
	return id, nil
}

// RewindLeafIfLastAssistantError moves the leaf to its parent when the
// current leaf is an assistant message whose StopReason is Error. A single
// step only: it never walks past one entry, even if the parent is also an
// errored assistant message.
func (s *Store) RewindLeafIfLastAssistantError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaf == nil {
		return false
	}
	e, ok := s.entries[*s.leaf]
	if !ok || e.entryType != models.EntryMessage || e.message == nil {
		return false
	}
	if e.message.Type != models.MessageTypeAssistant || e.message.Assistant == nil {
		return false
	}
	if e.message.Assistant.StopReason != models.StopReasonError {
		return false
	}
	s.leaf = e.parentID
	return true
}

// commit records a freshly-appended entry and advances the leaf. Caller must
// hold s.mu.
func (s *Store) commit(e *entry) {
	s.entries[e.id] = e
	s.leaf = &e.id
}
