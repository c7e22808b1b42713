package session

import "github.com/pixyhq/pixy-agent/pkg/models"

// contextEntry pairs a projected context message with the entry ID that
// produced it, needed by FirstKeptEntryIDForRecentMessages to report a real
// entry ID back to the caller.
type contextEntry struct {
	id  string
	msg models.Message
}

// chainRootToLeaf walks the parent chain from the current leaf to the root
// and returns it in root-to-leaf order.
func (s *Store) chainRootToLeaf() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []*entry
	id := s.leaf
	for id != nil {
		e, ok := s.entries[*id]
		if !ok {
			break
		}
		chain = append(chain, e)
		id = e.parentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// projectEntry maps one chain entry to the Message it contributes to
// context, if any. Structural entries (thinking_level_change, model_change,
// custom, label, session_info, compaction) never contribute and return false.
func projectEntry(e *entry) (models.Message, bool) {
	switch e.entryType {
	case models.EntryMessage:
		if e.message != nil {
			return *e.message, true
		}
	case models.EntryBranchSummary:
		if e.branchSummary != nil {
			text := models.BranchSummaryPrefix + e.branchSummary.Summary + models.BranchSummarySuffix
			blocks := []models.UserContentBlock{{Type: models.UserBlockText, Text: text}}
			return models.NewUserBlocksMessage(blocks, e.timestamp), true
		}
	case models.EntryCustomMessage:
		if e.customMessage != nil && !e.customMessage.ExcludeFromContext {
			return models.Message{
				Type: models.MessageTypeUser,
				User: &models.UserMessage{Content: e.customMessage.Content, Timestamp: e.timestamp},
			}, true
		}
	}
	return models.Message{}, false
}

// buildContextEntries implements the compaction-aware projection: find the
// rightmost compaction entry in the root-to-leaf chain, emit its summary as
// a synthetic leading User message, then project every entry from its
// FirstKeptEntryID through the leaf (skipping the compaction entry itself).
// With no compaction entry present, the same per-type projection applies to
// the whole chain.
func (s *Store) buildContextEntries() []contextEntry {
	chain := s.chainRootToLeaf()

	compactionIdx := -1
	for i, e := range chain {
		if e.entryType == models.EntryCompaction && e.compaction != nil {
			compactionIdx = i
		}
	}

	var out []contextEntry
	start := 0
	if compactionIdx >= 0 {
		comp := chain[compactionIdx]
		cutIdx := 0
		for i, e := range chain {
			if e.id == comp.compaction.FirstKeptEntryID {
				cutIdx = i
				break
			}
		}
		text := models.CompactionSummaryPrefix + comp.compaction.Summary + models.CompactionSummarySuffix
		blocks := []models.UserContentBlock{{Type: models.UserBlockText, Text: text}}
		out = append(out, contextEntry{id: comp.id, msg: models.NewUserBlocksMessage(blocks, comp.timestamp)})
		start = cutIdx
	}

	for i := start; i < len(chain); i++ {
		if i == compactionIdx {
			continue
		}
		if msg, ok := projectEntry(chain[i]); ok {
			out = append(out, contextEntry{id: chain[i].id, msg: msg})
		}
	}
	return out
}

// BuildSessionContext returns the active context: the list of Messages an
// AgentLoop turn should send to the provider, following the current leaf's
// branch and any compaction along it.
func (s *Store) BuildSessionContext() []models.Message {
	entries := s.buildContextEntries()
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// FirstKeptEntryIDForRecentMessages returns the entry ID that a compaction
// keeping the most recent `keep` context messages should set as
// FirstKeptEntryID. Returns false if keep covers the whole context already
// (nothing to compact).
func (s *Store) FirstKeptEntryIDForRecentMessages(keep int) (string, bool) {
	entries := s.buildContextEntries()
	n := len(entries)
	if keep >= n {
		return "", false
	}
	if keep <= 0 {
		if n == 0 {
			return "", false
		}
		return entries[0].id, true
	}
	return entries[n-keep].id, true
}
