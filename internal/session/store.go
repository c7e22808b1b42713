// Package session implements the append-only, branch-aware JSONL session
// log described in spec §4.4 and §6. Every write appends exactly one line;
// earlier lines are never rewritten, which is what makes the "load(write(s))
// round-trips byte-for-byte" invariant hold for free. Grounded on
// original_source's pi-coding-agent SessionManager (crates/pi-coding-agent/
// tests/session_manager.rs documents its exact entry shapes and branch/
// compaction semantics) for domain behavior, and the teacher's
// internal/sessions/memory_logger.go for the open-write-close-under-mutex
// append idiom.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

var ErrEntryNotFound = errors.New("session: entry not found")

// entry is the in-memory representation of one logged line. Exactly one of
// the typed payload fields is set, matching Type; unknown wire types carry
// neither and are tracked only for parent-chain walking.
type entry struct {
	id        string
	parentID  *string
	entryType models.SessionEntryType
	timestamp time.Time

	message       *models.Message
	branchSummary *models.BranchSummaryEntry
	compaction    *models.CompactionEntry
	customMessage *models.CustomMessageEntry
}

// Store is one session's append-only log plus the in-memory index needed to
// walk its branch DAG and build the active context.
type Store struct {
	mu sync.Mutex

	path    string
	header  models.SessionHeader
	entries map[string]*entry
	leaf    *string
	nextSeq int
}

// Create starts a brand-new session file under dir, named after the
// session's own ID.
func Create(cwd, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	id := newSessionID()
	header := models.SessionHeader{
		Type:      models.EntrySession,
		ID:        id,
		Timestamp: time.Now(),
		Cwd:       cwd,
		Version:   models.CurrentSessionVersion,
	}
	path := filepath.Join(dir, id+".jsonl")

	s := &Store{path: path, header: header, entries: make(map[string]*entry)}
	if err := s.writeLine(header); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reconstructs a Store from an existing session file. The leaf is the
// entry on the last line; branches taken earlier in the file's history are
// preserved in the index but are no longer reachable as the active path.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	defer f.Close()

	s := &Store{path: path, entries: make(map[string]*entry)}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			if err := json.Unmarshal(line, &s.header); err != nil {
				return nil, fmt.Errorf("session: decode header: %w", err)
			}
			continue
		}
		if err := s.loadLine(line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return s, nil
}

func (s *Store) loadLine(line []byte) error {
	var head struct {
		Type      models.SessionEntryType `json:"type"`
		ID        string                  `json:"id"`
		ParentID  *string                 `json:"parentId"`
		Timestamp time.Time               `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return fmt.Errorf("session: decode entry: %w", err)
	}

	e := &entry{id: head.ID, parentID: head.ParentID, entryType: head.Type, timestamp: head.Timestamp}

	switch head.Type {
	case models.EntryMessage:
		var body struct {
			Message models.Message `json:"message"`
		}
		if err := json.Unmarshal(line, &body); err != nil {
			return err
		}
		e.message = &body.Message
	case models.EntryBranchSummary:
		var body models.BranchSummaryEntry
		if err := json.Unmarshal(line, &body); err != nil {
			return err
		}
		e.branchSummary = &body
	case models.EntryCompaction:
		var body models.CompactionEntry
		if err := json.Unmarshal(line, &body); err != nil {
			return err
		}
		e.compaction = &body
	case models.EntryCustomMessage:
		var body models.CustomMessageEntry
		if err := json.Unmarshal(line, &body); err != nil {
			return err
		}
		e.customMessage = &body
	}
	// Other known types (thinking_level_change, model_change, custom,
	// label, session_info) and any unrecognized type carry no payload:
	// they still occupy a position in the parent chain but never project
	// into context.

	s.entries[e.id] = e
	s.leaf = &e.id
	s.bumpSeq(e.id)
	return nil
}

func (s *Store) bumpSeq(id string) {
	var n int
	if _, err := fmt.Sscanf(id, "%08x", &n); err == nil && n >= s.nextSeq {
		s.nextSeq = n + 1
	}
}

// SessionFile returns the path this store reads from and appends to.
func (s *Store) SessionFile() string { return s.path }

// Leaf returns the current leaf entry ID, or "" if the log has no entries
// beyond the header.
func (s *Store) Leaf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaf == nil {
		return ""
	}
	return *s.leaf
}

func (s *Store) nextID() string {
	id := fmt.Sprintf("%08x", s.nextSeq)
	s.nextSeq++
	return id
}

// writeLine appends one JSON value as a line, flushing it before returning.
func (s *Store) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("session: write entry: %w", err)
	}
	return nil
}
