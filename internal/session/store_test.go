package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

func userMsg(text string) models.Message {
	return models.NewUserMessage(text, time.Now())
}

func assistantMsg(text string) models.Message {
	return models.Message{
		Type: models.MessageTypeAssistant,
		Assistant: &models.AssistantMessage{
			Content:    []models.AssistantContentBlock{{Type: models.AssistantBlockText, Text: text}},
			StopReason: models.StopReasonStop,
			Timestamp:  time.Now(),
		},
	}
}

func assistantErrMsg(text, errMsg string) models.Message {
	m := assistantMsg(text)
	m.Assistant.StopReason = models.StopReasonError
	m.Assistant.ErrorMessage = errMsg
	return m
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}

func TestCreateWritesHeaderAndMessagesAsJSONL(t *testing.T) {
	dir := t.TempDir()
	s, err := Create("/repo", dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	firstID, err := s.AppendMessage(userMsg("first"))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	secondID, err := s.AppendMessage(assistantMsg("second"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	lines := readLines(t, s.SessionFile())
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 entries, got %d lines", len(lines))
	}

	var header map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header["type"] != "session" || header["cwd"] != "/repo" {
		t.Fatalf("unexpected header: %+v", header)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second["parentId"] != firstID {
		t.Fatalf("expected second entry's parentId to be %q, got %v", firstID, second["parentId"])
	}
	if second["id"] != secondID {
		t.Fatalf("expected decoded id %q, got %v", secondID, second["id"])
	}

	ctx := s.BuildSessionContext()
	if len(ctx) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(ctx))
	}
	if ctx[0].Type != models.MessageTypeUser || ctx[0].User.Content.Text != "first" {
		t.Fatalf("unexpected first context message: %+v", ctx[0])
	}
	if ctx[1].Type != models.MessageTypeAssistant || ctx[1].Assistant.Text() != "second" {
		t.Fatalf("unexpected second context message: %+v", ctx[1])
	}
}

func TestBranchChangesLeafAndContextPath(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)

	firstID, _ := s.AppendMessage(userMsg("root"))
	s.AppendMessage(assistantMsg("main-1"))
	s.AppendMessage(userMsg("main-2"))

	if err := s.Branch(firstID); err != nil {
		t.Fatalf("branch: %v", err)
	}
	s.AppendMessage(assistantMsg("branch-1"))

	ctx := s.BuildSessionContext()
	if len(ctx) != 2 {
		t.Fatalf("expected context to follow the current leaf path only, got %d messages", len(ctx))
	}
	if ctx[0].User.Content.Text != "root" {
		t.Fatalf("unexpected first message: %+v", ctx[0])
	}
	if ctx[1].Assistant.Text() != "branch-1" {
		t.Fatalf("unexpected second message: %+v", ctx[1])
	}
}

func TestLoadRestoresStateAndAppendsWithNewID(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)
	s.AppendMessage(userMsg("first"))
	secondID, _ := s.AppendMessage(assistantMsg("second"))
	path := s.SessionFile()

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	thirdID, err := loaded.AppendMessage(userMsg("third"))
	if err != nil {
		t.Fatalf("append third after load: %v", err)
	}
	if thirdID == secondID {
		t.Fatalf("loaded store must continue the id sequence, got duplicate %q", thirdID)
	}

	lines := readLines(t, path)
	if len(lines) != 4 {
		t.Fatalf("expected header + three message entries, got %d", len(lines))
	}
	var third map[string]any
	if err := json.Unmarshal([]byte(lines[3]), &third); err != nil {
		t.Fatalf("decode third: %v", err)
	}
	if third["parentId"] != secondID {
		t.Fatalf("expected third entry's parentId to be %q, got %v", secondID, third["parentId"])
	}
}

func TestBranchWithSummaryAddsSummaryMessageOnTargetBranch(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)

	firstID, _ := s.AppendMessage(userMsg("root"))
	s.AppendMessage(assistantMsg("main-1"))
	s.AppendMessage(userMsg("main-2"))

	if _, err := s.BranchWithSummary(&firstID, "branch recap"); err != nil {
		t.Fatalf("branch with summary: %v", err)
	}

	lines := readLines(t, s.SessionFile())
	var summary map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &summary); err != nil {
		t.Fatalf("decode summary entry: %v", err)
	}
	if summary["type"] != "branch_summary" {
		t.Fatalf("expected branch_summary entry, got %+v", summary)
	}
	if summary["fromId"] != firstID || summary["parentId"] != firstID {
		t.Fatalf("expected fromId and parentId to both equal %q, got %+v", firstID, summary)
	}
	if summary["summary"] != "branch recap" {
		t.Fatalf("unexpected summary text: %+v", summary)
	}

	ctx := s.BuildSessionContext()
	if len(ctx) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(ctx))
	}
	if got := ctx[1].User.Content.TextBlocks(); got != models.BranchSummaryPrefix+"branch recap"+models.BranchSummarySuffix {
		t.Fatalf("unexpected branch summary projection: %q", got)
	}
}

func TestCompactionEntryPersistsAndBuildsCompactedContext(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)

	s.AppendMessage(userMsg("m1"))
	secondID, _ := s.AppendMessage(assistantMsg("m2"))
	s.AppendMessage(userMsg("m3"))
	if _, err := s.AppendCompaction("compact recap", &secondID, 50_000); err != nil {
		t.Fatalf("append compaction: %v", err)
	}
	s.AppendMessage(assistantMsg("m4"))

	lines := readLines(t, s.SessionFile())
	var compaction map[string]any
	if err := json.Unmarshal([]byte(lines[4]), &compaction); err != nil {
		t.Fatalf("decode compaction entry: %v", err)
	}
	if compaction["type"] != "compaction" || compaction["firstKeptEntryId"] != secondID {
		t.Fatalf("unexpected compaction entry: %+v", compaction)
	}

	ctx := s.BuildSessionContext()
	if len(ctx) != 4 {
		t.Fatalf("expected summary + kept segment + post-compaction, got %d messages", len(ctx))
	}
	if got := ctx[0].User.Content.TextBlocks(); got != models.CompactionSummaryPrefix+"compact recap"+models.CompactionSummarySuffix {
		t.Fatalf("unexpected compaction summary projection: %q", got)
	}
	if ctx[1].Assistant.Text() != "m2" {
		t.Fatalf("expected kept assistant m2, got %+v", ctx[1])
	}
	if ctx[2].User.Content.Text != "m3" {
		t.Fatalf("expected kept user m3, got %+v", ctx[2])
	}
	if ctx[3].Assistant.Text() != "m4" {
		t.Fatalf("expected post-compaction assistant m4, got %+v", ctx[3])
	}
	for _, m := range ctx {
		if m.Type == models.MessageTypeUser && m.User.Content.Plain() && m.User.Content.Text == "m1" {
			t.Fatalf("m1 should have been compacted away")
		}
	}
}

func TestFirstKeptEntryIDForRecentMessagesRespectsContextOrder(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)

	firstID, _ := s.AppendMessage(userMsg("m1"))
	s.AppendMessage(assistantMsg("m2"))
	thirdID, _ := s.AppendMessage(userMsg("m3"))
	fourthID, _ := s.AppendMessage(assistantMsg("m4"))

	if id, ok := s.FirstKeptEntryIDForRecentMessages(2); !ok || id != thirdID {
		t.Fatalf("keep=2: expected %q, got %q (ok=%v)", thirdID, id, ok)
	}
	if id, ok := s.FirstKeptEntryIDForRecentMessages(1); !ok || id != fourthID {
		t.Fatalf("keep=1: expected %q, got %q (ok=%v)", fourthID, id, ok)
	}
	if _, ok := s.FirstKeptEntryIDForRecentMessages(4); ok {
		t.Fatalf("keep=4 (the full context) should report no compaction point")
	}
	if id, ok := s.FirstKeptEntryIDForRecentMessages(0); !ok || id != firstID {
		t.Fatalf("keep=0: expected %q, got %q (ok=%v)", firstID, id, ok)
	}
}

func TestLoadAcceptsExtendedEntriesAndUsesCustomMessageInContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	raw := `{"type":"session","id":"session-1","timestamp":"2026-02-22T10:00:00.000Z","cwd":"/repo"}
{"type":"message","id":"00000001","parentId":null,"timestamp":"2026-02-22T10:00:01.000Z","message":{"type":"user","user":{"content":"hello","timestamp":"2026-02-22T10:00:01.000Z"}}}
{"type":"thinking_level_change","id":"00000002","parentId":"00000001","timestamp":"2026-02-22T10:00:02.000Z","thinkingLevel":"high"}
{"type":"model_change","id":"00000003","parentId":"00000002","timestamp":"2026-02-22T10:00:03.000Z","provider":"anthropic","modelId":"claude-opus-4-6"}
{"type":"custom","id":"00000004","parentId":"00000003","timestamp":"2026-02-22T10:00:04.000Z","customType":"ext_state","data":{"k":"v"}}
{"type":"label","id":"00000005","parentId":"00000004","timestamp":"2026-02-22T10:00:05.000Z","targetId":"00000001","label":"bookmark"}
{"type":"session_info","id":"00000006","parentId":"00000005","timestamp":"2026-02-22T10:00:06.000Z","name":"demo session"}
{"type":"custom_message","id":"00000007","parentId":"00000006","timestamp":"2026-02-22T10:00:07.000Z","customType":"ext_message","content":"custom context payload","display":true,"details":{"source":"test"}}
{"type":"branch_summary","id":"00000008","parentId":"00000007","timestamp":"2026-02-22T10:00:08.000Z","fromId":"00000001","summary":"branch recap","details":{"extra":true},"fromHook":true}
{"type":"compaction","id":"00000009","parentId":"00000008","timestamp":"2026-02-22T10:00:09.000Z","summary":"compact recap","firstKeptEntryId":"00000007","tokensBefore":12000,"details":{"readFiles":["a.rs"]},"fromHook":true}
{"type":"message","id":"0000000a","parentId":"00000009","timestamp":"2026-02-22T10:00:10.000Z","message":{"type":"assistant","assistant":{"content":[{"type":"text","text":"post compact"}],"stopReason":"stop","timestamp":"2026-02-22T10:00:10.000Z"}}}
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := s.BuildSessionContext()
	if len(ctx) != 4 {
		t.Fatalf("expected compaction summary + kept custom_message + kept branch_summary + post-compaction message, got %d", len(ctx))
	}
	if ctx[1].Type != models.MessageTypeUser || ctx[1].User.Content.Text != "custom context payload" {
		t.Fatalf("expected kept custom_message to project as a user message, got %+v", ctx[1])
	}
	if ctx[3].Assistant.Text() != "post compact" {
		t.Fatalf("unexpected final context message: %+v", ctx[3])
	}
}

func TestExtendedAppendersAndRewindErrorLeafWork(t *testing.T) {
	dir := t.TempDir()
	s, _ := Create("/repo", dir)

	rootID, _ := s.AppendMessage(userMsg("root"))
	if _, err := s.AppendThinkingLevelChange("medium"); err != nil {
		t.Fatalf("append thinking level: %v", err)
	}
	if _, err := s.AppendModelChange("anthropic", "claude-opus-4-6"); err != nil {
		t.Fatalf("append model change: %v", err)
	}
	if _, err := s.AppendCustomEntry("ext_state", json.RawMessage(`{"phase":1}`)); err != nil {
		t.Fatalf("append custom entry: %v", err)
	}
	if _, err := s.AppendLabel(rootID, "root label"); err != nil {
		t.Fatalf("append label: %v", err)
	}
	if _, err := s.AppendSessionInfo("my session"); err != nil {
		t.Fatalf("append session info: %v", err)
	}
	if _, err := s.AppendCustomMessageEntry("ext_message", models.UserContent{Text: "custom context"}, true, json.RawMessage(`{"k":"v"}`), false); err != nil {
		t.Fatalf("append custom message: %v", err)
	}

	if _, err := s.AppendMessage(assistantErrMsg("overflow error", "prompt is too long")); err != nil {
		t.Fatalf("append assistant error: %v", err)
	}

	if !s.RewindLeafIfLastAssistantError() {
		t.Fatalf("expected rewind to move leaf to parent when leaf is an assistant error")
	}
	if _, err := s.AppendMessage(assistantMsg("retry success")); err != nil {
		t.Fatalf("append retry assistant: %v", err)
	}

	ctx := s.BuildSessionContext()
	for _, m := range ctx {
		if m.Type == models.MessageTypeAssistant && m.Assistant.StopReason == models.StopReasonError {
			t.Fatalf("rewound branch should exclude the previous assistant error")
		}
	}
	var sawCustomContext bool
	for _, m := range ctx {
		if m.Type == models.MessageTypeUser && m.User.Content.Plain() && m.User.Content.Text == "custom context" {
			sawCustomContext = true
		}
	}
	if !sawCustomContext {
		t.Fatalf("expected custom_message entry to appear in context")
	}

	content := string(mustReadFile(t, s.SessionFile()))
	for _, want := range []string{
		`"type":"thinking_level_change"`,
		`"type":"model_change"`,
		`"type":"custom"`,
		`"type":"custom_message"`,
		`"type":"label"`,
		`"type":"session_info"`,
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected session file to contain %q", want)
		}
	}
}

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	return b
}
