package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

// newLogTailer creates a log file with the given content and a tailer
// persisting its offset next to it.
func newLogTailer(t *testing.T, content string) (string, string, *Tailer) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "usage.jsonl")
	offsetPath := filepath.Join(dir, "offset.json")
	if err := os.WriteFile(logPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	tl, err := NewTailer(logPath, offsetPath)
	if err != nil {
		t.Fatal(err)
	}
	return logPath, offsetPath, tl
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestPollOnce_UsageAndLifecycle(t *testing.T) {
	_, _, tl := newLogTailer(t,
		`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"lifecycle","event":"start"}`+"\n"+
			`{"timestamp":"2026-03-01T10:01:00Z","sessionId":"s1","kind":"usage","inputTokens":100,"outputTokens":50,"cacheReadTokens":25,"tool":"Read"}`+"\n")

	res, err := tl.PollOnce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(res.Records))
	}

	if res.Records[0].Kind != model.KindLifecycle {
		t.Errorf("first record kind = %v, want lifecycle", res.Records[0].Kind)
	}
	lc := res.Records[0].Lifecycle
	if lc.SessionID != "s1" || lc.Kind != model.LifecycleStart {
		t.Errorf("lifecycle = %+v, want s1 start", lc)
	}

	u := res.Records[1].Usage
	if u == nil {
		t.Fatal("second record has no usage payload")
	}
	if u.TotalTokens() != 175 {
		t.Errorf("TotalTokens = %d, want 175", u.TotalTokens())
	}
	if u.Tool != "Read" {
		t.Errorf("Tool = %q, want Read", u.Tool)
	}
}

func TestPollOnce_PartialTrailingLine(t *testing.T) {
	logPath, _, tl := newLogTailer(t,
		`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":10}`+"\n"+
			`{"timestamp":"2026-03-01T10:01:00Z","sessionId":"s1","kind":"us`)

	res, err := tl.PollOnce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1 (partial line held back)", len(res.Records))
	}
	if res.Skipped != 0 {
		t.Errorf("skipped = %d, want 0: partial lines are not malformed", res.Skipped)
	}

	// Complete the held-back line; it should come through whole.
	appendLog(t, logPath, `age","inputTokens":20}`+"\n")
	res, err = tl.PollOnce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records after completion = %d, want 1", len(res.Records))
	}
	if got := res.Records[0].Usage.InputTokens; got != 20 {
		t.Errorf("InputTokens = %d, want 20", got)
	}
}

func TestPollOnce_MalformedLinesSkipped(t *testing.T) {
	_, _, tl := newLogTailer(t,
		"not json at all\n"+
			`{"timestamp":"yesterday","sessionId":"s1","kind":"usage"}`+"\n"+
			`{"timestamp":"2026-03-01T10:00:00Z","kind":"usage","inputTokens":5}`+"\n"+
			`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":-5}`+"\n"+
			`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"lifecycle","event":"pause"}`+"\n"+
			`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":5}`+"\n")

	res, err := tl.PollOnce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped != 5 {
		t.Errorf("skipped = %d, want 5", res.Skipped)
	}
	if len(res.Records) != 1 {
		t.Errorf("records = %d, want 1", len(res.Records))
	}
	if tl.SkippedLines() != 5 {
		t.Errorf("SkippedLines = %d, want 5", tl.SkippedLines())
	}
}

func TestPollOnce_ResumesFromPersistedOffset(t *testing.T) {
	logPath, offsetPath, tl := newLogTailer(t,
		`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":1}`+"\n")

	if _, err := tl.PollOnce(); err != nil {
		t.Fatal(err)
	}

	appendLog(t, logPath, `{"timestamp":"2026-03-01T10:01:00Z","sessionId":"s1","kind":"usage","inputTokens":2}`+"\n")

	// Fresh tailer simulating a restart. It must pick up only the new line.
	tl2, err := NewTailer(logPath, offsetPath)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tl2.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1 (already-read lines replayed)", len(res.Records))
	}
	if got := res.Records[0].Usage.InputTokens; got != 2 {
		t.Errorf("InputTokens = %d, want 2", got)
	}
}

func TestPollOnce_CorruptOffsetStartsFromZero(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "usage.jsonl")
	offsetPath := filepath.Join(dir, "offset.json")
	if err := os.WriteFile(logPath, []byte(`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":1}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(offsetPath, []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	tl, err := NewTailer(logPath, offsetPath)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tl.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1 (corrupt offset should mean full read)", len(res.Records))
	}
}

func TestPollOnce_RotationRestartsAtZero(t *testing.T) {
	logPath, _, tl := newLogTailer(t,
		`{"timestamp":"2026-03-01T10:00:00Z","sessionId":"s1","kind":"usage","inputTokens":100,"outputTokens":100}`+"\n")

	if _, err := tl.PollOnce(); err != nil {
		t.Fatal(err)
	}

	// Truncate-and-rewrite with a shorter file, as logrotate would.
	if err := os.WriteFile(logPath, []byte(`{"timestamp":"2026-03-01T11:00:00Z","sessionId":"s2","kind":"usage","inputTokens":7}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := tl.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rotated {
		t.Error("Rotated = false, want true after truncation")
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(res.Records))
	}
	if got := res.Records[0].Usage.SessionID; got != "s2" {
		t.Errorf("SessionID = %q, want s2", got)
	}
	if tl.Rotations() != 1 {
		t.Errorf("Rotations = %d, want 1", tl.Rotations())
	}
}

func TestPollOnce_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	tl, err := NewTailer(filepath.Join(dir, "absent.jsonl"), filepath.Join(dir, "offset.json"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tl.PollOnce()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 0 || res.Rotated {
		t.Errorf("result = %+v, want empty", res)
	}
}
