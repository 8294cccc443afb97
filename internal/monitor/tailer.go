// Package monitor tails the append-only usage log and emits typed records.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

// Offset is the persisted read position for a log file.
type Offset struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// PollResult holds the outcome of one poll pass.
type PollResult struct {
	Records []model.Record
	Rotated bool // the file shrank or was replaced; reading restarted at 0
	Skipped int  // malformed lines skipped in this pass
}

// Tailer reads newly appended lines from a newline-delimited JSON log,
// resuming from a persisted byte offset across restarts. Incomplete
// trailing lines are left unconsumed until their newline arrives.
//
// PollOnce must be called from a single goroutine. The counters are
// atomics so status queries can read them concurrently with a poll.
type Tailer struct {
	path       string
	offsetPath string
	fileIdent  os.FileInfo // identity of the file last read, rotation proxy

	offset       atomic.Int64
	skippedTotal atomic.Int64
	rotations    atomic.Int64
}

// NewTailer creates a tailer for path, restoring the persisted offset from
// offsetPath when it exists and refers to the same log file. A corrupt or
// missing offset file starts reading from the beginning.
func NewTailer(path, offsetPath string) (*Tailer, error) {
	if path == "" {
		return nil, fmt.Errorf("monitor: empty log path")
	}

	t := &Tailer{path: path, offsetPath: offsetPath}

	data, err := os.ReadFile(offsetPath) //nolint:gosec // offset path comes from local state dir
	if err == nil {
		var off Offset
		if json.Unmarshal(data, &off) == nil && off.Path == path && off.Offset >= 0 {
			t.offset.Store(off.Offset)
		}
	}

	return t, nil
}

// PollOnce reads everything appended since the last successful read and
// returns one record per parsed line. A missing file is not an error; the
// next poll retries. The offset only advances past fully consumed lines and
// is persisted atomically after each batch.
func (t *Tailer) PollOnce() (PollResult, error) {
	var res PollResult

	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("stat log: %w", err)
	}

	if t.detectRotation(info) {
		res.Rotated = true
		t.rotations.Add(1)
		t.offset.Store(0)
	}
	t.fileIdent = info

	if info.Size() <= t.offset.Load() {
		return res, nil
	}

	f, err := os.Open(t.path) //nolint:gosec // log path is configured by the local user
	if err != nil {
		return res, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(t.offset.Load(), io.SeekStart); err != nil {
		return res, fmt.Errorf("seek log: %w", err)
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		return res, fmt.Errorf("read log: %w", err)
	}

	// Consume only through the last complete line.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return res, nil
	}
	consumed := buf[:last+1]

	for _, line := range bytes.Split(consumed, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}

	t.offset.Add(int64(len(consumed)))
	t.skippedTotal.Add(int64(res.Skipped))

	if err := t.persistOffset(); err != nil {
		return res, fmt.Errorf("persist offset: %w", err)
	}

	return res, nil
}

// detectRotation reports whether the file at path is no longer the file we
// were reading. A shrunk size or a changed identity both count.
func (t *Tailer) detectRotation(info os.FileInfo) bool {
	if info.Size() < t.offset.Load() {
		return true
	}
	if t.fileIdent != nil && !os.SameFile(t.fileIdent, info) {
		return true
	}
	return false
}

// persistOffset writes (path, offset) via write-temp-then-rename so a crash
// mid-write leaves either the old or the new complete file.
func (t *Tailer) persistOffset() error {
	if t.offsetPath == "" {
		return nil
	}

	data, err := json.Marshal(Offset{Path: t.path, Offset: t.offset.Load()})
	if err != nil {
		return err
	}

	dir := filepath.Dir(t.offsetPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".offset-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), t.offsetPath)
}

// Pos returns the current byte offset into the log.
func (t *Tailer) Pos() int64 { return t.offset.Load() }

// SkippedLines returns the lifetime count of malformed lines skipped.
func (t *Tailer) SkippedLines() int64 { return t.skippedTotal.Load() }

// Rotations returns how many times log rotation was detected.
func (t *Tailer) Rotations() int64 { return t.rotations.Load() }

// rawLine is the wire shape of one log line.
type rawLine struct {
	Timestamp           string `json:"timestamp"`
	SessionID           string `json:"sessionId"`
	Kind                string `json:"kind"`
	Event               string `json:"event,omitempty"`
	InputTokens         int64  `json:"inputTokens"`
	OutputTokens        int64  `json:"outputTokens"`
	CacheCreationTokens int64  `json:"cacheCreationTokens"`
	CacheReadTokens     int64  `json:"cacheReadTokens"`
	Tool                string `json:"tool,omitempty"`
}

func parseLine(line []byte) (model.Record, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return model.Record{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil || raw.SessionID == "" {
		return model.Record{}, false
	}

	switch raw.Kind {
	case "usage":
		if raw.InputTokens < 0 || raw.OutputTokens < 0 ||
			raw.CacheCreationTokens < 0 || raw.CacheReadTokens < 0 {
			return model.Record{}, false
		}
		return model.Record{
			Kind: model.KindUsage,
			Usage: &model.UsageEvent{
				Timestamp:           ts,
				SessionID:           raw.SessionID,
				InputTokens:         raw.InputTokens,
				OutputTokens:        raw.OutputTokens,
				CacheCreationTokens: raw.CacheCreationTokens,
				CacheReadTokens:     raw.CacheReadTokens,
				Tool:                raw.Tool,
			},
		}, true

	case "lifecycle":
		var kind model.LifecycleKind
		switch raw.Event {
		case "start":
			kind = model.LifecycleStart
		case "end":
			kind = model.LifecycleEnd
		default:
			return model.Record{}, false
		}
		return model.Record{
			Kind: model.KindLifecycle,
			Lifecycle: &model.LifecycleEvent{
				Timestamp: ts,
				SessionID: raw.SessionID,
				Kind:      kind,
			},
		}, true
	}

	return model.Record{}, false
}
