package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/monitor"
)

// WindowState is the persisted form of one rolling window.
type WindowState struct {
	Label      string      `json:"label"`
	Entries    []entry     `json:"entries"`
	Thresholds []Threshold `json:"thresholds"`
}

// CycleState is the persisted form of one cycle cap.
type CycleState struct {
	Label      string      `json:"label"`
	Anchor     time.Time   `json:"anchor"`
	Consumed   int64       `json:"consumed"`
	Thresholds []Threshold `json:"thresholds"`
}

// State is the whole-ledger snapshot written after each event batch.
type State struct {
	Windows       []WindowState  `json:"windows"`
	CycleCaps     []CycleState   `json:"cycle_caps"`
	MonitorOffset monitor.Offset `json:"monitor_offset"`
	LastEventAt   time.Time      `json:"last_event_at,omitzero"`
	SavedAt       time.Time      `json:"saved_at"`
}

// Export captures the current ledger state together with the monitor's
// read position.
func (l *Ledger) Export(off monitor.Offset) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{
		MonitorOffset: off,
		LastEventAt:   l.lastEventAt,
		SavedAt:       time.Now().UTC(),
	}
	for _, w := range l.windows {
		st.Windows = append(st.Windows, WindowState{
			Label:      w.spec.Label,
			Entries:    append([]entry(nil), w.entries...),
			Thresholds: append([]Threshold(nil), w.thresholds...),
		})
	}
	for _, c := range l.caps {
		st.CycleCaps = append(st.CycleCaps, CycleState{
			Label:      c.spec.Label,
			Anchor:     c.anchor,
			Consumed:   c.consumed,
			Thresholds: append([]Threshold(nil), c.thresholds...),
		})
	}
	return st
}

// Restore replays a persisted state into the ledger. Owners are matched by
// label; persisted owners with no matching spec are dropped, and owners
// added since the state was saved keep their cold-start defaults.
func (l *Ledger) Restore(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastEventAt = st.LastEventAt

	for _, ws := range st.Windows {
		for _, w := range l.windows {
			if w.spec.Label != ws.Label {
				continue
			}
			w.entries = append([]entry(nil), ws.Entries...)
			w.consumed = 0
			for _, e := range w.entries {
				w.consumed += e.Tokens
			}
			restoreThresholds(w.thresholds, ws.Thresholds)
		}
	}

	for _, cs := range st.CycleCaps {
		for _, c := range l.caps {
			if c.spec.Label != cs.Label {
				continue
			}
			if !cs.Anchor.IsZero() {
				c.anchor = cs.Anchor
			}
			c.consumed = cs.Consumed
			restoreThresholds(c.thresholds, cs.Thresholds)
		}
	}
}

// restoreThresholds copies fired flags for fractions that still exist in
// the configured set.
func restoreThresholds(dst []Threshold, saved []Threshold) {
	for i := range dst {
		for _, s := range saved {
			if s.Fraction == dst[i].Fraction {
				dst[i].Fired = s.Fired
				dst[i].FiredAt = s.FiredAt
			}
		}
	}
}

// SaveState writes a state snapshot via write-temp, fsync, rename.
func SaveState(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}

// LoadState reads a persisted snapshot. A missing or corrupt file returns
// ok=false so the caller can cold-start from defaults.
func LoadState(path string) (State, bool) {
	var st State

	data, err := os.ReadFile(path) //nolint:gosec // state path comes from local state dir
	if err != nil {
		return st, false
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false
	}
	return st, true
}
