// Package ledger maintains rolling-window and fixed-cycle quota accounting.
package ledger

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

// Threshold is one advisory alert level on a window or cap. It fires at
// most once per cycle: Fired is cleared only by the owner's reset rules.
type Threshold struct {
	Fraction float64   `json:"fraction"`
	Label    string    `json:"label"`
	Fired    bool      `json:"fired"`
	FiredAt  time.Time `json:"fired_at,omitzero"`
}

// Crossing is emitted when a threshold fires.
type Crossing struct {
	ID       string    `json:"id"`
	Owner    string    `json:"owner"`
	Fraction float64   `json:"fraction"`
	Label    string    `json:"label"`
	At       time.Time `json:"at"`
}

// WindowSpec configures one rolling window.
type WindowSpec struct {
	Label       string
	Duration    time.Duration
	Capacity    int64
	Thresholds  []float64
	RearmOnDrop bool
}

// CycleSpec configures one fixed, calendar-aligned cap.
type CycleSpec struct {
	Label      string
	Length     time.Duration
	Anchor     time.Time
	Capacity   int64
	Thresholds []float64
}

type entry struct {
	At     time.Time `json:"at"`
	Tokens int64     `json:"tokens"`
}

type window struct {
	spec       WindowSpec
	entries    []entry
	consumed   int64
	thresholds []Threshold
}

type cycleCap struct {
	spec       CycleSpec
	anchor     time.Time
	consumed   int64
	thresholds []Threshold
}

// OwnerStatus is the queryable state of one window or cap.
type OwnerStatus struct {
	Owner          string        `json:"owner"`
	Kind           string        `json:"kind"` // "window" or "cycle"
	ConsumedTokens int64         `json:"consumed_tokens"`
	CapacityTokens int64         `json:"capacity_tokens"`
	FractionUsed   float64       `json:"fraction_used"`
	DrainsIn       time.Duration `json:"drains_in_secs"` // windows: oldest entry leaves the window
	ResetsAt       time.Time     `json:"resets_at,omitzero"`
	Thresholds     []Threshold   `json:"thresholds"`
}

// BurnRate is a trailing units-per-minute consumption estimate.
type BurnRate struct {
	TokensPerMinute float64       `json:"tokens_per_minute"`
	Lookback        time.Duration `json:"lookback_secs"`
	Events          int           `json:"events"`
}

const (
	burnLookback  = 10 * time.Minute
	burnMinEvents = 3
	recentKeep    = 512
)

// Ledger answers how much capacity remains and how fast it is being
// consumed. It is safe for concurrent use; reads take a consistent
// snapshot under the same mutex the single writer holds per event.
type Ledger struct {
	mu          sync.Mutex
	windows     []*window
	caps        []*cycleCap
	recent      []entry // trailing events for burn-rate estimation
	lastEventAt time.Time
}

// New builds a ledger from window and cap specs. A cap with a zero anchor
// is anchored at the current UTC midnight.
func New(windows []WindowSpec, caps []CycleSpec) *Ledger {
	l := &Ledger{}
	for _, ws := range windows {
		l.windows = append(l.windows, &window{
			spec:       ws,
			thresholds: buildThresholds(ws.Thresholds),
		})
	}
	now := time.Now().UTC()
	for _, cs := range caps {
		anchor := cs.Anchor
		if anchor.IsZero() {
			anchor = now.Truncate(24 * time.Hour)
		}
		l.caps = append(l.caps, &cycleCap{
			spec:       cs,
			anchor:     anchor,
			thresholds: buildThresholds(cs.Thresholds),
		})
	}
	return l
}

func buildThresholds(fractions []float64) []Threshold {
	out := make([]Threshold, 0, len(fractions))
	for _, f := range fractions {
		if f <= 0 || f > 1 {
			continue
		}
		out = append(out, Threshold{Fraction: f, Label: thresholdLabel(f)})
	}
	return out
}

func thresholdLabel(f float64) string {
	switch {
	case f >= 0.95:
		return "critical"
	case f >= 0.80:
		return "high"
	case f >= 0.50:
		return "half"
	default:
		return "notice"
	}
}

// RecordEvent applies one usage event to every window and cap and returns
// any threshold crossings it caused. Timestamps earlier than the last seen
// event are treated as clock regressions and clamped to now.
func (l *Ledger) RecordEvent(ev model.UsageEvent, now time.Time) []Crossing {
	tokens := ev.TotalTokens()
	if tokens == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	at := ev.Timestamp
	if !l.lastEventAt.IsZero() && at.Before(l.lastEventAt) {
		log.Printf("ledger: clock regression detected (event %s before last %s), clamping to now",
			at.Format(time.RFC3339), l.lastEventAt.Format(time.RFC3339))
		at = now
	}

	if at.After(l.lastEventAt) {
		l.lastEventAt = at
	}

	l.recent = append(l.recent, entry{At: at, Tokens: tokens})
	if len(l.recent) > recentKeep {
		l.recent = l.recent[len(l.recent)-recentKeep:]
	}

	var crossings []Crossing

	for _, w := range l.windows {
		w.prune(now)
		w.rearm()
		w.entries = append(w.entries, entry{At: at, Tokens: tokens})
		w.consumed += tokens
		crossings = append(crossings, fireThresholds(w.thresholds, w.spec.Label, w.fraction(), now)...)
	}

	for _, c := range l.caps {
		c.rollover(now)
		c.consumed += tokens
		crossings = append(crossings, fireThresholds(c.thresholds, c.spec.Label, c.fraction(), now)...)
	}

	return crossings
}

func fireThresholds(ts []Threshold, owner string, fraction float64, now time.Time) []Crossing {
	var out []Crossing
	for i := range ts {
		t := &ts[i]
		if t.Fired || fraction < t.Fraction {
			continue
		}
		t.Fired = true
		t.FiredAt = now
		out = append(out, Crossing{
			ID:       uuid.NewString(),
			Owner:    owner,
			Fraction: t.Fraction,
			Label:    t.Label,
			At:       now,
		})
	}
	return out
}

// prune drops entries older than the window duration.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.spec.Duration)
	i := 0
	for i < len(w.entries) && w.entries[i].At.Before(cutoff) {
		w.consumed -= w.entries[i].Tokens
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// rearm clears fired flags for thresholds the window has drained below.
// Cycle caps never re-arm mid-cycle; windows do only when configured.
func (w *window) rearm() {
	if !w.spec.RearmOnDrop {
		return
	}
	f := w.fraction()
	for i := range w.thresholds {
		if w.thresholds[i].Fired && f < w.thresholds[i].Fraction {
			w.thresholds[i].Fired = false
			w.thresholds[i].FiredAt = time.Time{}
		}
	}
}

func (w *window) fraction() float64 {
	if w.spec.Capacity <= 0 {
		return 0
	}
	return float64(w.consumed) / float64(w.spec.Capacity)
}

// rollover resets consumption exactly at each cycle boundary crossing and
// nowhere else, clearing every fired flag on the cap's thresholds.
func (c *cycleCap) rollover(now time.Time) {
	if c.spec.Length <= 0 {
		return
	}
	for !now.Before(c.anchor.Add(c.spec.Length)) {
		c.anchor = c.anchor.Add(c.spec.Length)
		c.consumed = 0
		for i := range c.thresholds {
			c.thresholds[i].Fired = false
			c.thresholds[i].FiredAt = time.Time{}
		}
	}
}

func (c *cycleCap) fraction() float64 {
	if c.spec.Capacity <= 0 {
		return 0
	}
	return float64(c.consumed) / float64(c.spec.Capacity)
}

// Status returns per-owner consumption at the given instant. Windows are
// lazily pruned so membership always reflects [now-duration, now].
func (l *Ledger) Status(now time.Time) []OwnerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]OwnerStatus, 0, len(l.windows)+len(l.caps))

	for _, w := range l.windows {
		w.prune(now)
		st := OwnerStatus{
			Owner:          w.spec.Label,
			Kind:           "window",
			ConsumedTokens: w.consumed,
			CapacityTokens: w.spec.Capacity,
			FractionUsed:   w.fraction(),
			Thresholds:     append([]Threshold(nil), w.thresholds...),
		}
		if len(w.entries) > 0 {
			st.DrainsIn = w.entries[0].At.Add(w.spec.Duration).Sub(now)
		}
		out = append(out, st)
	}

	for _, c := range l.caps {
		c.rollover(now)
		out = append(out, OwnerStatus{
			Owner:          c.spec.Label,
			Kind:           "cycle",
			ConsumedTokens: c.consumed,
			CapacityTokens: c.spec.Capacity,
			FractionUsed:   c.fraction(),
			ResetsAt:       c.anchor.Add(c.spec.Length),
			Thresholds:     append([]Threshold(nil), c.thresholds...),
		})
	}

	return out
}

// Burn estimates trailing consumption in tokens per minute. The lookback is
// 10 minutes, widened to the span of the last three events when fewer than
// three fall inside it. ok is false when there is not enough data for a
// meaningful rate.
func (l *Ledger) Burn(now time.Time) (BurnRate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-burnLookback)
	var inWindow []entry
	for _, e := range l.recent {
		if !e.At.Before(cutoff) {
			inWindow = append(inWindow, e)
		}
	}

	lookback := burnLookback
	if len(inWindow) < burnMinEvents {
		if len(l.recent) < burnMinEvents {
			return BurnRate{}, false
		}
		inWindow = l.recent[len(l.recent)-burnMinEvents:]
		lookback = now.Sub(inWindow[0].At)
		if lookback <= 0 {
			return BurnRate{}, false
		}
	}

	var total int64
	for _, e := range inWindow {
		total += e.Tokens
	}

	return BurnRate{
		TokensPerMinute: float64(total) / lookback.Minutes(),
		Lookback:        lookback,
		Events:          len(inWindow),
	}, true
}

// LastEventAt returns the timestamp of the most recent event applied.
func (l *Ledger) LastEventAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventAt
}
