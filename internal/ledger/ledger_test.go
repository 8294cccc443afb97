package ledger

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/monitor"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usage(at time.Time, tokens int64) model.UsageEvent {
	return model.UsageEvent{Timestamp: at, SessionID: "s1", InputTokens: tokens}
}

func newWindowLedger(duration time.Duration, capacity int64, thresholds []float64, rearm bool) *Ledger {
	return New([]WindowSpec{{
		Label:       "test",
		Duration:    duration,
		Capacity:    capacity,
		Thresholds:  thresholds,
		RearmOnDrop: rearm,
	}}, nil)
}

func TestWindowMembershipDrains(t *testing.T) {
	l := newWindowLedger(300*time.Second, 1000, nil, false)

	// Six 100-token events, one per minute.
	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		l.RecordEvent(usage(at, 100), at)
	}

	// Just past the five-minute mark the first event has left the window.
	st := l.Status(t0.Add(301 * time.Second))
	if len(st) != 1 {
		t.Fatalf("owners = %d, want 1", len(st))
	}
	if st[0].ConsumedTokens != 500 {
		t.Errorf("ConsumedTokens = %d, want 500", st[0].ConsumedTokens)
	}
	if math.Abs(st[0].FractionUsed-0.5) > 1e-9 {
		t.Errorf("FractionUsed = %v, want 0.5", st[0].FractionUsed)
	}
}

func TestWindowDrainCountdown(t *testing.T) {
	l := newWindowLedger(5*time.Hour, 1000, nil, false)
	l.RecordEvent(usage(t0, 100), t0)

	now := t0.Add(2 * time.Hour)
	st := l.Status(now)
	if want := 3 * time.Hour; st[0].DrainsIn != want {
		t.Errorf("DrainsIn = %v, want %v", st[0].DrainsIn, want)
	}
}

func TestThresholdsFireOnceInOrder(t *testing.T) {
	l := newWindowLedger(time.Hour, 1000, []float64{0.50, 0.80, 0.95}, false)

	cs := l.RecordEvent(usage(t0, 500), t0)
	if len(cs) != 1 || cs[0].Fraction != 0.50 {
		t.Fatalf("crossings = %+v, want one at 0.50", cs)
	}
	if cs[0].Label != "half" {
		t.Errorf("label = %q, want half", cs[0].Label)
	}
	if cs[0].ID == "" {
		t.Error("crossing has no ID")
	}

	// Still at or above 0.50 but below 0.80: nothing new fires.
	cs = l.RecordEvent(usage(t0.Add(time.Minute), 100), t0.Add(time.Minute))
	if len(cs) != 0 {
		t.Fatalf("crossings = %+v, want none", cs)
	}

	cs = l.RecordEvent(usage(t0.Add(2*time.Minute), 200), t0.Add(2*time.Minute))
	if len(cs) != 1 || cs[0].Fraction != 0.80 {
		t.Fatalf("crossings = %+v, want one at 0.80", cs)
	}

	cs = l.RecordEvent(usage(t0.Add(3*time.Minute), 150), t0.Add(3*time.Minute))
	if len(cs) != 1 || cs[0].Fraction != 0.95 {
		t.Fatalf("crossings = %+v, want one at 0.95", cs)
	}
}

func TestSingleEventCrossesMultipleThresholds(t *testing.T) {
	l := newWindowLedger(time.Hour, 1000, []float64{0.50, 0.80, 0.95}, false)

	cs := l.RecordEvent(usage(t0, 960), t0)
	if len(cs) != 3 {
		t.Fatalf("crossings = %d, want 3", len(cs))
	}
	wantLabels := []string{"half", "high", "critical"}
	for i, c := range cs {
		if c.Label != wantLabels[i] {
			t.Errorf("crossing[%d] label = %q, want %q", i, c.Label, wantLabels[i])
		}
	}
}

func TestThresholdRearmOnDrop(t *testing.T) {
	l := newWindowLedger(time.Minute, 1000, []float64{0.50}, true)

	if cs := l.RecordEvent(usage(t0, 600), t0); len(cs) != 1 {
		t.Fatalf("first crossing count = %d, want 1", len(cs))
	}

	// Two minutes later the 600 has drained; the threshold re-arms and a
	// fresh burst fires it again.
	later := t0.Add(2 * time.Minute)
	if cs := l.RecordEvent(usage(later, 600), later); len(cs) != 1 {
		t.Fatalf("re-armed crossing count = %d, want 1", len(cs))
	}
}

func TestThresholdNoRearmWhenDisabled(t *testing.T) {
	l := newWindowLedger(time.Minute, 1000, []float64{0.50}, false)

	l.RecordEvent(usage(t0, 600), t0)

	later := t0.Add(2 * time.Minute)
	if cs := l.RecordEvent(usage(later, 600), later); len(cs) != 0 {
		t.Fatalf("crossings = %+v, want none with re-arm disabled", cs)
	}
}

func TestCycleCapResetsExactlyOnBoundary(t *testing.T) {
	anchor := t0
	l := New(nil, []CycleSpec{{
		Label:    "weekly",
		Length:   7 * 24 * time.Hour,
		Anchor:   anchor,
		Capacity: 10_000,
	}})

	mid := anchor.Add(3 * 24 * time.Hour)
	l.RecordEvent(usage(mid, 4000), mid)

	// One second before the boundary nothing has reset.
	st := l.Status(anchor.Add(7*24*time.Hour - time.Second))
	if st[0].ConsumedTokens != 4000 {
		t.Errorf("pre-boundary ConsumedTokens = %d, want 4000", st[0].ConsumedTokens)
	}

	// At the boundary the cap resets and the next reset moves one cycle out.
	st = l.Status(anchor.Add(7 * 24 * time.Hour))
	if st[0].ConsumedTokens != 0 {
		t.Errorf("post-boundary ConsumedTokens = %d, want 0", st[0].ConsumedTokens)
	}
	if want := anchor.Add(14 * 24 * time.Hour); !st[0].ResetsAt.Equal(want) {
		t.Errorf("ResetsAt = %v, want %v", st[0].ResetsAt, want)
	}
}

func TestCycleCapThresholdsResetWithCycle(t *testing.T) {
	anchor := t0
	l := New(nil, []CycleSpec{{
		Label:      "daily",
		Length:     24 * time.Hour,
		Anchor:     anchor,
		Capacity:   1000,
		Thresholds: []float64{0.50},
	}})

	l.RecordEvent(usage(anchor.Add(time.Hour), 600), anchor.Add(time.Hour))

	// Next cycle: the fired flag cleared at rollover, so it fires again.
	next := anchor.Add(25 * time.Hour)
	if cs := l.RecordEvent(usage(next, 600), next); len(cs) != 1 {
		t.Fatalf("crossings in new cycle = %d, want 1", len(cs))
	}
}

func TestClockRegressionClampsToNow(t *testing.T) {
	l := newWindowLedger(time.Hour, 1000, nil, false)

	l.RecordEvent(usage(t0, 100), t0)

	// An event stamped before the last one is clamped to now.
	now := t0.Add(10 * time.Minute)
	l.RecordEvent(usage(t0.Add(-30*time.Minute), 100), now)

	if got := l.LastEventAt(); !got.Equal(now) {
		t.Errorf("LastEventAt = %v, want clamped %v", got, now)
	}

	st := l.Status(now)
	if st[0].ConsumedTokens != 200 {
		t.Errorf("ConsumedTokens = %d, want 200: clamped event still counts", st[0].ConsumedTokens)
	}
}

func TestZeroTokenEventIsIgnored(t *testing.T) {
	l := newWindowLedger(time.Hour, 1000, []float64{0.50}, false)

	if cs := l.RecordEvent(usage(t0, 0), t0); cs != nil {
		t.Fatalf("crossings = %+v, want nil", cs)
	}
	if got := l.LastEventAt(); !got.IsZero() {
		t.Errorf("LastEventAt = %v, want zero", got)
	}
}

func TestBurnInsufficientData(t *testing.T) {
	l := newWindowLedger(time.Hour, 1000, nil, false)

	l.RecordEvent(usage(t0, 100), t0)
	l.RecordEvent(usage(t0.Add(time.Minute), 100), t0.Add(time.Minute))

	if _, ok := l.Burn(t0.Add(2 * time.Minute)); ok {
		t.Fatal("Burn ok = true with two events, want false")
	}
}

func TestBurnRateOverLookback(t *testing.T) {
	l := newWindowLedger(time.Hour, 100_000, nil, false)

	now := t0.Add(10 * time.Minute)
	for _, d := range []time.Duration{-5 * time.Minute, -3 * time.Minute, -1 * time.Minute} {
		at := now.Add(d)
		l.RecordEvent(usage(at, 1000), at)
	}

	br, ok := l.Burn(now)
	if !ok {
		t.Fatal("Burn ok = false, want true")
	}
	if br.Events != 3 {
		t.Errorf("Events = %d, want 3", br.Events)
	}
	if want := 3000.0 / 10.0; math.Abs(br.TokensPerMinute-want) > 1e-9 {
		t.Errorf("TokensPerMinute = %v, want %v", br.TokensPerMinute, want)
	}
}

func TestBurnWidensToLastThreeEvents(t *testing.T) {
	l := newWindowLedger(24*time.Hour, 100_000, nil, false)

	now := t0.Add(time.Hour)
	for _, d := range []time.Duration{-30 * time.Minute, -20 * time.Minute, -15 * time.Minute} {
		at := now.Add(d)
		l.RecordEvent(usage(at, 600), at)
	}

	br, ok := l.Burn(now)
	if !ok {
		t.Fatal("Burn ok = false, want true")
	}
	if want := 30 * time.Minute; br.Lookback != want {
		t.Errorf("Lookback = %v, want %v", br.Lookback, want)
	}
	if want := 1800.0 / 30.0; math.Abs(br.TokensPerMinute-want) > 1e-9 {
		t.Errorf("TokensPerMinute = %v, want %v", br.TokensPerMinute, want)
	}
}

func TestStateRoundTrip(t *testing.T) {
	specs := []WindowSpec{{
		Label:      "5h",
		Duration:   5 * time.Hour,
		Capacity:   1000,
		Thresholds: []float64{0.50},
	}}
	caps := []CycleSpec{{
		Label:      "weekly",
		Length:     7 * 24 * time.Hour,
		Anchor:     t0,
		Capacity:   10_000,
		Thresholds: []float64{0.50},
	}}

	l := New(specs, caps)
	l.RecordEvent(usage(t0.Add(time.Hour), 600), t0.Add(time.Hour))

	path := filepath.Join(t.TempDir(), "ledger.json")
	off := monitor.Offset{Path: "/tmp/usage.jsonl", Offset: 42}
	if err := SaveState(path, l.Export(off)); err != nil {
		t.Fatal(err)
	}

	st, ok := LoadState(path)
	if !ok {
		t.Fatal("LoadState ok = false")
	}
	if st.MonitorOffset.Offset != 42 {
		t.Errorf("MonitorOffset.Offset = %d, want 42", st.MonitorOffset.Offset)
	}

	l2 := New(specs, caps)
	l2.Restore(st)

	now := t0.Add(2 * time.Hour)
	got := l2.Status(now)
	if got[0].ConsumedTokens != 600 {
		t.Errorf("restored window ConsumedTokens = %d, want 600", got[0].ConsumedTokens)
	}
	if got[1].ConsumedTokens != 600 {
		t.Errorf("restored cap ConsumedTokens = %d, want 600", got[1].ConsumedTokens)
	}
	if !got[0].Thresholds[0].Fired {
		t.Error("restored window threshold lost its fired flag")
	}

	// The restored fired flag must suppress a duplicate crossing.
	if cs := l2.RecordEvent(usage(now, 10), now); len(cs) != 0 {
		t.Errorf("crossings after restore = %+v, want none", cs)
	}
}

func TestLoadStateMissingOrCorrupt(t *testing.T) {
	if _, ok := LoadState(filepath.Join(t.TempDir(), "absent.json")); ok {
		t.Error("LoadState ok = true for missing file")
	}
}
