package estimator

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

var (
	testMultipliers = map[string]float64{
		"simple":   0.7,
		"moderate": 1.0,
		"complex":  1.6,
	}
	sessionStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func session(id string, hours float64, tokens int64, taskType, tier string) model.SessionRecord {
	return model.SessionRecord{
		SessionID:   id,
		StartTime:   sessionStart,
		EndTime:     sessionStart.Add(time.Duration(hours * float64(time.Hour))),
		TotalTokens: tokens,
		TaskType:    taskType,
		Complexity:  tier,
	}
}

func TestEstimateColdStart(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	est, err := m.Estimate("refactor", "complex", 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(250_000 * 2 * 1.6); est.PredictedTokens != want {
		t.Errorf("PredictedTokens = %d, want %d", est.PredictedTokens, want)
	}
	if est.Confidence != ConfidenceLow {
		t.Errorf("Confidence = %q, want low", est.Confidence)
	}
}

func TestEstimateRejectsBadInput(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	if _, err := m.Estimate("refactor", "moderate", 0); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration err = %v, want ErrInvalidDuration", err)
	}
	if _, err := m.Estimate("refactor", "moderate", -1); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("negative duration err = %v, want ErrInvalidDuration", err)
	}
	if _, err := m.Estimate("refactor", "mythic", 1); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("unknown tier err = %v, want ErrUnknownTier", err)
	}
}

func TestLearnSmoothsTowardObserved(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	res := m.Learn(session("s1", 1, 100_000, "debug", "moderate"))
	if !res.Applied {
		t.Fatal("Applied = false, want true")
	}
	// 250000*0.7 + 100000*0.3
	if want := 205_000.0; math.Abs(res.NewBaseRate-want) > 1e-6 {
		t.Errorf("NewBaseRate = %v, want %v", res.NewBaseRate, want)
	}
	if got := m.BaseRate("debug"); math.Abs(got-205_000.0) > 1e-6 {
		t.Errorf("BaseRate = %v, want 205000", got)
	}
}

func TestLearnNormalizesByComplexity(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	// A complex session consuming 400k in 1h observes a base rate of 250k:
	// exactly the prior, so the rate should not move.
	res := m.Learn(session("s1", 1, 400_000, "feature", "complex"))
	if math.Abs(res.ObservedRate-250_000.0) > 1e-6 {
		t.Errorf("ObservedRate = %v, want 250000", res.ObservedRate)
	}
	if math.Abs(res.NewBaseRate-250_000.0) > 1e-6 {
		t.Errorf("NewBaseRate = %v, want unchanged 250000", res.NewBaseRate)
	}
}

func TestLearnConvergesWithinTenSessions(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	// True behavior is 100k tokens/hour; the default starts 2.5x too high.
	for i := 0; i < 10; i++ {
		m.Learn(session("s", 1, 100_000, "debug", "moderate"))
	}

	got := m.BaseRate("debug")
	if relErr := math.Abs(got-100_000) / 100_000; relErr > 0.05 {
		t.Errorf("BaseRate after 10 sessions = %v, want within 5%% of 100000 (off by %.1f%%)", got, relErr*100)
	}
}

func TestLearnSkipsEmptyAndInstantSessions(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	if res := m.Learn(session("s1", 1, 0, "debug", "moderate")); res.Applied {
		t.Error("zero-token session applied, want skipped")
	}
	if res := m.Learn(session("s2", 0, 5000, "debug", "moderate")); res.Applied {
		t.Error("zero-duration session applied, want skipped")
	}
	if got := m.Observations("debug"); got != 0 {
		t.Errorf("Observations = %d, want 0", got)
	}
}

func TestConfidenceTiers(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)

	check := func(want Confidence) {
		t.Helper()
		est, err := m.Estimate("debug", "moderate", 1)
		if err != nil {
			t.Fatal(err)
		}
		if est.Confidence != want {
			t.Errorf("Confidence at %d observations = %q, want %q",
				m.Observations("debug"), est.Confidence, want)
		}
	}

	check(ConfidenceLow)

	m.Learn(session("s1", 1, 100_000, "debug", "moderate"))
	check(ConfidenceMedium)

	for i := 0; i < 4; i++ {
		m.Learn(session("s", 1, 100_000, "debug", "moderate"))
	}
	check(ConfidenceHigh)
}

func TestTrackedPredictionScoresAccuracy(t *testing.T) {
	m := New(0.3, 100_000, testMultipliers)

	est, err := m.Estimate("debug", "moderate", 1)
	if err != nil {
		t.Fatal(err)
	}
	m.Track("s1", est)

	// Actual came in 10% over the prediction.
	res := m.Learn(session("s1", 1, 110_000, "debug", "moderate"))
	if res.Variance == nil {
		t.Fatal("Variance = nil, want scored prediction")
	}
	if math.Abs(*res.Variance-0.1) > 1e-9 {
		t.Errorf("Variance = %v, want 0.1", *res.Variance)
	}

	acc, ok := m.Accuracy("debug")
	if !ok {
		t.Fatal("Accuracy ok = false, want true")
	}
	if math.Abs(acc-0.9) > 1e-9 {
		t.Errorf("Accuracy = %v, want 0.9", acc)
	}

	// The pending entry is consumed: learning again finds no prediction.
	res = m.Learn(session("s1", 1, 110_000, "debug", "moderate"))
	if res.Variance != nil {
		t.Error("Variance set on second learn, want pending entry consumed")
	}
}

func TestModelPersistRoundTrip(t *testing.T) {
	m := New(0.3, 250_000, testMultipliers)
	for i := 0; i < 3; i++ {
		m.Learn(session("s", 1, 100_000, "debug", "moderate"))
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	m2, restored := Load(path, 0.3, 250_000, testMultipliers)
	if !restored {
		t.Fatal("restored = false, want true")
	}
	if got, want := m2.BaseRate("debug"), m.BaseRate("debug"); math.Abs(got-want) > 1e-6 {
		t.Errorf("restored BaseRate = %v, want %v", got, want)
	}
	if got := m2.Observations("debug"); got != 3 {
		t.Errorf("restored Observations = %d, want 3", got)
	}
}

func TestModelLoadMissingFileUsesDefaults(t *testing.T) {
	m, restored := Load(filepath.Join(t.TempDir(), "absent.json"), 0.3, 250_000, testMultipliers)
	if restored {
		t.Error("restored = true for missing file")
	}
	if got := m.BaseRate("anything"); got != 250_000 {
		t.Errorf("BaseRate = %v, want default 250000", got)
	}
}
