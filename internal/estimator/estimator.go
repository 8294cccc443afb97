// Package estimator predicts token budgets for planned work and learns
// from completed sessions.
package estimator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

// Confidence qualifies a prediction by how much history backs it.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"    // no prior observations, global default rate
	ConfidenceMedium Confidence = "medium" // 1-4 prior observations
	ConfidenceHigh   Confidence = "high"   // 5+ prior observations
)

// Estimate is a predicted token budget for a planned session.
type Estimate struct {
	TaskType        string     `json:"task_type"`
	Complexity      string     `json:"complexity"`
	DurationHours   float64    `json:"duration_hours"`
	RatePerHour     float64    `json:"rate_per_hour"`
	PredictedTokens int64      `json:"predicted_tokens"`
	Confidence      Confidence `json:"confidence"`
}

// LearnResult reports what a completed session taught the model.
type LearnResult struct {
	Applied      bool     `json:"applied"`
	TaskType     string   `json:"task_type,omitempty"`
	ObservedRate float64  `json:"observed_rate,omitempty"`
	NewBaseRate  float64  `json:"new_base_rate,omitempty"`
	Variance     *float64 `json:"variance,omitempty"` // set when a prediction existed
}

var (
	// ErrInvalidDuration rejects zero or negative planned durations.
	ErrInvalidDuration = errors.New("estimator: duration must be positive")
	// ErrUnknownTier rejects complexity tiers with no configured multiplier.
	ErrUnknownTier = errors.New("estimator: unknown complexity tier")
)

// Model holds per-task base rates and complexity multipliers. It is the one
// piece of long-lived mutable state in the engine, updated only through
// Learn and persisted as a whole.
type Model struct {
	mu sync.Mutex

	alpha       float64
	defaultRate float64

	baseRates    map[string]float64
	multipliers  map[string]float64
	accuracy     map[string]float64
	observations map[string]int

	// predictions made for not-yet-finished sessions, keyed by session id
	pending map[string]Estimate
}

// New builds a model with documented defaults. alpha is the exponential
// smoothing factor; a single outlier session moves a rate by at most alpha
// of the gap.
func New(alpha, defaultRate float64, multipliers map[string]float64) *Model {
	m := &Model{
		alpha:        alpha,
		defaultRate:  defaultRate,
		baseRates:    make(map[string]float64),
		multipliers:  make(map[string]float64),
		accuracy:     make(map[string]float64),
		observations: make(map[string]int),
		pending:      make(map[string]Estimate),
	}
	for tier, f := range multipliers {
		m.multipliers[tier] = f
	}
	return m
}

// Estimate predicts the token budget for a planned session.
func (m *Model) Estimate(taskType, tier string, durationHours float64) (Estimate, error) {
	if durationHours <= 0 {
		return Estimate{}, fmt.Errorf("%w: %g", ErrInvalidDuration, durationHours)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mult, ok := m.multipliers[tier]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	rate, known := m.baseRates[taskType]
	if !known {
		rate = m.defaultRate
	}

	conf := ConfidenceLow
	switch n := m.observations[taskType]; {
	case n >= 5:
		conf = ConfidenceHigh
	case n >= 1:
		conf = ConfidenceMedium
	}

	return Estimate{
		TaskType:        taskType,
		Complexity:      tier,
		DurationHours:   durationHours,
		RatePerHour:     rate,
		PredictedTokens: int64(rate * durationHours * mult),
		Confidence:      conf,
	}, nil
}

// Track associates a prediction with a planned session so Learn can score
// it against the actual outcome.
func (m *Model) Track(sessionID string, est Estimate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[sessionID] = est
}

// Learn updates base rates from a completed session via exponential
// smoothing. Sessions with zero tokens (immediately aborted) or zero
// duration teach nothing.
func (m *Model) Learn(rec model.SessionRecord) LearnResult {
	if rec.TotalTokens == 0 {
		return LearnResult{}
	}
	hours := rec.DurationHours()
	if hours <= 0 {
		return LearnResult{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	taskType := rec.TaskType
	if taskType == "" {
		taskType = "general"
	}
	mult := m.multipliers[rec.Complexity]
	if mult <= 0 {
		mult = 1.0
	}

	// Normalize the observation back to a per-hour base rate so the same
	// table serves every complexity tier.
	observedRate := float64(rec.TotalTokens) / (hours * mult)

	oldRate, known := m.baseRates[taskType]
	if !known {
		oldRate = m.defaultRate
	}
	newRate := oldRate*(1-m.alpha) + observedRate*m.alpha
	m.baseRates[taskType] = newRate
	m.observations[taskType]++

	res := LearnResult{
		Applied:      true,
		TaskType:     taskType,
		ObservedRate: observedRate,
		NewBaseRate:  newRate,
	}

	if est, ok := m.pending[rec.SessionID]; ok && est.PredictedTokens > 0 {
		delete(m.pending, rec.SessionID)

		variance := absf(float64(rec.TotalTokens)-float64(est.PredictedTokens)) / float64(est.PredictedTokens)
		res.Variance = &variance

		score := 1 - variance
		if score < 0 {
			score = 0
		}
		old, ok := m.accuracy[taskType]
		if !ok {
			old = score
		}
		m.accuracy[taskType] = old*(1-m.alpha) + score*m.alpha
	}

	return res
}

// BaseRate returns the learned (or default) rate for a task type.
func (m *Model) BaseRate(taskType string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.baseRates[taskType]; ok {
		return r
	}
	return m.defaultRate
}

// Accuracy returns the smoothed prediction accuracy for a task type and
// whether any scored prediction exists for it.
func (m *Model) Accuracy(taskType string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accuracy[taskType]
	return a, ok
}

// Observations returns how many sessions have taught this task type.
func (m *Model) Observations(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observations[taskType]
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
