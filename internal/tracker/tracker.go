// Package tracker follows a live session's context consumption against a
// fixed ceiling and classifies it into advisory bands.
package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

// reductionShare is the advisory fraction of a category assumed reclaimable
// by compaction. Advisory, not a recomputation.
var reductionShare = map[model.Category]float64{
	model.CategorySystem:       0.10,
	model.CategoryFileReads:    0.60,
	model.CategoryToolOutput:   0.75,
	model.CategoryGenerated:    0.40,
	model.CategoryConversation: 0.30,
}

// readTools are tool invocations that pull external content into context.
var readTools = map[string]bool{
	"Read":      true,
	"Grep":      true,
	"Glob":      true,
	"WebFetch":  true,
	"WebSearch": true,
}

// Compaction is one applied advisory reduction, kept in the session's
// audit trail.
type Compaction struct {
	ID            string           `json:"id"`
	At            time.Time        `json:"at"`
	Categories    []model.Category `json:"categories"`
	RemovedTokens int64            `json:"removed_tokens"`
}

// BandChange records a band transition for analytics.
type BandChange struct {
	At   time.Time  `json:"at"`
	Band model.Band `json:"band"`
}

// Reducible is one compaction candidate, largest first.
type Reducible struct {
	Category  model.Category `json:"category"`
	Tokens    int64          `json:"tokens"`
	Estimated int64          `json:"estimated_reduction"`
}

// Tracker accumulates one session's consumption. The reported figure can be
// lowered by compaction; the band and the true total cannot.
type Tracker struct {
	mu sync.Mutex

	sessionID  string
	ceiling    int64
	noiseFloor float64
	thresholds []float64 // ceiling fractions, ascending
	fired      []bool

	startedAt   time.Time
	lastEventAt time.Time

	perCategory map[model.Category]int64
	reported    int64 // cumulative minus compaction subtractions
	trueTotal   int64 // cumulative before any compaction
	seenEvent   bool

	maxBand     model.Band
	bandHistory []BandChange
	compactions []Compaction
}

// New starts tracking a session against the given ceiling. Each threshold
// fraction fires at most once for the session's lifetime.
func New(sessionID string, ceiling int64, noiseFloor float64, thresholds []float64, startedAt time.Time) *Tracker {
	ths := append([]float64(nil), thresholds...)
	sort.Float64s(ths)
	return &Tracker{
		sessionID:   sessionID,
		ceiling:     ceiling,
		noiseFloor:  noiseFloor,
		thresholds:  ths,
		fired:       make([]bool, len(ths)),
		startedAt:   startedAt,
		lastEventAt: startedAt,
		perCategory: make(map[model.Category]int64),
		bandHistory: []BandChange{{At: startedAt, Band: model.BandFresh}},
	}
}

// Delta reports what one event changed about a session.
type Delta struct {
	Band       model.Band
	BandRaised bool
	Crossed    []float64 // threshold fractions crossed by this event, ascending
}

// RecordEvent adds the event's tokens to the cumulative counter, attributed
// by coarse category, then recomputes the band and the threshold set. Like
// the band, a fired threshold stays fired; compaction lowering the reported
// fraction does not rearm it.
func (t *Tracker) RecordEvent(ev model.UsageEvent) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Output tokens are generated content; everything else follows the
	// tool that brought it in. The session's first event is the system
	// prompt and tooling overhead.
	inbound := ev.InputTokens + ev.CacheCreationTokens + ev.CacheReadTokens
	var cat model.Category
	switch {
	case !t.seenEvent:
		cat = model.CategorySystem
	case readTools[ev.Tool]:
		cat = model.CategoryFileReads
	case ev.Tool != "":
		cat = model.CategoryToolOutput
	default:
		cat = model.CategoryConversation
	}
	t.seenEvent = true

	t.perCategory[cat] += inbound
	t.perCategory[model.CategoryGenerated] += ev.OutputTokens

	total := inbound + ev.OutputTokens
	t.reported += total
	t.trueTotal += total
	if ev.Timestamp.After(t.lastEventAt) {
		t.lastEventAt = ev.Timestamp
	}

	frac := t.fraction()
	var d Delta
	if band := model.BandFor(frac); band > t.maxBand {
		t.maxBand = band
		t.bandHistory = append(t.bandHistory, BandChange{At: ev.Timestamp, Band: band})
		d.BandRaised = true
	}
	d.Band = t.maxBand
	for i, th := range t.thresholds {
		if !t.fired[i] && frac >= th {
			t.fired[i] = true
			d.Crossed = append(d.Crossed, th)
		}
	}
	return d
}

// fraction is reported consumption over the ceiling. Caller holds the lock.
func (t *Tracker) fraction() float64 {
	if t.ceiling <= 0 {
		return 0
	}
	return float64(t.reported) / float64(t.ceiling)
}

// Band returns the session's band: the historical maximum, never lowered
// by compaction.
func (t *Tracker) Band() model.Band {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBand
}

// Snapshot returns the current queryable state of the session.
func (t *Tracker) Snapshot() model.ContextSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	reducible := make(map[model.Category]int64)
	for _, r := range t.reducibleLocked() {
		reducible[r.Category] = r.Estimated
	}

	return model.ContextSnapshot{
		SessionID:        t.sessionID,
		CumulativeTokens: t.reported,
		CeilingTokens:    t.ceiling,
		Fraction:         t.fraction(),
		Band:             t.maxBand,
		Reducible:        reducible,
	}
}

// IdentifyReducible returns categories whose share of the reported total
// exceeds the noise floor, largest first, each with its advisory reduction.
func (t *Tracker) IdentifyReducible() []Reducible {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reducibleLocked()
}

func (t *Tracker) reducibleLocked() []Reducible {
	if t.reported <= 0 {
		return nil
	}

	var out []Reducible
	for _, cat := range model.Categories() {
		tokens := t.perCategory[cat]
		if tokens <= 0 {
			continue
		}
		share := float64(tokens) / float64(t.reported)
		if share < t.noiseFloor {
			continue
		}
		out = append(out, Reducible{
			Category:  cat,
			Tokens:    tokens,
			Estimated: int64(float64(tokens) * reductionShare[cat]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Tokens > out[j].Tokens })
	return out
}

// ErrNothingToCompact is returned when no chosen category has a usable
// advisory estimate.
var ErrNothingToCompact = errors.New("tracker: nothing to compact")

// ApplyCompaction subtracts the advisory estimate for the chosen categories
// from the reported counter and records the audit entry. The band keeps its
// historical maximum: compaction extends remaining capacity, it does not
// erase that the session once reached a severity.
func (t *Tracker) ApplyCompaction(categories []model.Category, at time.Time) (Compaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidates := make(map[model.Category]int64)
	for _, r := range t.reducibleLocked() {
		candidates[r.Category] = r.Estimated
	}

	var removed int64
	var applied []model.Category
	for _, cat := range categories {
		est := candidates[cat]
		if est <= 0 {
			continue
		}
		t.perCategory[cat] -= est
		removed += est
		applied = append(applied, cat)
	}
	if removed == 0 {
		return Compaction{}, ErrNothingToCompact
	}

	t.reported -= removed
	if t.reported < 0 {
		t.reported = 0
	}

	comp := Compaction{
		ID:            uuid.NewString(),
		At:            at,
		Categories:    applied,
		RemovedTokens: removed,
	}
	t.compactions = append(t.compactions, comp)
	return comp, nil
}

// Finalize produces the immutable session record. TotalTokens is the true
// cumulative figure before any compaction subtraction; the estimator must
// learn from real consumption.
func (t *Tracker) Finalize(end time.Time, taskType, complexity string, implicit bool) model.SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if end.Before(t.startedAt) {
		end = t.startedAt
	}
	return model.SessionRecord{
		SessionID:   t.sessionID,
		StartTime:   t.startedAt,
		EndTime:     end,
		TotalTokens: t.trueTotal,
		TaskType:    taskType,
		Complexity:  complexity,
		ImplicitEnd: implicit,
	}
}

// SessionID returns the tracked session's id.
func (t *Tracker) SessionID() string { return t.sessionID }

// LastEventAt returns the timestamp of the session's newest event, used by
// the idle-timeout check.
func (t *Tracker) LastEventAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventAt
}

// BandHistory returns the session's band transitions in order.
func (t *Tracker) BandHistory() []BandChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]BandChange(nil), t.bandHistory...)
}

// Compactions returns the session's compaction audit trail.
func (t *Tracker) Compactions() []Compaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Compaction(nil), t.compactions...)
}
