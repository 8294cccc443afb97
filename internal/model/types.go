// Package model defines domain types for usage tracking and estimation.
package model

import "time"

// RecordKind discriminates the closed set of log record variants.
type RecordKind int

const (
	KindUsage RecordKind = iota
	KindLifecycle
)

// Record is a single parsed line from the usage log. Exactly one of
// Usage or Lifecycle is set, selected by Kind.
type Record struct {
	Kind      RecordKind
	Usage     *UsageEvent
	Lifecycle *LifecycleEvent
}

// UsageEvent is one billed API interaction. Immutable once emitted by the
// monitor; the sole source of truth for every downstream counter.
type UsageEvent struct {
	Timestamp           time.Time
	SessionID           string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	Tool                string
}

// TotalTokens returns the billed token total across all four counters.
func (e UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheCreationTokens + e.CacheReadTokens
}

// LifecycleKind marks a session boundary record.
type LifecycleKind int

const (
	LifecycleStart LifecycleKind = iota
	LifecycleEnd
)

// LifecycleEvent delimits a session. An end without a prior start is
// tolerated and treated as a late-discovered session.
type LifecycleEvent struct {
	Timestamp time.Time
	SessionID string
	Kind      LifecycleKind
}

// SessionRecord is the immutable summary of a completed session, produced
// when an end event is observed or the idle timeout elapses. It is consumed
// exactly once by the estimator, then archived.
type SessionRecord struct {
	SessionID   string
	StartTime   time.Time
	EndTime     time.Time
	TotalTokens int64
	TaskType    string
	Complexity  string
	ImplicitEnd bool // finalized by idle timeout rather than an end record
}

// DurationHours returns the session length in hours.
func (r SessionRecord) DurationHours() float64 {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime).Hours()
}
