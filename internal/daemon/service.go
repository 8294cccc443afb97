// Package daemon runs the long-lived usage tracking engine: one poll loop
// feeding the ledger, context trackers, and estimator, plus the read-only
// HTTP query surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/estimator"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/ledger"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/monitor"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/store"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/tracker"
)

// Config controls the daemon runtime behavior.
type Config struct {
	Engine       config.Config
	LogPath      string
	StatePath    string
	OffsetPath   string
	ModelPath    string
	ArchivePath  string
	Addr         string
	Interval     time.Duration
	IdleTimeout  time.Duration
	EventsBuffer int
	NoWatcher    bool // disable the fsnotify wake-up (tests)
}

// Event is published on threshold crossings, band changes, rotations, and
// session finalization.
type Event struct {
	ID        int64                `json:"id"`
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Crossing  *ledger.Crossing     `json:"crossing,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	Band      string               `json:"band,omitempty"`
	Threshold float64              `json:"threshold,omitempty"` // context ceiling fraction crossed
	Record    *model.SessionRecord `json:"record,omitempty"`
}

// declaration ties a planned task, and the prediction made for it, to a
// session for later scoring.
type declaration struct {
	TaskType   string
	Complexity string
	Estimate   estimator.Estimate
}

// Service wires the monitor, ledger, trackers, estimator, and archive
// behind one single-writer poll loop.
type Service struct {
	cfg     Config
	tailer  *monitor.Tailer
	led     *ledger.Ledger
	est     *estimator.Model
	archive *store.Archive // nil when the archive could not be opened
	met     *metrics

	mu          sync.RWMutex
	startedAt   time.Time
	lastPollAt  time.Time
	pollCount   int64
	lastError   string
	trackers    map[string]*tracker.Tracker
	current     string // most recently active session id
	declared    map[string]declaration
	nextDeclare *declaration // applied to the next session that appears

	nextEventID int64
	events      []Event
	nextSubID   int
	subs        map[int]chan Event
	callbacks   []func(ledger.Crossing)
}

// New builds the full engine: restores monitor offset, ledger state, and
// estimation model, and opens the session archive. Missing or corrupt state
// cold-starts from defaults with a warning, never an error.
func New(cfg Config) (*Service, error) {
	if cfg.Interval < time.Second {
		cfg.Interval = cfg.Engine.PollInterval()
	}
	if cfg.IdleTimeout < time.Second {
		cfg.IdleTimeout = cfg.Engine.IdleTimeout()
	}
	if cfg.Addr == "" {
		cfg.Addr = cfg.Engine.Daemon.Addr
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = cfg.Engine.Daemon.EventsBuffer
	}

	tailer, err := monitor.NewTailer(cfg.LogPath, cfg.OffsetPath)
	if err != nil {
		return nil, err
	}

	led := ledger.New(windowSpecs(cfg.Engine), cycleSpecs(cfg.Engine))
	if st, ok := ledger.LoadState(cfg.StatePath); ok {
		led.Restore(st)
	} else if cfg.StatePath != "" {
		log.Printf("daemon: no usable ledger state at %s, starting fresh", cfg.StatePath)
	}

	est, restored := estimator.Load(cfg.ModelPath,
		cfg.Engine.Estimator.Alpha,
		cfg.Engine.Estimator.DefaultRatePerHour,
		cfg.Engine.Estimator.Multipliers)
	if !restored && cfg.ModelPath != "" {
		log.Printf("daemon: no usable estimation model at %s, using defaults", cfg.ModelPath)
	}

	var archive *store.Archive
	if cfg.ArchivePath != "" {
		archive, err = store.Open(cfg.ArchivePath)
		if err != nil {
			log.Printf("daemon: archive unavailable: %v", err)
			archive = nil
		}
	}

	return &Service{
		cfg:       cfg,
		tailer:    tailer,
		led:       led,
		est:       est,
		archive:   archive,
		met:       newMetrics(),
		startedAt: time.Now(),
		trackers:  make(map[string]*tracker.Tracker),
		declared:  make(map[string]declaration),
		subs:      make(map[int]chan Event),
	}, nil
}

func windowSpecs(cfg config.Config) []ledger.WindowSpec {
	out := make([]ledger.WindowSpec, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		rearm := true
		if w.RearmOnDrop != nil {
			rearm = *w.RearmOnDrop
		}
		out = append(out, ledger.WindowSpec{
			Label:       w.Label,
			Duration:    time.Duration(w.DurationSecs) * time.Second,
			Capacity:    w.CapacityTokens,
			Thresholds:  w.Thresholds,
			RearmOnDrop: rearm,
		})
	}
	return out
}

func cycleSpecs(cfg config.Config) []ledger.CycleSpec {
	out := make([]ledger.CycleSpec, 0, len(cfg.CycleCaps))
	for _, c := range cfg.CycleCaps {
		var anchor time.Time
		if c.Anchor != "" {
			if ts, err := time.Parse(time.RFC3339, c.Anchor); err == nil {
				anchor = ts
			} else {
				log.Printf("daemon: bad cycle anchor %q for %s, using default", c.Anchor, c.Label)
			}
		}
		out = append(out, ledger.CycleSpec{
			Label:      c.Label,
			Length:     time.Duration(c.CycleSecs) * time.Second,
			Anchor:     anchor,
			Capacity:   c.CapacityTokens,
			Thresholds: c.Thresholds,
		})
	}
	return out
}

// Run starts the HTTP endpoints and the poll loop until ctx is canceled.
// In-flight state is flushed to disk before returning.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var wake <-chan struct{}
	if !s.cfg.NoWatcher {
		if w, err := monitor.NewWatcher(s.cfg.LogPath); err == nil {
			defer func() { _ = w.Close() }()
			go w.Run(ctx)
			wake = w.Ticks()
		} else {
			log.Printf("daemon: file watcher unavailable, relying on poll timer: %v", err)
		}
	}

	// Seed an initial poll so status is useful immediately.
	s.pollOnce(time.Now())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushState()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.pollOnce(time.Now())
		case <-wake:
			s.pollOnce(time.Now())
		case err := <-errCh:
			s.flushState()
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

// PollNow performs a single ingest pass outside the run loop. One-shot
// CLI commands use it to compute status without a resident daemon.
func (s *Service) PollNow(now time.Time) {
	s.pollOnce(now)
}

// pollOnce reads appended log lines and applies them. It is the only
// writer; everything else reads consistent snapshots.
func (s *Service) pollOnce(now time.Time) {
	res, err := s.tailer.PollOnce()

	s.mu.Lock()
	s.lastPollAt = now
	s.pollCount++
	if err != nil {
		s.lastError = err.Error()
		s.mu.Unlock()
		log.Printf("daemon: poll error: %v", err)
		return
	}
	s.lastError = ""
	s.mu.Unlock()

	if res.Rotated {
		s.met.rotationsDetected.Inc()
		log.Printf("daemon: log rotation detected, restarted from offset 0")
		s.publish("log_rotated", Event{Timestamp: now})
	}
	if res.Skipped > 0 {
		s.met.linesSkipped.Add(float64(res.Skipped))
	}

	for _, rec := range res.Records {
		s.met.recordsIngested.Inc()
		switch rec.Kind {
		case model.KindUsage:
			s.applyUsage(*rec.Usage, now)
		case model.KindLifecycle:
			s.applyLifecycle(*rec.Lifecycle)
		}
	}

	s.finalizeIdle(now)
	s.refreshGauges(now)

	if len(res.Records) > 0 || res.Rotated {
		if err := s.saveLedgerState(); err != nil {
			log.Printf("daemon: persist ledger state: %v", err)
		}
	}
}

func (s *Service) applyUsage(ev model.UsageEvent, now time.Time) {
	crossings := s.led.RecordEvent(ev, now)
	for _, c := range crossings {
		s.met.thresholdCrossings.WithLabelValues(c.Owner).Inc()
		crossing := c
		s.publish("threshold_crossed", Event{Timestamp: c.At, Crossing: &crossing})
		s.notifyCallbacks(c)
	}

	t := s.trackerFor(ev.SessionID, ev.Timestamp)
	d := t.RecordEvent(ev)
	if d.BandRaised {
		s.publish("band_changed", Event{
			Timestamp: ev.Timestamp,
			SessionID: ev.SessionID,
			Band:      d.Band.String(),
		})
		if s.archive != nil {
			hist := t.BandHistory()
			if err := s.archive.SaveBandChange(ev.SessionID, hist[len(hist)-1]); err != nil {
				log.Printf("daemon: archive band change: %v", err)
			}
		}
	}
	for _, th := range d.Crossed {
		s.met.contextThresholds.Inc()
		s.publish("context_threshold", Event{
			Timestamp: ev.Timestamp,
			SessionID: ev.SessionID,
			Band:      d.Band.String(),
			Threshold: th,
		})
	}

	s.mu.Lock()
	s.current = ev.SessionID
	s.mu.Unlock()
}

func (s *Service) applyLifecycle(ev model.LifecycleEvent) {
	switch ev.Kind {
	case model.LifecycleStart:
		s.trackerFor(ev.SessionID, ev.Timestamp)
		s.mu.Lock()
		s.current = ev.SessionID
		s.mu.Unlock()
	case model.LifecycleEnd:
		// An end without a prior start still finalizes: the session is
		// late-discovered with whatever usage was attributed to it.
		s.trackerFor(ev.SessionID, ev.Timestamp)
		s.finalize(ev.SessionID, ev.Timestamp, false)
	}
}

// trackerFor returns the live tracker for a session, creating one on first
// sight and consuming any pending task declaration.
func (s *Service) trackerFor(sessionID string, at time.Time) *tracker.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.trackers[sessionID]; ok {
		return t
	}

	t := tracker.New(sessionID,
		s.cfg.Engine.Context.CeilingTokens,
		s.cfg.Engine.Context.NoiseFloor,
		s.cfg.Engine.Context.Thresholds,
		at)
	s.trackers[sessionID] = t

	if s.nextDeclare != nil {
		decl := *s.nextDeclare
		s.declared[sessionID] = decl
		s.nextDeclare = nil
		// The plan's prediction now has a session to be scored against.
		s.est.Track(sessionID, decl.Estimate)
	}
	return t
}

// finalizeIdle closes sessions whose last event is older than the idle
// timeout. The record's end time is the last event, not the wall clock.
func (s *Service) finalizeIdle(now time.Time) {
	s.mu.RLock()
	var idle []string
	var ends []time.Time
	for id, t := range s.trackers {
		if last := t.LastEventAt(); now.Sub(last) > s.cfg.IdleTimeout {
			idle = append(idle, id)
			ends = append(ends, last)
		}
	}
	s.mu.RUnlock()

	for i, id := range idle {
		s.finalize(id, ends[i], true)
	}
}

func (s *Service) finalize(sessionID string, end time.Time, implicit bool) {
	s.mu.Lock()
	t, ok := s.trackers[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	decl := s.declared[sessionID]
	delete(s.trackers, sessionID)
	delete(s.declared, sessionID)
	if s.current == sessionID {
		s.current = ""
	}
	s.mu.Unlock()

	rec := t.Finalize(end, decl.TaskType, decl.Complexity, implicit)
	s.met.sessionsFinalized.Inc()

	if res := s.est.Learn(rec); res.Applied && s.cfg.ModelPath != "" {
		if err := s.est.Save(s.cfg.ModelPath); err != nil {
			log.Printf("daemon: persist estimation model: %v", err)
		}
	}

	if s.archive != nil {
		if err := s.archive.SaveRecord(rec); err != nil {
			log.Printf("daemon: archive session record: %v", err)
		}
	}

	record := rec
	s.publish("session_finalized", Event{
		Timestamp: end,
		SessionID: sessionID,
		Record:    &record,
	})
}

func (s *Service) refreshGauges(now time.Time) {
	for _, st := range s.led.Status(now) {
		s.met.ownerFraction.WithLabelValues(st.Owner, st.Kind).Set(st.FractionUsed)
	}
	s.mu.RLock()
	s.met.activeSessions.Set(float64(len(s.trackers)))
	s.mu.RUnlock()
}

func (s *Service) saveLedgerState() error {
	if s.cfg.StatePath == "" {
		return nil
	}
	st := s.led.Export(monitor.Offset{Path: s.cfg.LogPath, Offset: s.tailer.Pos()})
	return ledger.SaveState(s.cfg.StatePath, st)
}

// flushState writes ledger state and estimation model before exit.
func (s *Service) flushState() {
	if err := s.saveLedgerState(); err != nil {
		log.Printf("daemon: flush ledger state: %v", err)
	}
	if s.cfg.ModelPath != "" {
		if err := s.est.Save(s.cfg.ModelPath); err != nil {
			log.Printf("daemon: flush estimation model: %v", err)
		}
	}
}

// Close flushes persistent state and releases the archive. Run does this
// itself on shutdown; Close is for one-shot users that never call Run.
func (s *Service) Close() error {
	s.flushState()
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}

// SubscribeThresholdCrossed registers an in-process callback invoked for
// every crossing. Callbacks run on the poll goroutine and must not block.
func (s *Service) SubscribeThresholdCrossed(fn func(ledger.Crossing)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *Service) notifyCallbacks(c ledger.Crossing) {
	s.mu.RLock()
	cbs := append(make([]func(ledger.Crossing), 0, len(s.callbacks)), s.callbacks...)
	s.mu.RUnlock()
	for _, fn := range cbs {
		fn(c)
	}
}

func (s *Service) publish(eventType string, ev Event) {
	s.mu.Lock()
	s.nextEventID++
	ev.ID = s.nextEventID
	ev.Type = eventType

	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
