package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/estimator"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/ledger"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/tracker"
)

// Status is served at /v1/status. When DataStale is set, the payload is
// the last-known-good state rather than fresh accounting.
type Status struct {
	StartedAt       time.Time              `json:"started_at"`
	LastPollAt      time.Time              `json:"last_poll_at"`
	PollIntervalSec int                    `json:"poll_interval_sec"`
	PollCount       int64                  `json:"poll_count"`
	DataStale       bool                   `json:"data_stale"`
	LastError       string                 `json:"last_error,omitempty"`
	LogPath         string                 `json:"log_path"`
	SkippedLines    int64                  `json:"skipped_lines"`
	Rotations       int64                  `json:"rotations"`
	Quota           []ledger.OwnerStatus   `json:"quota"`
	Burn            *ledger.BurnRate       `json:"burn,omitempty"` // nil means insufficient data
	ActiveSessions  int                    `json:"active_sessions"`
	Current         *model.ContextSnapshot `json:"current_session,omitempty"`
	EventCount      int                    `json:"event_count"`
	SubscriberCount int                    `json:"subscriber_count"`
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/quota", s.handleQuota)
	mux.HandleFunc("/v1/context", s.handleContext)
	mux.HandleFunc("/v1/estimate", s.handleEstimate)
	mux.HandleFunc("/v1/plan", s.handlePlan)
	mux.HandleFunc("/v1/compact", s.handleCompact)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.met.registry, promhttp.HandlerOpts{}))
	return mux
}

// CurrentStatus assembles the full engine status snapshot.
func (s *Service) CurrentStatus(now time.Time) Status {
	quota := s.led.Status(now)
	var burn *ledger.BurnRate
	if b, ok := s.led.Burn(now); ok {
		burn = &b
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		DataStale:       !s.lastPollAt.IsZero() && now.Sub(s.lastPollAt) > 2*s.cfg.Interval,
		LastError:       s.lastError,
		LogPath:         s.cfg.LogPath,
		SkippedLines:    s.tailer.SkippedLines(),
		Rotations:       s.tailer.Rotations(),
		Quota:           quota,
		Burn:            burn,
		ActiveSessions:  len(s.trackers),
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}

	if t, ok := s.trackers[s.current]; ok {
		snap := t.Snapshot()
		st.Current = &snap
	}

	return st
}

// ContextStatus returns the snapshot for one live session; an empty id
// selects the most recently active one.
func (s *Service) ContextStatus(sessionID string) (model.ContextSnapshot, bool) {
	s.mu.RLock()
	if sessionID == "" {
		sessionID = s.current
	}
	t, ok := s.trackers[sessionID]
	s.mu.RUnlock()

	if !ok {
		return model.ContextSnapshot{}, false
	}
	return t.Snapshot(), true
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.CurrentStatus(time.Now()))
}

func (s *Service) handleQuota(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	payload := struct {
		Quota []ledger.OwnerStatus `json:"quota"`
		Burn  *ledger.BurnRate     `json:"burn,omitempty"`
	}{Quota: s.led.Status(now)}
	if b, ok := s.led.Burn(now); ok {
		payload.Burn = &b
	}
	writeJSON(w, payload)
}

func (s *Service) handleContext(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ContextStatus(r.URL.Query().Get("session"))
	if !ok {
		http.Error(w, "no such live session", http.StatusNotFound)
		return
	}

	payload := struct {
		model.ContextSnapshot
		Reducible []tracker.Reducible `json:"reducible_ranked"`
	}{ContextSnapshot: snap}

	s.mu.RLock()
	if t, ok := s.trackers[snap.SessionID]; ok {
		payload.Reducible = t.IdentifyReducible()
	}
	s.mu.RUnlock()

	writeJSON(w, payload)
}

func (s *Service) handleEstimate(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task")
	tier := r.URL.Query().Get("tier")
	hours, err := strconv.ParseFloat(r.URL.Query().Get("hours"), 64)
	if err != nil {
		http.Error(w, "hours must be a number", http.StatusBadRequest)
		return
	}

	est, err := s.est.Estimate(taskType, tier, hours)
	if err != nil {
		code := http.StatusBadRequest
		if !errors.Is(err, estimator.ErrInvalidDuration) && !errors.Is(err, estimator.ErrUnknownTier) {
			code = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), code)
		return
	}

	writeJSON(w, est)
}

func (s *Service) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID     string  `json:"session_id,omitempty"`
		TaskType      string  `json:"task_type"`
		Complexity    string  `json:"complexity"`
		DurationHours float64 `json:"duration_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	est, err := s.est.Estimate(req.TaskType, req.Complexity, req.DurationHours)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decl := declaration{TaskType: req.TaskType, Complexity: req.Complexity, Estimate: est}
	s.mu.Lock()
	if req.SessionID != "" {
		s.declared[req.SessionID] = decl
	} else {
		// No session yet: bind the plan to the next session that appears.
		s.nextDeclare = &decl
	}
	s.mu.Unlock()

	if req.SessionID != "" {
		s.est.Track(req.SessionID, est)
	}

	writeJSON(w, est)
}

func (s *Service) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID  string   `json:"session_id,omitempty"`
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	var cats []model.Category
	for _, name := range req.Categories {
		c, ok := model.ParseCategory(name)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown category %q", name), http.StatusBadRequest)
			return
		}
		cats = append(cats, c)
	}

	s.mu.RLock()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.current
	}
	t, ok := s.trackers[sessionID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "no such live session", http.StatusNotFound)
		return
	}

	comp, err := t.ApplyCompaction(cats, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	if s.archive != nil {
		if err := s.archive.SaveCompaction(sessionID, comp); err != nil {
			http.Error(w, fmt.Sprintf("compaction applied but not archived: %v", err), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, comp)
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send a status snapshot immediately so new subscribers have context.
	if data, err := json.Marshal(s.CurrentStatus(time.Now())); err == nil {
		_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
