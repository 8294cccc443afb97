// Package store provides a SQLite-backed archive for completed sessions,
// band transitions, and compaction audit entries.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/tracker"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Archive holds long-term analytics data. Live accounting never reads it;
// it exists so consumed SessionRecords and band history stay inspectable.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive database at the given path.
func Open(dbPath string) (*Archive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, fmt.Errorf("opening archive db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveRecord archives a finalized session record.
func (a *Archive) SaveRecord(rec model.SessionRecord) error {
	implicit := 0
	if rec.ImplicitEnd {
		implicit = 1
	}

	_, err := a.db.Exec(`INSERT OR REPLACE INTO session_records
		(session_id, start_time, end_time, total_tokens, task_type, complexity, implicit_end, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.StartTime.UTC().Format(time.RFC3339Nano),
		rec.EndTime.UTC().Format(time.RFC3339Nano),
		rec.TotalTokens,
		rec.TaskType,
		rec.Complexity,
		implicit,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// SaveBandChange records one band transition for analytics.
func (a *Archive) SaveBandChange(sessionID string, bc tracker.BandChange) error {
	_, err := a.db.Exec(`INSERT INTO band_events (id, session_id, band, at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), sessionID, bc.Band.String(), bc.At.UTC().Format(time.RFC3339Nano))
	return err
}

// SaveCompaction records one compaction audit entry.
func (a *Archive) SaveCompaction(sessionID string, c tracker.Compaction) error {
	names := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		names = append(names, cat.String())
	}

	_, err := a.db.Exec(`INSERT INTO compactions (id, session_id, categories, removed_tokens, at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, sessionID, strings.Join(names, ","), c.RemovedTokens,
		c.At.UTC().Format(time.RFC3339Nano))
	return err
}

// RecentRecords returns the newest archived sessions, most recent first.
func (a *Archive) RecentRecords(limit int) ([]model.SessionRecord, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := a.db.Query(`SELECT
		session_id, start_time, end_time, total_tokens, task_type, complexity, implicit_end
		FROM session_records ORDER BY end_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		var startStr, endStr string
		var taskType, complexity sql.NullString
		var implicit int

		if err := rows.Scan(&rec.SessionID, &startStr, &endStr, &rec.TotalTokens,
			&taskType, &complexity, &implicit); err != nil {
			return nil, err
		}

		rec.StartTime, _ = time.Parse(time.RFC3339Nano, startStr)
		rec.EndTime, _ = time.Parse(time.RFC3339Nano, endStr)
		rec.TaskType = taskType.String
		rec.Complexity = complexity.String
		rec.ImplicitEnd = implicit != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordCount returns the number of archived sessions.
func (a *Archive) RecordCount() (int, error) {
	var count int
	err := a.db.QueryRow("SELECT COUNT(*) FROM session_records").Scan(&count)
	return count, err
}

// BandHistory returns the archived band transitions for one session.
func (a *Archive) BandHistory(sessionID string) ([]tracker.BandChange, error) {
	rows, err := a.db.Query(`SELECT band, at FROM band_events WHERE session_id = ? ORDER BY at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []tracker.BandChange
	for rows.Next() {
		var bandStr, atStr string
		if err := rows.Scan(&bandStr, &atStr); err != nil {
			return nil, err
		}
		var bc tracker.BandChange
		bc.At, _ = time.Parse(time.RFC3339Nano, atStr)
		bc.Band, _ = model.ParseBand(bandStr)
		out = append(out, bc)
	}
	return out, rows.Err()
}
