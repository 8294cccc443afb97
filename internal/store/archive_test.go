package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/tracker"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSaveAndListRecords(t *testing.T) {
	a := openTestArchive(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		rec := model.SessionRecord{
			SessionID:   id,
			StartTime:   base.Add(time.Duration(i) * time.Hour),
			EndTime:     base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			TotalTokens: int64(1000 * (i + 1)),
			TaskType:    "debug",
			Complexity:  "moderate",
		}
		if err := a.SaveRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	count, err := a.RecordCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("RecordCount = %d, want 3", count)
	}

	recs, err := a.RecentRecords(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("RecentRecords = %d, want 2", len(recs))
	}
	// Most recent first.
	if recs[0].SessionID != "s3" || recs[1].SessionID != "s2" {
		t.Errorf("order = [%s, %s], want [s3, s2]", recs[0].SessionID, recs[1].SessionID)
	}
	if recs[0].TotalTokens != 3000 {
		t.Errorf("TotalTokens = %d, want 3000", recs[0].TotalTokens)
	}
	if !recs[0].StartTime.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("StartTime = %v, want %v", recs[0].StartTime, base.Add(2*time.Hour))
	}
}

func TestSaveRecordReplacesOnSameSession(t *testing.T) {
	a := openTestArchive(t)

	rec := model.SessionRecord{
		SessionID:   "s1",
		StartTime:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TotalTokens: 1000,
		ImplicitEnd: true,
	}
	if err := a.SaveRecord(rec); err != nil {
		t.Fatal(err)
	}

	// An explicit end for the same session supersedes the idle finalization.
	rec.TotalTokens = 1500
	rec.ImplicitEnd = false
	if err := a.SaveRecord(rec); err != nil {
		t.Fatal(err)
	}

	count, err := a.RecordCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("RecordCount = %d, want 1", count)
	}

	recs, err := a.RecentRecords(1)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].TotalTokens != 1500 || recs[0].ImplicitEnd {
		t.Errorf("record = %+v, want replaced values", recs[0])
	}
}

func TestBandHistoryRoundTrip(t *testing.T) {
	a := openTestArchive(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	changes := []tracker.BandChange{
		{At: base, Band: model.BandFresh},
		{At: base.Add(10 * time.Minute), Band: model.BandModerate},
		{At: base.Add(time.Hour), Band: model.BandDanger},
	}
	for _, bc := range changes {
		if err := a.SaveBandChange("s1", bc); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.SaveBandChange("other", tracker.BandChange{At: base, Band: model.BandCritical}); err != nil {
		t.Fatal(err)
	}

	got, err := a.BandHistory("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("BandHistory = %d entries, want 3", len(got))
	}
	for i, bc := range got {
		if bc.Band != changes[i].Band {
			t.Errorf("history[%d].Band = %v, want %v", i, bc.Band, changes[i].Band)
		}
		if !bc.At.Equal(changes[i].At) {
			t.Errorf("history[%d].At = %v, want %v", i, bc.At, changes[i].At)
		}
	}
}

func TestSaveCompaction(t *testing.T) {
	a := openTestArchive(t)

	comp := tracker.Compaction{
		ID:            "c1",
		At:            time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Categories:    []model.Category{model.CategoryFileReads, model.CategoryToolOutput},
		RemovedTokens: 42_000,
	}
	if err := a.SaveCompaction("s1", comp); err != nil {
		t.Fatal(err)
	}
}
