package database

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"driveup/internal/mirror"
)

var testStart = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestHistory(t *testing.T) (*SQLiteHistory, clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testStart)
	h, err := NewSQLiteHistory(":memory:", clock)
	if err != nil {
		t.Fatalf("NewSQLiteHistory() error = %v", err)
	}
	t.Cleanup(func() {
		h.Close()
	})
	return h, clock
}

func TestSQLiteHistory_StartRun(t *testing.T) {
	h, _ := newTestHistory(t)

	run, err := h.StartRun("docs", "/home/user/docs", "Backups")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.ID == 0 {
		t.Error("StartRun() returned run without id")
	}
	if run.Status != mirror.StatusUnknown {
		t.Errorf("Status = %q, want %q", run.Status, mirror.StatusUnknown)
	}

	got, err := h.FindRun(run.ID)
	if err != nil {
		t.Fatalf("FindRun() error = %v", err)
	}
	if got == nil {
		t.Fatal("FindRun() returned nil for existing run")
	}
	if got.Source != "/home/user/docs" || got.Destination != "Backups" || got.Job != "docs" {
		t.Errorf("FindRun() = %+v, want job docs /home/user/docs -> Backups", got)
	}
	if !got.StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, testStart)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
}

func TestSQLiteHistory_FinishRun(t *testing.T) {
	h, clock := newTestHistory(t)

	run, err := h.StartRun("", "/docs", "Backups")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	result := mirror.NewOperationResult()
	result.AddError("/docs/b.bin", errors.New("upload failed"))
	result.AddWarning("/docs/a.txt", "The folder 'docs' contains 2 files with the same name 'a.txt'.")
	result.Finish()

	clock.Advance(90 * time.Second)
	if err := h.FinishRun(run, result); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := h.FindRun(run.ID)
	if err != nil {
		t.Fatalf("FindRun() error = %v", err)
	}
	if got.Status != mirror.StatusError {
		t.Errorf("Status = %q, want %q", got.Status, mirror.StatusError)
	}
	if got.FinishedAt == nil || got.FinishedAt.Sub(got.StartedAt) != 90*time.Second {
		t.Errorf("FinishedAt = %v, want 90s after %v", got.FinishedAt, got.StartedAt)
	}

	items, err := h.ListRunItems(run.ID)
	if err != nil {
		t.Fatalf("ListRunItems() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Kind != mirror.ItemError || items[0].Path != "/docs/b.bin" || items[0].Message != "upload failed" {
		t.Errorf("items[0] = %+v, want error for /docs/b.bin", items[0])
	}
	if items[1].Kind != mirror.ItemWarning || items[1].Path != "/docs/a.txt" {
		t.Errorf("items[1] = %+v, want warning for /docs/a.txt", items[1])
	}
}

func TestSQLiteHistory_FinishRunWithoutItems(t *testing.T) {
	h, _ := newTestHistory(t)

	run, err := h.StartRun("", "/docs", "Backups")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	result := mirror.NewOperationResult()
	result.Finish()

	if err := h.FinishRun(run, result); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	if run.Status != mirror.StatusCompleted {
		t.Errorf("run.Status = %q, want %q", run.Status, mirror.StatusCompleted)
	}

	items, err := h.ListRunItems(run.ID)
	if err != nil {
		t.Fatalf("ListRunItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
}

func TestSQLiteHistory_ListRuns(t *testing.T) {
	h, clock := newTestHistory(t)

	for _, src := range []string{"/a", "/b", "/c"} {
		if _, err := h.StartRun("", src, "Backups"); err != nil {
			t.Fatalf("StartRun(%s) error = %v", src, err)
		}
		clock.Advance(time.Minute)
	}

	runs, err := h.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].Source != "/c" || runs[1].Source != "/b" {
		t.Errorf("ListRuns() sources = %s, %s; want /c, /b", runs[0].Source, runs[1].Source)
	}
}

func TestSQLiteHistory_FindRunMissing(t *testing.T) {
	h, _ := newTestHistory(t)

	got, err := h.FindRun(999)
	if err != nil {
		t.Fatalf("FindRun() error = %v", err)
	}
	if got != nil {
		t.Errorf("FindRun() = %+v, want nil", got)
	}
}
