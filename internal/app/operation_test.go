package app

import (
	"errors"
	"testing"

	"driveup/internal/config"
	"driveup/internal/mirror"
	"driveup/internal/testutil"
)

func TestSyncOperation_Key(t *testing.T) {
	tests := []struct {
		name string
		job  config.JobConfig
		want string
	}{
		{
			name: "destination title",
			job:  config.JobConfig{Source: "/home/user/docs/", Destination: "Backups"},
			want: "/home/user/docs -> Backups",
		},
		{
			name: "destination id wins over title",
			job:  config.JobConfig{Source: "/home/user/docs", Destination: "Backups", DestinationID: "folder-1"},
			want: "/home/user/docs -> folder-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewSyncOperation(tt.job)
			if got := op.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSyncOperation_Lifecycle(t *testing.T) {
	history := testutil.NewTestHistory(t)
	op := NewSyncOperation(config.JobConfig{Name: "docs", Source: "/home/user/docs", Destination: "Backups"})

	if op.Started() {
		t.Fatal("Started() = true before start")
	}
	if op.Status() != mirror.StatusUnknown {
		t.Errorf("Status() = %s, want %s", op.Status(), mirror.StatusUnknown)
	}

	if err := op.start(history); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if !op.Started() {
		t.Fatal("Started() = false after start")
	}

	result := mirror.NewOperationResult()
	result.AddWarning("/home/user/docs/a.txt", "skipped")
	result.Finish()
	op.Result = result

	if err := op.finish(history); err != nil {
		t.Fatalf("finish() error = %v", err)
	}

	runs, err := history.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Job != "docs" || runs[0].Destination != "Backups" {
		t.Errorf("run = %+v", runs[0])
	}
	if runs[0].Status != mirror.StatusWarning {
		t.Errorf("Status = %s, want %s", runs[0].Status, mirror.StatusWarning)
	}
}

func TestSyncOperation_FinishWithoutResult(t *testing.T) {
	history := testutil.NewTestHistory(t)
	op := NewSyncOperation(config.JobConfig{Name: "docs", Source: "/src", Destination: "Backups"})

	if err := op.finish(history); err != nil {
		t.Fatalf("finish() before start error = %v", err)
	}

	if err := op.start(history); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if err := op.finish(history); err != nil {
		t.Fatalf("finish() error = %v", err)
	}
	if op.Status() != mirror.StatusError {
		t.Errorf("Status() = %s, want %s", op.Status(), mirror.StatusError)
	}

	items, err := history.ListRunItems(op.Run.ID)
	if err != nil {
		t.Fatalf("ListRunItems() error = %v", err)
	}
	if len(items) != 1 || items[0].Path != "/src" || items[0].Kind != mirror.ItemError {
		t.Errorf("items = %+v", items)
	}
}

func TestSyncOperation_Fail(t *testing.T) {
	op := NewSyncOperation(config.JobConfig{Source: "/src", Destination: "Backups"})
	op.Fail(mirror.ErrInvalidArgument)

	if op.Status() != mirror.StatusError {
		t.Errorf("Status() = %s, want %s", op.Status(), mirror.StatusError)
	}
	if !errors.Is(op.Result.Errors["/src"], mirror.ErrInvalidArgument) {
		t.Errorf("Errors = %v", op.Result.Errors)
	}
}
