package mirror_test

import (
	"errors"
	"strings"
	"testing"

	"driveup/internal/mirror"
)

func TestOperationResultFinish(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *mirror.OperationResult)
		want    mirror.Status
		summary string
	}{
		{
			name:    "clean run",
			setup:   func(*mirror.OperationResult) {},
			want:    mirror.StatusCompleted,
			summary: "Complete!",
		},
		{
			name:    "warnings only",
			setup:   func(r *mirror.OperationResult) { r.AddWarning("/a", "duplicates") },
			want:    mirror.StatusWarning,
			summary: "Complete! There are 1 warnings...",
		},
		{
			name: "errors and warnings",
			setup: func(r *mirror.OperationResult) {
				r.AddWarning("/a", "duplicates")
				r.AddError("/b", errors.New("boom"))
				r.AddError("/c", errors.New("boom"))
			},
			want:    mirror.StatusError,
			summary: "Complete! Errors occurred. 2 files were not transferred... There are 1 warnings...",
		},
		{
			name: "stopped stays stopped",
			setup: func(r *mirror.OperationResult) {
				r.Status = mirror.StatusStopped
				r.AddError("/b", errors.New("boom"))
			},
			want:    mirror.StatusStopped,
			summary: "Stopped!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mirror.NewOperationResult()
			tt.setup(r)
			r.Finish()
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s", r.Status, tt.want)
			}
			if got := r.Summary(); got != tt.summary {
				t.Errorf("Summary() = %q, want %q", got, tt.summary)
			}
		})
	}
}

func TestOperationResultPathsAreSorted(t *testing.T) {
	r := mirror.NewOperationResult()
	r.AddError("/z", errors.New("x"))
	r.AddError("/a", errors.New("x"))
	r.AddWarning("/m", "w")
	r.AddWarning("/b", "w")

	if got := strings.Join(r.ErrorPaths(), ","); got != "/a,/z" {
		t.Errorf("ErrorPaths() = %s, want /a,/z", got)
	}
	if got := strings.Join(r.WarningPaths(), ","); got != "/b,/m" {
		t.Errorf("WarningPaths() = %s, want /b,/m", got)
	}
}
