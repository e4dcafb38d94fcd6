package mirror

import "time"

// RunRecord is one sync run as stored in the history database.
type RunRecord struct {
	ID          int64
	Job         string
	Source      string
	Destination string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      Status
}

// ItemKind distinguishes per-path errors from warnings in a run record.
type ItemKind string

const (
	ItemError   ItemKind = "error"
	ItemWarning ItemKind = "warning"
)

// RunItem is a per-path error or warning recorded for a run.
type RunItem struct {
	RunID   int64
	Path    string
	Kind    ItemKind
	Message string
}

// History records sync runs and their outcomes.
type History interface {
	// StartRun records the start of a run with status UNKNOWN.
	StartRun(job, source, destination string) (*RunRecord, error)

	// FinishRun stores the final status of run along with the per-path
	// errors and warnings from result.
	FinishRun(run *RunRecord, result *OperationResult) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*RunRecord, error)

	// ListRunItems returns the errors and warnings recorded for a run.
	ListRunItems(runID int64) ([]*RunItem, error)

	// Close closes the underlying storage.
	Close() error
}
