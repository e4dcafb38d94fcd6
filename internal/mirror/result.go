package mirror

import (
	"fmt"
	"sort"
	"strings"
)

// Status is the completion status of a sync run.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
	StatusWarning   Status = "WARNING"
)

// OperationResult is the outcome of one sync run: an aggregate status plus
// per-path errors and warnings. It is owned by the run that creates it.
type OperationResult struct {
	Status   Status
	Errors   map[string]error
	Warnings map[string]string
}

// NewOperationResult returns an empty result with status UNKNOWN.
func NewOperationResult() *OperationResult {
	return &OperationResult{
		Status:   StatusUnknown,
		Errors:   make(map[string]error),
		Warnings: make(map[string]string),
	}
}

// AddError records a failure for path and marks the run as failed.
func (r *OperationResult) AddError(path string, err error) {
	r.Errors[path] = err
	if r.Status != StatusStopped {
		r.Status = StatusError
	}
}

// AddWarning records a warning for path.
func (r *OperationResult) AddWarning(path, message string) {
	r.Warnings[path] = message
}

func (r *OperationResult) HasErrors() bool   { return len(r.Errors) > 0 }
func (r *OperationResult) HasWarnings() bool { return len(r.Warnings) > 0 }

// Finish derives the final status of a run that was not stopped.
func (r *OperationResult) Finish() {
	switch {
	case r.Status == StatusStopped:
	case r.HasErrors():
		r.Status = StatusError
	case r.HasWarnings():
		r.Status = StatusWarning
	default:
		r.Status = StatusCompleted
	}
}

// Summary is the one-line status shown when a run ends.
func (r *OperationResult) Summary() string {
	if r.Status == StatusStopped {
		return "Stopped!"
	}
	var sb strings.Builder
	sb.WriteString("Complete!")
	if r.HasErrors() {
		fmt.Fprintf(&sb, " Errors occurred. %d files were not transferred...", len(r.Errors))
	}
	if r.HasWarnings() {
		fmt.Fprintf(&sb, " There are %d warnings...", len(r.Warnings))
	}
	return sb.String()
}

// ErrorPaths returns the paths with errors in sorted order.
func (r *OperationResult) ErrorPaths() []string {
	return sortedKeys(r.Errors)
}

// WarningPaths returns the paths with warnings in sorted order.
func (r *OperationResult) WarningPaths() []string {
	return sortedKeys(r.Warnings)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
