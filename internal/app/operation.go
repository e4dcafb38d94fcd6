package app

import (
	"fmt"
	"path/filepath"

	"driveup/internal/config"
	"driveup/internal/mirror"
)

// SyncOperation tracks one job while it runs: the history record it writes
// to and the result it ends with. A run that never started has no Run.
type SyncOperation struct {
	Job    config.JobConfig
	Run    *mirror.RunRecord
	Result *mirror.OperationResult
}

// NewSyncOperation creates an in-memory operation for job.
func NewSyncOperation(job config.JobConfig) *SyncOperation {
	return &SyncOperation{Job: job}
}

// Key identifies the job's source and destination pair. Two jobs with the
// same key would write into the same remote folder.
func (op *SyncOperation) Key() string {
	return jobKey(op.Job)
}

// Destination returns the remote folder the job targets.
func (op *SyncOperation) Destination() mirror.Destination {
	return mirror.Destination{ID: op.Job.DestinationID, Title: op.Job.Destination}
}

// Started returns true once the run has been recorded in history.
func (op *SyncOperation) Started() bool {
	return op.Run != nil
}

// Status is the final status, or UNKNOWN while the job has not finished.
func (op *SyncOperation) Status() mirror.Status {
	if op.Result == nil {
		return mirror.StatusUnknown
	}
	return op.Result.Status
}

// Fail replaces the result with one that carries err against the job source.
func (op *SyncOperation) Fail(err error) {
	result := mirror.NewOperationResult()
	result.AddError(op.Job.Source, err)
	result.Status = mirror.StatusError
	op.Result = result
}

func jobKey(job config.JobConfig) string {
	dest := job.DestinationID
	if dest == "" {
		dest = job.Destination
	}
	return filepath.Clean(job.Source) + " -> " + dest
}

// start records the run in history.
func (op *SyncOperation) start(history mirror.History) error {
	if op.Started() {
		return nil
	}
	run, err := history.StartRun(op.Job.Name, op.Job.Source, op.Destination().String())
	if err != nil {
		return fmt.Errorf("recording start of %s: %w", op.Key(), err)
	}
	op.Run = run
	return nil
}

// finish stores the result in history. A job that ended without a result is
// recorded as an error.
func (op *SyncOperation) finish(history mirror.History) error {
	if !op.Started() {
		return nil
	}
	if op.Result == nil {
		op.Fail(fmt.Errorf("run ended without a result"))
	}
	if err := history.FinishRun(op.Run, op.Result); err != nil {
		return fmt.Errorf("recording end of %s: %w", op.Key(), err)
	}
	return nil
}
