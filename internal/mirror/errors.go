package mirror

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a missing or malformed input. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInconsistent marks a structural problem with the remote tree, such as
	// two folders with the same title under one parent, or a local directory
	// whose parent was never mapped.
	ErrInconsistent = errors.New("inconsistent remote structure")

	// ErrIntegrity is returned when an uploaded object's fingerprint does not
	// match the local content.
	ErrIntegrity = errors.New("fingerprint mismatch")

	// ErrSessionGone is returned when the remote no longer knows an upload session.
	ErrSessionGone = errors.New("upload session not found")

	// ErrStopped is returned when a stop was requested before work could continue.
	ErrStopped = errors.New("stop requested")

	// ErrUnauthenticated is returned when no usable access token is held.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrNotFound is returned when a remote node does not exist.
	ErrNotFound = errors.New("remote node not found")
)

// RemoteError is a decodable error response from the remote store.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: remote returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: remote returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets callers match a 404 response with ErrNotFound and a 401 response
// with ErrUnauthenticated.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrUnauthenticated:
		return e.StatusCode == 401
	}
	return false
}

// TransferError reports a failed large-file transfer. A resumable failure
// keeps its checkpoint so the next attempt continues from the committed offset.
type TransferError struct {
	Path      string
	Resumable bool
	Err       error
}

func (e *TransferError) Error() string {
	kind := "terminal"
	if e.Resumable {
		kind = "resumable"
	}
	return fmt.Sprintf("transfer of %s failed (%s): %v", e.Path, kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
