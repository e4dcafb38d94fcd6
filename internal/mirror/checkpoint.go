package mirror

import (
	"context"
	"path/filepath"
)

// Checkpoint is the persisted half of an upload session: enough to resume
// the transfer after a restart.
type Checkpoint struct {
	Fingerprint string
	SessionURI  string
}

// CheckpointStore persists checkpoints keyed by target filename.
type CheckpointStore interface {
	// Load returns the checkpoint for key, or nil if there is none.
	Load(key string) (*Checkpoint, error)

	// Save writes the checkpoint for key, replacing any previous one.
	Save(key string, cp Checkpoint) error

	// Delete removes the checkpoint for key. Deleting a missing key is not an error.
	Delete(key string) error

	// Lock takes an exclusive lock on key for the duration of a session.
	Lock(key string) (unlock func() error, err error)
}

// InsertCheckpointKey is the checkpoint key for a new file called title.
func InsertCheckpointKey(title string) string {
	return title + ".tmp"
}

// UpdateCheckpointKey is the checkpoint key for replacing the content of an
// existing file from the local file at localPath.
func UpdateCheckpointKey(localPath string) string {
	return filepath.Base(localPath) + "-update.tmp"
}

// UploadRequest describes one large-file transfer.
type UploadRequest struct {
	File     *LocalFile
	Title    string
	MimeType string
	ParentID string
	// FileID is set when overwriting an existing remote file.
	FileID   string
	Stop     StopRequester
	Progress func(sent, total int64)
}

// CheckpointKey returns the key this request's session is stored under.
func (r UploadRequest) CheckpointKey() string {
	if r.FileID != "" {
		return UpdateCheckpointKey(r.File.String())
	}
	return InsertCheckpointKey(r.Title)
}

// LargeFileUploader uploads files above the large-file threshold.
type LargeFileUploader interface {
	Upload(ctx context.Context, req UploadRequest) (*RemoteNode, error)
}
