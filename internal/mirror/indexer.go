package mirror

import (
	"context"
	"errors"
	"fmt"
)

// DirectoryMapping maps absolute local directory paths to remote folders.
// It is built by one sync run and discarded when the run ends.
type DirectoryMapping map[string]*RemoteNode

// DirectoryIndexer makes sure a remote folder exists for every local directory.
type DirectoryIndexer struct {
	remote     RemoteStore
	auth       Authenticator
	logger     Logger
	maxRetries int
}

// NewDirectoryIndexer creates an indexer that creates folders in remote,
// refreshing auth when remote rejects the access token.
func NewDirectoryIndexer(remote RemoteStore, auth Authenticator, logger Logger, maxRetries int) *DirectoryIndexer {
	return &DirectoryIndexer{
		remote:     remote,
		auth:       auth,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// EnsureDirectoryTree maps each directory in dirs to a remote folder under
// remoteParent, creating folders that do not exist yet. dirs must be in
// pre-order with the local root first; the root is placed directly under
// remoteParent.
//
// The returned status is StatusCompleted, StatusStopped when a stop was
// requested, or StatusError when any directory could not be mapped. Per-path
// failures are recorded in result.
func (ix *DirectoryIndexer) EnsureDirectoryTree(ctx context.Context, dirs []*Path, remoteParent *RemoteNode, stop StopRequester, progress ProgressSink, result *OperationResult) (DirectoryMapping, Status) {
	mapping := make(DirectoryMapping, len(dirs)+1)
	if len(dirs) == 0 {
		return mapping, StatusCompleted
	}
	mapping[dirs[0].Parent()] = remoteParent

	progress.SetCurrentProgress(0)
	progress.SetTotalProgress(0)
	progress.SetStatus("Checking/creating directories structure...")

	status := StatusCompleted
	for i, dir := range dirs {
		if stopRequested(stop) || ctx.Err() != nil {
			progress.SetStatus("Stopped!")
			return mapping, StatusStopped
		}

		progress.SetCurrentProgress(0)
		progress.SetStatus(fmt.Sprintf("Checking/creating directories structure... (%s)", dir.Name()))

		parent, ok := mapping[dir.Parent()]
		if !ok {
			err := fmt.Errorf("%w: %s has no remote parent (parent path %s)", ErrInconsistent, dir, dir.Parent())
			ix.logger.Error("directory skipped", "path", dir.String(), "error", err)
			result.AddError(dir.String(), err)
			status = StatusError
			progress.SetTotalProgress(fraction(int64(i+1), int64(len(dirs))))
			continue
		}

		node, err := Retry(ctx, NewRetryCounter(ix.maxRetries), ix.auth, ix.logger, "ensure folder "+dir.String(),
			func(ctx context.Context) (*RemoteNode, error) {
				return ix.EnsureFolder(ctx, parent, dir.Name())
			})
		if err != nil {
			ix.logger.Error("creating remote directory failed", "path", dir.String(), "error", err)
			result.AddError(dir.String(), err)
			status = StatusError
			if errors.Is(err, ErrInconsistent) {
				// An ambiguous folder name leaves the skeleton unusable.
				return mapping, StatusError
			}
			progress.SetTotalProgress(fraction(int64(i+1), int64(len(dirs))))
			continue
		}

		mapping[dir.String()] = node
		progress.SetTotalProgress(fraction(int64(i+1), int64(len(dirs))))
		progress.SetCurrentProgress(1)
	}

	return mapping, status
}

// EnsureFolder returns the single folder titled title under parent, creating
// it when none exists. More than one match is an ErrInconsistent error.
func (ix *DirectoryIndexer) EnsureFolder(ctx context.Context, parent *RemoteNode, title string) (*RemoteNode, error) {
	folders, err := ix.remote.List(ctx, parent.ID, title, KindFolder)
	if err != nil {
		return nil, fmt.Errorf("listing folders named %q: %w", title, err)
	}

	switch len(folders) {
	case 0:
		ix.logger.Info("creating remote folder", "title", title, "parent", parent.Title)
		node, err := ix.remote.CreateFolder(ctx, parent.ID, title)
		if err != nil {
			return nil, fmt.Errorf("creating folder %q: %w", title, err)
		}
		return node, nil
	case 1:
		return folders[0], nil
	default:
		return nil, fmt.Errorf("%w: there are %d folders named %q under %q", ErrInconsistent, len(folders), title, parent.Title)
	}
}
