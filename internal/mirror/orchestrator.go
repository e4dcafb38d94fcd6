package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultLargeFileThreshold is the size above which files go through a
	// resumable session instead of a single request.
	DefaultLargeFileThreshold int64 = 30 * 1024 * 1024

	defaultMimeType = "application/octet-stream"
)

// Destination names the remote folder a local tree is mirrored into. When ID
// is empty, a folder called Title is found or created under the remote root.
type Destination struct {
	ID    string
	Title string
}

func (d Destination) String() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Title
}

// Options tunes a Synchronizer.
type Options struct {
	LargeFileThreshold int64
	MaxRetries         int
}

// Synchronizer mirrors a local directory tree into a remote store. Each call
// to Synchronize is one run: directories first, then files, one at a time.
type Synchronizer struct {
	remote     RemoteStore
	large      LargeFileUploader
	auth       Authenticator
	fsmgr      FilesystemManager
	logger     Logger
	indexer    *DirectoryIndexer
	resolver   *ConflictResolver
	threshold  int64
	maxRetries int
}

// NewSynchronizer creates a Synchronizer with the provided dependencies. auth
// renews the access token when remote rejects it and may be nil for backends
// without tokens.
func NewSynchronizer(remote RemoteStore, large LargeFileUploader, auth Authenticator, fsmgr FilesystemManager, logger Logger, opts Options) *Synchronizer {
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Synchronizer{
		remote:     remote,
		large:      large,
		auth:       auth,
		fsmgr:      fsmgr,
		logger:     logger,
		indexer:    NewDirectoryIndexer(remote, auth, logger, opts.MaxRetries),
		resolver:   NewConflictResolver(remote, logger),
		threshold:  opts.LargeFileThreshold,
		maxRetries: opts.MaxRetries,
	}
}

// Synchronize mirrors localRoot into dest. The local root itself becomes a
// folder under dest.
//
// An error is returned only when the arguments are unusable; failures of
// individual directories and files are recorded in the result. A run stops
// early with StatusStopped when stop trips or ctx is cancelled, and with
// StatusError when the directory structure could not be built.
func (s *Synchronizer) Synchronize(ctx context.Context, dest Destination, localRoot string, overwrite bool, stop StopRequester, progress ProgressSink) (*OperationResult, error) {
	if localRoot == "" {
		return nil, fmt.Errorf("%w: local root is required", ErrInvalidArgument)
	}
	if dest.ID == "" && dest.Title == "" {
		return nil, fmt.Errorf("%w: remote destination is required", ErrInvalidArgument)
	}
	if progress == nil {
		progress = NopProgress{}
	}

	root, err := s.fsmgr.Resolve(localRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: local root: %v", ErrInvalidArgument, err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("%w: local root is not a directory: %s", ErrInvalidArgument, root)
	}

	destNode, err := s.resolveDestination(ctx, dest)
	if err != nil {
		return nil, err
	}

	listing, err := s.fsmgr.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}

	s.logger.Info("sync started", "source", root.String(), "destination", destNode.Title,
		"directories", len(listing.Dirs), "files", len(listing.Files), "overwrite", overwrite)

	result := NewOperationResult()
	for path, err := range listing.Unreadable {
		s.logger.Error("local path skipped", "path", path, "error", err)
		result.AddError(path, fmt.Errorf("reading local path: %w", err))
	}

	mapping, status := s.indexer.EnsureDirectoryTree(ctx, listing.Dirs, destNode, stop, progress, result)
	if status == StatusStopped || status == StatusError {
		result.Status = status
		s.logger.Warn("sync ended during directory phase", "status", string(status))
		return result, nil
	}

	s.uploadFiles(ctx, mapping, listing.Files, overwrite, stop, progress, result)
	if result.Status == StatusStopped {
		return result, nil
	}

	result.Finish()
	progress.SetStatus(result.Summary())
	s.logger.Info("sync finished", "status", string(result.Status),
		"errors", len(result.Errors), "warnings", len(result.Warnings))
	return result, nil
}

func (s *Synchronizer) uploadFiles(ctx context.Context, mapping DirectoryMapping, files []*Path, overwrite bool, stop StopRequester, progress ProgressSink, result *OperationResult) {
	progress.SetCurrentProgress(0)
	progress.SetTotalProgress(0)
	progress.SetStatus("Transfering files...")

	for i, p := range files {
		if stopRequested(stop) || ctx.Err() != nil {
			s.markStopped(progress, result)
			return
		}
		progress.SetStatus(fmt.Sprintf("Transfering files (%s - size: %s)", p.Name(), humanize.Bytes(uint64(p.Info().Size()))))

		if stopped := s.syncFile(ctx, mapping, p, overwrite, stop, progress, result); stopped {
			s.markStopped(progress, result)
			return
		}

		progress.SetTotalProgress(fraction(int64(i+1), int64(len(files))))
		progress.SetStatus("Transfering files...")
	}
}

// syncFile transfers one file and records its failure in result. It reports
// whether the run was stopped while the file was in flight.
func (s *Synchronizer) syncFile(ctx context.Context, mapping DirectoryMapping, p *Path, overwrite bool, stop StopRequester, progress ProgressSink, result *OperationResult) bool {
	parent, ok := mapping[p.Parent()]
	if !ok {
		err := fmt.Errorf("%w: %s has no remote parent (parent path %s)", ErrInconsistent, p, p.Parent())
		s.logger.Error("file skipped", "path", p.String(), "error", err)
		result.AddError(p.String(), err)
		return false
	}

	file := NewLocalFile(p, s.fsmgr)
	_, err := Retry(ctx, NewRetryCounter(s.maxRetries), s.auth, s.logger, "transfer "+p.String(),
		func(ctx context.Context) (*RemoteNode, error) {
			return s.transferFile(ctx, parent, file, overwrite, stop, progress, result)
		})
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStopped) || ctx.Err() != nil {
		return true
	}
	s.logger.Error("transferring file failed", "path", p.String(), "error", err)
	result.AddError(p.String(), err)
	return false
}

func (s *Synchronizer) markStopped(progress ProgressSink, result *OperationResult) {
	progress.SetStatus("Stopped!")
	result.Status = StatusStopped
	s.logger.Warn("sync stopped on request")
}

// transferFile resolves conflicts for one file and uploads it if needed.
func (s *Synchronizer) transferFile(ctx context.Context, parent *RemoteNode, file *LocalFile, overwrite bool, stop StopRequester, progress ProgressSink, result *OperationResult) (*RemoteNode, error) {
	res, err := s.resolver.Resolve(ctx, parent, file, overwrite)
	if err != nil {
		return nil, err
	}
	if res.Warning != "" {
		result.AddWarning(file.String(), res.Warning)
	}

	switch res.Action {
	case ActionSkip:
		progress.SetCurrentProgress(1)
		return res.Existing, nil
	case ActionOverwrite:
		return s.upload(ctx, parent, res.Existing.ID, file, stop, progress)
	default:
		return s.upload(ctx, parent, "", file, stop, progress)
	}
}

// upload sends file as a new child of parent, or as the new content of
// fileID when set. Files above the threshold use a resumable session.
func (s *Synchronizer) upload(ctx context.Context, parent *RemoteNode, fileID string, file *LocalFile, stop StopRequester, progress ProgressSink) (*RemoteNode, error) {
	mimeType, err := s.fsmgr.DetectMimeType(file.Path)
	if err != nil {
		s.logger.Warn("could not detect content type", "path", file.String(), "error", err)
		mimeType = defaultMimeType
	}

	report := func(sent, total int64) {
		progress.SetCurrentProgress(fraction(sent, total))
	}
	progress.SetCurrentProgress(0)

	if file.Size() > s.threshold {
		s.logger.Info("uploading large file", "path", file.String(), "size", file.Size(), "update", fileID != "")
		return s.large.Upload(ctx, UploadRequest{
			File:     file,
			Title:    file.Name(),
			MimeType: mimeType,
			ParentID: parent.ID,
			FileID:   fileID,
			Stop:     stop,
			Progress: report,
		})
	}

	r, err := file.Open()
	if err != nil {
		return nil, Permanent(fmt.Errorf("opening %s: %w", file, err))
	}
	defer r.Close()

	content := Content{
		Title:    file.Name(),
		MimeType: mimeType,
		Size:     file.Size(),
		Body:     newProgressReader(r, file.Size(), report),
	}

	var node *RemoteNode
	if fileID != "" {
		s.logger.Info("updating file", "path", file.String(), "id", fileID)
		node, err = s.remote.UpdateFile(ctx, fileID, content)
	} else {
		s.logger.Info("uploading file", "path", file.String(), "parent", parent.Title)
		node, err = s.remote.InsertFile(ctx, parent.ID, content)
	}
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", file, err)
	}
	return node, nil
}

// resolveDestination fetches dest by id, or finds or creates it by title
// under the remote root.
func (s *Synchronizer) resolveDestination(ctx context.Context, dest Destination) (*RemoteNode, error) {
	counter := NewRetryCounter(s.maxRetries)

	if dest.ID != "" {
		return Retry(ctx, counter, s.auth, s.logger, "get destination", func(ctx context.Context) (*RemoteNode, error) {
			node, err := s.remote.Get(ctx, dest.ID)
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: destination %s does not exist", ErrInvalidArgument, dest.ID)
			}
			if err != nil {
				return nil, fmt.Errorf("fetching destination %s: %w", dest.ID, err)
			}
			if !node.IsFolder() {
				return nil, fmt.Errorf("%w: destination %s is not a folder", ErrInvalidArgument, dest.ID)
			}
			return node, nil
		})
	}

	title := filepath.Base(dest.Title)
	return Retry(ctx, counter, s.auth, s.logger, "ensure destination", func(ctx context.Context) (*RemoteNode, error) {
		root, err := s.remote.Root(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching remote root: %w", err)
		}
		return s.indexer.EnsureFolder(ctx, root, title)
	})
}
