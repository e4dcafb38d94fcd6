// Package resumable uploads large files through a checkpointed, chunked
// session that survives network failures and process restarts.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"driveup/internal/mirror"
)

const (
	// ChunkGranularity is the unit every chunk size must be a multiple of.
	ChunkGranularity int64 = 512 * 1024
	// DefaultChunkSize is the number of bytes sent per request.
	DefaultChunkSize = 20 * ChunkGranularity

	DefaultMaxChunkAttempts = 5
	DefaultMaxRefreshes     = 3
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	ChunkSize        int64
	MaxChunkAttempts int
	MaxRefreshes     int
}

// Engine drives resumable upload sessions. One Engine may run several
// uploads concurrently as long as they target different checkpoint keys.
type Engine struct {
	protocol     mirror.SessionProtocol
	checkpoints  mirror.CheckpointStore
	auth         mirror.Authenticator
	clock        mirror.Clock
	logger       mirror.Logger
	chunkSize    int64
	maxAttempts  int
	maxRefreshes int
}

// NewEngine creates an Engine. The chunk size must be a positive multiple of
// ChunkGranularity.
func NewEngine(protocol mirror.SessionProtocol, checkpoints mirror.CheckpointStore, auth mirror.Authenticator, clock mirror.Clock, logger mirror.Logger, opts Options) (*Engine, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize < 0 || opts.ChunkSize%ChunkGranularity != 0 {
		return nil, fmt.Errorf("%w: chunk size %d is not a multiple of %d", mirror.ErrInvalidArgument, opts.ChunkSize, ChunkGranularity)
	}
	if opts.MaxChunkAttempts <= 0 {
		opts.MaxChunkAttempts = DefaultMaxChunkAttempts
	}
	if opts.MaxRefreshes <= 0 {
		opts.MaxRefreshes = DefaultMaxRefreshes
	}
	if auth == nil {
		auth = mirror.NopAuthenticator{}
	}

	return &Engine{
		protocol:     protocol,
		checkpoints:  checkpoints,
		auth:         auth,
		clock:        clock,
		logger:       logger,
		chunkSize:    opts.ChunkSize,
		maxAttempts:  opts.MaxChunkAttempts,
		maxRefreshes: opts.MaxRefreshes,
	}, nil
}

// session is the in-memory state of one upload.
type session struct {
	req         mirror.UploadRequest
	key         string
	file        mirror.File
	size        int64
	fingerprint string
	handle      string
	offset      int64
	attempts    int
	refreshes   int
	state       state
	// afterRefresh is where TOKEN_REFRESH hands control back to.
	afterRefresh state
	buf          []byte
	node         *mirror.RemoteNode
	err          error
}

func (s *session) fail(next state, err error) state {
	s.err = err
	return next
}

// Upload transfers req.File through a resumable session. The returned error
// is a *mirror.TransferError; its Resumable flag says whether the checkpoint
// was kept for a later attempt.
func (e *Engine) Upload(ctx context.Context, req mirror.UploadRequest) (*mirror.RemoteNode, error) {
	if req.File == nil || req.Title == "" {
		return nil, fmt.Errorf("%w: upload request needs a file and a title", mirror.ErrInvalidArgument)
	}
	if req.FileID == "" && req.ParentID == "" {
		return nil, fmt.Errorf("%w: upload request needs a parent or a file id", mirror.ErrInvalidArgument)
	}

	key := req.CheckpointKey()
	unlock, err := e.checkpoints.Lock(key)
	if err != nil {
		return nil, mirror.Permanent(fmt.Errorf("locking checkpoint for %s: %w", req.File, err))
	}
	defer func() {
		if err := unlock(); err != nil {
			e.logger.Warn("failed to release checkpoint lock", "key", key, "error", err)
		}
	}()

	f, err := req.File.Open()
	if err != nil {
		return nil, &mirror.TransferError{Path: req.File.String(), Err: fmt.Errorf("opening file: %w", err)}
	}
	defer f.Close()

	s := &session{
		req:   req,
		key:   key,
		file:  f,
		size:  req.File.Size(),
		state: stateInit,
		buf:   make([]byte, e.chunkSize),
	}

	for !s.state.final() {
		next := e.step(ctx, s)
		e.logger.Debug("upload state", "path", req.File.String(), "from", s.state.String(), "to", next.String(), "offset", s.offset)
		s.state = next
	}

	switch s.state {
	case stateDone:
		e.discardCheckpoint(s)
		e.logger.Info("large file uploaded", "path", req.File.String(), "id", s.node.ID, "size", s.size)
		return s.node, nil
	case stateFailedTerminal:
		e.discardCheckpoint(s)
		e.logger.Error("large file upload failed", "path", req.File.String(), "error", s.err)
		return nil, &mirror.TransferError{Path: req.File.String(), Err: s.err}
	default:
		e.logger.Warn("large file upload interrupted, checkpoint kept", "path", req.File.String(), "offset", s.offset, "error", s.err)
		return nil, &mirror.TransferError{Path: req.File.String(), Resumable: true, Err: s.err}
	}
}

func (e *Engine) discardCheckpoint(s *session) {
	if err := e.checkpoints.Delete(s.key); err != nil {
		e.logger.Warn("failed to delete checkpoint", "key", s.key, "error", err)
	}
}

// step performs the work of the current state and returns the next one.
func (e *Engine) step(ctx context.Context, s *session) state {
	switch s.state {
	case stateInit:
		return e.resolveSession(ctx, s)
	case stateSessionResolved:
		return e.queryOffset(ctx, s)
	case stateUploading:
		return e.uploadChunk(ctx, s)
	case stateBackoffWait:
		return e.backoff(ctx, s)
	case stateTokenRefresh:
		return e.refreshToken(ctx, s)
	case stateVerifying:
		return e.verify(ctx, s)
	default:
		return s.fail(stateFailedTerminal, fmt.Errorf("upload engine reached unknown state %d", s.state))
	}
}

// resolveSession reuses the checkpointed session or creates a new one. A new
// session is checkpointed before any content is sent.
func (e *Engine) resolveSession(ctx context.Context, s *session) state {
	cp, err := e.checkpoints.Load(s.key)
	if err != nil {
		return s.fail(stateFailedResumable, fmt.Errorf("loading checkpoint: %w", err))
	}
	if cp != nil {
		s.fingerprint = cp.Fingerprint
		s.handle = cp.SessionURI
		e.logger.Info("resuming upload", "path", s.req.File.String(), "key", s.key)
		return stateSessionResolved
	}

	fp, err := s.req.File.Fingerprint()
	if err != nil {
		return s.fail(stateFailedTerminal, fmt.Errorf("fingerprinting file: %w", err))
	}
	s.fingerprint = fp

	handle, err := e.protocol.CreateSession(ctx, mirror.SessionTarget{
		Title:    s.req.Title,
		MimeType: s.req.MimeType,
		ParentID: s.req.ParentID,
		FileID:   s.req.FileID,
		Size:     s.size,
	})
	if err != nil {
		var re *mirror.RemoteError
		switch {
		case errors.As(err, &re) && re.StatusCode == 401:
			s.afterRefresh = stateInit
			return stateTokenRefresh
		case errors.Is(err, mirror.ErrNotFound):
			return s.fail(stateFailedTerminal, fmt.Errorf("creating upload session: %w", err))
		}
		return s.fail(stateFailedResumable, fmt.Errorf("creating upload session: %w", err))
	}
	s.handle = handle

	if err := e.checkpoints.Save(s.key, mirror.Checkpoint{Fingerprint: s.fingerprint, SessionURI: handle}); err != nil {
		return s.fail(stateFailedResumable, fmt.Errorf("saving checkpoint: %w", err))
	}
	e.logger.Info("upload session created", "path", s.req.File.String(), "key", s.key)
	return stateSessionResolved
}

// queryOffset asks the remote how far the session got.
func (e *Engine) queryOffset(ctx context.Context, s *session) state {
	status, err := e.protocol.QueryOffset(ctx, s.handle, s.size)
	if err != nil {
		return s.fail(stateFailedResumable, fmt.Errorf("querying upload offset: %w", err))
	}

	switch {
	case status.StatusCode == 401:
		s.afterRefresh = stateSessionResolved
		return stateTokenRefresh
	case status.StatusCode == 404 || status.StatusCode == 410:
		return s.fail(stateFailedTerminal, mirror.ErrSessionGone)
	case status.Offset < 0 || status.Offset > s.size:
		return s.fail(stateFailedResumable, fmt.Errorf("indeterminate upload offset (status %d)", status.StatusCode))
	}

	s.offset = status.Offset
	e.report(s)
	if s.offset == s.size {
		return stateVerifying
	}
	return stateUploading
}

// uploadChunk sends the chunk at the committed offset.
func (e *Engine) uploadChunk(ctx context.Context, s *session) state {
	if stopRequested(s.req.Stop) {
		return s.fail(stateFailedResumable, mirror.ErrStopped)
	}
	if err := ctx.Err(); err != nil {
		return s.fail(stateFailedResumable, err)
	}

	n := min(e.chunkSize, s.size-s.offset)
	chunk := s.buf[:n]
	read, err := s.file.ReadAt(chunk, s.offset)
	if int64(read) != n || (err != nil && !errors.Is(err, io.EOF)) {
		return s.fail(stateFailedTerminal, fmt.Errorf("reading %d bytes at offset %d: got %d: %v", n, s.offset, read, err))
	}

	status, err := e.protocol.PutChunk(ctx, s.handle, s.offset, chunk, s.size)
	if ctx.Err() != nil {
		return s.fail(stateFailedResumable, ctx.Err())
	}

	switch outcome := classifyChunk(status, err); outcome {
	case outcomeAdvance:
		s.attempts = 0
		return stateSessionResolved
	case outcomeComplete:
		s.offset = s.size
		e.report(s)
		return stateVerifying
	case outcomeRefresh:
		s.afterRefresh = stateSessionResolved
		return stateTokenRefresh
	case outcomeGone:
		return s.fail(stateFailedTerminal, mirror.ErrSessionGone)
	default:
		s.attempts++
		cause := chunkError(status, err)
		if s.attempts >= e.maxAttempts {
			return s.fail(stateFailedResumable, fmt.Errorf("chunk at offset %d failed %d times: %w", s.offset, s.attempts, cause))
		}
		e.logger.Warn("chunk upload failed", "path", s.req.File.String(), "offset", s.offset, "attempt", s.attempts, "outcome", outcome.String(), "error", cause)
		if outcome == outcomeBackoff {
			return stateBackoffWait
		}
		return stateSessionResolved
	}
}

// backoff waits 2^attempts seconds before the offset is queried again.
func (e *Engine) backoff(ctx context.Context, s *session) state {
	wait := backoffDelay(s.attempts)
	e.logger.Info("exponential backoff", "path", s.req.File.String(), "wait", wait.String())

	select {
	case <-e.clock.After(wait):
		return stateSessionResolved
	case <-ctx.Done():
		return s.fail(stateFailedResumable, ctx.Err())
	}
}

// refreshToken renews the access token. Refreshes are bounded per session
// and do not count as chunk attempts.
func (e *Engine) refreshToken(ctx context.Context, s *session) state {
	if s.refreshes >= e.maxRefreshes {
		return s.fail(stateFailedResumable, fmt.Errorf("%w: token rejected after %d refreshes", mirror.ErrUnauthenticated, s.refreshes))
	}
	s.refreshes++

	e.logger.Info("access token expired, refreshing", "path", s.req.File.String(), "refresh", s.refreshes)
	if err := e.auth.Refresh(ctx); err != nil {
		return s.fail(stateFailedResumable, fmt.Errorf("refreshing access token: %w", err))
	}
	return s.afterRefresh
}

// verify compares the remote fingerprint of the finished object with the local one.
func (e *Engine) verify(ctx context.Context, s *session) state {
	node, err := e.protocol.Complete(ctx, s.handle, s.size)
	if err != nil {
		var re *mirror.RemoteError
		switch {
		case errors.As(err, &re) && re.StatusCode == 401:
			s.afterRefresh = stateVerifying
			return stateTokenRefresh
		case errors.Is(err, mirror.ErrNotFound):
			return s.fail(stateFailedTerminal, fmt.Errorf("%w: %v", mirror.ErrSessionGone, err))
		}
		return s.fail(stateFailedResumable, fmt.Errorf("fetching uploaded file: %w", err))
	}

	if node.Fingerprint != s.fingerprint {
		return s.fail(stateFailedTerminal, fmt.Errorf("%w: local %s, remote %s", mirror.ErrIntegrity, s.fingerprint, node.Fingerprint))
	}
	s.node = node
	return stateDone
}

// backoffDelay is the wait before retrying a chunk that failed attempts times.
func backoffDelay(attempts int) time.Duration {
	return time.Duration(1<<attempts) * time.Second
}

func (e *Engine) report(s *session) {
	if s.req.Progress != nil {
		s.req.Progress(s.offset, s.size)
	}
}

func stopRequested(s mirror.StopRequester) bool {
	return s != nil && s.IsStopRequested()
}

func chunkError(status int, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("remote returned status %d", status)
}

// Compile-time check that Engine implements mirror.LargeFileUploader.
var _ mirror.LargeFileUploader = (*Engine)(nil)
