package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"driveup/internal/auth"
	"driveup/internal/checkpoint"
	"driveup/internal/config"
	"driveup/internal/credentials"
	"driveup/internal/database"
	"driveup/internal/fs"
	"driveup/internal/mirror"
	"driveup/internal/remote"
	"driveup/internal/resumable"
	"driveup/internal/worker"
)

// Options carries what the CLI supplies besides the config file.
type Options struct {
	// Console receives log records at ConsoleLevel or above. Defaults to stderr.
	Console      io.Writer
	ConsoleLevel slog.Level

	// Passphrase unlocks age-encrypted credentials.
	Passphrase credentials.PassphraseFunc

	// Clock defaults to the real clock.
	Clock mirror.Clock

	// Remote replaces the backend built from config.
	Remote remote.Backend
}

// App is the application layer between the CLI and the mirror engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw job settings, and manages the history DB lifecycle on Close.
//
// The remote backend is built on first use, so commands that only read
// history or checkpoints never need credentials.
type App struct {
	cfg         *config.Config
	opts        Options
	history     *database.SQLiteHistory
	checkpoints *checkpoint.FileStore
	fsmgr       *fs.FilesystemManager
	clock       mirror.Clock
	logger      mirror.Logger
	logFile     *os.File

	mu     sync.Mutex
	remote remote.Backend
	syncer *mirror.Synchronizer
}

// NewApp creates an App from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "History").
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = mirror.NewRealClock()
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.LogDir, opID, opts.Console, opts.ConsoleLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl.With("operation", operation)}

	history, err := database.NewHistoryFromConfig(cfg.Database, cfg.HostID, opts.Clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating history database: %w", err)
	}
	if err := history.CheckMigrations(); err != nil {
		history.Close()
		logFile.Close()
		return nil, fmt.Errorf("history schema out of date: %w", err)
	}

	checkpoints, err := checkpoint.NewFileStore(cfg.Transfer.TempDir, logger)
	if err != nil {
		history.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating checkpoint store: %w", err)
	}

	return &App{
		cfg:         cfg,
		opts:        opts,
		history:     history,
		checkpoints: checkpoints,
		fsmgr:       fs.NewOSFilesystemManager(cfg.Filesystem.Ignore),
		clock:       opts.Clock,
		logger:      logger,
		logFile:     logFile,
		remote:      opts.Remote,
	}, nil
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// synchronizer builds the remote backend, the resumable engine and the
// synchronizer on first use.
func (a *App) synchronizer(ctx context.Context) (*mirror.Synchronizer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.syncer != nil {
		return a.syncer, nil
	}

	var authenticator mirror.Authenticator = mirror.NopAuthenticator{}
	if a.remote == nil {
		var headers remote.HeaderSource
		if a.cfg.Remote.Type == "drive" {
			provider, err := a.newAuthProvider(ctx)
			if err != nil {
				return nil, err
			}
			headers, authenticator = provider, provider
		}
		backend, err := remote.NewRemoteFromConfig(ctx, a.cfg, headers)
		if err != nil {
			return nil, fmt.Errorf("creating remote: %w", err)
		}
		a.remote = backend
	}

	t := a.cfg.Transfer
	engine, err := resumable.NewEngine(a.remote, a.checkpoints, authenticator, a.clock, a.logger, resumable.Options{
		ChunkSize:        t.ChunkSize,
		MaxChunkAttempts: t.ChunkRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating upload engine: %w", err)
	}
	a.syncer = mirror.NewSynchronizer(a.remote, engine, authenticator, a.fsmgr, a.logger, mirror.Options{
		LargeFileThreshold: t.LargeFileThreshold,
		MaxRetries:         t.MaxRetries,
	})
	return a.syncer, nil
}

// newAuthProvider loads the stored tokens and exchanges the refresh token
// for an access token, going through the proxy when one is configured.
func (a *App) newAuthProvider(ctx context.Context) (*auth.Provider, error) {
	store, err := credentials.NewStoreFromConfig(a.cfg.Auth, a.opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating credential store: %w", err)
	}

	client, err := a.httpClient()
	if err != nil {
		return nil, err
	}

	provider, err := auth.NewProvider(ctx, a.cfg.Auth, store,
		auth.WithHTTPClient(client),
		auth.WithLogger(a.logger),
		auth.WithSaver(store))
	if err != nil {
		if errors.Is(err, credentials.ErrNotConfigured) {
			return nil, fmt.Errorf("no credentials stored, run 'driveup auth set' first: %w", err)
		}
		return nil, err
	}
	return provider, nil
}

func (a *App) httpClient() (*http.Client, error) {
	proxy := a.cfg.Proxy.URL()
	if proxy == "" {
		return http.DefaultClient, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(u)
	return &http.Client{Transport: transport}, nil
}

// Sync mirrors one job and records the run in history. The returned error
// covers only failures to record the run or to reach the remote at all;
// per-path failures are in the operation's result.
func (a *App) Sync(ctx context.Context, job config.JobConfig, stop mirror.StopRequester, progress mirror.ProgressSink) (*SyncOperation, error) {
	op := NewSyncOperation(job)
	return op, a.syncOperation(ctx, op, stop, progress)
}

func (a *App) syncOperation(ctx context.Context, op *SyncOperation, stop mirror.StopRequester, progress mirror.ProgressSink) error {
	if err := op.start(a.history); err != nil {
		return err
	}

	err := a.run(ctx, op, stop, progress)
	if ferr := op.finish(a.history); ferr != nil {
		a.logger.Error("failed to record run", "job", op.Key(), "error", ferr)
		if err == nil {
			err = ferr
		}
	}
	return err
}

func (a *App) run(ctx context.Context, op *SyncOperation, stop mirror.StopRequester, progress mirror.ProgressSink) error {
	s, err := a.synchronizer(ctx)
	if err != nil {
		op.Fail(err)
		return err
	}

	result, err := s.Synchronize(ctx, op.Destination(), op.Job.Source, op.Job.Overwrite, stop, progress)
	if err != nil {
		a.logger.Error("sync could not start", "job", op.Key(), "error", err)
		op.Fail(err)
		return nil
	}
	op.Result = result
	return nil
}

// SyncAll runs every configured job on a worker pool. When ctx is cancelled,
// running jobs get the configured grace period to stop before their uploads
// are cancelled. Jobs sharing a source and destination run once; the
// duplicates are returned as failed operations.
func (a *App) SyncAll(ctx context.Context, stop mirror.StopRequester, progressFor func(config.JobConfig) mirror.ProgressSink) ([]*SyncOperation, error) {
	if len(a.cfg.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs configured", mirror.ErrInvalidArgument)
	}
	if progressFor == nil {
		progressFor = func(config.JobConfig) mirror.ProgressSink { return mirror.NopProgress{} }
	}

	pool := worker.NewPool(a.cfg.Transfer.Workers, a.clock, a.logger)
	defer pool.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if !pool.Shutdown(a.cfg.Transfer.ShutdownGrace.Duration) {
				a.logger.Warn("jobs still running after grace period, cancelling")
			}
		case <-done:
		}
	}()

	ops := make([]*SyncOperation, len(a.cfg.Jobs))
	seen := mapset.NewThreadUnsafeSet[string]()
	var firstErr error
	for i, job := range a.cfg.Jobs {
		op := NewSyncOperation(job)
		ops[i] = op
		if !seen.Add(op.Key()) {
			a.logger.Warn("skipping duplicate job", "job", job.Name, "key", op.Key())
			op.Fail(fmt.Errorf("%w: %s", worker.ErrDuplicateTask, op.Key()))
			continue
		}
		err := pool.Submit(worker.Task{
			Key: op.Key(),
			Run: func(taskCtx context.Context) error {
				return a.syncOperation(taskCtx, op, stop, progressFor(op.Job))
			},
		})
		if err != nil {
			op.Fail(err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, r := range pool.Wait() {
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
	}
	return ops, firstErr
}

// History returns the most recent runs.
func (a *App) History(limit int) ([]*mirror.RunRecord, error) {
	return a.history.ListRuns(limit)
}

// RunItems returns a run together with its recorded errors and warnings.
func (a *App) RunItems(id int64) (*mirror.RunRecord, []*mirror.RunItem, error) {
	run, err := a.history.FindRun(id)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("%w: no run with id %d", mirror.ErrInvalidArgument, id)
	}
	items, err := a.history.ListRunItems(id)
	if err != nil {
		return nil, nil, err
	}
	return run, items, nil
}

// Checkpoints lists the interrupted uploads that can still be resumed.
func (a *App) Checkpoints() ([]checkpoint.Entry, error) {
	return a.checkpoints.List()
}

// ClearCheckpoints removes stored checkpoints that no upload is using, so the
// next run starts those files over.
func (a *App) ClearCheckpoints() (int, error) {
	n, err := a.checkpoints.Clear()
	if err != nil {
		return n, err
	}
	a.logger.Info("checkpoints cleared", "count", n)
	return n, nil
}

// Close closes the history database and the log file.
func (a *App) Close() error {
	var firstErr error

	if err := a.history.Close(); err != nil {
		firstErr = fmt.Errorf("closing history database: %w", err)
	}

	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}

	return firstErr
}
