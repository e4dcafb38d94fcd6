package resumable_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"driveup/internal/checkpoint"
	"driveup/internal/mirror"
	"driveup/internal/remote"
	"driveup/internal/resumable"
	"driveup/internal/testutil"
)

const testChunk = resumable.ChunkGranularity

type fixture struct {
	remote      *remote.MemoryRemote
	checkpoints *checkpoint.MemoryStore
	auth        *countingAuth
	clock       clockwork.FakeClock
	file        *mirror.LocalFile
	data        []byte
}

type countingAuth struct {
	mu    sync.Mutex
	count int
	err   error
}

func (a *countingAuth) Refresh(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return a.err
}

func (a *countingAuth) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// newFixture creates a local file spanning three chunks, the last one short.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	data := make([]byte, 2*testChunk+1000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	tree := testutil.NewMemoryTree(t, map[string]string{"/data/big.bin": string(data)})
	p, err := tree.Manager.Resolve("/data/big.bin")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	return &fixture{
		remote:      testutil.NewTestRemote(),
		checkpoints: checkpoint.NewMemoryStore(),
		auth:        &countingAuth{},
		clock:       testutil.FixedClock(),
		file:        mirror.NewLocalFile(p, tree.Manager),
		data:        data,
	}
}

func (f *fixture) engine(t *testing.T, opts resumable.Options) *resumable.Engine {
	t.Helper()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = testChunk
	}
	e, err := resumable.NewEngine(f.remote, f.checkpoints, f.auth, f.clock, mirror.NewNopLogger(), opts)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func (f *fixture) request() mirror.UploadRequest {
	return mirror.UploadRequest{
		File:     f.file,
		Title:    "big.bin",
		MimeType: "application/octet-stream",
		ParentID: remote.MemoryRootID,
	}
}

type uploadResult struct {
	node *mirror.RemoteNode
	err  error
}

func (f *fixture) uploadAsync(e *resumable.Engine, req mirror.UploadRequest) <-chan uploadResult {
	done := make(chan uploadResult, 1)
	go func() {
		node, err := e.Upload(context.Background(), req)
		done <- uploadResult{node, err}
	}()
	return done
}

func assertTransferError(t *testing.T, err error, resumable bool) *mirror.TransferError {
	t.Helper()
	var te *mirror.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("Upload() error = %v, want *mirror.TransferError", err)
	}
	if te.Resumable != resumable {
		t.Fatalf("TransferError.Resumable = %v, want %v (err: %v)", te.Resumable, resumable, err)
	}
	return te
}

func TestNewEngineRejectsUnalignedChunkSize(t *testing.T) {
	f := newFixture(t)
	_, err := resumable.NewEngine(f.remote, f.checkpoints, nil, f.clock, mirror.NewNopLogger(), resumable.Options{ChunkSize: 1000})
	if !errors.Is(err, mirror.ErrInvalidArgument) {
		t.Fatalf("NewEngine() error = %v, want ErrInvalidArgument", err)
	}
}

func TestUploadFresh(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{})

	var lastSent, lastTotal int64
	req := f.request()
	req.Progress = func(sent, total int64) { lastSent, lastTotal = sent, total }

	node, err := e.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if node.Title != "big.bin" {
		t.Errorf("node.Title = %q, want big.bin", node.Title)
	}
	if node.Fingerprint != testutil.MD5Hex(f.data) {
		t.Errorf("node.Fingerprint = %q, want %q", node.Fingerprint, testutil.MD5Hex(f.data))
	}
	got, _ := f.remote.Content(node.ID)
	if !bytes.Equal(got, f.data) {
		t.Errorf("remote content differs from local file (%d vs %d bytes)", len(got), len(f.data))
	}
	if n := f.remote.Calls(remote.OpPutChunk); n != 3 {
		t.Errorf("PutChunk calls = %d, want 3", n)
	}
	if f.checkpoints.Len() != 0 {
		t.Errorf("checkpoints = %d, want 0 after success", f.checkpoints.Len())
	}
	if lastSent != lastTotal || lastTotal != int64(len(f.data)) {
		t.Errorf("last progress = %d/%d, want %d/%d", lastSent, lastTotal, len(f.data), len(f.data))
	}
}

func TestUploadResumesFromCommittedOffset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.remote.CreateSession(ctx, mirror.SessionTarget{
		Title:    "big.bin",
		ParentID: remote.MemoryRootID,
		Size:     int64(len(f.data)),
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := f.remote.PutChunk(ctx, handle, 0, f.data[:testChunk], int64(len(f.data))); err != nil {
		t.Fatalf("PutChunk() error = %v", err)
	}
	if err := f.checkpoints.Save("big.bin.tmp", mirror.Checkpoint{Fingerprint: testutil.MD5Hex(f.data), SessionURI: handle}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	node, err := f.engine(t, resumable.Options{}).Upload(ctx, f.request())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if n := f.remote.Calls(remote.OpCreateSession); n != 1 {
		t.Errorf("CreateSession calls = %d, want 1 (the session was reused)", n)
	}
	if n := f.remote.Calls(remote.OpPutChunk); n != 3 {
		t.Errorf("PutChunk calls = %d, want 3 (1 before resume, 2 after)", n)
	}
	got, _ := f.remote.Content(node.ID)
	if !bytes.Equal(got, f.data) {
		t.Error("remote content differs from local file")
	}
	if f.checkpoints.Len() != 0 {
		t.Errorf("checkpoints = %d, want 0", f.checkpoints.Len())
	}
}

func TestUploadBacksOffOnServerErrors(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{})

	failures := 2
	f.remote.SetChunkHook(func(string, int64, []byte) int {
		if failures > 0 {
			failures--
			return 503
		}
		return 0
	})

	done := f.uploadAsync(e, f.request())
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	f.clock.BlockUntil(1)
	f.clock.Advance(4 * time.Second)

	r := <-done
	if r.err != nil {
		t.Fatalf("Upload() error = %v", r.err)
	}
	if n := f.remote.Calls(remote.OpPutChunk); n != 5 {
		t.Errorf("PutChunk calls = %d, want 5", n)
	}
}

func TestUploadBacksOffOnTransportErrors(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{})
	f.remote.FailNext(remote.OpPutChunk, 1, errors.New("connection reset by peer"))

	done := f.uploadAsync(e, f.request())
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)

	if r := <-done; r.err != nil {
		t.Fatalf("Upload() error = %v", r.err)
	}
}

func TestUploadKeepsCheckpointWhenRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{MaxChunkAttempts: 3})
	f.remote.SetChunkHook(func(string, int64, []byte) int { return 500 })

	done := f.uploadAsync(e, f.request())
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	f.clock.BlockUntil(1)
	f.clock.Advance(4 * time.Second)

	r := <-done
	assertTransferError(t, r.err, true)
	if n := f.remote.Calls(remote.OpPutChunk); n != 3 {
		t.Errorf("PutChunk calls = %d, want 3", n)
	}
	if f.checkpoints.Len() != 1 {
		t.Errorf("checkpoints = %d, want 1", f.checkpoints.Len())
	}
}

func TestUploadRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{})

	rejected := false
	f.remote.SetChunkHook(func(_ string, start int64, _ []byte) int {
		if start == testChunk && !rejected {
			rejected = true
			return 401
		}
		return 0
	})

	if _, err := e.Upload(context.Background(), f.request()); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if n := f.auth.Count(); n != 1 {
		t.Errorf("Refresh calls = %d, want 1", n)
	}
}

func TestUploadGivesUpAfterRepeatedRefreshes(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{MaxRefreshes: 2})
	f.remote.SetChunkHook(func(string, int64, []byte) int { return 401 })

	_, err := e.Upload(context.Background(), f.request())
	assertTransferError(t, err, true)
	if !errors.Is(err, mirror.ErrUnauthenticated) {
		t.Errorf("Upload() error = %v, want ErrUnauthenticated", err)
	}
	if n := f.auth.Count(); n != 2 {
		t.Errorf("Refresh calls = %d, want 2", n)
	}
}

func TestUploadDiscardsCheckpointOfVanishedSession(t *testing.T) {
	f := newFixture(t)
	if err := f.checkpoints.Save("big.bin.tmp", mirror.Checkpoint{Fingerprint: testutil.MD5Hex(f.data), SessionURI: "mem://session/expired"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err := f.engine(t, resumable.Options{}).Upload(context.Background(), f.request())
	assertTransferError(t, err, false)
	if !errors.Is(err, mirror.ErrSessionGone) {
		t.Errorf("Upload() error = %v, want ErrSessionGone", err)
	}
	if f.checkpoints.Len() != 0 {
		t.Errorf("checkpoints = %d, want 0", f.checkpoints.Len())
	}

	// The next attempt starts over with a new session.
	if _, err := f.engine(t, resumable.Options{}).Upload(context.Background(), f.request()); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}
}

func TestUploadStopsBetweenChunks(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, resumable.Options{})

	var stop mirror.StopFlag
	var handle string
	f.remote.SetChunkHook(func(h string, _ int64, _ []byte) int {
		handle = h
		stop.Request()
		return 0
	})

	req := f.request()
	req.Stop = &stop
	_, err := e.Upload(context.Background(), req)
	assertTransferError(t, err, true)
	if !errors.Is(err, mirror.ErrStopped) {
		t.Fatalf("Upload() error = %v, want ErrStopped", err)
	}
	if got := f.remote.SessionOffset(handle); got != testChunk {
		t.Errorf("SessionOffset() = %d, want %d", got, testChunk)
	}
	cp, _ := f.checkpoints.Load("big.bin.tmp")
	if cp == nil || cp.SessionURI != handle {
		t.Fatalf("checkpoint = %+v, want session %s", cp, handle)
	}

	f.remote.SetChunkHook(nil)
	node, err := e.Upload(context.Background(), f.request())
	if err != nil {
		t.Fatalf("resumed Upload() error = %v", err)
	}
	got, _ := f.remote.Content(node.ID)
	if !bytes.Equal(got, f.data) {
		t.Error("remote content differs from local file after resume")
	}
	if n := f.remote.Calls(remote.OpCreateSession); n != 1 {
		t.Errorf("CreateSession calls = %d, want 1", n)
	}
}

func TestUploadDetectsFingerprintMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.remote.CreateSession(ctx, mirror.SessionTarget{Title: "big.bin", ParentID: remote.MemoryRootID, Size: int64(len(f.data))})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	// A checkpoint left behind by an earlier version of the file.
	if err := f.checkpoints.Save("big.bin.tmp", mirror.Checkpoint{Fingerprint: testutil.MD5Hex([]byte("old content")), SessionURI: handle}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err = f.engine(t, resumable.Options{}).Upload(ctx, f.request())
	assertTransferError(t, err, false)
	if !errors.Is(err, mirror.ErrIntegrity) {
		t.Errorf("Upload() error = %v, want ErrIntegrity", err)
	}
	if f.checkpoints.Len() != 0 {
		t.Errorf("checkpoints = %d, want 0", f.checkpoints.Len())
	}
}

func TestUploadReplacesExistingFile(t *testing.T) {
	f := newFixture(t)
	existing := f.remote.AddFile(remote.MemoryRootID, "big.bin", []byte("stale"))

	req := f.request()
	req.FileID = existing.ID
	req.ParentID = ""

	node, err := f.engine(t, resumable.Options{}).Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if node.ID != existing.ID {
		t.Errorf("node.ID = %q, want %q", node.ID, existing.ID)
	}
	if len(f.remote.Children(remote.MemoryRootID)) != 1 {
		t.Errorf("root children = %d, want 1", len(f.remote.Children(remote.MemoryRootID)))
	}
	got, _ := f.remote.Content(existing.ID)
	if !bytes.Equal(got, f.data) {
		t.Error("remote content was not replaced")
	}
}

func TestUploadSessionCreationFailureIsResumable(t *testing.T) {
	f := newFixture(t)
	f.remote.FailNext(remote.OpCreateSession, 1, &mirror.RemoteError{Op: "create session", StatusCode: 503, Message: "backend error"})

	_, err := f.engine(t, resumable.Options{}).Upload(context.Background(), f.request())
	assertTransferError(t, err, true)
	if f.checkpoints.Len() != 0 {
		t.Errorf("checkpoints = %d, want 0", f.checkpoints.Len())
	}
}

func TestUploadRejectsLockedCheckpoint(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.checkpoints.Lock("big.bin.tmp")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	_, err = f.engine(t, resumable.Options{}).Upload(context.Background(), f.request())
	if !errors.Is(err, checkpoint.ErrLocked) {
		t.Fatalf("Upload() error = %v, want ErrLocked", err)
	}
	if n := f.remote.Calls(remote.OpCreateSession); n != 0 {
		t.Errorf("CreateSession calls = %d, want 0", n)
	}
}
