package mirror_test

import (
	"context"
	"errors"
	"testing"

	"driveup/internal/checkpoint"
	"driveup/internal/mirror"
	"driveup/internal/remote"
	"driveup/internal/resumable"
	"driveup/internal/testutil"
)

// tokenAuth hands out one access token at a time. Refresh makes the current
// token valid unless broken is set.
type tokenAuth struct {
	valid     bool
	broken    bool
	refreshes int
}

func (a *tokenAuth) Refresh(context.Context) error {
	a.refreshes++
	if !a.broken {
		a.valid = true
	}
	return nil
}

// expiringRemote rejects every call with a 401 while the token is invalid,
// and expires the token after every expireEvery successful calls.
type expiringRemote struct {
	*remote.MemoryRemote
	auth        *tokenAuth
	expireEvery int
	calls       int
	rejected    int
}

func (r *expiringRemote) check(op string) error {
	if !r.auth.valid {
		r.rejected++
		return &mirror.RemoteError{Op: op, StatusCode: 401, Message: "Invalid Credentials"}
	}
	r.calls++
	if r.expireEvery > 0 && r.calls%r.expireEvery == 0 {
		r.auth.valid = false
	}
	return nil
}

func (r *expiringRemote) Root(ctx context.Context) (*mirror.RemoteNode, error) {
	if err := r.check("get root"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.Root(ctx)
}

func (r *expiringRemote) Get(ctx context.Context, id string) (*mirror.RemoteNode, error) {
	if err := r.check("get"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.Get(ctx, id)
}

func (r *expiringRemote) List(ctx context.Context, parentID, title string, kind mirror.NodeKind) ([]*mirror.RemoteNode, error) {
	if err := r.check("list"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.List(ctx, parentID, title, kind)
}

func (r *expiringRemote) CreateFolder(ctx context.Context, parentID, title string) (*mirror.RemoteNode, error) {
	if err := r.check("create folder"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.CreateFolder(ctx, parentID, title)
}

func (r *expiringRemote) InsertFile(ctx context.Context, parentID string, content mirror.Content) (*mirror.RemoteNode, error) {
	if err := r.check("insert"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.InsertFile(ctx, parentID, content)
}

func (r *expiringRemote) UpdateFile(ctx context.Context, id string, content mirror.Content) (*mirror.RemoteNode, error) {
	if err := r.check("update"); err != nil {
		return nil, err
	}
	return r.MemoryRemote.UpdateFile(ctx, id, content)
}

func (r *expiringRemote) Trash(ctx context.Context, id string) error {
	if err := r.check("trash"); err != nil {
		return err
	}
	return r.MemoryRemote.Trash(ctx, id)
}

func newExpiringSync(t *testing.T, auth *tokenAuth, expireEvery int) (*expiringRemote, *mirror.Synchronizer) {
	t.Helper()
	tree := testutil.NewMemoryTree(t, docsTree)
	rem := &expiringRemote{MemoryRemote: testutil.NewTestRemote(), auth: auth, expireEvery: expireEvery}
	engine, err := resumable.NewEngine(rem, checkpoint.NewMemoryStore(), auth, testutil.FixedClock(), mirror.NewNopLogger(), resumable.Options{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return rem, mirror.NewSynchronizer(rem, engine, auth, tree.Manager, mirror.NewNopLogger(), mirror.Options{})
}

func TestSynchronizer_RefreshesRejectedTokens(t *testing.T) {
	t.Run("an expired token is refreshed before the first call is repeated", func(t *testing.T) {
		auth := &tokenAuth{}
		rem, sync := newExpiringSync(t, auth, 0)

		result, err := sync.Synchronize(context.Background(), mirror.Destination{Title: "Backups"}, "/home/user/docs", false, nil, nil)
		if err != nil {
			t.Fatalf("Synchronize() error = %v", err)
		}
		if result.Status != mirror.StatusCompleted {
			t.Fatalf("Status = %s, want COMPLETED (errors: %v)", result.Status, result.Errors)
		}
		if auth.refreshes != 1 || rem.rejected != 1 {
			t.Errorf("refreshes = %d, rejected = %d, want 1 and 1", auth.refreshes, rem.rejected)
		}
	})

	t.Run("tokens expiring during the run are refreshed", func(t *testing.T) {
		auth := &tokenAuth{valid: true}
		rem, sync := newExpiringSync(t, auth, 3)

		result, err := sync.Synchronize(context.Background(), mirror.Destination{Title: "Backups"}, "/home/user/docs", false, nil, nil)
		if err != nil {
			t.Fatalf("Synchronize() error = %v", err)
		}
		if result.Status != mirror.StatusCompleted {
			t.Fatalf("Status = %s, want COMPLETED (errors: %v)", result.Status, result.Errors)
		}
		if auth.refreshes == 0 || auth.refreshes != rem.rejected {
			t.Errorf("refreshes = %d, rejected = %d, want one refresh per rejection", auth.refreshes, rem.rejected)
		}
		for _, path := range [][]string{
			{"Backups", "docs", "a.txt"},
			{"Backups", "docs", "sub", "b.txt"},
			{"Backups", "docs", "notes", "c.md"},
		} {
			if _, ok := rem.Lookup(path...); !ok {
				t.Errorf("%v was not uploaded", path)
			}
		}
	})

	t.Run("refreshes are bounded and do not use up retries", func(t *testing.T) {
		auth := &tokenAuth{broken: true}
		rem, sync := newExpiringSync(t, auth, 0)

		_, err := sync.Synchronize(context.Background(), mirror.Destination{Title: "Backups"}, "/home/user/docs", false, nil, nil)
		if !errors.Is(err, mirror.ErrUnauthenticated) {
			t.Fatalf("Synchronize() error = %v, want ErrUnauthenticated", err)
		}
		if auth.refreshes != mirror.DefaultMaxRefreshes {
			t.Errorf("refreshes = %d, want %d", auth.refreshes, mirror.DefaultMaxRefreshes)
		}
		if want := mirror.DefaultMaxRefreshes + 1; rem.rejected != want {
			t.Errorf("rejected calls = %d, want %d", rem.rejected, want)
		}
	})
}
