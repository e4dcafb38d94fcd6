package mirror_test

import (
	"context"
	"errors"
	"testing"

	"driveup/internal/mirror"
	"driveup/internal/remote"
	"driveup/internal/testutil"
)

func TestConflictResolver_Resolve(t *testing.T) {
	const local = "local content"

	tests := []struct {
		name         string
		copies       []string
		overwrite    bool
		wantAction   mirror.Action
		wantExisting int // index into copies, -1 for none
		wantWarning  bool
		wantTrashed  int
	}{
		{name: "no copy", overwrite: false, wantAction: mirror.ActionCreate, wantExisting: -1},
		{name: "no copy with overwrite", overwrite: true, wantAction: mirror.ActionCreate, wantExisting: -1},
		{name: "one copy", copies: []string{"other"}, wantAction: mirror.ActionSkip, wantExisting: 0},
		{name: "one identical copy with overwrite", copies: []string{local}, overwrite: true, wantAction: mirror.ActionSkip, wantExisting: 0},
		{name: "one differing copy with overwrite", copies: []string{"other"}, overwrite: true, wantAction: mirror.ActionOverwrite, wantExisting: 0},
		{name: "duplicates without overwrite", copies: []string{"x", "y", "z"}, wantAction: mirror.ActionSkip, wantExisting: 0, wantWarning: true},
		{name: "identical duplicates matching local", copies: []string{local, local, local}, overwrite: true, wantAction: mirror.ActionSkip, wantExisting: 0, wantWarning: true, wantTrashed: 2},
		{name: "identical duplicates differing from local", copies: []string{"old", "old", "old"}, overwrite: true, wantAction: mirror.ActionOverwrite, wantExisting: 0, wantWarning: true, wantTrashed: 2},
		{name: "differing duplicates", copies: []string{"a", "b", "a"}, overwrite: true, wantAction: mirror.ActionCreate, wantExisting: -1, wantWarning: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tree := testutil.NewMemoryTree(t, map[string]string{"/home/user/docs/report.txt": local})
			rem := testutil.NewTestRemote()
			parent := rem.AddFolder(remote.MemoryRootID, "docs")
			var ids []string
			for _, c := range tt.copies {
				ids = append(ids, rem.AddFile(parent.ID, "report.txt", []byte(c)).ID)
			}

			r := mirror.NewConflictResolver(rem, mirror.NewNopLogger())
			res, err := r.Resolve(ctx, parent, localFile(t, tree, "/home/user/docs/report.txt"), tt.overwrite)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}

			if res.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", res.Action, tt.wantAction)
			}
			if tt.wantExisting < 0 {
				if res.Existing != nil {
					t.Errorf("Existing = %s, want nil", res.Existing.ID)
				}
			} else if res.Existing == nil || res.Existing.ID != ids[tt.wantExisting] {
				t.Errorf("Existing = %v, want %s", res.Existing, ids[tt.wantExisting])
			}
			if (res.Warning != "") != tt.wantWarning {
				t.Errorf("Warning = %q, want warning: %v", res.Warning, tt.wantWarning)
			}

			trashed := 0
			for _, id := range ids {
				if rem.IsTrashed(id) {
					trashed++
				}
			}
			if trashed != tt.wantTrashed {
				t.Errorf("trashed = %d, want %d", trashed, tt.wantTrashed)
			}
			if len(ids) > 0 && rem.IsTrashed(ids[0]) {
				t.Error("the first copy was trashed")
			}
		})
	}
}

func TestConflictResolver_ResolvePropagatesListFailure(t *testing.T) {
	tree := testutil.NewMemoryTree(t, map[string]string{"/docs/a.txt": "a"})
	rem := testutil.NewTestRemote()
	parent := rem.AddFolder(remote.MemoryRootID, "docs")
	cause := errors.New("connection reset")
	rem.FailNext(remote.OpList, 1, cause)

	_, err := mirror.NewConflictResolver(rem, mirror.NewNopLogger()).Resolve(context.Background(), parent, localFile(t, tree, "/docs/a.txt"), false)
	if !errors.Is(err, cause) {
		t.Fatalf("Resolve() error = %v, want %v", err, cause)
	}
}
