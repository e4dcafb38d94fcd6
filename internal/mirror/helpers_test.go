package mirror_test

import (
	"testing"

	"driveup/internal/mirror"
	"driveup/internal/testutil"
)

func resolve(t *testing.T, tree *testutil.MemoryTree, path string) *mirror.Path {
	t.Helper()
	p, err := tree.Manager.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve(%s) error = %v", path, err)
	}
	return p
}

func localFile(t *testing.T, tree *testutil.MemoryTree, path string) *mirror.LocalFile {
	t.Helper()
	return mirror.NewLocalFile(resolve(t, tree, path), tree.Manager)
}
