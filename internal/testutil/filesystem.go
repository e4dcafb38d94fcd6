package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"driveup/internal/fs"
)

// MemoryTree is an in-memory local filesystem with a FilesystemManager over it.
type MemoryTree struct {
	Fs      afero.Fs
	Manager *fs.FilesystemManager
	denied  map[string]bool
}

// NewMemoryTree creates an in-memory tree. files maps absolute paths to
// contents; a path ending in "/" creates an empty directory.
func NewMemoryTree(t *testing.T, files map[string]string) *MemoryTree {
	t.Helper()

	tree := &MemoryTree{Fs: afero.NewMemMapFs(), denied: make(map[string]bool)}
	tree.Manager = fs.NewFilesystemManager(&denyingFs{Fs: tree.Fs, denied: tree.denied}, nil)
	for path, content := range files {
		if path[len(path)-1] == '/' {
			tree.AddDirectory(t, path)
			continue
		}
		tree.AddFile(t, path, []byte(content))
	}
	return tree
}

// AddFile writes a file, creating parent directories as needed.
func (m *MemoryTree) AddFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := m.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := afero.WriteFile(m.Fs, path, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// AddDirectory creates a directory and its parents.
func (m *MemoryTree) AddDirectory(t *testing.T, path string) {
	t.Helper()
	if err := m.Fs.MkdirAll(path, 0755); err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
}

// DenyDirectory makes the directory at path unreadable to Manager, as if it
// had no read permission. It can still be stat'ed.
func (m *MemoryTree) DenyDirectory(t *testing.T, path string) {
	t.Helper()
	m.AddDirectory(t, path)
	m.denied[filepath.Clean(path)] = true
}

type denyingFs struct {
	afero.Fs
	denied map[string]bool
}

func (d *denyingFs) Open(name string) (afero.File, error) {
	if d.denied[filepath.Clean(name)] {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return d.Fs.Open(name)
}
