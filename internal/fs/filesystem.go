package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"driveup/internal/mirror"
)

// FilesystemManager is the afero-backed implementation of mirror.FilesystemManager.
// Production code uses the OS filesystem; tests pass afero.NewMemMapFs().
type FilesystemManager struct {
	fs       afero.Fs
	patterns []string
}

// NewOSFilesystemManager creates a manager that operates on the real filesystem.
// patterns are ignore rules applied on top of each root's .driveupignore file.
func NewOSFilesystemManager(patterns []string) *FilesystemManager {
	return NewFilesystemManager(afero.NewOsFs(), patterns)
}

// NewFilesystemManager creates a manager over an arbitrary afero filesystem.
func NewFilesystemManager(fsys afero.Fs, patterns []string) *FilesystemManager {
	return &FilesystemManager{fs: fsys, patterns: patterns}
}

// Resolve validates a raw path and returns a Path object.
func (m *FilesystemManager) Resolve(rawPath string) (*mirror.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := m.lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if err := checkMode(absPath, info.Mode()); err != nil {
		return nil, err
	}

	return mirror.NewPath(absPath, info.IsDir(), info), nil
}

// Open opens a file for reading.
func (m *FilesystemManager) Open(path *mirror.Path) (mirror.File, error) {
	if path.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path.String())
	}
	return m.fs.Open(path.String())
}

// Stat returns fresh file info for a path.
func (m *FilesystemManager) Stat(path *mirror.Path) (fs.FileInfo, error) {
	return m.fs.Stat(path.String())
}

// Walk lists directories and regular files under root in lexical pre-order.
// Symlinks and special files are skipped, as is anything matched by the
// ignore rules. An ignored directory is not descended into, and neither is
// one that cannot be read.
func (m *FilesystemManager) Walk(root *mirror.Path) (*mirror.Listing, error) {
	if !root.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	matcher, err := m.ignoreMatcher(root.String())
	if err != nil {
		return nil, err
	}

	listing := &mirror.Listing{Unreadable: make(map[string]error)}
	err = afero.Walk(m.fs, root.String(), func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if p == root.String() {
				return err
			}
			listing.Unreadable[p] = err
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if p != root.String() {
			rel, err := filepath.Rel(root.String(), p)
			if err != nil {
				return fmt.Errorf("relative path for %s: %w", p, err)
			}
			if matcher.Match(rel, info.IsDir()) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		switch {
		case info.IsDir():
			listing.Dirs = append(listing.Dirs, mirror.NewPath(p, true, info))
		case info.Mode().IsRegular():
			listing.Files = append(listing.Files, mirror.NewPath(p, false, info))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return listing, nil
}

// DetectMimeType sniffs the content type from the first bytes of the file.
func (m *FilesystemManager) DetectMimeType(path *mirror.Path) (string, error) {
	f, err := m.fs.Open(path.String())
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path.String(), err)
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detecting content type of %s: %w", path.String(), err)
	}
	return mt.String(), nil
}

func (m *FilesystemManager) ignoreMatcher(root string) (*IgnoreMatcher, error) {
	patterns := append([]string{}, defaultIgnorePatterns...)
	patterns = append(patterns, m.patterns...)

	fromFile, err := ParseIgnoreFile(m.fs, filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, fromFile...)

	return NewIgnoreMatcher(patterns), nil
}

func (m *FilesystemManager) lstat(name string) (fs.FileInfo, error) {
	if l, ok := m.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return m.fs.Stat(name)
}

func checkMode(absPath string, mode fs.FileMode) error {
	switch {
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s", absPath)
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", absPath)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", absPath)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", absPath)
	}
	return nil
}

// IsNotExist reports whether err says a local path is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Compile-time check that FilesystemManager implements mirror.FilesystemManager.
var _ mirror.FilesystemManager = (*FilesystemManager)(nil)
