package mirror

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
)

// Path represents a validated filesystem path with cached metadata.
// Path objects are created by FilesystemManager.Resolve() or Walk(), which
// validate the path and cache its stat info.
type Path struct {
	absPath string
	isDir   bool
	info    fs.FileInfo
}

// NewPath creates a Path from its components.
// This is primarily for use by FilesystemManager implementations.
func NewPath(absPath string, isDir bool, info fs.FileInfo) *Path {
	return &Path{
		absPath: absPath,
		isDir:   isDir,
		info:    info,
	}
}

// String returns the absolute path as a string.
func (p *Path) String() string {
	return p.absPath
}

// IsDir returns true if this path points to a directory.
func (p *Path) IsDir() bool {
	return p.isDir
}

// Info returns the cached file info from when the path was resolved.
func (p *Path) Info() fs.FileInfo {
	return p.info
}

// Name returns the last element of the path. It is used as the remote title.
func (p *Path) Name() string {
	return filepath.Base(p.absPath)
}

// Parent returns the absolute path of the containing directory.
func (p *Path) Parent() string {
	return filepath.Dir(p.absPath)
}

// LocalFile is a regular file found under a sync root. Its fingerprint is
// computed on first use and cached for the lifetime of the value, which is a
// single upload attempt.
type LocalFile struct {
	*Path
	fsmgr       FilesystemManager
	fingerprint string
}

// NewLocalFile wraps a file path for upload.
func NewLocalFile(p *Path, fsmgr FilesystemManager) *LocalFile {
	return &LocalFile{Path: p, fsmgr: fsmgr}
}

// Size returns the file size recorded when the path was resolved.
func (f *LocalFile) Size() int64 {
	return f.Info().Size()
}

// Open opens the file for reading.
func (f *LocalFile) Open() (File, error) {
	return f.fsmgr.Open(f.Path)
}

// Fingerprint returns the hex MD5 digest of the file content.
func (f *LocalFile) Fingerprint() (string, error) {
	if f.fingerprint != "" {
		return f.fingerprint, nil
	}

	r, err := f.fsmgr.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", f.String(), err)
	}
	defer r.Close()

	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing %s: %w", f.String(), err)
	}
	f.fingerprint = hex.EncodeToString(h.Sum(nil))
	return f.fingerprint, nil
}
