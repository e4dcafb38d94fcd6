package mirror

import (
	"io"
	"io/fs"
)

// File is an open local file. Chunked uploads read it at arbitrary offsets.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// FilesystemManager provides an interface for local filesystem operations.
// It abstracts file access to enable testing without touching the real filesystem.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	// It resolves the path to an absolute path, stats it, and validates
	// it's a regular file or directory (not a symlink, device, etc.).
	Resolve(rawPath string) (*Path, error)

	// Open opens a file for reading.
	Open(path *Path) (File, error)

	// Stat returns fresh file info for a path.
	Stat(path *Path) (fs.FileInfo, error)

	// Walk lists the directories and regular files under root. Only an
	// unusable root is an error; paths below it that cannot be read end up in
	// the listing's Unreadable set.
	Walk(root *Path) (*Listing, error)

	// DetectMimeType sniffs the content type of a file.
	DetectMimeType(path *Path) (string, error)
}

// Listing is a walked local tree.
type Listing struct {
	// Dirs and Files are in lexical pre-order, so a directory always precedes
	// its children. Dirs starts with the root. Ignored paths are left out.
	Dirs  []*Path
	Files []*Path
	// Unreadable maps paths that could not be listed or stat'ed to the
	// error. An unreadable directory is in Dirs but its children are not.
	Unreadable map[string]error
}
