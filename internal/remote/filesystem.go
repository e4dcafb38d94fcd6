package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"driveup/internal/mirror"
)

const (
	// FilesystemRootID is the id of the root folder of a FilesystemRemote.
	FilesystemRootID = "/"

	uploadsDir        = ".driveup-uploads"
	trashDir          = ".driveup-trash"
	fsSessionPrefix   = "fs://"
	sessionTargetFile = "target.json"
	sessionDataFile   = "data"
	sessionDoneFile   = "done"
)

// FilesystemRemote is a remote store backed by a local directory tree:
//
//	<root>/
//	  <folders and files mirrored from the source>
//	  .driveup-uploads/
//	    <uuid>/        (one staged resumable session)
//	      target.json
//	      data
//	      done         (id of the finished file)
//	  .driveup-trash/
//	    <uuid>-<title> (trashed nodes)
//
// Node ids are slash-separated paths relative to the root, starting with "/".
// A directory cannot hold two entries with the same name, so this store never
// produces duplicate titles.
type FilesystemRemote struct {
	fs   afero.Fs
	root string
}

// NewFilesystemRemote creates a filesystem remote rooted at root on the OS filesystem.
func NewFilesystemRemote(root string) (*FilesystemRemote, error) {
	return NewFilesystemRemoteFs(afero.NewOsFs(), root)
}

// NewFilesystemRemoteFs creates a filesystem remote on fsys.
func NewFilesystemRemoteFs(fsys afero.Fs, root string) (*FilesystemRemote, error) {
	for _, dir := range []string{root, filepath.Join(root, uploadsDir), filepath.Join(root, trashDir)} {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &FilesystemRemote{fs: fsys, root: root}, nil
}

// ValidateSetup verifies that the remote root is an accessible directory.
func (r *FilesystemRemote) ValidateSetup() error {
	info, err := r.fs.Stat(r.root)
	if err != nil {
		return fmt.Errorf("remote root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote root is not a directory: %s", r.root)
	}
	return nil
}

func (r *FilesystemRemote) abs(id string) string {
	return filepath.Join(r.root, filepath.FromSlash(id))
}

func childID(parentID, title string) string {
	return path.Join(parentID, title)
}

// validTitle rejects titles that would escape their parent or hit internal directories.
func validTitle(title string) error {
	if title == "" || title == "." || title == ".." || strings.ContainsAny(title, `/\`) {
		return fmt.Errorf("%w: invalid title %q", mirror.ErrInvalidArgument, title)
	}
	if title == uploadsDir || title == trashDir {
		return fmt.Errorf("%w: title %q is reserved", mirror.ErrInvalidArgument, title)
	}
	return nil
}

func (r *FilesystemRemote) node(id string) (*mirror.RemoteNode, error) {
	info, err := r.fs.Stat(r.abs(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &mirror.RemoteError{Op: "get " + id, StatusCode: 404, Message: "file not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", id, err)
	}

	n := &mirror.RemoteNode{
		ID:        id,
		Title:     path.Base(id),
		ParentIDs: []string{path.Dir(id)},
	}
	if id == FilesystemRootID {
		n.Title = filepath.Base(r.root)
		n.ParentIDs = nil
	}
	if info.IsDir() {
		n.MimeType = mirror.FolderMimeType
		return n, nil
	}

	n.Size = info.Size()
	if n.Fingerprint, n.MimeType, err = r.inspect(id); err != nil {
		return nil, err
	}
	return n, nil
}

// inspect returns the MD5 fingerprint and sniffed content type of a file.
func (r *FilesystemRemote) inspect(id string) (string, string, error) {
	f, err := r.fs.Open(r.abs(id))
	if err != nil {
		return "", "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := md5.New()
	mt, err := mimetype.DetectReader(io.TeeReader(f, h))
	if err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), mt.String(), nil
}

func (r *FilesystemRemote) Root(context.Context) (*mirror.RemoteNode, error) {
	return r.node(FilesystemRootID)
}

func (r *FilesystemRemote) Get(_ context.Context, id string) (*mirror.RemoteNode, error) {
	if !strings.HasPrefix(id, "/") {
		return nil, &mirror.RemoteError{Op: "get " + id, StatusCode: 404, Message: "file not found"}
	}
	return r.node(path.Clean(id))
}

func (r *FilesystemRemote) List(_ context.Context, parentID, title string, kind mirror.NodeKind) ([]*mirror.RemoteNode, error) {
	if err := validTitle(title); err != nil {
		return nil, err
	}
	n, err := r.node(childID(parentID, title))
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n.IsFolder() != (kind == mirror.KindFolder) {
		return nil, nil
	}
	return []*mirror.RemoteNode{n}, nil
}

func (r *FilesystemRemote) CreateFolder(_ context.Context, parentID, title string) (*mirror.RemoteNode, error) {
	if err := validTitle(title); err != nil {
		return nil, err
	}
	if err := r.requireFolder("create folder", parentID); err != nil {
		return nil, err
	}
	id := childID(parentID, title)
	if err := r.fs.Mkdir(r.abs(id), 0755); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", id, err)
	}
	return r.node(id)
}

func (r *FilesystemRemote) InsertFile(_ context.Context, parentID string, content mirror.Content) (*mirror.RemoteNode, error) {
	if err := validTitle(content.Title); err != nil {
		return nil, err
	}
	if err := r.requireFolder("insert file", parentID); err != nil {
		return nil, err
	}
	id := childID(parentID, content.Title)
	if _, err := r.fs.Stat(r.abs(id)); err == nil {
		return nil, &mirror.RemoteError{Op: "insert file " + id, StatusCode: 409, Message: "file already exists"}
	}
	if err := r.writeFile(r.abs(id), content.Body, content.Size); err != nil {
		return nil, err
	}
	return r.node(id)
}

func (r *FilesystemRemote) UpdateFile(_ context.Context, id string, content mirror.Content) (*mirror.RemoteNode, error) {
	n, err := r.node(id)
	if err != nil {
		return nil, err
	}
	if n.IsFolder() {
		return nil, &mirror.RemoteError{Op: "update file " + id, StatusCode: 400, Message: "node is a folder"}
	}
	if err := r.writeFile(r.abs(id), content.Body, content.Size); err != nil {
		return nil, err
	}
	return r.node(id)
}

// Trash moves a node into the trash directory under a unique name.
func (r *FilesystemRemote) Trash(_ context.Context, id string) error {
	if _, err := r.node(id); err != nil {
		return err
	}
	if id == FilesystemRootID {
		return fmt.Errorf("%w: cannot trash the root", mirror.ErrInvalidArgument)
	}
	dest := filepath.Join(r.root, trashDir, uuid.New().String()+"-"+path.Base(id))
	if err := r.fs.Rename(r.abs(id), dest); err != nil {
		return fmt.Errorf("failed to trash %s: %w", id, err)
	}
	return nil
}

func (r *FilesystemRemote) requireFolder(op, id string) error {
	n, err := r.node(id)
	if errors.Is(err, mirror.ErrNotFound) {
		return &mirror.RemoteError{Op: op, StatusCode: 404, Message: "parent not found"}
	}
	if err != nil {
		return err
	}
	if !n.IsFolder() {
		return &mirror.RemoteError{Op: op, StatusCode: 400, Message: "parent is not a folder"}
	}
	return nil
}

// writeFile writes data from rd to destPath using atomic write (temp file + rename).
func (r *FilesystemRemote) writeFile(destPath string, rd io.Reader, expectedSize int64) error {
	tmpFile, err := afero.TempFile(r.fs, filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			r.fs.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, rd)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := r.fs.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Resumable sessions

func (r *FilesystemRemote) sessionDir(handle string) (string, bool) {
	id, ok := strings.CutPrefix(handle, fsSessionPrefix)
	if !ok || uuid.Validate(id) != nil {
		return "", false
	}
	return filepath.Join(r.root, uploadsDir, id), true
}

func (r *FilesystemRemote) CreateSession(_ context.Context, target mirror.SessionTarget) (string, error) {
	if target.FileID != "" {
		if _, err := r.node(target.FileID); err != nil {
			return "", err
		}
	} else {
		if err := validTitle(target.Title); err != nil {
			return "", err
		}
		if err := r.requireFolder("create session", target.ParentID); err != nil {
			return "", err
		}
	}

	id := uuid.New().String()
	dir := filepath.Join(r.root, uploadsDir, id)
	if err := r.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("encoding session target: %w", err)
	}
	if err := afero.WriteFile(r.fs, filepath.Join(dir, sessionTargetFile), data, 0644); err != nil {
		return "", fmt.Errorf("writing session target: %w", err)
	}
	if err := afero.WriteFile(r.fs, filepath.Join(dir, sessionDataFile), nil, 0644); err != nil {
		return "", fmt.Errorf("creating session data: %w", err)
	}
	return fsSessionPrefix + id, nil
}

// sessionState returns the committed length and the finished file id, if any.
func (r *FilesystemRemote) sessionState(dir string) (int64, string, error) {
	if done, err := afero.ReadFile(r.fs, filepath.Join(dir, sessionDoneFile)); err == nil {
		return -1, string(done), nil
	}
	info, err := r.fs.Stat(filepath.Join(dir, sessionDataFile))
	if err != nil {
		return 0, "", err
	}
	return info.Size(), "", nil
}

func (r *FilesystemRemote) QueryOffset(_ context.Context, handle string, size int64) (mirror.SessionStatus, error) {
	dir, ok := r.sessionDir(handle)
	if !ok {
		return mirror.SessionStatus{StatusCode: 404, Offset: -1}, nil
	}
	committed, doneID, err := r.sessionState(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return mirror.SessionStatus{StatusCode: 404, Offset: -1}, nil
	}
	if err != nil {
		return mirror.SessionStatus{}, fmt.Errorf("reading session: %w", err)
	}
	if doneID != "" {
		return mirror.SessionStatus{StatusCode: 200, Offset: size}, nil
	}
	return mirror.SessionStatus{StatusCode: 308, Offset: committed}, nil
}

func (r *FilesystemRemote) PutChunk(_ context.Context, handle string, start int64, chunk []byte, size int64) (int, error) {
	dir, ok := r.sessionDir(handle)
	if !ok {
		return 404, nil
	}
	committed, doneID, err := r.sessionState(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 404, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading session: %w", err)
	}
	if doneID != "" {
		return 200, nil
	}
	if start != committed || start+int64(len(chunk)) > size {
		return 308, nil
	}

	f, err := r.fs.OpenFile(filepath.Join(dir, sessionDataFile), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening session data: %w", err)
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		return 0, fmt.Errorf("writing session data: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing session data: %w", err)
	}

	if start+int64(len(chunk)) < size {
		return 308, nil
	}
	return r.finishSession(dir)
}

// finishSession moves the staged data into place and records the file id.
func (r *FilesystemRemote) finishSession(dir string) (int, error) {
	raw, err := afero.ReadFile(r.fs, filepath.Join(dir, sessionTargetFile))
	if err != nil {
		return 0, fmt.Errorf("reading session target: %w", err)
	}
	var target mirror.SessionTarget
	if err := json.Unmarshal(raw, &target); err != nil {
		return 0, fmt.Errorf("decoding session target: %w", err)
	}

	status := 201
	id := childID(target.ParentID, target.Title)
	if target.FileID != "" {
		status = 200
		id = target.FileID
	}
	if err := r.fs.Rename(filepath.Join(dir, sessionDataFile), r.abs(id)); err != nil {
		return 0, fmt.Errorf("moving upload into place: %w", err)
	}
	if err := afero.WriteFile(r.fs, filepath.Join(dir, sessionDoneFile), []byte(id), 0644); err != nil {
		return 0, fmt.Errorf("recording finished upload: %w", err)
	}
	return status, nil
}

// Complete returns the finished file and removes the staging directory.
func (r *FilesystemRemote) Complete(_ context.Context, handle string, _ int64) (*mirror.RemoteNode, error) {
	dir, ok := r.sessionDir(handle)
	if !ok {
		return nil, &mirror.RemoteError{Op: "complete", StatusCode: 404, Message: "session not found"}
	}
	_, doneID, err := r.sessionState(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &mirror.RemoteError{Op: "complete", StatusCode: 404, Message: "session not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if doneID == "" {
		return nil, fmt.Errorf("session %s is not complete", strings.TrimPrefix(handle, fsSessionPrefix))
	}

	n, err := r.node(doneID)
	if err != nil {
		return nil, err
	}
	if err := r.fs.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("removing session directory: %w", err)
	}
	return n, nil
}

// Compile-time checks that FilesystemRemote implements the remote interfaces.
var (
	_ mirror.RemoteStore     = (*FilesystemRemote)(nil)
	_ mirror.SessionProtocol = (*FilesystemRemote)(nil)
)
