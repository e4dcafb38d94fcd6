package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"driveup/internal/mirror"
)

const (
	lockSuffix = ".lock"
	// Checkpoints are written to a temp file named tempPattern first.
	tempPattern = ".save-*.partial"
	tempSuffix  = ".partial"
)

// FileStore keeps one checkpoint file per key in a directory.
type FileStore struct {
	dir    string
	logger mirror.Logger
}

// NewFileStore creates a store in dir, creating the directory if needed.
func NewFileStore(dir string, logger mirror.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the directory checkpoints are stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Load reads the checkpoint for key. A missing file yields nil. A malformed
// file is removed and also yields nil, so the upload starts over.
func (s *FileStore) Load(key string) (*mirror.Checkpoint, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint %s: %w", key, err)
	}

	cp, ok := decode(data)
	if !ok {
		s.logger.Warn("discarding malformed checkpoint", "key", key)
		if err := s.Delete(key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return cp, nil
}

// Save writes the checkpoint atomically (temp file + rename).
func (s *FileStore) Save(key string, cp mirror.Checkpoint) error {
	if err := validateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(encode(cp)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Delete removes the checkpoint for key.
func (s *FileStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting checkpoint %s: %w", key, err)
	}
	return nil
}

// Lock takes a non-blocking file lock on key. It fails with ErrLocked when
// another process, or another upload in this one, holds it. The lock file is
// left in place on unlock: removing it would let a waiting process lock an
// unlinked inode while a new one locks the fresh file.
func (s *FileStore) Lock(key string) (func() error, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	fl := flock.New(s.path(key) + lockSuffix)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkpoint %s: %w", key, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	return func() error {
		if !fl.Locked() {
			return nil
		}
		if err := fl.Unlock(); err != nil {
			return fmt.Errorf("failed to unlock checkpoint %s: %w", key, err)
		}
		return nil
	}, nil
}

// List returns every well-formed checkpoint in the store, sorted by key.
func (s *FileStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, lockSuffix) {
			continue
		}
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint %s: %w", name, err)
		}
		cp, ok := decode(data)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("stat checkpoint %s: %w", name, err)
		}
		entries = append(entries, Entry{Key: name, Checkpoint: *cp, ModTime: info.ModTime()})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Clear deletes every checkpoint that is not locked by a running upload and
// returns how many were removed.
func (s *FileStore) Clear() (int, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		unlock, err := s.Lock(e.Key)
		if err != nil {
			s.logger.Warn("checkpoint in use, not clearing", "key", e.Key, "error", err)
			continue
		}
		err = s.Delete(e.Key)
		if uerr := unlock(); err == nil {
			err = uerr
		}
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Compile-time check that FileStore implements mirror.CheckpointStore.
var _ mirror.CheckpointStore = (*FileStore)(nil)
