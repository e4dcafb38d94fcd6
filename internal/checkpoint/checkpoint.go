// Package checkpoint persists resumable upload sessions so an interrupted
// transfer can continue from the bytes the remote already committed.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"driveup/internal/mirror"
)

// ErrLocked is returned by Lock when another upload holds the checkpoint.
var ErrLocked = errors.New("checkpoint is in use by another upload")

// Entry is a stored checkpoint together with its key.
type Entry struct {
	Key        string
	Checkpoint mirror.Checkpoint
	ModTime    time.Time
}

// encode renders a checkpoint in its on-disk form: the fingerprint and the
// session handle, one per line.
func encode(cp mirror.Checkpoint) []byte {
	return []byte(cp.Fingerprint + "\n" + cp.SessionURI + "\n")
}

// decode parses the on-disk form. Anything with fewer than two non-empty
// lines is malformed.
func decode(data []byte) (*mirror.Checkpoint, bool) {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return nil, false
	}
	return &mirror.Checkpoint{Fingerprint: lines[0], SessionURI: lines[1]}, true
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key || strings.ContainsRune(key, '/') {
		return fmt.Errorf("%w: bad checkpoint key %q", mirror.ErrInvalidArgument, key)
	}
	return nil
}
