package testutil

import (
	"driveup/internal/remote"
)

// NewTestRemote creates an empty in-memory remote with sequential ids.
func NewTestRemote() *remote.MemoryRemote {
	return remote.NewMemoryRemote(NewStubIDGenerator())
}
