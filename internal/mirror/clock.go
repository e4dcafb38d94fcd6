package mirror

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Clock is the time source for timestamps and backoff waits. Tests pass a
// clockwork.FakeClock and advance it to release sleeping uploads.
type Clock = clockwork.Clock

// NewRealClock returns a Clock backed by the system time.
func NewRealClock() Clock { return clockwork.NewRealClock() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
