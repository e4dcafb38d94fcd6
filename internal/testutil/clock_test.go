package testutil

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"driveup/internal/mirror"
)

func TestFixedClock(t *testing.T) {
	var clock clockwork.FakeClock = FixedClock()
	var _ mirror.Clock = clock

	if got := clock.Now(); !got.Equal(FixedTime) {
		t.Fatalf("Now() = %v, want %v", got, FixedTime)
	}

	done := make(chan time.Time, 1)
	go func() { done <- <-clock.After(2 * time.Second) }()
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	if got, want := <-done, FixedTime.Add(2*time.Second); !got.Equal(want) {
		t.Errorf("After() fired at %v, want %v", got, want)
	}
}
