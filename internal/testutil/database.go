package testutil

import (
	"testing"

	"driveup/internal/database"
)

// NewTestHistory creates an in-memory history database with schema applied.
// The database is automatically closed when the test completes.
func NewTestHistory(t *testing.T) *database.SQLiteHistory {
	t.Helper()

	h, err := database.NewSQLiteHistory(":memory:", FixedClock())
	if err != nil {
		t.Fatalf("failed to open history database: %v", err)
	}

	t.Cleanup(func() {
		h.Close()
	})
	return h
}
