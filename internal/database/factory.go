package database

import (
	"fmt"
	"path/filepath"

	"driveup/internal/config"
	"driveup/internal/mirror"
)

// NewHistoryFromConfig creates a History implementation based on the database config type.
func NewHistoryFromConfig(cfg config.DatabaseConfig, hostID string, clock mirror.Clock) (*SQLiteHistory, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteHistory(filepath.Join(cfg.DataDir, hostID+".db"), clock)
	case "memory":
		return NewSQLiteHistory(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
