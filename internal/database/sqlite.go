package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"driveup/internal/database/migrations"
	"driveup/internal/mirror"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteHistory implements mirror.History on SQLite.
type SQLiteHistory struct {
	db    *sqlx.DB
	clock mirror.Clock
	path  string
}

// runRow is the database shape of a mirror.RunRecord.
type runRow struct {
	ID          int64        `db:"id"`
	Job         string       `db:"job"`
	Source      string       `db:"source"`
	Destination string       `db:"destination"`
	StartedAt   time.Time    `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
	Status      string       `db:"status"`
}

func (r runRow) record() *mirror.RunRecord {
	rec := &mirror.RunRecord{
		ID:          r.ID,
		Job:         r.Job,
		Source:      r.Source,
		Destination: r.Destination,
		StartedAt:   r.StartedAt,
		Status:      mirror.Status(r.Status),
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		rec.FinishedAt = &t
	}
	return rec
}

type runItemRow struct {
	RunID   int64  `db:"run_id"`
	Path    string `db:"path"`
	Kind    string `db:"kind"`
	Message string `db:"message"`
}

// NewSQLiteHistory opens the history database at path and applies pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteHistory(path string, clock mirror.Clock) (*SQLiteHistory, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	return &SQLiteHistory{db: db, clock: clock, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

func (s *SQLiteHistory) StartRun(job, source, destination string) (*mirror.RunRecord, error) {
	started := s.clock.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO runs (job, source, destination, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		job, source, destination, started, string(mirror.StatusUnknown))
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading run id: %w", err)
	}

	return &mirror.RunRecord{
		ID:          id,
		Job:         job,
		Source:      source,
		Destination: destination,
		StartedAt:   started,
		Status:      mirror.StatusUnknown,
	}, nil
}

func (s *SQLiteHistory) FinishRun(run *mirror.RunRecord, result *mirror.OperationResult) error {
	finished := s.clock.Now().UTC()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		finished, string(result.Status), run.ID); err != nil {
		return fmt.Errorf("finishing run %d: %w", run.ID, err)
	}

	items := make([]runItemRow, 0, len(result.Errors)+len(result.Warnings))
	for _, path := range result.ErrorPaths() {
		items = append(items, runItemRow{RunID: run.ID, Path: path, Kind: string(mirror.ItemError), Message: result.Errors[path].Error()})
	}
	for _, path := range result.WarningPaths() {
		items = append(items, runItemRow{RunID: run.ID, Path: path, Kind: string(mirror.ItemWarning), Message: result.Warnings[path]})
	}
	if len(items) > 0 {
		if _, err := tx.NamedExec(
			`INSERT INTO run_items (run_id, path, kind, message) VALUES (:run_id, :path, :kind, :message)`,
			items); err != nil {
			return fmt.Errorf("recording run items: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	run.FinishedAt = &finished
	run.Status = result.Status
	return nil
}

func (s *SQLiteHistory) ListRuns(limit int) ([]*mirror.RunRecord, error) {
	var rows []runRow
	err := s.db.Select(&rows,
		`SELECT id, job, source, destination, started_at, finished_at, status
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	result := make([]*mirror.RunRecord, len(rows))
	for i := range rows {
		result[i] = rows[i].record()
	}
	return result, nil
}

func (s *SQLiteHistory) ListRunItems(runID int64) ([]*mirror.RunItem, error) {
	var rows []runItemRow
	err := s.db.Select(&rows,
		`SELECT run_id, path, kind, message FROM run_items WHERE run_id = ? ORDER BY kind, path`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing items of run %d: %w", runID, err)
	}

	result := make([]*mirror.RunItem, len(rows))
	for i, r := range rows {
		result[i] = &mirror.RunItem{RunID: r.RunID, Path: r.Path, Kind: mirror.ItemKind(r.Kind), Message: r.Message}
	}
	return result, nil
}

// FindRun returns a run by id, or nil if it does not exist.
func (s *SQLiteHistory) FindRun(id int64) (*mirror.RunRecord, error) {
	var row runRow
	err := s.db.Get(&row,
		`SELECT id, job, source, destination, started_at, finished_at, status FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding run %d: %w", id, err)
	}
	return row.record(), nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteHistory) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteHistory) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db.DB)
}

// Close closes the database connection.
func (s *SQLiteHistory) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteHistory implements mirror.History.
var _ mirror.History = (*SQLiteHistory)(nil)
