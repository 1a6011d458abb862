// Package journal provides persistent records of deploy runs and their
// steps. Records survive uninstalls so a later run can report what the
// previous one did and where it stopped.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Journal stores run and step records in a local sqlite database.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// Run is one invocation of the deploy tool.
type Run struct {
	ID         string
	Verb       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Error      string
}

// Step is one pipeline step inside a run.
type Step struct {
	ID         int64
	RunID      string
	Name       string
	Status     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Open opens (creating if needed) the journal under the given data directory.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "deploy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return j, nil
}

// migrate creates or updates the database schema.
func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		verb TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun records the start of a run and returns it.
func (j *Journal) BeginRun(verb string) (*Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	run := &Run{
		ID:        ulid.Make().String(),
		Verb:      verb,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}

	_, err := j.db.Exec(`
		INSERT INTO runs (id, verb, started_at, status)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.Verb, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return run, nil
}

// EndRun records the outcome of a run. errMsg may be empty on success.
func (j *Journal) EndRun(runID, status, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?
	`, time.Now().UTC(), status, errMsg, runID)
	return err
}

// RecordStep appends a completed step to a run.
func (j *Journal) RecordStep(runID, name, status, detail string, startedAt, finishedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO steps (run_id, name, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, name, status, detail, startedAt.UTC(), finishedAt.UTC())
	return err
}

// LastRun returns the most recently started run, or nil if the journal is empty.
func (j *Journal) LastRun() (*Run, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var run Run
	var finishedAt sql.NullTime

	err := j.db.QueryRow(`
		SELECT id, verb, started_at, finished_at, status, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(
		&run.ID,
		&run.Verb,
		&run.StartedAt,
		&finishedAt,
		&run.Status,
		&run.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return &run, nil
}

// Steps returns all steps of a run in execution order.
func (j *Journal) Steps(runID string) ([]Step, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(`
		SELECT id, run_id, name, status, detail, started_at, finished_at
		FROM steps WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		if err := rows.Scan(
			&step.ID,
			&step.RunID,
			&step.Name,
			&step.Status,
			&step.Detail,
			&step.StartedAt,
			&step.FinishedAt,
		); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}
