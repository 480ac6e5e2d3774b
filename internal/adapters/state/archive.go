package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	_ "modernc.org/sqlite"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	project_name TEXT NOT NULL,
	goal         TEXT,
	base_branch  TEXT,
	status       TEXT NOT NULL,
	phase_count  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	archived_at  TIMESTAMP NOT NULL,
	document     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_name);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// RunArchive is the sqlite history of finished runs, queried by `runs list`
// and the read API after the JSON rollups are pruned.
type RunArchive struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRunArchive opens (and migrates) the archive database.
func NewRunArchive(dbPath string) (*RunArchive, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating archive: %w", err)
	}
	return &RunArchive{db: db}, nil
}

// Close closes the database.
func (a *RunArchive) Close() error {
	return a.db.Close()
}

// Archive upserts one run into the history.
func (a *RunArchive) Archive(ctx context.Context, run *core.RunState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project_name, goal, base_branch, status, phase_count, created_at, archived_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			phase_count = excluded.phase_count,
			archived_at = excluded.archived_at,
			document = excluded.document`,
		run.RunID, run.ProjectName, run.Goal, run.BaseBranch, string(run.Status),
		len(run.Phases), run.CreatedAt, time.Now(), string(doc))
	return err
}

// Get returns one archived run.
func (a *RunArchive) Get(ctx context.Context, runID string) (*core.RunState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var doc string
	err := a.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}

	var run core.RunState
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("parsing archived run: %w", err)
	}
	return &run, nil
}

// List returns archived runs, most recent first.
func (a *RunArchive) List(ctx context.Context, limit int) ([]*core.RunState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT document FROM runs ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*core.RunState, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var run core.RunState
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("parsing archived run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
