// Package catalog records run history — every backup run and restore
// session — in a small SQLite database at the backup root. The catalog is
// an operator convenience, not a source of truth: the backup sets on disk
// remain authoritative and recording failures never fail a run.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stackbak/stackbak/internal/backup"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	set_id TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Catalog is a SQLite-backed run-history store. It implements
// backup.Recorder.
type Catalog struct {
	db *sql.DB
}

// Run is one recorded backup run or restore session.
type Run struct {
	ID         string
	Kind       string
	SetID      string
	Status     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record inserts one run-history row.
func (c *Catalog) Record(ctx context.Context, rec backup.RunRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, set_id, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), rec.Kind, rec.SetID, rec.Status, rec.Detail,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("catalog: record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, kind, set_id, status, detail, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.SetID, &r.Status, &r.Detail, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
