// Package runlog keeps the history of pipeline runs in SQLite, including
// the cursor used for incremental fetches.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID              string    `db:"id" json:"id"`
	StartedAt       time.Time `db:"started_at" json:"started_at"`
	FinishedAt      time.Time `db:"finished_at" json:"finished_at"`
	Status          string    `db:"status" json:"status"`
	Fetched         int       `db:"fetched" json:"fetched"`
	Pending         int       `db:"pending" json:"pending"`
	SentimentScored int       `db:"sentiment_scored" json:"sentiment_scored"`
	LabelsAssigned  int       `db:"labels_assigned" json:"labels_assigned"`
	OrgsAttributed  int       `db:"orgs_attributed" json:"organisations_attributed"`
	Failures        int       `db:"failures" json:"failures"`
	Committed       bool      `db:"committed" json:"committed"`
	// Cursor is the newest issue update seen by a successful run.
	Cursor time.Time `db:"cursor" json:"cursor"`
	Error  string    `db:"error" json:"error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    started_at       DATETIME NOT NULL,
    finished_at      DATETIME NOT NULL,
    status           TEXT NOT NULL,
    fetched          INTEGER NOT NULL DEFAULT 0,
    pending          INTEGER NOT NULL DEFAULT 0,
    sentiment_scored INTEGER NOT NULL DEFAULT 0,
    labels_assigned  INTEGER NOT NULL DEFAULT 0,
    orgs_attributed  INTEGER NOT NULL DEFAULT 0,
    failures         INTEGER NOT NULL DEFAULT 0,
    committed        BOOLEAN NOT NULL DEFAULT 0,
    cursor           DATETIME NOT NULL,
    error            TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Log is the SQLite-backed run history.
type Log struct {
	db *sqlx.DB
}

// Open opens (and migrates) the run log at path.
func Open(path string) (*Log, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Record stores a finished run. Times are stored in UTC so that they
// sort as text.
func (l *Log) Record(ctx context.Context, r *Run) error {
	row := *r
	row.StartedAt = r.StartedAt.UTC()
	row.FinishedAt = r.FinishedAt.UTC()
	row.Cursor = r.Cursor.UTC()
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, status, fetched, pending,
			sentiment_scored, labels_assigned, orgs_attributed, failures, committed, cursor, error)
		VALUES (:id, :started_at, :finished_at, :status, :fetched, :pending,
			:sentiment_scored, :labels_assigned, :orgs_attributed, :failures, :committed, :cursor, :error)
	`, &row)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// LastSuccessful returns the most recent successful run, or nil when
// there is none.
func (l *Log) LastSuccessful(ctx context.Context) (*Run, error) {
	var r Run
	err := l.db.GetContext(ctx, &r,
		"SELECT * FROM runs WHERE status = ? ORDER BY started_at DESC LIMIT 1",
		StatusSucceeded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last successful run: %w", err)
	}
	return &r, nil
}

// Recent returns up to n runs, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	var runs []Run
	if err := l.db.SelectContext(ctx, &runs,
		"SELECT * FROM runs ORDER BY started_at DESC LIMIT ?", n); err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	return runs, nil
}
