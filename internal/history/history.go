// Package history records batch runs and per-table outcomes in a small
// SQLite metastore, so operators can inspect past runs without trawling
// logs. Persistence failures are logged by the orchestrator and never
// fail a run.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"trafficlake/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Open opens the metastore at path and applies pending migrations.
// SQLite is configured single-writer with WAL journaling.
func Open(path string) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrateMu serialises access to goose's package-level configuration.
var migrateMu sync.Mutex

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Compile-time check.
var _ domain.RunHistoryRepository = (*Repo)(nil)

// Repo implements domain.RunHistoryRepository on SQLite.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a Repo.
func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// CreateRun inserts the run in RUNNING state.
func (r *Repo) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO etl_runs (id, status, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Status, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the run's final counts and finish time.
func (r *Repo) FinishRun(ctx context.Context, run *domain.Run) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_runs SET status = ?, succeeded = ?, failed = ?, skipped = ?, finished_at = ? WHERE id = ?`,
		run.Status, run.Succeeded, run.Failed, run.Skipped, run.FinishedAt.UTC(), run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// RecordTableRun appends one table's outcome for the run.
func (r *Repo) RecordTableRun(ctx context.Context, tr *domain.TableRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO etl_table_runs
		   (run_id, dest_table, status, attempts, rows_extracted, rows_rejected, rows_loaded, watermark, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, tr.Dest, string(tr.Status), tr.Attempts,
		tr.RowsExtracted, tr.RowsRejected, tr.RowsLoaded,
		tr.Watermark, tr.Error, tr.StartedAt.UTC(), tr.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record table run %s/%s: %w", tr.RunID, tr.Dest, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, status, succeeded, failed, skipped, started_at, finished_at
		   FROM etl_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Run
	for rows.Next() {
		var run domain.Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Status, &run.Succeeded, &run.Failed,
			&run.Skipped, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListTableRuns returns the per-table outcomes of one run.
func (r *Repo) ListTableRuns(ctx context.Context, runID string) ([]domain.TableRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, dest_table, status, attempts, rows_extracted, rows_rejected, rows_loaded, watermark, error, started_at, finished_at
		   FROM etl_table_runs WHERE run_id = ? ORDER BY dest_table`, runID)
	if err != nil {
		return nil, fmt.Errorf("list table runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TableRun
	for rows.Next() {
		var tr domain.TableRun
		var status string
		if err := rows.Scan(&tr.RunID, &tr.Dest, &status, &tr.Attempts,
			&tr.RowsExtracted, &tr.RowsRejected, &tr.RowsLoaded,
			&tr.Watermark, &tr.Error, &tr.StartedAt, &tr.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan table run: %w", err)
		}
		tr.Status = domain.TableStatus(status)
		out = append(out, tr)
	}
	return out, rows.Err()
}
