// Package loader promotes staged parquet data into the analytical store
// without ever exposing a partially-updated table: the staged files are
// bulk-loaded into a staging table, then renamed over the live table
// inside a transaction.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"trafficlake/internal/config"
	"trafficlake/internal/domain"
)

// SwapLoader loads staging areas into the analytical store via the
// staging-then-swap protocol.
type SwapLoader struct {
	db             *sql.DB
	cfg            *config.Config
	logger         *slog.Logger
	cleanupStaging bool
}

// New creates a SwapLoader.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *SwapLoader {
	return &SwapLoader{db: db, cfg: cfg, logger: logger, cleanupStaging: cfg.CleanupStaging}
}

// Refresh makes the table's staged data visible. When hasData is false
// the destination and its statistics are left untouched: an empty
// incremental run must be a strict no-op.
//
// Protocol:
//  1. bulk-load the staging area into <dest>_staging;
//  2. in a transaction: drop a leftover <dest>_old from any interrupted
//     run, rename live to <dest>_old, rename staging to live, commit;
//  3. post-commit (non-critical): drop the backup, optionally delete the
//     staging files after a full reload, refresh table statistics.
//
// Any failure in steps 1–2 rolls back, leaving the live table exactly as
// it was, and surfaces as SwapError for the orchestrator's retry policy.
func (l *SwapLoader) Refresh(ctx context.Context, spec *config.TableSpec, hasData bool) error {
	if !hasData {
		l.logger.Info("no new data, skipping refresh", "dest", spec.Dest)
		return nil
	}

	dest := spec.Dest
	stagingTable := dest + "_staging"
	backupTable := dest + "_old"
	stagingDir := l.cfg.StagingDir(dest)

	// 1. Bulk-load staged parquet into the staging table.
	loadSQL := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s, hive_partitioning = true)",
		quoteIdent(stagingTable), quotePath(filepath.Join(stagingDir, "**", "*.parquet")))
	if len(spec.PartitionColumns) == 0 {
		loadSQL = fmt.Sprintf(
			"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)",
			quoteIdent(stagingTable), quotePath(filepath.Join(stagingDir, "data.parquet")))
	}
	if _, err := l.db.ExecContext(ctx, loadSQL); err != nil {
		return &domain.SwapError{Table: dest, Err: fmt.Errorf("load staging table: %w", err)}
	}
	l.logger.Info("staging table loaded", "dest", dest, "staging_table", stagingTable)

	// 2. Atomic swap inside a transaction.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.SwapError{Table: dest, Err: fmt.Errorf("begin swap: %w", err)}
	}
	swap := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(backupTable)),
		fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s", quoteIdent(dest), quoteIdent(backupTable)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(stagingTable), quoteIdent(dest)),
	}
	for _, stmt := range swap {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return &domain.SwapError{Table: dest, Err: fmt.Errorf("swap step %q: %w", stmt, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return &domain.SwapError{Table: dest, Err: fmt.Errorf("commit swap: %w", err)}
	}
	l.logger.Info("table swapped", "dest", dest)

	// 3. Cleanup and statistics, outside the critical path. Failures here
	// are logged but the swap has already committed.
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(backupTable))); err != nil {
		l.logger.Warn("drop backup table failed", "dest", dest, "error", err)
	}

	if !spec.Incremental && l.cleanupStaging {
		if err := os.RemoveAll(stagingDir); err != nil {
			l.logger.Warn("staging cleanup failed", "dest", dest, "dir", stagingDir, "error", err)
		} else {
			l.logger.Info("staging area cleaned", "dest", dest, "dir", stagingDir)
		}
	}

	if _, err := l.db.ExecContext(ctx, fmt.Sprintf("ANALYZE %s", quoteIdent(dest))); err != nil {
		l.logger.Warn("analyze failed", "dest", dest, "error", err)
	}

	return nil
}

// quoteIdent double-quotes an identifier for DuckDB.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// quotePath single-quotes a filesystem path for DuckDB SQL.
func quotePath(p string) string {
	return "'" + strings.ReplaceAll(filepath.ToSlash(p), "'", "''") + "'"
}
