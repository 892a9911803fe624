// Package staging accumulates transformed chunks into the on-disk
// columnar staging area for one table run: hive-partitioned parquet
// directories when partition columns are declared, a single growing
// file otherwise. Chunks are buffered through a per-run DuckDB table
// via the driver appender and written out as parquet on finalize.
package staging

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/domain"
)

// Writer stages one table's run. It is opened once per table cycle and
// must be Closed on every exit path so the pinned connection and
// buffer table are always released.
type Writer struct {
	spec   *config.TableSpec
	ct     *contract.Contract
	dir    string
	logger *slog.Logger

	conn      *sql.Conn
	buffer    string // buffer table name in the analytical store
	columns   []string
	rows      int64
	finalized bool
	closed    bool
}

// Open prepares the staging area and pins a connection for the run.
// Full (non-incremental) runs clear the whole table directory first so
// old and new partitions never mix; incremental runs remove only the
// single non-partitioned data file if one exists.
func Open(ctx context.Context, db *sql.DB, spec *config.TableSpec, ct *contract.Contract, dir string, logger *slog.Logger) (*Writer, error) {
	if !spec.Incremental {
		if err := os.RemoveAll(dir); err != nil {
			return nil, &domain.SwapError{Table: spec.Dest, Err: fmt.Errorf("clear staging dir: %w", err)}
		}
	} else {
		single := filepath.Join(dir, "data.parquet")
		if err := os.Remove(single); err != nil && !os.IsNotExist(err) {
			return nil, &domain.SwapError{Table: spec.Dest, Err: fmt.Errorf("remove stale data file: %w", err)}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.SwapError{Table: spec.Dest, Err: fmt.Errorf("create staging dir: %w", err)}
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, &domain.SwapError{Table: spec.Dest, Err: fmt.Errorf("acquire connection: %w", err)}
	}

	return &Writer{
		spec:   spec,
		ct:     ct,
		dir:    dir,
		logger: logger,
		conn:   conn,
		buffer: spec.Dest + "_buffer",
	}, nil
}

// HasWrittenData reports whether any chunk reached the buffer, letting
// the orchestrator distinguish "no new data" from "load occurred".
func (w *Writer) HasWrittenData() bool { return w.rows > 0 }

// Rows returns the number of rows staged so far.
func (w *Writer) Rows() int64 { return w.rows }

// WriteChunk appends one transformed chunk to the buffer table. The first
// chunk fixes the buffer layout; later chunks of the same pass share its
// schema by construction.
func (w *Writer) WriteChunk(ctx context.Context, chunk *domain.Chunk) error {
	if chunk.Empty() {
		return nil
	}
	if w.closed {
		return &domain.SwapError{Table: w.spec.Dest, Err: fmt.Errorf("writer already closed")}
	}

	if w.columns == nil {
		if err := w.createBuffer(ctx, chunk); err != nil {
			return err
		}
		w.columns = chunk.Columns
	}

	err := w.conn.Raw(func(raw any) error {
		dc, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}

		app, err := duckdb.NewAppenderFromConn(dc, "", w.buffer)
		if err != nil {
			return fmt.Errorf("create appender: %w", err)
		}
		defer func() { _ = app.Close() }()

		vals := make([]driver.Value, len(chunk.Columns))
		for _, row := range chunk.Rows {
			for i, cell := range row {
				vals[i] = cell
			}
			if err := app.AppendRow(vals...); err != nil {
				return fmt.Errorf("append row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return &domain.SwapError{Table: w.spec.Dest, Err: err}
	}

	w.rows += int64(chunk.Len())
	return nil
}

// createBuffer creates the per-run buffer table. Column types come from
// the destination contract when declared, otherwise they are inferred
// from the first chunk's cells.
func (w *Writer) createBuffer(ctx context.Context, chunk *domain.Chunk) error {
	defs := make([]string, len(chunk.Columns))
	for i, name := range chunk.Columns {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(name), w.columnType(name, chunk, i))
	}

	ddl := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)",
		quoteIdent(w.buffer), strings.Join(defs, ", "))
	if _, err := w.conn.ExecContext(ctx, ddl); err != nil {
		return &domain.SwapError{Table: w.spec.Dest, Err: fmt.Errorf("create buffer table: %w", err)}
	}
	return nil
}

func (w *Writer) columnType(name string, chunk *domain.Chunk, idx int) string {
	if w.ct != nil {
		for _, col := range w.ct.Columns {
			if col.Name == name {
				return string(col.Type)
			}
		}
	}
	// No contract: infer from the first non-nil cell.
	for _, row := range chunk.Rows {
		switch row[idx].(type) {
		case nil:
			continue
		case int64, int32, int:
			return string(contract.TypeInt64)
		case float64, float32:
			return string(contract.TypeFloat64)
		case bool:
			return string(contract.TypeBool)
		case time.Time:
			return string(contract.TypeTimestamp)
		default:
			return string(contract.TypeString)
		}
	}
	return string(contract.TypeString)
}

// Finalize writes the buffered rows out to the staging area as parquet.
// Partitioned tables COPY with hive partitioning in append mode so runs
// accumulate partition files; non-partitioned tables produce the single
// data.parquet. A run that staged nothing finalizes to a no-op.
func (w *Writer) Finalize(ctx context.Context) error {
	if w.rows == 0 {
		return nil
	}

	var copySQL string
	if len(w.spec.PartitionColumns) > 0 {
		parts := make([]string, len(w.spec.PartitionColumns))
		for i, p := range w.spec.PartitionColumns {
			parts[i] = quoteIdent(p)
		}
		copySQL = fmt.Sprintf(
			"COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET, PARTITION_BY (%s), APPEND)",
			quoteIdent(w.buffer), quotePath(w.dir), strings.Join(parts, ", "))
	} else {
		copySQL = fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET)",
			quoteIdent(w.buffer), quotePath(filepath.Join(w.dir, "data.parquet")))
	}

	if _, err := w.conn.ExecContext(ctx, copySQL); err != nil {
		return &domain.SwapError{Table: w.spec.Dest, Err: fmt.Errorf("write staging parquet: %w", err)}
	}

	w.finalized = true
	w.logger.Info("staging finalized", "dest", w.spec.Dest, "rows", w.rows, "dir", w.dir)
	return nil
}

// Close drops the buffer table and releases the pinned connection. It is
// safe to call on every exit path and after Finalize.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var dropErr error
	if w.columns != nil {
		_, dropErr = w.conn.ExecContext(context.Background(),
			fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(w.buffer)))
	}
	if err := w.conn.Close(); err != nil && dropErr == nil {
		dropErr = err
	}
	if dropErr != nil {
		w.logger.Warn("staging writer close", "dest", w.spec.Dest, "error", dropErr)
	}
	return dropErr
}

// quoteIdent double-quotes an identifier for DuckDB. Identifiers have
// already passed the config allow-list.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// quotePath single-quotes a filesystem path for DuckDB SQL.
func quotePath(p string) string {
	return "'" + strings.ReplaceAll(filepath.ToSlash(p), "'", "''") + "'"
}
