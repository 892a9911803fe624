package loader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openDuck(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir:          t.TempDir(),
		CleanupStaging:   true,
		OutlierThreshold: 100,
		WorkingHourStart: 9,
	}
}

// stageParquet writes rows into the staging layout the ETL produces:
// data.parquet for flat tables, hive partitions otherwise.
func stageParquet(t *testing.T, db *sql.DB, cfg *config.Config, spec *config.TableSpec, selectSQL string) {
	t.Helper()
	dir := cfg.StagingDir(spec.Dest)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var copySQL string
	if len(spec.PartitionColumns) > 0 {
		copySQL = fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, PARTITION_BY (year, month), APPEND)",
			selectSQL, quotePath(dir))
	} else {
		copySQL = fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)",
			selectSQL, quotePath(filepath.Join(dir, "data.parquet")))
	}
	_, err := db.Exec(copySQL)
	require.NoError(t, err)
}

func TestRefresh_FirstLoad(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	spec := &config.TableSpec{Source: "dbo.store", Dest: "dim_stores"}

	stageParquet(t, db, cfg, spec, "SELECT 1::BIGINT AS store_id, 'North' AS store_name")

	l := New(db, cfg, discardLogger())
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	var name string
	require.NoError(t, db.QueryRow(`SELECT store_name FROM dim_stores`).Scan(&name))
	assert.Equal(t, "North", name)

	// Full-reload staging files are cleaned up after the swap.
	assert.NoFileExists(t, filepath.Join(cfg.StagingDir("dim_stores"), "data.parquet"))
}

func TestRefresh_ReplacesLiveTableAtomically(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	cfg.CleanupStaging = false
	spec := &config.TableSpec{Source: "dbo.store", Dest: "dim_stores"}
	l := New(db, cfg, discardLogger())

	stageParquet(t, db, cfg, spec, "SELECT 1::BIGINT AS store_id, 'North' AS store_name")
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	// Second run swaps in fresh contents and drops the backup.
	require.NoError(t, os.RemoveAll(cfg.StagingDir("dim_stores")))
	stageParquet(t, db, cfg, spec, "SELECT 2::BIGINT AS store_id, 'South' AS store_name")
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	var name string
	require.NoError(t, db.QueryRow(`SELECT store_name FROM dim_stores`).Scan(&name))
	assert.Equal(t, "South", name)

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM information_schema.tables WHERE table_name IN ('dim_stores_old', 'dim_stores_staging')`).Scan(&n))
	assert.Zero(t, n, "no backup or staging table left behind")
}

func TestRefresh_PartitionedRebuildsFromAllPartitions(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	spec := &config.TableSpec{
		Source:           "dbo.num_crowd",
		Dest:             "fact_traffic",
		Incremental:      true,
		TimestampColumn:  "recordtime",
		PartitionColumns: []string{"year", "month"},
	}
	l := New(db, cfg, discardLogger())

	stageParquet(t, db, cfg, spec,
		"SELECT TIMESTAMP '2024-06-01 10:00:00' AS recorded_at, 5::BIGINT AS visitors_in, 2024::BIGINT AS year, 6::BIGINT AS month")
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	// A later incremental run adds a new partition; the rebuilt table
	// contains history plus the new window.
	stageParquet(t, db, cfg, spec,
		"SELECT TIMESTAMP '2024-07-01 10:00:00' AS recorded_at, 7::BIGINT AS visitors_in, 2024::BIGINT AS year, 7::BIGINT AS month")
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM fact_traffic`).Scan(&n))
	assert.Equal(t, 2, n)

	// Incremental staging survives the swap for the next rebuild.
	assert.DirExists(t, filepath.Join(cfg.StagingDir("fact_traffic"), "year=2024"))
}

func TestRefresh_RecoversFromInterruptedSwap(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	cfg.CleanupStaging = false
	spec := &config.TableSpec{Source: "dbo.store", Dest: "dim_stores"}
	l := New(db, cfg, discardLogger())

	// Simulate a run that died between staging-table creation and the
	// rename commit: live table intact, stale _staging and _old left
	// behind.
	for _, stmt := range []string{
		`CREATE TABLE dim_stores AS SELECT 1::BIGINT AS store_id, 'North' AS store_name`,
		`CREATE TABLE dim_stores_staging AS SELECT 99::BIGINT AS store_id, 'Stale' AS store_name`,
		`CREATE TABLE dim_stores_old AS SELECT 98::BIGINT AS store_id, 'Older' AS store_name`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	// The next run retries with fresh staged data and needs no manual
	// cleanup: leftovers are replaced or dropped inside the protocol.
	stageParquet(t, db, cfg, spec, "SELECT 2::BIGINT AS store_id, 'South' AS store_name")
	require.NoError(t, l.Refresh(context.Background(), spec, true))

	var name string
	require.NoError(t, db.QueryRow(`SELECT store_name FROM dim_stores`).Scan(&name))
	assert.Equal(t, "South", name)

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM information_schema.tables WHERE table_name IN ('dim_stores_old', 'dim_stores_staging')`).Scan(&n))
	assert.Zero(t, n, "stale staging and backup tables cleared")
}

func TestRefresh_NoDataIsANoOp(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	spec := &config.TableSpec{Source: "dbo.store", Dest: "dim_stores"}
	l := New(db, cfg, discardLogger())

	require.NoError(t, l.Refresh(context.Background(), spec, false))

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM information_schema.tables WHERE table_name = 'dim_stores'`).Scan(&n))
	assert.Zero(t, n)
}

func TestRefresh_MissingStagingFilesIsSwapError(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	spec := &config.TableSpec{Source: "dbo.store", Dest: "dim_stores"}
	l := New(db, cfg, discardLogger())

	err := l.Refresh(context.Background(), spec, true)
	require.Error(t, err)

	var swapErr *domain.SwapError
	require.ErrorAs(t, err, &swapErr)
	assert.True(t, domain.IsTransient(err))
}

func TestEnsureBaseTablesAndViews(t *testing.T) {
	t.Parallel()

	db := openDuck(t)
	cfg := testConfig(t)
	cfg.OutlierScaleRatio = 0.00001

	require.NoError(t, EnsureBaseTables(context.Background(), db, contract.Builtin()))
	require.NoError(t, CreateDerivedViews(context.Background(), db, cfg))

	// Idempotent on re-run.
	require.NoError(t, EnsureBaseTables(context.Background(), db, contract.Builtin()))
	require.NoError(t, CreateDerivedViews(context.Background(), db, cfg))

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM v_traffic_normalized`).Scan(&n))
	assert.Zero(t, n)
}
