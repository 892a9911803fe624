package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/domain"
	"trafficlake/internal/etl"
	"trafficlake/internal/history"
	"trafficlake/internal/notify"
	"trafficlake/internal/state"
)

// app holds everything a command needs after bootstrap. Close releases
// the database handles in reverse-open order.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	source  *sql.DB
	duck    *sql.DB
	meta    *sql.DB
	history domain.RunHistoryRepository
	orch    *etl.Orchestrator
}

// bootstrap loads configuration and opens every backing store. Any
// failure here is fatal for the process; the caller prints the error
// and exits non-zero.
func bootstrap() (*app, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	tables, err := config.LoadTables(cfg.TablesPath)
	if err != nil {
		return nil, err
	}
	offsets, err := config.LoadTimeOffsets(cfg.OffsetsPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	source, err := sql.Open("sqlserver", cfg.SourceDSN)
	if err != nil {
		return nil, fmt.Errorf("open source database: %w", err)
	}

	duck, err := sql.Open("duckdb", cfg.DuckDBPath)
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("open warehouse: %w", err)
	}

	meta, err := history.Open(cfg.MetaDBPath)
	if err != nil {
		_ = duck.Close()
		_ = source.Close()
		return nil, err
	}
	repo := history.NewRepo(meta)

	st := state.Open(cfg.StateFile, cfg.DefaultWatermark, logger)

	orch := etl.New(etl.Options{
		Config:    cfg,
		Tables:    tables,
		Contracts: contract.Builtin(),
		State:     st,
		Source:    source,
		Duck:      duck,
		Offsets:   offsets,
		History:   repo,
		Notifier:  notify.New(cfg.APIBaseURL, cfg.InternalAPIToken, logger),
		Logger:    logger,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		source:  source,
		duck:    duck,
		meta:    meta,
		history: repo,
		orch:    orch,
	}, nil
}

func (a *app) Close() {
	_ = a.meta.Close()
	_ = a.duck.Close()
	_ = a.source.Close()
}
