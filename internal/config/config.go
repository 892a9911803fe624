// Package config handles application configuration: environment loading
// for process-wide settings and YAML loading for per-table ETL specs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide settings for the ETL binary.
type Config struct {
	SourceDSN string // sqlserver:// DSN for the operational source database

	DataDir    string // root for staging, dead-letter, state, and the DuckDB file
	DuckDBPath string // analytical store (default: <DataDir>/analytics.duckdb)
	StateFile  string // watermark JSON (default: <DataDir>/etl_state.json)
	MetaDBPath string // run-history SQLite (default: <DataDir>/etl_meta.db)

	TablesPath  string // tables.yaml
	OffsetsPath string // time_offsets.yaml

	ChunkSize        int           // rows per extraction chunk (default 100000)
	DefaultWatermark string        // watermark for a table's first run
	Workers          int           // worker-pool width (default 4)
	RetryAttempts    int           // attempts per table cycle (default 3)
	RetryBackoff     time.Duration // fixed delay between attempts (default 15s)
	CleanupStaging   bool          // remove staging files after a full-reload swap

	// Cache-invalidation endpoint of the serving layer.
	APIBaseURL       string
	InternalAPIToken string

	// Derived-view tuning for the init command.
	OutlierThreshold  int
	OutlierScaleRatio float64
	WorkingHourStart  int

	LogLevel string // debug, info, warn, error (default "info")

	// Warnings collects non-fatal issues found during loading. They are
	// logged by the caller once the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StagingDir returns the staging area for the given destination table.
func (c *Config) StagingDir(dest string) string {
	return filepath.Join(c.DataDir, dest)
}

// RejectedDir returns the root of the dead-letter area. The sink keeps
// one subdirectory per destination table beneath it.
func (c *Config) RejectedDir() string {
	return filepath.Join(c.DataDir, "rejected")
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults for everything except the source DSN.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		SourceDSN:        os.Getenv("SQLSERVER_DSN"),
		DataDir:          os.Getenv("DATA_DIR"),
		DuckDBPath:       os.Getenv("DUCKDB_PATH"),
		StateFile:        os.Getenv("STATE_FILE"),
		MetaDBPath:       os.Getenv("META_DB_PATH"),
		TablesPath:       os.Getenv("TABLE_CONFIG_PATH"),
		OffsetsPath:      os.Getenv("TIME_OFFSETS_PATH"),
		DefaultWatermark: os.Getenv("ETL_DEFAULT_TIMESTAMP"),
		APIBaseURL:       os.Getenv("API_BASE_URL"),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		CleanupStaging:   parseBoolEnvDefault("ETL_CLEANUP_STAGING", true),
	}

	cfg.ChunkSize = parseIntEnvDefault(cfg, "ETL_CHUNK_SIZE", 100_000)
	cfg.Workers = parseIntEnvDefault(cfg, "ETL_WORKERS", 4)
	cfg.RetryAttempts = parseIntEnvDefault(cfg, "ETL_RETRY_ATTEMPTS", 3)
	cfg.OutlierThreshold = parseIntEnvDefault(cfg, "OUTLIER_THRESHOLD", 100)
	cfg.WorkingHourStart = parseIntEnvDefault(cfg, "WORKING_HOUR_START", 9)

	cfg.RetryBackoff = 15 * time.Second
	if v := os.Getenv("ETL_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid ETL_RETRY_BACKOFF %q, using default", v))
		} else {
			cfg.RetryBackoff = d
		}
	}

	cfg.OutlierScaleRatio = 0.00001
	if v := os.Getenv("OUTLIER_SCALE_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid OUTLIER_SCALE_RATIO %q, using default", v))
		} else {
			cfg.OutlierScaleRatio = f
		}
	}

	// Defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.DuckDBPath == "" {
		cfg.DuckDBPath = filepath.Join(cfg.DataDir, "analytics.duckdb")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.DataDir, "etl_state.json")
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = filepath.Join(cfg.DataDir, "etl_meta.db")
	}
	if cfg.TablesPath == "" {
		cfg.TablesPath = filepath.Join("configs", "tables.yaml")
	}
	if cfg.OffsetsPath == "" {
		cfg.OffsetsPath = filepath.Join("configs", "time_offsets.yaml")
	}
	if cfg.DefaultWatermark == "" {
		cfg.DefaultWatermark = "1900-01-01 00:00:00"
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SourceDSN == "" {
		return fmt.Errorf("SQLSERVER_DSN must be set")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("ETL_CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("ETL_WORKERS must be positive, got %d", c.Workers)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("ETL_RETRY_ATTEMPTS must be positive, got %d", c.RetryAttempts)
	}
	if _, err := time.Parse(WatermarkLayout, c.DefaultWatermark); err != nil {
		return fmt.Errorf("ETL_DEFAULT_TIMESTAMP %q: %w", c.DefaultWatermark, err)
	}
	return nil
}

// WatermarkLayout is the canonical on-disk timestamp format for watermarks.
const WatermarkLayout = "2006-01-02 15:04:05"

func parseBoolEnvDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func parseIntEnvDefault(cfg *Config, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid %s %q, using default %d", key, v, def))
		return def
	}
	return n
}
