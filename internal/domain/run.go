package domain

import (
	"context"
	"time"
)

// TableStatus tracks a table pipeline through its run.
type TableStatus string

const (
	TableStatusPending    TableStatus = "PENDING"
	TableStatusExtracting TableStatus = "EXTRACTING"
	TableStatusStaging    TableStatus = "STAGING"
	TableStatusLoading    TableStatus = "LOADING"
	TableStatusSucceeded  TableStatus = "SUCCEEDED"
	TableStatusFailed     TableStatus = "FAILED"
	TableStatusSkipped    TableStatus = "SKIPPED"
)

// Terminal reports whether the status is an end state.
func (s TableStatus) Terminal() bool {
	return s == TableStatusSucceeded || s == TableStatusFailed || s == TableStatusSkipped
}

// TableResult is the per-table outcome of one batch run.
type TableResult struct {
	Dest          string
	Status        TableStatus
	Attempts      int
	RowsExtracted int64
	RowsRejected  int64
	RowsLoaded    int64
	Watermark     string // new watermark, empty when unchanged
	Err           error
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunSummary aggregates the per-table outcomes of a batch.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []TableResult
}

// Succeeded returns the destination names of tables that committed.
func (s *RunSummary) Succeeded() []string { return s.withStatus(TableStatusSucceeded) }

// Failed returns the destination names of tables that failed.
func (s *RunSummary) Failed() []string { return s.withStatus(TableStatusFailed) }

// Skipped returns the destination names of tables with no new data.
func (s *RunSummary) Skipped() []string { return s.withStatus(TableStatusSkipped) }

func (s *RunSummary) withStatus(st TableStatus) []string {
	var names []string
	for _, r := range s.Results {
		if r.Status == st {
			names = append(names, r.Dest)
		}
	}
	return names
}

// Run is the persisted record of one batch run.
type Run struct {
	ID         string
	Status     string // "RUNNING", "FINISHED"
	Succeeded  int
	Failed     int
	Skipped    int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TableRun is the persisted record of one table's cycle within a run.
type TableRun struct {
	RunID         string
	Dest          string
	Status        TableStatus
	Attempts      int
	RowsExtracted int64
	RowsRejected  int64
	RowsLoaded    int64
	Watermark     string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunHistoryRepository persists batch run outcomes for offline inspection.
// Persistence failures are logged by the orchestrator and never abort a run.
type RunHistoryRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	RecordTableRun(ctx context.Context, tr *TableRun) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListTableRuns(ctx context.Context, runID string) ([]TableRun, error)
}

// Notifier signals the serving layer that destination tables changed and
// request-scoped query caches must be evicted.
type Notifier interface {
	InvalidateCache(ctx context.Context) error
}
