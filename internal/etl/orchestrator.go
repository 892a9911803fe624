// Package etl orchestrates the batch: every configured table runs its
// extract-transform-stage-swap cycle concurrently on a bounded worker
// pool, and transient failures are retried with a fixed backoff. One
// table failing never aborts the rest of the batch.
package etl

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/deadletter"
	"trafficlake/internal/domain"
	"trafficlake/internal/extract"
	"trafficlake/internal/loader"
	"trafficlake/internal/staging"
	"trafficlake/internal/state"
	"trafficlake/internal/transform"
)

// Orchestrator runs batches over the configured tables.
type Orchestrator struct {
	cfg         *config.Config
	tables      []config.TableSpec
	contracts   contract.Registry
	state       *state.Store
	extractor   *extract.Extractor
	transformer *transform.Transformer
	deadLetters *deadletter.Sink
	duck        *sql.DB
	loader      *loader.SwapLoader
	history     domain.RunHistoryRepository
	notifier    domain.Notifier
	logger      *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Options carries the collaborators the orchestrator wires together.
type Options struct {
	Config    *config.Config
	Tables    []config.TableSpec
	Contracts contract.Registry
	State     *state.Store
	Source    *sql.DB
	Duck      *sql.DB
	Offsets   config.TimeOffsets
	History   domain.RunHistoryRepository
	Notifier  domain.Notifier
	Logger    *slog.Logger
}

// New assembles an Orchestrator from its collaborators.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:         opts.Config,
		tables:      opts.Tables,
		contracts:   opts.Contracts,
		state:       opts.State,
		extractor:   extract.New(opts.Source, opts.Config.ChunkSize, opts.Logger),
		transformer: transform.New(opts.Offsets, opts.Contracts, opts.Logger),
		deadLetters: deadletter.New(opts.Config.RejectedDir(), opts.Logger),
		duck:        opts.Duck,
		loader:      loader.New(opts.Duck, opts.Config, opts.Logger),
		history:     opts.History,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		sleep:       sleepCtx,
	}
}

// RunOptions tune a single batch.
type RunOptions struct {
	// Full discards watermarks and staged files and reloads every table
	// from scratch.
	Full bool
	// InvalidateCache asks the serving layer to evict query caches after
	// a batch that refreshed at least one table.
	InvalidateCache bool
}

// Run executes one batch over all configured tables and returns the
// per-table summary. The table slice is sorted by processing order at
// load time, which fixes the submission sequence only: every table goes
// into one pool of cfg.Workers and none waits on another. The returned
// error is non-nil only when the batch was cancelled.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*domain.RunSummary, error) {
	summary := &domain.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Results:   make([]domain.TableResult, len(o.tables)),
	}
	o.logger.Info("batch started",
		"run_id", summary.RunID, "tables", len(o.tables),
		"workers", o.cfg.Workers, "full", opts.Full)

	o.recordRunStart(ctx, summary)

	var runErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range o.tables {
		g.Go(func() error {
			summary.Results[i] = o.runTable(gctx, &o.tables[i], opts.Full)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		runErr = err
	}
	if ctx.Err() != nil {
		runErr = ctx.Err()
	}
	summary.FinishedAt = time.Now()

	o.logger.Info("batch finished",
		"run_id", summary.RunID,
		"succeeded", summary.Succeeded(),
		"failed", summary.Failed(),
		"skipped", summary.Skipped(),
		"elapsed", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))

	o.recordRunFinish(ctx, summary)

	if opts.InvalidateCache && len(summary.Succeeded()) > 0 && runErr == nil {
		if err := o.notifier.InvalidateCache(ctx); err != nil {
			o.logger.Error("cache invalidation failed", "error", err)
		}
	}
	return summary, runErr
}

// runTable runs one table's cycle with the retry policy: transient
// failures (source connectivity, swap) retry up to cfg.RetryAttempts
// with a fixed backoff; contract violations and internal errors fail
// immediately because retrying cannot change the data.
func (o *Orchestrator) runTable(ctx context.Context, spec *config.TableSpec, full bool) domain.TableResult {
	logger := o.logger.With("dest", spec.Dest)

	// A full run ignores the stored watermark anyway; a failed reset is
	// logged and the reload proceeds.
	if full && spec.Incremental {
		if err := o.state.Reset(spec.Dest); err != nil {
			logger.Error("watermark reset failed", "error", err)
		}
	}

	var res domain.TableResult
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		res = o.runTableOnce(ctx, spec, full)
		res.Attempts = attempt
		if res.Err == nil || !domain.IsTransient(res.Err) {
			break
		}
		if attempt == o.cfg.RetryAttempts {
			logger.Error("table failed, attempts exhausted",
				"attempts", attempt, "error", res.Err)
			break
		}
		logger.Warn("transient failure, retrying",
			"attempt", attempt, "backoff", o.cfg.RetryBackoff, "error", res.Err)
		if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
			res.Err = err
			break
		}
	}
	return res
}

// runTableOnce is a single attempt at one table's full cycle.
func (o *Orchestrator) runTableOnce(ctx context.Context, spec *config.TableSpec, full bool) domain.TableResult {
	res := domain.TableResult{
		Dest:      spec.Dest,
		Status:    domain.TableStatusExtracting,
		StartedAt: time.Now(),
	}
	fail := func(err error) domain.TableResult {
		res.Status = domain.TableStatusFailed
		res.Err = err
		res.FinishedAt = time.Now()
		return res
	}
	logger := o.logger.With("dest", spec.Dest)

	// A full reload behaves exactly like a first-ever run of a
	// non-incremental table: no watermark filter, staging cleared.
	effective := *spec
	if full {
		effective.Incremental = false
	}

	watermark := o.cfg.DefaultWatermark
	if effective.Incremental {
		watermark = o.state.Get(spec.Dest)
	}

	stream, err := o.extractor.Extract(ctx, &effective, watermark)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = stream.Close() }()

	first, err := stream.Next(ctx)
	if err != nil {
		return fail(err)
	}
	if first == nil {
		logger.Info("no new rows at source")
		res.Status = domain.TableStatusSkipped
		res.FinishedAt = time.Now()
		return res
	}

	res.Status = domain.TableStatusStaging
	ct := o.contracts.Lookup(spec.Dest)
	writer, err := staging.Open(ctx, o.duck, &effective, ct,
		o.cfg.StagingDir(spec.Dest), logger)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = writer.Close() }()

	var maxTS time.Time
	for chunk := first; chunk != nil; {
		res.RowsExtracted += int64(chunk.Len())

		outcome := o.transformer.Apply(chunk, spec)
		switch {
		case outcome.Err != nil:
			return fail(outcome.Err)
		case outcome.IsRejected():
			res.RowsRejected += int64(len(outcome.Rejected))
			if dlErr := o.deadLetters.Write(spec.Dest, outcome.Rejected, outcome.Reasons); dlErr != nil {
				logger.Error("dead-letter write failed", "error", dlErr)
			}
		default:
			if err := writer.WriteChunk(ctx, outcome.Chunk); err != nil {
				return fail(err)
			}
			res.RowsLoaded += int64(outcome.Chunk.Len())
			if ts, ok := transform.MaxTimestamp(outcome.Chunk, spec); ok {
				maxTS = domain.MaxTime(maxTS, ts)
			}
		}

		if chunk, err = stream.Next(ctx); err != nil {
			return fail(err)
		}
	}

	if !writer.HasWrittenData() {
		logger.Warn("all extracted rows were rejected, nothing to load",
			"extracted", res.RowsExtracted, "rejected", res.RowsRejected)
		res.Status = domain.TableStatusSkipped
		res.FinishedAt = time.Now()
		return res
	}
	if err := writer.Finalize(ctx); err != nil {
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}

	res.Status = domain.TableStatusLoading
	// The unmodified table spec goes to the loader: staging cleanup must key off
	// the table's real incremental setting, or a full reload of an
	// incremental table would wipe the history its next runs rebuild from.
	if err := o.loader.Refresh(ctx, spec, true); err != nil {
		return fail(err)
	}

	// Watermark moves only after the swap committed. A persist failure
	// is logged, not fatal: the table is loaded, and the next run simply
	// re-extracts a window the swap replays idempotently.
	if spec.Incremental && !maxTS.IsZero() {
		wm := maxTS.Format(config.WatermarkLayout)
		if err := o.state.Commit(spec.Dest, wm); err != nil {
			logger.Error("watermark persist failed, next run reprocesses this window", "error", err)
		} else {
			res.Watermark = wm
		}
	}

	res.Status = domain.TableStatusSucceeded
	res.FinishedAt = time.Now()
	logger.Info("table refreshed",
		"extracted", res.RowsExtracted,
		"rejected", res.RowsRejected,
		"loaded", res.RowsLoaded,
		"watermark", res.Watermark)
	return res
}

// recordRunStart persists the run header. Metastore failures are logged
// and never abort the batch.
func (o *Orchestrator) recordRunStart(ctx context.Context, summary *domain.RunSummary) {
	if o.history == nil {
		return
	}
	run := &domain.Run{ID: summary.RunID, Status: "RUNNING", StartedAt: summary.StartedAt}
	if err := o.history.CreateRun(ctx, run); err != nil {
		o.logger.Error("run history write failed", "error", err)
	}
}

func (o *Orchestrator) recordRunFinish(ctx context.Context, summary *domain.RunSummary) {
	if o.history == nil {
		return
	}
	for _, r := range summary.Results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		tr := &domain.TableRun{
			RunID:         summary.RunID,
			Dest:          r.Dest,
			Status:        r.Status,
			Attempts:      r.Attempts,
			RowsExtracted: r.RowsExtracted,
			RowsRejected:  r.RowsRejected,
			RowsLoaded:    r.RowsLoaded,
			Watermark:     r.Watermark,
			Error:         errText,
			StartedAt:     r.StartedAt,
			FinishedAt:    r.FinishedAt,
		}
		if err := o.history.RecordTableRun(ctx, tr); err != nil {
			o.logger.Error("table run history write failed", "dest", r.Dest, "error", err)
		}
	}

	finished := summary.FinishedAt
	run := &domain.Run{
		ID:         summary.RunID,
		Status:     "FINISHED",
		Succeeded:  len(summary.Succeeded()),
		Failed:     len(summary.Failed()),
		Skipped:    len(summary.Skipped()),
		StartedAt:  summary.StartedAt,
		FinishedAt: &finished,
	}
	if err := o.history.FinishRun(ctx, run); err != nil {
		o.logger.Error("run history write failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
