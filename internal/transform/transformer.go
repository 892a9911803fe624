// Package transform applies the per-chunk transformation pipeline:
// sensor-clock offset correction, column rename and cleaning, type
// normalization with partition-key derivation, and data-contract
// validation with a chunk-level rejection path.
package transform

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/domain"
)

// storeIDColumn is the source column carrying the store identifier used
// for time-offset lookup; it exists before renaming.
const storeIDColumn = "storeid"

// Transformer runs the fixed transformation pipeline over chunks.
// All stages are pure with respect to shared state; the chunk itself is
// mutated in place because the transformer owns it exclusively.
type Transformer struct {
	offsets   config.TimeOffsets
	contracts contract.Registry
	logger    *slog.Logger
}

// New creates a Transformer.
func New(offsets config.TimeOffsets, contracts contract.Registry, logger *slog.Logger) *Transformer {
	return &Transformer{offsets: offsets, contracts: contracts, logger: logger}
}

// Apply runs the pipeline on one chunk and returns a tagged outcome:
// a transformed chunk satisfying the destination contract, a rejection
// carrying the violating rows, or a failure for unexpected internal
// errors. It never panics out to the caller: one bad chunk must not
// take down the other chunks or tables of the run.
func (t *Transformer) Apply(chunk *domain.Chunk, spec *config.TableSpec) (out domain.TransformOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.TransformOutcome{Err: fmt.Errorf("transform %s: panic: %v", spec.Dest, r)}
		}
	}()

	if chunk.Empty() {
		return domain.TransformOutcome{Chunk: chunk}
	}

	t.applyTimeOffsets(chunk, spec)
	renameAndClean(chunk, spec)
	t.normalizeTypes(chunk, spec)

	ct := t.contracts.Lookup(spec.Dest)
	if ct == nil {
		t.logger.Warn("no contract declared, skipping validation", "dest", spec.Dest)
		return domain.TransformOutcome{Chunk: chunk}
	}

	project(chunk, ct)

	res := ct.Validate(chunk)
	if !res.OK() {
		return domain.TransformOutcome{Rejected: res.Rejected, Reasons: res.Reasons}
	}
	return domain.TransformOutcome{Chunk: res.Valid}
}

// applyTimeOffsets subtracts the per-store clock skew (minutes) from the
// timestamp column. Offsets are keyed by the unqualified source table
// name; stores without an entry default to zero. Cells that cannot be
// read as timestamps are set to nil and dropped later by normalizeTypes.
func (t *Transformer) applyTimeOffsets(chunk *domain.Chunk, spec *config.TableSpec) {
	if spec.TimestampColumn == "" {
		return
	}

	parts := strings.Split(spec.Source, ".")
	tableOffsets := t.offsets[parts[len(parts)-1]]
	if len(tableOffsets) == 0 {
		return
	}

	storeIdx := chunk.ColumnIndex(storeIDColumn)
	tsIdx := chunk.ColumnIndex(spec.TimestampColumn)
	if storeIdx < 0 || tsIdx < 0 {
		t.logger.Warn("skipping time-offset correction, column missing",
			"source", spec.Source, "store_col", storeIDColumn, "ts_col", spec.TimestampColumn)
		return
	}

	for _, row := range chunk.Rows {
		ts, ok := asTime(row[tsIdx])
		if !ok {
			row[tsIdx] = nil
			continue
		}
		var minutes int64
		if id, ok := asInt64(row[storeIdx]); ok {
			minutes = tableOffsets[id]
		}
		row[tsIdx] = ts.Add(-time.Duration(minutes) * time.Minute)
	}
}

// renameAndClean applies the rename map, then each declared cleaning rule.
// "strip" trims whitespace and touches string-typed cells only.
func renameAndClean(chunk *domain.Chunk, spec *config.TableSpec) {
	if len(spec.RenameMap) > 0 {
		for i, col := range chunk.Columns {
			if renamed, ok := spec.RenameMap[col]; ok {
				chunk.Columns[i] = renamed
			}
		}
	}

	for _, rule := range spec.CleaningRules {
		if rule.Action != "strip" {
			continue
		}
		col := rule.Column
		if renamed, ok := spec.RenameMap[col]; ok {
			col = renamed
		}
		idx := chunk.ColumnIndex(col)
		if idx < 0 {
			continue
		}
		for _, row := range chunk.Rows {
			switch v := row[idx].(type) {
			case string:
				row[idx] = strings.TrimSpace(v)
			case []byte:
				row[idx] = strings.TrimSpace(string(v))
			}
		}
	}
}

// normalizeTypes coerces counter columns to non-negative integers
// (invalid or missing becomes 0, negatives clamp to 0, the sensor-noise
// floor), coerces the effective timestamp column dropping rows where
// coercion fails, and derives declared partition columns from it.
func (t *Transformer) normalizeTypes(chunk *domain.Chunk, spec *config.TableSpec) {
	// Counter columns are the ones the destination contract declares
	// non-negative integers.
	if ct := t.contracts.Lookup(spec.Dest); ct != nil {
		for _, col := range ct.Columns {
			if !col.NonNegative || col.Type != contract.TypeInt64 {
				continue
			}
			idx := chunk.ColumnIndex(col.Name)
			if idx < 0 {
				continue
			}
			for _, row := range chunk.Rows {
				n, ok := asInt64(row[idx])
				if !ok || n < 0 {
					n = 0
				}
				row[idx] = n
			}
		}
	}

	tsCol := spec.FinalTimestampColumn()
	if tsCol == "" {
		return
	}
	tsIdx := chunk.ColumnIndex(tsCol)
	if tsIdx < 0 {
		return
	}

	kept := chunk.Rows[:0]
	for _, row := range chunk.Rows {
		ts, ok := asTime(row[tsIdx])
		if !ok {
			continue // unparseable timestamp: drop the row
		}
		row[tsIdx] = ts
		kept = append(kept, row)
	}
	chunk.Rows = kept

	for _, part := range spec.PartitionColumns {
		var derive func(time.Time) int64
		switch part {
		case "year":
			derive = func(ts time.Time) int64 { return int64(ts.Year()) }
		case "month":
			derive = func(ts time.Time) int64 { return int64(ts.Month()) }
		default:
			continue
		}
		idx := chunk.ColumnIndex(part)
		if idx < 0 {
			chunk.Columns = append(chunk.Columns, part)
			idx = len(chunk.Columns) - 1
			for i, row := range chunk.Rows {
				chunk.Rows[i] = append(row, nil)
			}
		}
		for _, row := range chunk.Rows {
			row[idx] = derive(row[tsIdx].(time.Time))
		}
	}
}

// project drops columns the contract does not declare, so incidental
// extras (e.g. the source storeid retained for offset lookup) never reach
// validation. Declared-but-missing columns are left for the validator to
// report.
func project(chunk *domain.Chunk, ct *contract.Contract) {
	keep := make([]int, 0, len(chunk.Columns))
	for i, name := range chunk.Columns {
		found := false
		for _, col := range ct.Columns {
			if col.Name == name {
				found = true
				break
			}
		}
		if found {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(chunk.Columns) {
		return
	}

	cols := make([]string, len(keep))
	for j, i := range keep {
		cols[j] = chunk.Columns[i]
	}
	for r, row := range chunk.Rows {
		next := make([]any, len(keep))
		for j, i := range keep {
			next[j] = row[i]
		}
		chunk.Rows[r] = next
	}
	chunk.Columns = cols
}

// MaxTimestamp returns the chunk's maximum effective timestamp for
// watermark accumulation, or false when the table is not incremental or
// the chunk carries no usable timestamps. Offsets have already been
// applied, so the watermark tracks corrected time.
func MaxTimestamp(chunk *domain.Chunk, spec *config.TableSpec) (time.Time, bool) {
	if !spec.Incremental || chunk.Empty() {
		return time.Time{}, false
	}
	idx := chunk.ColumnIndex(spec.FinalTimestampColumn())
	if idx < 0 {
		return time.Time{}, false
	}

	var max time.Time
	found := false
	for _, row := range chunk.Rows {
		if ts, ok := row[idx].(time.Time); ok {
			if !found || ts.After(max) {
				max = ts
				found = true
			}
		}
	}
	return max, found
}

// asTime reads a cell as a timestamp.
func asTime(cell any) (time.Time, bool) {
	switch v := cell.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return ts, true
			}
		}
	case []byte:
		return asTime(string(v))
	}
	return time.Time{}, false
}

// asInt64 reads a cell as an integer, accepting integral floats and
// numeric strings.
func asInt64(cell any) (int64, bool) {
	switch v := cell.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	case []byte:
		return asInt64(string(v))
	}
	return 0, false
}
