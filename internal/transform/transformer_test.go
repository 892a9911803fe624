package transform

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficlake/internal/config"
	"trafficlake/internal/contract"
	"trafficlake/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func trafficSpec() *config.TableSpec {
	return &config.TableSpec{
		Source:          "dbo.num_crowd",
		Dest:            "fact_traffic",
		Incremental:     true,
		TimestampColumn: "recordtime",
		RenameMap: map[string]string{
			"recordtime": "recorded_at",
			"in_num":     "visitors_in",
			"out_num":    "visitors_out",
			"position":   "device_position",
			"storeid":    "store_id",
		},
		PartitionColumns: []string{"year", "month"},
		CleaningRules: []config.CleaningRule{
			{Column: "position", Action: "strip"},
		},
	}
}

func sourceChunk(rows ...[]any) *domain.Chunk {
	chunk := domain.NewChunk([]string{"recordtime", "in_num", "out_num", "position", "storeid"}, len(rows))
	chunk.Rows = append(chunk.Rows, rows...)
	return chunk
}

func TestApply_FullPipeline(t *testing.T) {
	t.Parallel()

	tr := New(config.TimeOffsets{}, contract.Builtin(), discardLogger())

	chunk := sourceChunk(
		[]any{"2024-06-01 10:30:00", int32(5), int64(3), "  door A  ", int64(7)},
		[]any{time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC), int64(-4), "2", nil, int64(8)},
	)

	out := tr.Apply(chunk, trafficSpec())
	require.True(t, out.IsTransformed(), "reasons: %v, err: %v", out.Reasons, out.Err)

	got := out.Chunk
	assert.Equal(t,
		[]string{"recorded_at", "visitors_in", "visitors_out", "device_position", "store_id", "year", "month"},
		got.Columns)

	// Row 0: renamed, stripped, coerced, partition keys derived.
	assert.Equal(t, "door A", got.Rows[0][3])
	assert.Equal(t, int64(5), got.Rows[0][1])
	assert.Equal(t, int64(2024), got.Rows[0][5])
	assert.Equal(t, int64(6), got.Rows[0][6])

	// Row 1: negative counter clamps to the sensor-noise floor.
	assert.Equal(t, int64(0), got.Rows[1][1])
	assert.Equal(t, int64(2), got.Rows[1][2])
	assert.Equal(t, int64(7), got.Rows[1][6])
}

func TestApply_DropsUnparseableTimestamps(t *testing.T) {
	t.Parallel()

	tr := New(config.TimeOffsets{}, contract.Builtin(), discardLogger())

	chunk := sourceChunk(
		[]any{"not a time", int64(1), int64(1), "x", int64(7)},
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", int64(7)},
	)

	out := tr.Apply(chunk, trafficSpec())
	require.True(t, out.IsTransformed())
	assert.Equal(t, 1, out.Chunk.Len())
}

func TestApply_TimeOffsets(t *testing.T) {
	t.Parallel()

	offsets := config.TimeOffsets{
		// Keyed by the unqualified source table name.
		"num_crowd": {7: 60, 9: -30},
	}
	tr := New(offsets, contract.Builtin(), discardLogger())

	chunk := sourceChunk(
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", int64(7)},
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", int64(9)},
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", int64(5)},
	)

	out := tr.Apply(chunk, trafficSpec())
	require.True(t, out.IsTransformed())

	tsAt := func(row int) time.Time {
		ts, ok := out.Chunk.Rows[row][0].(time.Time)
		require.True(t, ok)
		return ts
	}
	assert.Equal(t, "09:30:00", tsAt(0).Format("15:04:05"), "store 7 runs 60 minutes fast")
	assert.Equal(t, "11:00:00", tsAt(1).Format("15:04:05"), "store 9 runs 30 minutes slow")
	assert.Equal(t, "10:30:00", tsAt(2).Format("15:04:05"), "store 5 has no offset")
}

func TestApply_RejectsContractViolations(t *testing.T) {
	t.Parallel()

	tr := New(config.TimeOffsets{}, contract.Builtin(), discardLogger())

	// store_id null violates the contract after transformation.
	chunk := sourceChunk(
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", nil},
		[]any{"2024-06-01 10:31:00", int64(1), int64(1), "x", int64(7)},
	)

	out := tr.Apply(chunk, trafficSpec())
	require.True(t, out.IsRejected())
	assert.Nil(t, out.Chunk)
	require.Len(t, out.Rejected, 1)
	assert.Contains(t, out.Rejected[0].Reasons[0], "must not be null")
}

func TestApply_NoContractPassesThrough(t *testing.T) {
	t.Parallel()

	tr := New(config.TimeOffsets{}, contract.Registry{}, discardLogger())

	spec := &config.TableSpec{Source: "dbo.misc", Dest: "misc"}
	chunk := domain.NewChunk([]string{"a"}, 1)
	chunk.Rows = append(chunk.Rows, []any{int64(1)})

	out := tr.Apply(chunk, spec)
	require.True(t, out.IsTransformed())
	assert.Equal(t, 1, out.Chunk.Len())
}

func TestMaxTimestamp(t *testing.T) {
	t.Parallel()

	spec := trafficSpec()
	tr := New(config.TimeOffsets{}, contract.Builtin(), discardLogger())

	chunk := sourceChunk(
		[]any{"2024-06-01 10:30:00", int64(1), int64(1), "x", int64(7)},
		[]any{"2024-06-03 08:00:00", int64(1), int64(1), "x", int64(7)},
		[]any{"2024-06-02 23:59:59", int64(1), int64(1), "x", int64(7)},
	)
	out := tr.Apply(chunk, spec)
	require.True(t, out.IsTransformed())

	max, ok := MaxTimestamp(out.Chunk, spec)
	require.True(t, ok)
	assert.Equal(t, "2024-06-03 08:00:00", max.Format(config.WatermarkLayout))

	// Non-incremental tables never produce a watermark.
	flat := *spec
	flat.Incremental = false
	_, ok = MaxTimestamp(out.Chunk, &flat)
	assert.False(t, ok)
}

func TestApply_EmptyChunk(t *testing.T) {
	t.Parallel()

	tr := New(config.TimeOffsets{}, contract.Builtin(), discardLogger())
	out := tr.Apply(domain.NewChunk([]string{"a"}, 0), trafficSpec())
	require.True(t, out.IsTransformed())
	assert.Equal(t, 0, out.Chunk.Len())
}
