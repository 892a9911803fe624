package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficlake/internal/domain"
)

func trafficContract() *Contract {
	return &Contract{
		Dest: "fact_traffic",
		Columns: []Column{
			{Name: "recorded_at", Type: TypeTimestamp},
			{Name: "visitors_in", Type: TypeInt64, NonNegative: true},
			{Name: "store_id", Type: TypeInt64},
			{Name: "device_position", Type: TypeString, Nullable: true},
		},
	}
}

func TestValidate_CoercesAndReorders(t *testing.T) {
	t.Parallel()

	// Columns arrive in a different order and with convertible types.
	chunk := domain.NewChunk([]string{"store_id", "visitors_in", "device_position", "recorded_at"}, 2)
	chunk.Rows = append(chunk.Rows,
		[]any{int32(7), "12", []byte("door A"), "2024-06-01 10:30:00"},
		[]any{int64(8), float64(3), nil, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)},
	)

	res := trafficContract().Validate(chunk)
	require.True(t, res.OK(), "reasons: %v", res.Reasons)
	require.NotNil(t, res.Valid)

	assert.Equal(t, []string{"recorded_at", "visitors_in", "store_id", "device_position"}, res.Valid.Columns)
	assert.Equal(t, int64(12), res.Valid.Rows[0][1])
	assert.Equal(t, int64(7), res.Valid.Rows[0][2])
	assert.Equal(t, "door A", res.Valid.Rows[0][3])
	assert.IsType(t, time.Time{}, res.Valid.Rows[0][0])
	assert.Nil(t, res.Valid.Rows[1][3])
}

func TestValidate_StructuralViolations(t *testing.T) {
	t.Parallel()

	// Missing recorded_at, plus a column the contract never declared.
	chunk := domain.NewChunk([]string{"visitors_in", "store_id", "device_position", "extra"}, 1)
	chunk.Rows = append(chunk.Rows, []any{int64(1), int64(7), "x", "y"})

	res := trafficContract().Validate(chunk)
	require.False(t, res.OK())
	assert.Nil(t, res.Valid)
	assert.Empty(t, res.Rejected, "structural failures have no single owning row")
	assert.Contains(t, res.Reasons, `column "recorded_at" missing`)
	assert.Contains(t, res.Reasons, `unexpected column "extra"`)
}

func TestValidate_RowViolations(t *testing.T) {
	t.Parallel()

	chunk := domain.NewChunk([]string{"recorded_at", "visitors_in", "store_id", "device_position"}, 4)
	good := []any{"2024-06-01 10:30:00", int64(5), int64(7), "door A"}
	nullStore := []any{"2024-06-01 10:31:00", int64(5), nil, "door A"}
	negative := []any{"2024-06-01 10:32:00", int64(-2), int64(7), "door A"}
	badTS := []any{"whenever", int64(5), int64(7), "door A"}
	chunk.Rows = append(chunk.Rows, good, nullStore, negative, badTS)

	res := trafficContract().Validate(chunk)
	require.False(t, res.OK())
	assert.Nil(t, res.Valid)

	// Exactly the violating rows come back, in order, with their reasons.
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, nullStore, res.Rejected[0].Values)
	assert.Contains(t, res.Rejected[0].Reasons[0], "must not be null")
	assert.Contains(t, res.Rejected[1].Reasons[0], "non-negative")
	assert.Contains(t, res.Rejected[2].Reasons[0], "not a timestamp")
}

func TestValidate_UniqueWithinChunk(t *testing.T) {
	t.Parallel()

	ct := &Contract{
		Dest: "dim_stores",
		Columns: []Column{
			{Name: "store_id", Type: TypeInt64, Unique: true},
			{Name: "store_name", Type: TypeString},
		},
	}

	chunk := domain.NewChunk([]string{"store_id", "store_name"}, 3)
	chunk.Rows = append(chunk.Rows,
		[]any{int64(1), "North"},
		[]any{int64(2), "South"},
		[]any{int64(1), "North again"},
	)

	res := ct.Validate(chunk)
	require.False(t, res.OK())
	// Only the second occurrence is flagged.
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, []any{int64(1), "North again"}, res.Rejected[0].Values)
	assert.Contains(t, res.Rejected[0].Reasons[0], "duplicate")
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cell    any
		typ     ColumnType
		want    any
		wantErr bool
	}{
		{name: "int passthrough", cell: int64(5), typ: TypeInt64, want: int64(5)},
		{name: "integral float", cell: float64(5), typ: TypeInt64, want: int64(5)},
		{name: "fractional float", cell: 5.5, typ: TypeInt64, wantErr: true},
		{name: "numeric string", cell: " 42 ", typ: TypeInt64, want: int64(42)},
		{name: "junk suffix", cell: "42abc", typ: TypeInt64, wantErr: true},
		{name: "bytes to string", cell: []byte("hi"), typ: TypeString, want: "hi"},
		{name: "date only", cell: "2024-06-01", typ: TypeTimestamp, want: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{name: "bool from int", cell: int64(1), typ: TypeBool, want: true},
		{name: "float string", cell: "3.25", typ: TypeFloat64, want: 3.25},
		{name: "struct is opaque", cell: struct{}{}, typ: TypeString, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := coerce(tt.cell, tt.typ)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltinRegistry(t *testing.T) {
	t.Parallel()

	reg := Builtin()
	for _, dest := range []string{"dim_stores", "fact_traffic", "fact_errors"} {
		require.NotNil(t, reg.Lookup(dest), dest)
		assert.Equal(t, dest, reg.Lookup(dest).Dest)
	}
	assert.Nil(t, reg.Lookup("fact_unknown"))
}
