// Package contract declares and enforces the data contracts destination
// tables must satisfy: column set, types with convertible coercion,
// nullability, in-chunk uniqueness, and non-negativity. Validation is
// fail-closed per chunk: any violation rejects the whole chunk so that
// cross-row constraints stay decidable within it.
package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trafficlake/internal/domain"
)

// ColumnType is the declared type of a contract column.
type ColumnType string

const (
	TypeInt64     ColumnType = "BIGINT"
	TypeFloat64   ColumnType = "DOUBLE"
	TypeString    ColumnType = "VARCHAR"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeBool      ColumnType = "BOOLEAN"
)

// Column declares the constraints on one destination column.
type Column struct {
	Name        string
	Type        ColumnType
	Nullable    bool
	Unique      bool
	NonNegative bool
}

// Contract is the declared schema for one destination table. The column
// set is strict: a validated chunk carries exactly these columns, in this
// order.
type Contract struct {
	Dest    string
	Columns []Column
}

// ColumnNames returns the declared column names in contract order.
func (c *Contract) ColumnNames() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// Result is the outcome of validating one chunk.
type Result struct {
	// Valid is the coerced chunk in contract column order. Nil when the
	// chunk was rejected.
	Valid *domain.Chunk
	// Rejected holds the violating rows when validation failed.
	Rejected []domain.RejectedRow
	// Reasons summarises every violated constraint, including structural
	// ones (missing or unexpected columns) that have no single owning row.
	Reasons []string
}

// OK reports whether the chunk passed validation.
func (r *Result) OK() bool { return len(r.Reasons) == 0 }

// timestampLayouts are accepted when coercing strings to timestamps.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// Validate checks the chunk against the contract. On success the returned
// chunk is coerced to the declared types and projected to contract column
// order. On any violation the whole chunk is rejected: Valid is nil and
// Rejected carries exactly the violating rows with their reasons.
func (c *Contract) Validate(chunk *domain.Chunk) *Result {
	res := &Result{}

	// Structural checks first: the column set must match exactly.
	colIdx := make([]int, len(c.Columns))
	for i, col := range c.Columns {
		idx := chunk.ColumnIndex(col.Name)
		if idx < 0 {
			res.Reasons = append(res.Reasons, fmt.Sprintf("column %q missing", col.Name))
		}
		colIdx[i] = idx
	}
	for _, name := range chunk.Columns {
		if !c.hasColumn(name) {
			res.Reasons = append(res.Reasons, fmt.Sprintf("unexpected column %q", name))
		}
	}
	if len(res.Reasons) > 0 {
		return res
	}

	valid := domain.NewChunk(c.ColumnNames(), chunk.Len())
	seen := make(map[string]map[any]bool) // unique-column name -> values seen
	for _, col := range c.Columns {
		if col.Unique {
			seen[col.Name] = make(map[any]bool)
		}
	}

	rowReasons := make(map[int][]string)
	for rowIdx, row := range chunk.Rows {
		coerced := make([]any, len(c.Columns))
		for i, col := range c.Columns {
			cell := row[colIdx[i]]

			if cell == nil {
				if !col.Nullable {
					rowReasons[rowIdx] = append(rowReasons[rowIdx],
						fmt.Sprintf("column %q must not be null", col.Name))
				}
				coerced[i] = nil
				continue
			}

			v, err := coerce(cell, col.Type)
			if err != nil {
				rowReasons[rowIdx] = append(rowReasons[rowIdx],
					fmt.Sprintf("column %q: %v", col.Name, err))
				continue
			}

			if col.NonNegative && isNegative(v) {
				rowReasons[rowIdx] = append(rowReasons[rowIdx],
					fmt.Sprintf("column %q must be non-negative, got %v", col.Name, v))
			}
			if col.Unique {
				if seen[col.Name][v] {
					rowReasons[rowIdx] = append(rowReasons[rowIdx],
						fmt.Sprintf("column %q duplicate value %v", col.Name, v))
				} else {
					seen[col.Name][v] = true
				}
			}
			coerced[i] = v
		}
		valid.Rows = append(valid.Rows, coerced)
	}

	if len(rowReasons) > 0 {
		reasonSet := make(map[string]bool)
		for rowIdx, row := range chunk.Rows {
			reasons, bad := rowReasons[rowIdx]
			if !bad {
				continue
			}
			res.Rejected = append(res.Rejected, domain.RejectedRow{
				Columns: chunk.Columns,
				Values:  row,
				Reasons: reasons,
			})
			for _, r := range reasons {
				reasonSet[r] = true
			}
		}
		for r := range reasonSet {
			res.Reasons = append(res.Reasons, r)
		}
		return res
	}

	res.Valid = valid
	return res
}

func (c *Contract) hasColumn(name string) bool {
	for _, col := range c.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// coerce converts a cell to the declared type, allowing conversions that
// preserve the value exactly. Timestamps must be time.Time or a parseable
// string; integers must be integral.
func coerce(cell any, t ColumnType) (any, error) {
	switch t {
	case TypeInt64:
		switch v := cell.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("value %v is not integral", v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer", v)
			}
			return n, nil
		case []byte:
			return coerce(string(v), t)
		}
	case TypeFloat64:
		switch v := cell.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not numeric", v)
			}
			return f, nil
		case []byte:
			return coerce(string(v), t)
		}
	case TypeString:
		switch v := cell.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	case TypeTimestamp:
		switch v := cell.(type) {
		case time.Time:
			return v, nil
		case string:
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("value %q is not a timestamp", v)
		}
	case TypeBool:
		switch v := cell.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
			if err != nil {
				return nil, fmt.Errorf("value %q is not a boolean", v)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", cell, t)
}

func isNegative(v any) bool {
	switch n := v.(type) {
	case int64:
		return n < 0
	case float64:
		return n < 0
	}
	return false
}
