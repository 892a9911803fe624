// Package domain defines the core types, ports, and errors shared by the
// ETL pipeline stages.
package domain

import "time"

// Chunk is a bounded, in-memory batch of rows with a stable column layout
// for one table within one extraction pass. It is created by the extractor,
// consumed exclusively by the transformer, and then discarded; a chunk is
// never shared between goroutines.
type Chunk struct {
	Columns []string
	Rows    [][]any
}

// NewChunk allocates a chunk for the given column layout with capacity hint n.
func NewChunk(columns []string, n int) *Chunk {
	return &Chunk{Columns: columns, Rows: make([][]any, 0, n)}
}

// Len returns the number of rows in the chunk.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Rows)
}

// Empty reports whether the chunk holds no rows.
func (c *Chunk) Empty() bool { return c.Len() == 0 }

// ColumnIndex returns the position of the named column, or -1.
func (c *Chunk) ColumnIndex(name string) int {
	for i, col := range c.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the chunk carries the named column.
func (c *Chunk) HasColumn(name string) bool { return c.ColumnIndex(name) >= 0 }

// RejectedRow is a source row that failed contract validation, together
// with the constraints it violated. Rejected rows are persisted to the
// dead-letter sink for offline inspection and never re-enter the pipeline.
type RejectedRow struct {
	Columns []string `json:"columns"`
	Values  []any    `json:"values"`
	Reasons []string `json:"reasons"`
}

// TransformOutcome is the tagged result of transforming one chunk.
// Exactly one of the three shapes holds:
//
//   - Transformed: Chunk is non-nil and satisfies the destination contract.
//   - Rejected: the whole chunk failed validation; Rejected carries the
//     violating rows and Reasons a per-chunk summary.
//   - Failed: an unexpected internal error; Err is non-nil and the chunk
//     is discarded without touching the staging area.
type TransformOutcome struct {
	Chunk    *Chunk
	Rejected []RejectedRow
	Reasons  []string
	Err      error
}

// IsTransformed reports whether the outcome carries a loadable chunk.
// An empty chunk (all rows dropped during normalisation) still counts:
// loading it is a no-op, not a failure.
func (o TransformOutcome) IsTransformed() bool {
	return o.Err == nil && len(o.Rejected) == 0 && o.Chunk != nil
}

// IsRejected reports whether the chunk was rejected by contract validation.
func (o TransformOutcome) IsRejected() bool { return len(o.Rejected) > 0 }

// MaxTime returns the later of a and b, treating the zero value as unset.
func MaxTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}
