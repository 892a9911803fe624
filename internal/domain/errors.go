package domain

import (
	"errors"
	"fmt"
)

// ExtractionError wraps a source connectivity or query failure. It is
// transient: the orchestrator retries the whole table cycle.
type ExtractionError struct {
	Table string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Table, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ContractViolation indicates a chunk failed data-contract validation.
// It is fatal for the chunk (never retried) and produces a dead-letter
// artifact.
type ContractViolation struct {
	Table   string
	Reasons []string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation on %s: %d constraint(s) failed", e.Table, len(e.Reasons))
}

// SwapError wraps a staging bulk-load or promotion failure. The swap
// transaction has been rolled back; the table cycle may be retried.
type SwapError struct {
	Table string
	Err   error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap %s: %v", e.Table, e.Err)
}

func (e *SwapError) Unwrap() error { return e.Err }

// StateIOError wraps a watermark or run-history persistence failure.
// It is logged and does not abort the current run; the cost is safe
// reprocessing of an already-loaded window on the next run.
type StateIOError struct {
	Path string
	Err  error
}

func (e *StateIOError) Error() string {
	return fmt.Sprintf("state file %s: %v", e.Path, e.Err)
}

func (e *StateIOError) Unwrap() error { return e.Err }

// NotificationError wraps a cache-invalidation delivery failure.
// Logged only; never fails the batch.
type NotificationError struct {
	URL string
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.URL, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsTransient reports whether err belongs to the retryable class:
// source connectivity/query failures and swap (load/promotion) failures.
// Contract violations are never transient.
func IsTransient(err error) bool {
	var ex *ExtractionError
	var sw *SwapError
	return errors.As(err, &ex) || errors.As(err, &sw)
}
