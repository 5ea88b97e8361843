package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoData is returned when a query runs before any dataset is active.
	ErrNoData = errors.New("no data loaded")

	ErrFileNotFound      = errors.New("file not found")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrDatasetNotFound   = errors.New("dataset not found")

	// ErrStorePoisoned is returned by every store call after a panic
	// happened while the store lock was held.
	ErrStorePoisoned = errors.New("dataset store is poisoned by an earlier panic")
)

// ColumnNotFoundError names a column missing from the dataset.
type ColumnNotFoundError struct {
	Column    string
	Available []string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("Column '%s' not found in dataset. Available columns: %s",
		e.Column, strings.Join(e.Available, ", "))
}

// TypeMismatchError reports an operation that needs a different column or
// value type.
type TypeMismatchError struct {
	Column   string
	Actual   string
	Expected string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("Type mismatch for column '%s': expected %s, got %s",
		e.Column, e.Expected, e.Actual)
}

// SafetyBlockError is returned when a plan was marked unsafe.
type SafetyBlockError struct {
	Reason       string
	OriginalRows int
	MaxAllowed   int
}

func (e *SafetyBlockError) Error() string {
	return fmt.Sprintf("Safety limit exceeded: %s (original: %d rows, max allowed: %d)",
		e.Reason, e.OriginalRows, e.MaxAllowed)
}

// CardinalityExceededError reports a value set larger than allowed.
type CardinalityExceededError struct {
	Column      string
	UniqueCount int
	Threshold   int
}

func (e *CardinalityExceededError) Error() string {
	return fmt.Sprintf("Cardinality too high for column '%s': %d unique values (threshold: %d)",
		e.Column, e.UniqueCount, e.Threshold)
}

// MemoryBudgetExceededError is returned by planners running in strict
// memory mode.
type MemoryBudgetExceededError struct {
	EstimatedMB float64
	BudgetMB    float64
}

func (e *MemoryBudgetExceededError) Error() string {
	return fmt.Sprintf("Memory budget exceeded: estimated %.1fMB, budget %.1fMB",
		e.EstimatedMB, e.BudgetMB)
}

// TooManyPointsError is returned when a result breaks the point ceiling.
type TooManyPointsError struct {
	EstimatedPoints int
	MaxPoints       int
}

func (e *TooManyPointsError) Error() string {
	return fmt.Sprintf("Too many points for visualization: %d (max: %d)",
		e.EstimatedPoints, e.MaxPoints)
}

// QueryCancelledError wraps a context cancellation or deadline.
type QueryCancelledError struct {
	Reason string
	Err    error
}

func (e *QueryCancelledError) Error() string {
	return "Query cancelled: " + e.Reason
}

func (e *QueryCancelledError) Unwrap() error { return e.Err }

// ExecutionError wraps an error raised by the query engine.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed during %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidationError groups the problems found in a visualization spec.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid visualization spec: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ReadError wraps a failure reading a dataset source.
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Source, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ParseError wraps a failure decoding a request or spec document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse error: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError wraps a failure persisting catalog state.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write error: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// WrapEngineError turns a raw engine error into an ExecutionError, or a
// QueryCancelledError when the context ended.
func WrapEngineError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &QueryCancelledError{Reason: ctxErr.Error(), Err: ctxErr}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &QueryCancelledError{Reason: err.Error(), Err: err}
	}
	return &ExecutionError{Op: op, Err: err}
}

// ErrorKind returns the stable wire name for err's category.
func ErrorKind(err error) string {
	var (
		colErr    *ColumnNotFoundError
		typeErr   *TypeMismatchError
		blockErr  *SafetyBlockError
		cardErr   *CardinalityExceededError
		memErr    *MemoryBudgetExceededError
		pointsErr *TooManyPointsError
		cancelErr *QueryCancelledError
		execErr   *ExecutionError
		valErr    *ValidationError
		readErr   *ReadError
		parseErr  *ParseError
		writeErr  *WriteError
	)
	switch {
	case errors.As(err, &colErr):
		return "column_not_found"
	case errors.As(err, &typeErr):
		return "type_mismatch"
	case errors.As(err, &blockErr):
		return "safety_block"
	case errors.As(err, &cardErr):
		return "cardinality_exceeded"
	case errors.As(err, &memErr):
		return "memory_budget_exceeded"
	case errors.As(err, &pointsErr):
		return "too_many_points"
	case errors.As(err, &cancelErr):
		return "query_cancelled"
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &readErr):
		return "read_error"
	case errors.As(err, &writeErr):
		return "write_error"
	case errors.As(err, &execErr):
		return "execution_error"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrFileNotFound):
		return "file_not_found"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrDatasetNotFound):
		return "dataset_not_found"
	case errors.Is(err, ErrStorePoisoned):
		return "store_poisoned"
	}
	return "internal"
}
