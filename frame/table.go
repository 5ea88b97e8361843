package frame

import (
	"fmt"
	"math/big"
	"time"

	"github.com/duckdb/duckdb-go/v2"
)

// Table is a materialized result.
type Table struct {
	Columns []string
	Types   []string
	Rows    [][]any
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of a column, or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Column returns the values of one column.
func (t *Table) Column(column string) ([]any, error) {
	idx := t.Index(column)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not in result", column)
	}
	out := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// Float64s returns a numeric column as float64. Nulls become 0.
func (t *Table) Float64s(column string) ([]float64, error) {
	values, err := t.Column(column)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		f, ok := ToFloat64(v)
		if !ok && v != nil {
			return nil, fmt.Errorf("column %q row %d: %T is not numeric", column, i, v)
		}
		out[i] = f
	}
	return out, nil
}

// Normalize converts driver values to plain Go values that encode cleanly
// as JSON: byte slices become strings, HUGEINT and DECIMAL become int64 or
// float64, narrow integers widen to int64.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case duckdb.Decimal:
		return x.Float64()
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= 1<<63-1 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case time.Time, string, bool, int64, float64:
		return x
	case fmt.Stringer:
		return x.String()
	}
	return v
}

// ToFloat64 converts a normalized numeric value to float64.
func ToFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
