package models

import (
	"encoding/json"
	"fmt"
)

// FilterOperator is the comparison applied by a FilterSpec.
type FilterOperator string

const (
	OpEq         FilterOperator = "eq"
	OpNeq        FilterOperator = "neq"
	OpGt         FilterOperator = "gt"
	OpLt         FilterOperator = "lt"
	OpGte        FilterOperator = "gte"
	OpLte        FilterOperator = "lte"
	OpContains   FilterOperator = "contains"
	OpStartsWith FilterOperator = "startsWith"
	OpEndsWith   FilterOperator = "endsWith"
	OpIsNull     FilterOperator = "isNull"
	OpIsNotNull  FilterOperator = "isNotNull"

	// OpIn matches any value of a list. Used for selected categories.
	OpIn FilterOperator = "in"
)

// IsOrdering reports whether the operator compares by order and therefore
// needs a numeric (or, for datetime columns, timestamp) value.
func (op FilterOperator) IsOrdering() bool {
	switch op {
	case OpGt, OpLt, OpGte, OpLte:
		return true
	}
	return false
}

// IsText reports whether the operator matches substrings.
func (op FilterOperator) IsText() bool {
	switch op {
	case OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// FilterSpec is a single predicate over one column.
//
// Value holds a JSON-like scalar: string, number, bool or nil. For OpIn it
// holds a list of scalars. For OpIsNull and OpIsNotNull it is ignored.
type FilterSpec struct {
	Column   string         `json:"column" yaml:"column"`
	Operator FilterOperator `json:"operator" yaml:"operator"`
	Value    any            `json:"value" yaml:"value"`
}

// Validate checks operator/value compatibility without looking at the data.
// Column type checks happen when the filter is compiled against a schema.
func (f FilterSpec) Validate() error {
	if f.Column == "" {
		return fmt.Errorf("column is required")
	}
	switch {
	case f.Operator == OpEq || f.Operator == OpNeq:
		if _, ok := ScalarValue(f.Value); !ok {
			return fmt.Errorf("operator %s needs a string, number, bool or null value, got %T", f.Operator, f.Value)
		}
	case f.Operator.IsOrdering():
		if _, ok := NumericValue(f.Value); ok {
			return nil
		}
		if _, ok := f.Value.(string); ok {
			return nil
		}
		return fmt.Errorf("operator %s needs a numeric value, got %T", f.Operator, f.Value)
	case f.Operator.IsText():
		if _, ok := f.Value.(string); !ok {
			return fmt.Errorf("operator %s needs a string value, got %T", f.Operator, f.Value)
		}
	case f.Operator == OpIsNull || f.Operator == OpIsNotNull:
	case f.Operator == OpIn:
		if _, ok := ListValue(f.Value); !ok {
			return fmt.Errorf("operator in needs a list value, got %T", f.Value)
		}
	default:
		return fmt.Errorf("unknown operator %q", f.Operator)
	}
	return nil
}

// NumericValue converts the numeric types produced by JSON and YAML decoders
// to float64.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ScalarValue normalizes a filter value to a bindable scalar: string,
// float64, bool or nil.
func ScalarValue(v any) (any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case string, bool:
		return s, true
	}
	if f, ok := NumericValue(v); ok {
		return f, true
	}
	return nil, false
}

// ListValue normalizes a list filter value to scalars.
func ListValue(v any) ([]any, bool) {
	var items []any
	switch l := v.(type) {
	case []any:
		items = l
	case []string:
		for _, s := range l {
			items = append(items, s)
		}
	case []float64:
		for _, f := range l {
			items = append(items, f)
		}
	default:
		return nil, false
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		s, ok := ScalarValue(it)
		if !ok || s == nil {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
