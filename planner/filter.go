package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/safety"
)

// MaxInValues bounds the value list of an "in" filter.
const MaxInValues = safety.HighCardinalityThreshold

// CompileFilters turns filters into one parameterized predicate over schema.
// It returns nil when there are no filters.
//
// Ordering comparisons against datetime columns take either a timestamp
// string or a number of milliseconds since the epoch. Text operators match
// literal substrings.
func CompileFilters(schema frame.Schema, filters []models.FilterSpec) (*frame.Predicate, error) {
	preds := make([]frame.Predicate, 0, len(filters))
	for _, f := range filters {
		p, err := compileFilter(schema, f)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return frame.And(preds...), nil
}

func compileFilter(schema frame.Schema, f models.FilterSpec) (frame.Predicate, error) {
	col, ok := schema.Lookup(f.Column)
	if !ok {
		return frame.Predicate{}, &models.ColumnNotFoundError{Column: f.Column, Available: schema.Names()}
	}
	if err := f.Validate(); err != nil {
		return frame.Predicate{}, &models.ValidationError{Err: err}
	}
	c := frame.Ident(col.Name)

	switch {
	case f.Operator == models.OpIsNull:
		return frame.Predicate{SQL: c + " IS NULL"}, nil

	case f.Operator == models.OpIsNotNull:
		return frame.Predicate{SQL: c + " IS NOT NULL"}, nil

	case f.Operator == models.OpEq || f.Operator == models.OpNeq:
		v, _ := models.ScalarValue(f.Value)
		if v == nil {
			if f.Operator == models.OpEq {
				return frame.Predicate{SQL: c + " IS NULL"}, nil
			}
			return frame.Predicate{SQL: c + " IS NOT NULL"}, nil
		}
		sqlOp := "="
		if f.Operator == models.OpNeq {
			sqlOp = "<>"
		}
		return compare(col, sqlOp, v)

	case f.Operator.IsOrdering():
		v, _ := models.ScalarValue(f.Value)
		if _, isBool := v.(bool); isBool {
			return frame.Predicate{}, mismatch(col, v, "number or timestamp")
		}
		return compare(col, orderingOps[f.Operator], v)

	case f.Operator.IsText():
		fn := map[models.FilterOperator]string{
			models.OpContains:   "contains",
			models.OpStartsWith: "starts_with",
			models.OpEndsWith:   "ends_with",
		}[f.Operator]
		return frame.Predicate{
			SQL:  fmt.Sprintf("%s(CAST(%s AS VARCHAR), ?)", fn, c),
			Args: []any{f.Value},
		}, nil

	case f.Operator == models.OpIn:
		values, _ := models.ListValue(f.Value)
		return compileIn(col, values)
	}
	return frame.Predicate{}, &models.ValidationError{Err: fmt.Errorf("unknown operator %q", f.Operator)}
}

var orderingOps = map[models.FilterOperator]string{
	models.OpGt:  ">",
	models.OpLt:  "<",
	models.OpGte: ">=",
	models.OpLte: "<=",
}

// compare builds "col op value" with the value coerced to the column type.
func compare(col frame.Column, op string, v any) (frame.Predicate, error) {
	c := frame.Ident(col.Name)
	switch {
	case col.IsTemporal():
		switch x := v.(type) {
		case float64:
			return frame.Predicate{
				SQL:  fmt.Sprintf("epoch_ms(CAST(%s AS TIMESTAMP)) %s ?", c, op),
				Args: []any{int64(x)},
			}, nil
		case string:
			return frame.Predicate{SQL: fmt.Sprintf("%s %s CAST(? AS TIMESTAMP)", c, op), Args: []any{x}}, nil
		}
		return frame.Predicate{}, mismatch(col, v, "timestamp")

	case col.IsNumeric():
		if x, ok := v.(float64); ok {
			return frame.Predicate{SQL: fmt.Sprintf("%s %s ?", c, op), Args: []any{x}}, nil
		}
		return frame.Predicate{}, mismatch(col, v, "number")

	case col.IsText():
		if x, ok := v.(string); ok {
			return frame.Predicate{SQL: fmt.Sprintf("%s %s ?", c, op), Args: []any{x}}, nil
		}
		return frame.Predicate{}, mismatch(col, v, "string")

	case strings.EqualFold(col.Type, "BOOLEAN"):
		if x, ok := v.(bool); ok && (op == "=" || op == "<>") {
			return frame.Predicate{SQL: fmt.Sprintf("%s %s ?", c, op), Args: []any{x}}, nil
		}
		return frame.Predicate{}, mismatch(col, v, "bool")
	}
	return frame.Predicate{SQL: fmt.Sprintf("CAST(%s AS VARCHAR) %s ?", c, op), Args: []any{fmt.Sprint(v)}}, nil
}

// compileIn matches numeric columns by number and every other column by its
// text form, so selected category labels work on any type.
func compileIn(col frame.Column, values []any) (frame.Predicate, error) {
	if len(values) > MaxInValues {
		return frame.Predicate{}, &models.CardinalityExceededError{
			Column:      col.Name,
			UniqueCount: len(values),
			Threshold:   MaxInValues,
		}
	}
	if len(values) == 0 {
		return frame.Predicate{SQL: "FALSE"}, nil
	}

	c := frame.Ident(col.Name)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))

	if col.IsNumeric() {
		for i, v := range values {
			switch x := v.(type) {
			case float64:
				args[i] = x
			case string:
				f, err := strconv.ParseFloat(x, 64)
				if err != nil {
					return frame.Predicate{}, mismatch(col, v, "number")
				}
				args[i] = f
			default:
				return frame.Predicate{}, mismatch(col, v, "number")
			}
		}
		return frame.Predicate{SQL: fmt.Sprintf("%s IN (%s)", c, placeholders), Args: args}, nil
	}

	for i, v := range values {
		switch x := v.(type) {
		case float64:
			args[i] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			args[i] = fmt.Sprint(x)
		}
	}
	return frame.Predicate{SQL: fmt.Sprintf("CAST(%s AS VARCHAR) IN (%s)", c, placeholders), Args: args}, nil
}

func mismatch(col frame.Column, v any, expected string) error {
	actual := fmt.Sprintf("%T value", v)
	if v == nil {
		actual = "null"
	}
	return &models.TypeMismatchError{
		Column:   col.Name,
		Actual:   fmt.Sprintf("%s (column type %s)", actual, col.Type),
		Expected: expected,
	}
}
