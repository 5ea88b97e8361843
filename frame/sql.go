package frame

import "strings"

// Ident quotes a SQL identifier.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Literal quotes a SQL string literal. Only used where DuckDB does not accept
// bound parameters, such as table function file paths.
func Literal(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// Predicate is a boolean SQL expression with its bound arguments.
type Predicate struct {
	SQL  string
	Args []any
}

// And joins predicates with AND. An empty list yields a nil predicate.
func And(preds ...Predicate) *Predicate {
	if len(preds) == 0 {
		return nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		parts = append(parts, "("+p.SQL+")")
		args = append(args, p.Args...)
	}
	return &Predicate{SQL: strings.Join(parts, " AND "), Args: args}
}
