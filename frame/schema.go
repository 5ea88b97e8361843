package frame

import (
	"context"
	"fmt"
	"strings"
)

// Column is one named, typed column of a relation. Type is the DuckDB
// logical type name.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// baseType strips parameters and nested type suffixes: DECIMAL(18,3) -> DECIMAL.
func (c Column) baseType() string {
	t := strings.ToUpper(strings.TrimSpace(c.Type))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// IsNumeric reports whether the column holds integers, floats or decimals.
func (c Column) IsNumeric() bool {
	if strings.HasSuffix(c.Type, "]") {
		return false
	}
	switch c.baseType() {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT",
		"INT", "INT1", "INT2", "INT4", "INT8", "FLOAT", "FLOAT4", "FLOAT8",
		"REAL", "DOUBLE", "DECIMAL", "NUMERIC":
		return true
	}
	return false
}

// IsTemporal reports whether the column holds dates or timestamps. TIME is
// not temporal here: it has no calendar to bin on.
func (c Column) IsTemporal() bool {
	if strings.HasSuffix(c.Type, "]") {
		return false
	}
	switch c.baseType() {
	case "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE",
		"TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS", "TIMESTAMP_US":
		return true
	}
	return false
}

// IsText reports whether the column holds strings.
func (c Column) IsText() bool {
	switch c.baseType() {
	case "VARCHAR", "TEXT", "STRING", "CHAR", "BPCHAR":
		return true
	}
	return false
}

// Schema is an ordered list of columns.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Lookup finds a column by exact name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Describe reads the schema of a table from the DuckDB catalog.
func Describe(ctx context.Context, q Querier, table string) (Schema, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = ?
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	defer rows.Close()

	var schema Schema
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		schema = append(schema, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return schema, nil
}
