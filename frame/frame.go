// Package frame builds lazy relational pipelines over DuckDB.
//
// A Frame is an immutable SQL relation. Every operation wraps the previous
// relation in a new SELECT, so DuckDB plans the whole pipeline at once and
// pushes filters and limits down to the scan. Nothing runs until Collect or
// Count is called.
//
// Row frames carry a hidden row id column holding the original row position;
// it gives sampling and pagination a stable order and never appears in
// collected output. Errors from building a pipeline are sticky: the first one
// is kept and returned by Collect, Count or Err.
package frame

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier runs SQL. *sql.DB and *sql.Conn satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	// RowIDColumn holds the original row position of row frames.
	RowIDColumn = "__row_id"

	// ValueColumn is the output column of Aggregate.
	ValueColumn = "value"
)

// OrderTerm is one ORDER BY key.
type OrderTerm struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Frame is a lazy relation. The zero value is not usable; start from Scan,
// Open or FromRows.
type Frame struct {
	q      Querier
	sql    string
	args   []any
	schema Schema
	rowID  bool

	// key breaks ties so every ordering is total.
	key   []OrderTerm
	order []OrderTerm

	err error
}

// Scan starts a pipeline over a DuckDB table, in insertion order.
func Scan(q Querier, table string, schema Schema) *Frame {
	cols := make([]string, 0, len(schema)+1)
	cols = append(cols, "rowid AS "+Ident(RowIDColumn))
	for _, c := range schema {
		cols = append(cols, Ident(c.Name))
	}
	key := []OrderTerm{{Column: RowIDColumn}}
	return &Frame{
		q:      q,
		sql:    fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), Ident(table)),
		schema: append(Schema(nil), schema...),
		rowID:  true,
		key:    key,
		order:  key,
	}
}

// Open describes table and starts a pipeline over it.
func Open(ctx context.Context, q Querier, table string) (*Frame, error) {
	schema, err := Describe(ctx, q, table)
	if err != nil {
		return nil, err
	}
	return Scan(q, table, schema), nil
}

// FromRows builds a frame from materialized rows. Values are bound as
// parameters and cast to the schema types; row order is preserved.
func FromRows(q Querier, schema Schema, rows [][]any) *Frame {
	key := []OrderTerm{{Column: RowIDColumn}}
	f := &Frame{q: q, schema: append(Schema(nil), schema...), rowID: true, key: key, order: key}

	names := []string{Ident(RowIDColumn)}
	for _, c := range schema {
		names = append(names, Ident(c.Name))
	}

	if len(rows) == 0 {
		cols := []string{"CAST(NULL AS BIGINT) AS " + Ident(RowIDColumn)}
		for _, c := range schema {
			cols = append(cols, fmt.Sprintf("CAST(NULL AS %s) AS %s", c.Type, Ident(c.Name)))
		}
		f.sql = fmt.Sprintf("SELECT %s LIMIT 0", strings.Join(cols, ", "))
		return f
	}

	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*(len(schema)+1))
	for i, row := range rows {
		if len(row) != len(schema) {
			return f.fail(fmt.Errorf("row %d has %d values, schema has %d columns", i, len(row), len(schema)))
		}
		cells := []string{"CAST(? AS BIGINT)"}
		args = append(args, int64(i))
		for j, c := range schema {
			cells = append(cells, fmt.Sprintf("CAST(? AS %s)", c.Type))
			args = append(args, row[j])
		}
		tuples = append(tuples, "("+strings.Join(cells, ", ")+")")
	}
	f.sql = fmt.Sprintf("SELECT * FROM (VALUES %s) AS v(%s)", strings.Join(tuples, ", "), strings.Join(names, ", "))
	f.args = args
	return f
}

// Err returns the first error recorded while building the pipeline.
func (f *Frame) Err() error { return f.err }

// Schema returns the visible columns.
func (f *Frame) Schema() Schema { return append(Schema(nil), f.schema...) }

// HasRowID reports whether the frame still carries original row positions.
func (f *Frame) HasRowID() bool { return f.rowID }

// Order returns the ordering applied on Limit, Slice and Collect.
func (f *Frame) Order() []OrderTerm { return append([]OrderTerm(nil), f.order...) }

// Querier returns the connection the frame runs on.
func (f *Frame) Querier() Querier { return f.q }

// Relation returns the frame's SQL and arguments for use as a subquery.
func (f *Frame) Relation() (string, []any) { return f.sql, f.args }

// SelectList lists the visible columns, plus the row id when present,
// optionally qualified by a table alias.
func (f *Frame) SelectList(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	cols := make([]string, 0, len(f.schema)+1)
	if f.rowID {
		cols = append(cols, prefix+Ident(RowIDColumn))
	}
	for _, c := range f.schema {
		cols = append(cols, prefix+Ident(c.Name))
	}
	return strings.Join(cols, ", ")
}

// Derive returns a frame with the same shape over new SQL. The query must
// produce exactly the columns of SelectList.
func (f *Frame) Derive(query string, args []any) *Frame {
	if f.err != nil {
		return f
	}
	g := f.clone()
	g.sql = query
	g.args = args
	return g
}

// Filter keeps rows matching p.
func (f *Frame) Filter(p Predicate) *Frame {
	if f.err != nil {
		return f
	}
	return f.Derive(fmt.Sprintf("SELECT * FROM (%s) AS t WHERE %s", f.sql, p.SQL), concatArgs(f.args, p.Args))
}

// Sort orders the frame by column. Ties keep the previous key order.
func (f *Frame) Sort(column string, desc bool) *Frame {
	if err := f.require(column); err != nil {
		return f.fail(err)
	}
	g := f.clone()
	g.order = []OrderTerm{{Column: column, Desc: desc}}
	for _, k := range f.key {
		if k.Column != column {
			g.order = append(g.order, k)
		}
	}
	return g
}

// Limit keeps the first n rows in the current order.
func (f *Frame) Limit(n int) *Frame {
	if f.err != nil {
		return f
	}
	return f.Derive(fmt.Sprintf("SELECT * FROM (%s) AS t%s LIMIT %d", f.sql, f.orderClause(), max(n, 0)), f.args)
}

// Slice keeps n rows starting at offset in the current order.
func (f *Frame) Slice(offset, n int) *Frame {
	if f.err != nil {
		return f
	}
	return f.Derive(fmt.Sprintf("SELECT * FROM (%s) AS t%s LIMIT %d OFFSET %d",
		f.sql, f.orderClause(), max(n, 0), max(offset, 0)), f.args)
}

// Aggregate groups by groupBy and reduces measure into a DOUBLE column
// named ValueColumn. The result is ordered by the group key.
func (f *Frame) Aggregate(groupBy, measure string, fn string) *Frame {
	if err := f.require(groupBy, measure); err != nil {
		return f.fail(err)
	}
	if groupBy == ValueColumn {
		return f.fail(fmt.Errorf("group column %q collides with the aggregate output column", groupBy))
	}
	agg, err := aggregateExpr(fn, Ident(measure))
	if err != nil {
		return f.fail(err)
	}
	group, _ := f.schema.Lookup(groupBy)

	g := f.clone()
	g.sql = fmt.Sprintf("SELECT %s, CAST(%s AS DOUBLE) AS %s FROM (%s) AS t GROUP BY %s",
		Ident(groupBy), agg, Ident(ValueColumn), f.sql, Ident(groupBy))
	g.schema = Schema{group, {Name: ValueColumn, Type: "DOUBLE"}}
	g.rowID = false
	g.key = []OrderTerm{{Column: groupBy}}
	g.order = g.key
	return g
}

func aggregateExpr(fn, col string) (string, error) {
	switch strings.ToLower(fn) {
	case "sum":
		return "sum(" + col + ")", nil
	case "avg", "mean":
		return "avg(" + col + ")", nil
	case "count":
		return "count(" + col + ")", nil
	case "min":
		return "min(" + col + ")", nil
	case "max":
		return "max(" + col + ")", nil
	case "median":
		return "median(" + col + ")", nil
	}
	return "", fmt.Errorf("unsupported aggregation %q", fn)
}

// DateTrunc replaces a datetime column with the start of its bucket.
// unit is a DuckDB date part: year, quarter, month, week, day or hour.
func (f *Frame) DateTrunc(column, unit string) *Frame {
	if err := f.require(column); err != nil {
		return f.fail(err)
	}
	switch unit {
	case "year", "quarter", "month", "week", "day", "hour":
	default:
		return f.fail(fmt.Errorf("unsupported date unit %q", unit))
	}
	expr := fmt.Sprintf("CAST(date_trunc('%s', %s) AS TIMESTAMP)", unit, Ident(column))
	return f.replaceColumn(column, expr, "TIMESTAMP", f.sql)
}

// EqualWidthBins replaces a numeric column with the lower bound of its bin.
// The column's range is split into bins buckets of width (max-min)/bins;
// the maximum falls into the last bucket and a constant column maps to a
// single bucket. Nulls stay null.
func (f *Frame) EqualWidthBins(column string, bins int) *Frame {
	if err := f.require(column); err != nil {
		return f.fail(err)
	}
	if bins < 1 {
		return f.fail(fmt.Errorf("bin count must be positive, got %d", bins))
	}
	c := Ident(column)
	bounded := fmt.Sprintf(
		"SELECT *, min(CAST(%[1]s AS DOUBLE)) OVER () AS __lo, max(CAST(%[1]s AS DOUBLE)) OVER () AS __hi FROM (%[2]s) AS t",
		c, f.sql)
	width := fmt.Sprintf("((__hi - __lo) / %d)", bins)
	expr := fmt.Sprintf(
		"CASE WHEN %[1]s IS NULL THEN NULL WHEN __hi = __lo THEN __lo "+
			"ELSE __lo + LEAST(floor((CAST(%[1]s AS DOUBLE) - __lo) / %[2]s), %[3]d) * %[2]s END",
		c, width, bins-1)
	return f.replaceColumn(column, expr, "DOUBLE", bounded)
}

// replaceColumn selects every column of from, with column computed by expr.
func (f *Frame) replaceColumn(column, expr, typ, from string) *Frame {
	cols := make([]string, 0, len(f.schema)+1)
	if f.rowID {
		cols = append(cols, Ident(RowIDColumn))
	}
	schema := make(Schema, len(f.schema))
	for i, c := range f.schema {
		schema[i] = c
		if c.Name == column {
			cols = append(cols, expr+" AS "+Ident(c.Name))
			schema[i].Type = typ
			continue
		}
		cols = append(cols, Ident(c.Name))
	}
	g := f.clone()
	g.sql = fmt.Sprintf("SELECT %s FROM (%s) AS b", strings.Join(cols, ", "), from)
	g.schema = schema
	return g
}

// Count returns the number of rows in the frame.
func (f *Frame) Count(ctx context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	err := f.q.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) AS t", f.sql), f.args...).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Collect runs the pipeline and materializes the given columns, or every
// visible column when none are given, in the frame's order.
func (f *Frame) Collect(ctx context.Context, columns ...string) (*Table, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(columns) == 0 {
		columns = f.schema.Names()
	}
	if err := f.require(columns...); err != nil {
		return nil, err
	}

	selected := make([]string, len(columns))
	types := make([]string, len(columns))
	for i, name := range columns {
		selected[i] = Ident(name)
		c, _ := f.schema.Lookup(name)
		types[i] = c.Type
	}
	query := fmt.Sprintf("SELECT %s FROM (%s) AS t%s", strings.Join(selected, ", "), f.sql, f.orderClause())

	rows, err := f.q.QueryContext(ctx, query, f.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := &Table{Columns: columns, Types: types}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = Normalize(v)
		}
		table.Rows = append(table.Rows, values)
	}
	return table, rows.Err()
}

// OrderSQL renders the current ordering as ORDER BY terms without the
// keyword, e.g. `"value" DESC NULLS LAST, "__row_id" ASC NULLS LAST`.
// It is empty when the frame has no ordering.
func (f *Frame) OrderSQL() string {
	terms := make([]string, len(f.order))
	for i, o := range f.order {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		terms[i] = fmt.Sprintf("%s %s NULLS LAST", Ident(o.Column), dir)
	}
	return strings.Join(terms, ", ")
}

func (f *Frame) orderClause() string {
	if len(f.order) == 0 {
		return ""
	}
	return " ORDER BY " + f.OrderSQL()
}

func (f *Frame) require(columns ...string) error {
	if f.err != nil {
		return f.err
	}
	for _, name := range columns {
		if name == RowIDColumn && f.rowID {
			continue
		}
		if _, ok := f.schema.Lookup(name); !ok {
			return fmt.Errorf("column %q is not in the frame (have %s)", name, strings.Join(f.schema.Names(), ", "))
		}
	}
	return nil
}

func (f *Frame) clone() *Frame {
	g := *f
	g.schema = append(Schema(nil), f.schema...)
	g.key = append([]OrderTerm(nil), f.key...)
	g.order = append([]OrderTerm(nil), f.order...)
	return &g
}

func (f *Frame) fail(err error) *Frame {
	if f.err != nil {
		return f
	}
	g := f.clone()
	g.err = err
	return g
}

func concatArgs(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
