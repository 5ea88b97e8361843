// Package frametest provides in-memory DuckDB fixtures for tests.
package frametest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/orian/vizguard/frame"
	"github.com/stretchr/testify/require"
)

// SalesQuery builds the ten-row category/value dataset used across tests.
const SalesQuery = `SELECT * FROM (VALUES
	('A', 10), ('B', 20), ('C', 30), ('A', 15), ('B', 25),
	('C', 35), ('A', 12), ('B', 22), ('C', 32), ('A', 18)
) AS v(category, value)`

// OpenDB opens an in-memory DuckDB database closed at test cleanup.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Table creates a table from a SELECT and returns a frame over it.
func Table(t testing.TB, db *sql.DB, name, query string) *frame.Frame {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf("CREATE TABLE %s AS %s", frame.Ident(name), query))
	require.NoError(t, err)
	f, err := frame.Open(context.Background(), db, name)
	require.NoError(t, err)
	return f
}

// Range creates a table with n rows: id 0..n-1 and grp = id % groups.
func Range(t testing.TB, db *sql.DB, name string, n, groups int) *frame.Frame {
	t.Helper()
	return Table(t, db, name, fmt.Sprintf(
		"SELECT range AS id, CAST(range %% %d AS INTEGER) AS grp, CAST(range AS DOUBLE) * 0.5 AS y FROM range(%d)",
		groups, n))
}
