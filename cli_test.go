package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orian/vizguard/models"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestReadSpec(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "spec.yaml", `
chartType: bar
xField: category
yField: value
aggregation: avg
filters:
  - column: category
    operator: in
    value: [A, B]
  - column: value
    operator: gte
    value: 12
`)
	spec, err := readSpec(path)
	require.NoError(t, err)
	assert.Equal(t, models.ChartBar, spec.ChartType)
	assert.Equal(t, "category", spec.XField)
	assert.Equal(t, models.AggregationType("avg"), spec.Aggregation)
	require.Len(t, spec.Filters, 2)
	assert.Equal(t, []any{"A", "B"}, spec.Filters[0].Value)
	assert.Equal(t, 12, spec.Filters[1].Value)

	jsonPath := writeTemp(t, dir, "spec.json", `{"chartType": "pie", "xField": "category", "yField": "value", "aggregation": "count"}`)
	spec, err = readSpec(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, models.ChartPie, spec.ChartType)

	_, err = readSpec(writeTemp(t, dir, "bad.yaml", "chartType: [unterminated"))
	var parseErr *models.ParseError
	assert.ErrorAs(t, err, &parseErr)

	_, err = readSpec(filepath.Join(dir, "missing.yaml"))
	var readErr *models.ReadError
	assert.ErrorAs(t, err, &readErr)
}

func TestQueryCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIZGUARD_DUCKDB_PATH", filepath.Join(dir, "catalog.duckdb"))
	csv := writeTemp(t, dir, "sales.csv", salesCSV)
	spec := writeTemp(t, dir, "spec.yaml", "chartType: bar\nxField: category\nyField: value\naggregation: sum\n")

	out, err := runCLI(t, "query", "--spec", spec, "--load", csv)
	require.NoError(t, err)
	var data models.ChartData
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Equal(t, map[string]float64{"A": 55, "B": 67, "C": 97}, series(data))

	// The catalog persists, so later runs use the active dataset.
	out, err = runCLI(t, "query", "--spec", spec, "--kind", "progressive", "--zoom", "0")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Len(t, data.Labels, 3)

	_, err = runCLI(t, "query", "--spec", spec, "--kind", "heatmap3d")
	assert.ErrorContains(t, err, "unknown query kind")
}

func TestExplainCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIZGUARD_DUCKDB_PATH", filepath.Join(dir, "catalog.duckdb"))
	csv := writeTemp(t, dir, "sales.csv", salesCSV)
	spec := writeTemp(t, dir, "spec.yaml", "chartType: pie\nxField: category\nyField: value\naggregation: count\n")

	out, err := runCLI(t, "explain", "--spec", spec, "--load", csv, "--zoom", "1")
	require.NoError(t, err)
	var plan map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "pie", plan["chart_type"])
	assert.Equal(t, 20.0, plan["point_budget"])
	assert.Equal(t, 10.0, plan["original_rows"])

	_, err = runCLI(t, "explain")
	assert.Error(t, err)
}

func TestQueryCommandWithoutData(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIZGUARD_DUCKDB_PATH", filepath.Join(dir, "catalog.duckdb"))
	spec := writeTemp(t, dir, "spec.yaml", "chartType: bar\nxField: category\nyField: value\n")

	_, err := runCLI(t, "query", "--spec", spec)
	assert.ErrorIs(t, err, models.ErrNoData)
}
