package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, uint64(42), cfg.Planner.Seed)
	assert.Equal(t, "head", cfg.Planner.CardinalityMode)
	assert.Equal(t, []string{"*"}, cfg.Server.Origins())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("VIZGUARD_SERVER_ADDR", ":9090")
	t.Setenv("VIZGUARD_SERVER_CORS_ORIGINS", "http://localhost:5173, https://charts.example.com")
	t.Setenv("VIZGUARD_DUCKDB_PATH", "/tmp/catalog.duckdb")
	t.Setenv("VIZGUARD_DUCKDB_THREADS", "4")
	t.Setenv("VIZGUARD_CLICKHOUSE_HOST", "ch:9000")
	t.Setenv("VIZGUARD_CLICKHOUSE_SECURE", "true")
	t.Setenv("VIZGUARD_PLANNER_SEED", "7")
	t.Setenv("VIZGUARD_PLANNER_CARDINALITY_MODE", "sketch")
	t.Setenv("VIZGUARD_LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:5173", "https://charts.example.com"}, cfg.Server.Origins())
	assert.Equal(t, "/tmp/catalog.duckdb", cfg.DuckDB.Path)
	assert.Equal(t, 4, cfg.DuckDB.Threads)
	assert.Equal(t, "ch:9000", cfg.ClickHouse.Host)
	assert.True(t, cfg.ClickHouse.Secure)
	assert.Equal(t, "default", cfg.ClickHouse.User)
	assert.Equal(t, uint64(7), cfg.Planner.Seed)
	assert.Equal(t, "sketch", cfg.Planner.CardinalityMode)
	assert.Equal(t, "debug", cfg.Log.Level)

	ch := cfg.ClickHouse.Dataset()
	assert.Equal(t, "ch:9000", ch.Host)
	assert.True(t, ch.Secure)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7070"
planner:
  strict_memory: true
  min_per_stratum: 25
log:
  format: json
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.Planner.StrictMemory)
	assert.Equal(t, 25, cfg.Planner.MinPerStratum)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "vizguard.duckdb", cfg.DuckDB.Path)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"cardinality mode", map[string]string{"VIZGUARD_PLANNER_CARDINALITY_MODE": "exact"}, "planner.cardinality_mode"},
		{"log level", map[string]string{"VIZGUARD_LOG_LEVEL": "loud"}, "log.level"},
		{"log format", map[string]string{"VIZGUARD_LOG_FORMAT": "xml"}, "log.format"},
		{"threads", map[string]string{"VIZGUARD_DUCKDB_THREADS": "-1"}, "duckdb.threads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "vizguard.log")

	logger, closeLog, err := newLogger(LogConfig{Level: "warn", Format: "text", File: logFile}, &stderr)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("visible", "rows", 3)
	require.NoError(t, closeLog())

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "msg=visible")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"visible"`)
	assert.Contains(t, lines[0], `"rows":3`)

	_, _, err = newLogger(LogConfig{Level: "nope"}, &stderr)
	assert.Error(t, err)
}
