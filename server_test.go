package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orian/vizguard/dataset"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/query"
)

const salesCSV = `category,value
A,10
B,20
C,30
A,15
B,25
C,35
A,12
B,22
C,32
A,18
`

type testServer struct {
	*httptest.Server
	store *dataset.Store
	csv   string
}

func newTestServer(t *testing.T, ch ClickHouseConn) *testServer {
	t.Helper()
	store, err := dataset.Open(context.Background(), "", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	csv := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(csv, []byte(salesCSV), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(store, query.NewService(store), ch)
	ts := httptest.NewServer(srv.Routes(logger, []string{"*"}))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, csv: csv}
}

func (ts *testServer) load(t *testing.T) *models.DatasetInfo {
	t.Helper()
	info, err := ts.store.LoadFile(context.Background(), ts.csv, "")
	require.NoError(t, err)
	return info
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func barSpec() map[string]any {
	return map[string]any{
		"chartType":   "bar",
		"xField":      "category",
		"yField":      "value",
		"aggregation": "sum",
	}
}

func series(data models.ChartData) map[string]float64 {
	out := map[string]float64{}
	for i, l := range data.Labels {
		out[l] = data.Datasets[0].Data[i]
	}
	return out
}

func TestVisualizeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.load(t)

	resp := ts.do(t, http.MethodPost, "/api/query/visualize", barSpec())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	data := decodeBody[models.ChartData](t, resp)
	assert.Equal(t, map[string]float64{"A": 55, "B": 67, "C": 97}, series(data))
	assert.Equal(t, 10, data.Metadata.TotalRecords)
	assert.Equal(t, 3, data.Metadata.ReturnedPoints)
	assert.False(t, data.Metadata.Reduced)
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		loaded bool
		path   string
		body   any
		status int
		kind   string
	}{
		{
			name:   "no data",
			path:   "/api/query/visualize",
			body:   barSpec(),
			status: http.StatusConflict,
			kind:   "no_data",
		},
		{
			name:   "unknown column",
			loaded: true,
			path:   "/api/query/visualize",
			body:   map[string]any{"chartType": "bar", "xField": "region", "yField": "value", "aggregation": "sum"},
			status: http.StatusNotFound,
			kind:   "column_not_found",
		},
		{
			name:   "malformed body",
			loaded: true,
			path:   "/api/query/scatter",
			body:   "{not json",
			status: http.StatusBadRequest,
			kind:   "parse_error",
		},
		{
			name:   "text y on scatter",
			loaded: true,
			path:   "/api/query/scatter",
			body:   map[string]any{"chartType": "scatter", "xField": "value", "yField": "category"},
			status: http.StatusUnprocessableEntity,
			kind:   "type_mismatch",
		},
		{
			name:   "negative page",
			loaded: true,
			path:   "/api/query/table",
			body:   map[string]any{"page": -1},
			status: http.StatusUnprocessableEntity,
			kind:   "validation",
		},
		{
			name:   "missing file",
			path:   "/api/datasets",
			body:   map[string]any{"path": "/does/not/exist.csv"},
			status: http.StatusNotFound,
			kind:   "file_not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			if tt.loaded {
				ts.load(t)
			}
			resp := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeBody[errorResponse](t, resp)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestTableEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.load(t)

	resp := ts.do(t, http.MethodPost, "/api/query/table", map[string]any{
		"page":        1,
		"page_size":   4,
		"sort_column": "value",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeBody[models.TableData](t, resp)
	assert.Equal(t, []string{"category", "value"}, data.Columns)
	assert.Equal(t, 10, data.TotalRows)
	assert.Equal(t, 3, data.TotalPages)
	require.Len(t, data.Rows, 4)
	assert.Equal(t, []any{"B", 20.0}, data.Rows[0])
	assert.Equal(t, []any{"C", 30.0}, data.Rows[3])
}

func TestProgressiveEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.load(t)

	resp := ts.do(t, http.MethodPost, "/api/query/progressive", map[string]any{
		"spec": barSpec(),
		"zoom": map[string]any{"zoom_level": 0.5, "selected_categories": []string{"C", "A"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeBody[models.ChartData](t, resp)
	assert.Equal(t, map[string]float64{"A": 55, "C": 97}, series(data))
}

func TestExplainEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.load(t)

	resp := ts.do(t, http.MethodPost, "/api/query/explain", map[string]any{"spec": barSpec()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decodeBody[map[string]any](t, resp)
	assert.Equal(t, 500.0, plan["point_budget"])
	assert.Equal(t, true, plan["is_safe"])
	assert.NotEmpty(t, plan["fingerprint"])

	resp = ts.do(t, http.MethodPost, "/api/query/explain", map[string]any{
		"spec": barSpec(),
		"zoom": map[string]any{"zoom_level": 0},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan = decodeBody[map[string]any](t, resp)
	assert.Equal(t, 100.0, plan["point_budget"])
}

func TestDatasetEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/datasets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]models.DatasetInfo](t, resp))

	resp = ts.do(t, http.MethodPost, "/api/datasets", map[string]any{"path": ts.csv, "name": "first"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[models.DatasetInfo](t, resp)
	assert.Equal(t, 10, first.RowCount)
	assert.True(t, first.Active)

	resp = ts.do(t, http.MethodPost, "/api/datasets", map[string]any{"path": ts.csv, "name": "second"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/datasets/"+first.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[models.DatasetInfo](t, resp).Active)

	resp = ts.do(t, http.MethodGet, "/api/datasets", nil)
	list := decodeBody[[]models.DatasetInfo](t, resp)
	require.Len(t, list, 2)
	assert.True(t, list[0].Active)
	assert.False(t, list[1].Active)

	resp = ts.do(t, http.MethodPost, "/api/datasets/unknown/activate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/datasets/"+first.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/datasets", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, ts.store.HasData())
}

type failingClickHouse struct{}

func (failingClickHouse) Query(context.Context, string, ...any) (driver.Rows, error) {
	return nil, errors.New("connection refused")
}

func (failingClickHouse) Ping(context.Context) error { return errors.New("connection refused") }

func TestClickHouseImportEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/api/datasets/clickhouse", map[string]any{"query": "SELECT 1"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", decodeBody[errorResponse](t, resp).Kind)

	ts = newTestServer(t, failingClickHouse{})
	resp = ts.do(t, http.MethodPost, "/api/datasets/clickhouse", map[string]any{"query": "SELECT 1"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "read_error", decodeBody[errorResponse](t, resp).Kind)
}

func TestPingEndpoint(t *testing.T) {
	ts := newTestServer(t, failingClickHouse{})
	ts.load(t)

	resp := ts.do(t, http.MethodGet, "/api/server/ping", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["has_data"])
	assert.Equal(t, false, body["clickhouse_connected"])
	assert.Equal(t, "connection refused", body["error"])
}

func TestPoliciesEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	policies := decodeBody[[]map[string]any](t, resp)
	require.Len(t, policies, 7)
	assert.Equal(t, "bar", policies[0]["chart_type"])
	assert.Equal(t, 500.0, policies[0]["max_points"])
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/query/visualize", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.ColumnNotFoundError{Column: "x"}, http.StatusNotFound},
		{models.ErrDatasetNotFound, http.StatusNotFound},
		{&models.TypeMismatchError{}, http.StatusUnprocessableEntity},
		{&models.SafetyBlockError{}, http.StatusUnprocessableEntity},
		{&models.TooManyPointsError{}, http.StatusUnprocessableEntity},
		{models.ErrUnsupportedFormat, http.StatusUnprocessableEntity},
		{models.ErrNoData, http.StatusConflict},
		{&models.QueryCancelledError{Reason: "context canceled"}, statusClientClosedRequest},
		{models.ErrStorePoisoned, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(models.ErrorKind(tt.err)))
		})
	}
}
