package planner

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/frame/frametest"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/sampling"
)

type testDataset struct {
	f    *frame.Frame
	rows int
}

func (d testDataset) Frame() *frame.Frame { return d.f }
func (d testDataset) RowCount() int       { return d.rows }

func newDataset(t *testing.T, db *sql.DB, name, query string) testDataset {
	t.Helper()
	f := frametest.Table(t, db, name, query)
	n, err := f.Count(context.Background())
	require.NoError(t, err)
	return testDataset{f: f, rows: n}
}

func salesDataset(t *testing.T) testDataset {
	t.Helper()
	return newDataset(t, frametest.OpenDB(t), "sales", frametest.SalesQuery)
}

// categoriesQuery has 2000 rows over 600 categories k000..k599.
const categoriesQuery = `SELECT 'k' || lpad(CAST(range % 600 AS VARCHAR), 3, '0') AS cat,
	CAST(range AS DOUBLE) AS v FROM range(2000)`

func barSpec(x, y string) models.VisualizationSpec {
	return models.VisualizationSpec{
		ChartType:   models.ChartBar,
		XField:      x,
		YField:      y,
		Aggregation: models.AggSum,
	}
}

func TestPlanSmallBarChart(t *testing.T) {
	ds := salesDataset(t)

	plan, err := New().Plan(context.Background(), ds, barSpec("category", "value"))
	require.NoError(t, err)

	assert.True(t, plan.Safe)
	assert.Equal(t, 10, plan.OriginalRows)
	assert.Equal(t, 500, plan.PointBudget)
	assert.Equal(t, []Transformation{
		Aggregate{GroupBy: "category", Measure: "value", Aggregation: models.AggSum},
		Limit{N: 500},
	}, plan.Transformations)
	assert.False(t, plan.Metadata.Reduced)
	assert.Equal(t, models.ReasonNone, plan.Metadata.Reason)
	assert.Equal(t, 3, plan.Metadata.ReturnedPoints)
	assert.Equal(t, []string{"category", frame.ValueColumn}, plan.Output)
	assert.NotEmpty(t, plan.Fingerprint)
}

func TestPlanTopN(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "cats", categoriesQuery)

	plan, err := New().Plan(context.Background(), ds, barSpec("cat", "v"))
	require.NoError(t, err)

	assert.Contains(t, plan.Transformations, Transformation(TopN{Column: "cat", N: 20, IncludeOthers: true}))
	meta := plan.Metadata
	assert.True(t, meta.Reduced)
	assert.Equal(t, models.ReasonCombined, meta.Reason)
	assert.False(t, meta.DistributionPreserved)
	require.NotNil(t, meta.TopNValue)
	assert.Equal(t, 20, *meta.TopNValue)
	assert.Equal(t, 21, meta.ReturnedPoints)

	agg := meta.Step(models.ReasonAutoAggregation)
	require.NotNil(t, agg)
	assert.Equal(t, 2000, agg.InputRows)
	assert.Equal(t, 600, agg.OutputRows)
	assert.Equal(t, "Data was aggregated from 2,000 to 600 groups, showing top 20 categories", meta.WarningMessage)
}

func TestPlanIsIdempotent(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "cats", categoriesQuery)
	spec := barSpec("cat", "v")
	spec.SortBy = models.SortByY
	spec.SortOrder = models.SortDesc

	first, err := New().Plan(context.Background(), ds, spec)
	require.NoError(t, err)
	second, err := New().Plan(context.Background(), ds, spec)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Transformations, second.Transformations)
	assert.Equal(t, first.Metadata, second.Metadata)
}

func TestPlanEndsWithLimit(t *testing.T) {
	db := frametest.OpenDB(t)
	sales := newDataset(t, db, "sales", frametest.SalesQuery)
	cats := newDataset(t, db, "cats", categoriesQuery)
	points := newDataset(t, db, "points", "SELECT range AS id, CAST(range % 100 AS INTEGER) AS grp, CAST(range AS DOUBLE) AS y FROM range(30000)")

	tests := []struct {
		name  string
		ds    Dataset
		spec  models.VisualizationSpec
		limit int
	}{
		{name: "bar", ds: sales, spec: barSpec("category", "value"), limit: 500},
		{
			name: "pie with sort",
			ds:   cats,
			spec: models.VisualizationSpec{ChartType: models.ChartPie, XField: "cat", YField: "v", SortBy: models.SortByX},
			limit: 20,
		},
		{
			name:  "scatter",
			ds:    points,
			spec:  models.VisualizationSpec{ChartType: models.ChartScatter, XField: "grp", YField: "y"},
			limit: 10000,
		},
		{
			name: "filtered",
			ds:   sales,
			spec: models.VisualizationSpec{
				ChartType: models.ChartLine, XField: "category", YField: "value",
				Filters: []models.FilterSpec{{Column: "value", Operator: models.OpGt, Value: 12.0}},
			},
			limit: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New().Plan(context.Background(), tt.ds, tt.spec)
			require.NoError(t, err)
			require.NotEmpty(t, plan.Transformations)
			assert.Equal(t, Limit{N: tt.limit}, plan.Transformations[len(plan.Transformations)-1])
			assert.Equal(t, tt.limit, plan.FinalLimit())
		})
	}
}

func TestPlanPieTopNFitsUnderLimit(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "cats", categoriesQuery)
	spec := models.VisualizationSpec{ChartType: models.ChartPie, XField: "cat", YField: "v"}

	plan, err := New().Plan(context.Background(), ds, spec)
	require.NoError(t, err)

	assert.Contains(t, plan.Transformations, Transformation(TopN{Column: "cat", N: 19, IncludeOthers: true}))
	assert.Equal(t, 20, plan.Metadata.ReturnedPoints)
}

func TestPlanScatterSampling(t *testing.T) {
	db := frametest.OpenDB(t)
	ds := newDataset(t, db, "points", "SELECT range AS id, CAST(range % 100 AS INTEGER) AS grp, CAST(range AS DOUBLE) AS y FROM range(30000)")

	tests := []struct {
		name    string
		groupBy string
		method  sampling.Method
	}{
		{name: "systematic", method: sampling.MethodSystematic},
		{name: "stratified by group", groupBy: "grp", method: sampling.MethodStratified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := models.VisualizationSpec{ChartType: models.ChartScatter, XField: "grp", YField: "y", GroupBy: tt.groupBy}
			plan, err := New().Plan(context.Background(), ds, spec)
			require.NoError(t, err)

			assert.Equal(t, []Transformation{
				Sample{TargetRows: 2000, Seed: 42, Method: tt.method, StratifyBy: tt.groupBy},
				Limit{N: 10000},
			}, plan.Transformations)
			assert.Equal(t, []string{"grp", "y"}, plan.Output)
			require.NotNil(t, plan.Metadata.SampleRatio)
			assert.InDelta(t, 2000.0/30000.0, *plan.Metadata.SampleRatio, 1e-9)
			assert.Equal(t, models.ReasonSampling, plan.Metadata.Reason)
		})
	}
}

func TestPlanDateBinning(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "days",
		"SELECT DATE '2024-01-01' + CAST(range AS INTEGER) AS day, CAST(1 AS DOUBLE) AS v FROM range(400)")

	t.Run("recommended", func(t *testing.T) {
		spec := models.VisualizationSpec{ChartType: models.ChartLine, XField: "day", YField: "v"}
		plan, err := New().Plan(context.Background(), ds, spec)
		require.NoError(t, err)

		assert.Equal(t, DateBin{Column: "day", Granularity: models.GranularityMonth}, plan.Transformations[0])
		require.NotNil(t, plan.Granularity())
		assert.Equal(t, models.GranularityMonth, *plan.Granularity())
		assert.Equal(t, models.ReasonDateBinning, plan.Metadata.Reason)
		assert.Equal(t, 14, plan.Metadata.ReturnedPoints)
		assert.Equal(t, "Data was dates binned by month", plan.Metadata.WarningMessage)
	})

	t.Run("requested", func(t *testing.T) {
		year := models.GranularityYear
		spec := models.VisualizationSpec{ChartType: models.ChartLine, XField: "day", YField: "v", XBin: &year}
		plan, err := New().Plan(context.Background(), ds, spec)
		require.NoError(t, err)

		assert.Equal(t, DateBin{Column: "day", Granularity: models.GranularityYear}, plan.Transformations[0])
		assert.Equal(t, 2, plan.Metadata.ReturnedPoints)
	})
}

func TestPlanNumericBinning(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "wide", "SELECT range AS id, CAST(1 AS DOUBLE) AS v FROM range(60000)")

	plan, err := New().Plan(context.Background(), ds, barSpec("id", "v"))
	require.NoError(t, err)

	assert.Equal(t, NumericBin{Column: "id", Bins: 100}, plan.Transformations[0])
	assert.Equal(t, models.ReasonCombined, plan.Metadata.Reason)
	require.NotNil(t, plan.Metadata.NumericBins)
	assert.Equal(t, 100, *plan.Metadata.NumericBins)
	assert.Equal(t, 100, plan.Metadata.ReturnedPoints)
}

func TestPlanZoomScalesBudget(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "cats", categoriesQuery)

	tests := []struct {
		name   string
		level  float64
		budget int
		topN   int
	}{
		{name: "zoomed out", level: 0, budget: 100, topN: 20},
		{name: "half", level: 0.5, budget: 300, topN: 20},
		{name: "clamped above one", level: 3, budget: 500, topN: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(WithZoom(models.ZoomContext{Level: tt.level}))
			plan, err := p.Plan(context.Background(), ds, barSpec("cat", "v"))
			require.NoError(t, err)

			assert.Equal(t, tt.budget, plan.PointBudget)
			assert.Equal(t, tt.budget, plan.FinalLimit())
			assert.Contains(t, plan.Transformations, Transformation(TopN{Column: "cat", N: tt.topN, IncludeOthers: true}))
		})
	}
}

func TestPlanErrors(t *testing.T) {
	db := frametest.OpenDB(t)
	sales := newDataset(t, db, "sales", frametest.SalesQuery)

	tests := []struct {
		name  string
		spec  models.VisualizationSpec
		check func(t *testing.T, err error)
	}{
		{
			name: "missing x",
			spec: barSpec("region", "value"),
			check: func(t *testing.T, err error) {
				var target *models.ColumnNotFoundError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "region", target.Column)
				assert.Equal(t, []string{"category", "value"}, target.Available)
			},
		},
		{
			name: "missing filter column",
			spec: models.VisualizationSpec{
				XField: "category", YField: "value",
				Filters: []models.FilterSpec{{Column: "nope", Operator: models.OpIsNull}},
			},
			check: func(t *testing.T, err error) {
				var target *models.ColumnNotFoundError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "nope", target.Column)
			},
		},
		{
			name: "sum of text column",
			spec: barSpec("value", "category"),
			check: func(t *testing.T, err error) {
				var target *models.TypeMismatchError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "category", target.Column)
			},
		},
		{
			name: "filter value of the wrong type",
			spec: models.VisualizationSpec{
				XField: "category", YField: "value",
				Filters: []models.FilterSpec{{Column: "value", Operator: models.OpGt, Value: "ten"}},
			},
			check: func(t *testing.T, err error) {
				var target *models.TypeMismatchError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "value", target.Column)
			},
		},
		{
			name: "invalid spec",
			spec: models.VisualizationSpec{XField: "", YField: "", Aggregation: "mode"},
			check: func(t *testing.T, err error) {
				var target *models.ValidationError
				require.ErrorAs(t, err, &target)
				assert.Contains(t, err.Error(), "xField is required")
				assert.Contains(t, err.Error(), "unknown aggregation")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New().Plan(context.Background(), sales, tt.spec)
			assert.Nil(t, plan)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestPlanCountOfTextColumn(t *testing.T) {
	spec := barSpec("value", "category")
	spec.Aggregation = models.AggCount

	plan, err := New().Plan(context.Background(), salesDataset(t), spec)
	require.NoError(t, err)
	assert.True(t, plan.Safe)
}

func TestPlanBlocksAllNullAxis(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "empty",
		"SELECT CAST(NULL AS VARCHAR) AS label, CAST(range AS DOUBLE) AS v FROM range(5)")

	plan, err := New().Plan(context.Background(), ds, barSpec("label", "v"))
	require.NoError(t, err)

	assert.False(t, plan.Safe)
	assert.Empty(t, plan.Transformations)
	assert.Equal(t, "column 'label': column has no non-null values", plan.BlockingReason)

	_, err = NewExecutor(0).Execute(context.Background(), plan, ds)
	var target *models.SafetyBlockError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 5, target.OriginalRows)
	assert.Equal(t, 500, target.MaxAllowed)
}

func TestPlanStrictMemory(t *testing.T) {
	ds := newDataset(t, frametest.OpenDB(t), "big",
		"SELECT range AS a, range AS b, CAST(range AS DOUBLE) AS c FROM range(150000)")
	spec := models.VisualizationSpec{ChartType: models.ChartScatter, XField: "a", YField: "c"}

	_, err := New(WithStrictMemory(true)).Plan(context.Background(), ds, spec)
	var target *models.MemoryBudgetExceededError
	require.ErrorAs(t, err, &target)
	assert.Greater(t, target.EstimatedMB, target.BudgetMB)

	plan, err := New().Plan(context.Background(), ds, spec)
	require.NoError(t, err)
	assert.False(t, plan.Memory.WithinBudget)
}
