package cardinality

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orian/vizguard/frame/frametest"
	"github.com/orian/vizguard/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		unique   int
		numeric  bool
		datetime bool
		want     Tier
	}{
		{name: "nine categories", unique: 9, want: TierLow},
		{name: "ten categories", unique: 10, want: TierMedium},
		{name: "hundred categories", unique: 100, want: TierMedium},
		{name: "hundred and one", unique: 101, want: TierHigh},
		{name: "thousand", unique: 1000, want: TierHigh},
		{name: "thousand and one", unique: 1001, want: TierVeryHigh},
		{name: "numeric", unique: 3, numeric: true, want: TierContinuous},
		{name: "datetime is never continuous", unique: 3, numeric: true, datetime: true, want: TierLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.unique, tt.numeric, tt.datetime))
		})
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name      string
		unique    int
		numeric   bool
		datetime  bool
		totalRows int
		want      Action
	}{
		{name: "low", unique: 5, totalRows: 100, want: NoAction{}},
		{name: "medium", unique: 50, totalRows: 100, want: NoAction{}},
		{name: "high categorical", unique: 500, totalRows: 5000, want: TopN{N: 20}},
		{name: "high datetime", unique: 500, datetime: true, totalRows: 5000, want: DateBin{Granularity: models.GranularityMonth}},
		{name: "very high categorical", unique: 50_000, totalRows: 100_000, want: TopN{N: 20}},
		{name: "very high datetime by year", unique: 20_000, datetime: true, totalRows: 100_000, want: DateBin{Granularity: models.GranularityYear}},
		{name: "very high datetime by month", unique: 5000, datetime: true, totalRows: 100_000, want: DateBin{Granularity: models.GranularityMonth}},
		{name: "small continuous", unique: 40_000, numeric: true, totalRows: 50_000, want: NoAction{}},
		{name: "large continuous", unique: 90_000, numeric: true, totalRows: 1_000_000, want: NumericBin{Bins: 100}},
		{name: "just above the point ceiling", unique: 60_000, numeric: true, totalRows: 60_000, want: NumericBin{Bins: 100}},
		{name: "all null", unique: 0, numeric: true, totalRows: 5, want: Block{Reason: "column has no non-null values"}},
		{name: "empty dataset", unique: 0, totalRows: 0, want: NoAction{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recommend(tt.unique, tt.numeric, tt.datetime, tt.totalRows)
			assert.Equal(t, tt.want, got)
			// Pure: the same inputs always give the same action.
			assert.Equal(t, got, Recommend(tt.unique, tt.numeric, tt.datetime, tt.totalRows))
		})
	}
}

func TestExtrapolate(t *testing.T) {
	tests := []struct {
		name    string
		sampled int
		total   int
		want    int
	}{
		{name: "fits in sample", sampled: 50, total: 5000, want: 50},
		{name: "factor below one is clamped", sampled: 500, total: 20_000, want: 500},
		{name: "million rows", sampled: 500, total: 1_000_000, want: 2303},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extrapolate(tt.sampled, SampleSize, tt.total))
		})
	}
}

func TestActionJSON(t *testing.T) {
	info := NewInfo("country", 5000, 100_000, false, false)
	b, err := json.Marshal(info)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(b, &parsed))
	assert.Equal(t, "very_high", parsed["tier"])
	assert.Equal(t, map[string]any{"kind": "top_n", "n": float64(20)}, parsed["action"])
}

func TestEstimateSmallDataset(t *testing.T) {
	ctx := context.Background()
	db := frametest.OpenDB(t)
	f := frametest.Table(t, db, "sales", frametest.SalesQuery)

	est := NewEstimator(ModeHead)

	cat, err := est.Estimate(ctx, f, "category", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.UniqueCount)
	assert.Equal(t, TierLow, cat.Tier)
	assert.True(t, cat.Exact)
	assert.Equal(t, NoAction{}, cat.Action)

	val, err := est.Estimate(ctx, f, "value", 10)
	require.NoError(t, err)
	assert.Equal(t, TierContinuous, val.Tier)
	assert.Equal(t, NoAction{}, val.Action)

	_, err = est.Estimate(ctx, f, "missing", 10)
	assert.Error(t, err)
}

func TestEstimateNullColumn(t *testing.T) {
	db := frametest.OpenDB(t)
	f := frametest.Table(t, db, "nulls",
		"SELECT range AS id, CAST(NULL AS INTEGER) AS x FROM range(5)")

	info, err := NewEstimator(ModeHead).Estimate(context.Background(), f, "x", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, info.UniqueCount)
	assert.Equal(t, 5, info.NullCount)
	assert.Equal(t, Block{Reason: "column has no non-null values"}, info.Action)
}

func TestEstimateDatetimeRange(t *testing.T) {
	db := frametest.OpenDB(t)
	f := frametest.Table(t, db, "days",
		"SELECT DATE '2024-01-01' + CAST(range AS INTEGER) AS day, range AS n FROM range(400)")

	info, err := NewEstimator(ModeHead).Estimate(context.Background(), f, "day", 400)
	require.NoError(t, err)
	assert.True(t, info.IsDatetime)
	assert.Equal(t, 400, info.UniqueCount)
	assert.Equal(t, TierHigh, info.Tier)
	assert.Equal(t, DateBin{Granularity: models.GranularityMonth}, info.Action)
	require.NotNil(t, info.MinTime)
	require.NotNil(t, info.MaxTime)
	assert.Equal(t, 2024, info.MinTime.Year())
	assert.Equal(t, 14, info.DateBins(models.GranularityMonth))
}

func TestEstimateLargeNumeric(t *testing.T) {
	db := frametest.OpenDB(t)
	f := frametest.Range(t, db, "big", 100_000, 7)

	info, err := NewEstimator(ModeHead).Estimate(context.Background(), f, "id", 100_000)
	require.NoError(t, err)
	assert.False(t, info.Exact)
	assert.Equal(t, 23026, info.UniqueCount)
	assert.Equal(t, NumericBin{Bins: 100}, info.Action)

	grp, err := NewEstimator(ModeHead).Estimate(context.Background(), f, "grp", 100_000)
	require.NoError(t, err)
	assert.Equal(t, TierContinuous, grp.Tier)
}

// The head heuristic only sees the first rows. A column that repeats one
// value up front and is all distinct afterwards is underestimated by orders
// of magnitude; the sketch estimator reads the whole column.
func TestEstimateAdversarialHead(t *testing.T) {
	ctx := context.Background()
	db := frametest.OpenDB(t)
	const total = 200_000
	f := frametest.Table(t, db, "skewed",
		"SELECT CASE WHEN range < 10000 THEN 'same' ELSE 'v' || CAST(range AS VARCHAR) END AS c FROM range(200000)")
	const truth = total - SampleSize + 1

	head, err := NewEstimator(ModeHead).Estimate(ctx, f, "c", total)
	require.NoError(t, err)
	assert.Equal(t, 3, head.UniqueCount, "head estimate sees a single value")
	assert.Less(t, head.UniqueCount, truth/1000)

	sketch, err := NewEstimator(ModeSketch).Estimate(ctx, f, "c", total)
	require.NoError(t, err)
	assert.InEpsilon(t, truth, sketch.UniqueCount, 0.05)
	assert.Equal(t, TierVeryHigh, sketch.Tier)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHead, m)

	m, err = ParseMode("sketch")
	require.NoError(t, err)
	assert.Equal(t, ModeSketch, m)

	_, err = ParseMode("exact")
	assert.Error(t, err)
}
