// Package cardinality estimates how many distinct values a column holds and
// recommends how a chart should reduce it.
//
// Classification and recommendations are pure functions of the unique count,
// the column's type flags and the row count. Estimation reads the data and
// is never cached: datasets can be replaced between requests.
package cardinality

import (
	"encoding/json"
	"math"
	"time"

	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/safety"
)

// Tier buckets a column by its number of distinct values.
type Tier string

const (
	TierLow        Tier = "low"
	TierMedium     Tier = "medium"
	TierHigh       Tier = "high"
	TierVeryHigh   Tier = "very_high"
	TierContinuous Tier = "continuous"
)

const (
	// SampleSize is the number of leading rows read by the head estimator.
	// Columns of at most this many rows are counted exactly.
	SampleSize = 10_000

	LowThreshold    = 10
	MediumThreshold = 100

	// YearThreshold and MonthThreshold pick the date granularity for very
	// high cardinality datetime columns.
	YearThreshold  = 10_000
	MonthThreshold = 1_000

	// MaxNumericBins caps the bin count recommended for continuous columns.
	MaxNumericBins = 100
)

// Action is the reduction recommended for a column. It is a closed set:
// NoAction, TopN, NumericBin, DateBin, Sample and Block.
type Action interface {
	Kind() string
	isAction()
}

// NoAction means the column can be charted as is.
type NoAction struct{}

// TopN keeps the N largest categories.
type TopN struct{ N int }

// NumericBin groups a continuous column into equal-width bins.
type NumericBin struct{ Bins int }

// DateBin truncates a datetime column to a granularity.
type DateBin struct{ Granularity models.DateGranularity }

// Sample reduces the row count to a fraction of the data.
type Sample struct{ Ratio float64 }

// Block refuses to chart the column.
type Block struct{ Reason string }

func (NoAction) Kind() string   { return "none" }
func (TopN) Kind() string       { return "top_n" }
func (NumericBin) Kind() string { return "numeric_bin" }
func (DateBin) Kind() string    { return "date_bin" }
func (Sample) Kind() string     { return "sample" }
func (Block) Kind() string      { return "block" }

func (NoAction) isAction()   {}
func (TopN) isAction()       {}
func (NumericBin) isAction() {}
func (DateBin) isAction()    {}
func (Sample) isAction()     {}
func (Block) isAction()      {}

func (a NoAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
	}{a.Kind()})
}

func (a TopN) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		N    int    `json:"n"`
	}{a.Kind(), a.N})
}

func (a NumericBin) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Bins int    `json:"bins"`
	}{a.Kind(), a.Bins})
}

func (a DateBin) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind        string                 `json:"kind"`
		Granularity models.DateGranularity `json:"granularity"`
	}{a.Kind(), a.Granularity})
}

func (a Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  string  `json:"kind"`
		Ratio float64 `json:"ratio"`
	}{a.Kind(), a.Ratio})
}

func (a Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
	}{a.Kind(), a.Reason})
}

// Info is the cardinality profile of one column.
type Info struct {
	Column      string `json:"column"`
	UniqueCount int    `json:"unique_count"`
	TotalRows   int    `json:"total_rows"`
	NullCount   int    `json:"null_count"`
	Tier        Tier   `json:"tier"`
	IsNumeric   bool   `json:"is_numeric"`
	IsDatetime  bool   `json:"is_datetime"`

	// Exact is true when UniqueCount was counted rather than estimated.
	Exact bool `json:"exact"`

	// MinTime and MaxTime bound datetime columns.
	MinTime *time.Time `json:"min_time,omitempty"`
	MaxTime *time.Time `json:"max_time,omitempty"`

	Action Action `json:"action"`
}

// NewInfo classifies a column and attaches the recommended action.
func NewInfo(column string, unique, totalRows int, numeric, datetime bool) Info {
	return Info{
		Column:      column,
		UniqueCount: unique,
		TotalRows:   totalRows,
		Tier:        Classify(unique, numeric, datetime),
		IsNumeric:   numeric,
		IsDatetime:  datetime,
		Action:      Recommend(unique, numeric, datetime, totalRows),
	}
}

// DateBins estimates how many groups remain after binning the column at g.
// It falls back to the unique count when the column has no observed range.
func (i Info) DateBins(g models.DateGranularity) int {
	if i.MinTime == nil || i.MaxTime == nil {
		return i.UniqueCount
	}
	return min(g.BinsBetween(*i.MinTime, *i.MaxTime), max(i.UniqueCount, 1))
}

// Classify maps a unique count to a tier. Numeric columns that are not
// datetimes are continuous regardless of their count.
func Classify(unique int, numeric, datetime bool) Tier {
	if numeric && !datetime {
		return TierContinuous
	}
	switch {
	case unique < LowThreshold:
		return TierLow
	case unique <= MediumThreshold:
		return TierMedium
	case unique <= safety.HighCardinalityThreshold:
		return TierHigh
	}
	return TierVeryHigh
}

// Recommend returns the reduction for a column with the given profile.
func Recommend(unique int, numeric, datetime bool, totalRows int) Action {
	if totalRows > 0 && totalRows <= SampleSize && unique == 0 {
		return Block{Reason: "column has no non-null values"}
	}

	switch Classify(unique, numeric, datetime) {
	case TierHigh:
		if datetime {
			return DateBin{Granularity: models.GranularityMonth}
		}
		return TopN{N: safety.DefaultTopN}
	case TierVeryHigh:
		if !datetime {
			return TopN{N: safety.DefaultTopN}
		}
		switch {
		case unique > YearThreshold:
			return DateBin{Granularity: models.GranularityYear}
		case unique > MonthThreshold:
			return DateBin{Granularity: models.GranularityMonth}
		}
		return DateBin{Granularity: models.GranularityDay}
	case TierContinuous:
		if datetime {
			return DateBin{Granularity: models.GranularityMonth}
		}
		if totalRows > safety.MaxVisualPoints {
			bins := int(math.Ceil(math.Sqrt(float64(totalRows))))
			return NumericBin{Bins: min(bins, MaxNumericBins)}
		}
	}
	return NoAction{}
}

// Extrapolate scales the distinct count of a head sample to the full
// column: sampled * max(1, ln(total/sampleSize)), rounded up.
//
// This is a heuristic. A column whose first rows repeat one value and whose
// tail is all distinct is badly underestimated; use the sketch estimator
// when that matters.
func Extrapolate(sampledUnique, sampleSize, totalRows int) int {
	if totalRows <= sampleSize || sampleSize <= 0 {
		return sampledUnique
	}
	factor := math.Max(1, math.Log(float64(totalRows)/float64(sampleSize)))
	return int(math.Ceil(float64(sampledUnique) * factor))
}
