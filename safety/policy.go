// Package safety holds the per-chart-type safety policies and the global
// limits every plan must respect.
package safety

import (
	"strings"

	"github.com/orian/vizguard/models"
)

const (
	// MaxVisualPoints is the hard ceiling for any chart, whatever the policy.
	MaxVisualPoints = 50_000

	// DefaultTopN is used when Top-N applies but no N was recommended.
	DefaultTopN = 20

	// SamplingSeed seeds every sampling strategy unless configured otherwise.
	SamplingSeed uint64 = 42

	// HighCardinalityThreshold separates High from VeryHigh cardinality.
	HighCardinalityThreshold = 1000

	// CategoricalThreshold separates Medium from High cardinality.
	CategoricalThreshold = 100

	ScatterMaxPoints = 10_000

	MaxTablePageSize        = 1000
	DefaultTablePageSize    = 100
	LargeDatasetWarningRows = 100_000
)

// Policy bounds what a chart type may render.
type Policy struct {
	ChartType models.ChartType `json:"chart_type"`

	// MaxPoints is the largest number of rows the chart may receive.
	MaxPoints int `json:"max_points"`

	// RequiresAggregation forces a group-by on X even for small data.
	RequiresAggregation bool `json:"requires_aggregation"`

	// AllowsSampling permits raw-row display reduced by sampling.
	AllowsSampling bool `json:"allows_sampling"`

	SupportsPagination bool `json:"supports_pagination"`

	// MaxBins caps date and numeric binning. Zero means no binning.
	MaxBins int `json:"max_bins"`
}

// PointCap is MaxPoints bounded by the global ceiling.
func (p Policy) PointCap() int {
	return min(p.MaxPoints, MaxVisualPoints)
}

// ParseChartType resolves a chart type name case-insensitively.
func ParseChartType(name string) (models.ChartType, bool) {
	ct := models.ChartType(strings.ToLower(strings.TrimSpace(name)))
	switch ct {
	case models.ChartBar, models.ChartLine, models.ChartArea, models.ChartPie,
		models.ChartScatter, models.ChartHeatmap, models.ChartTable:
		return ct, true
	}
	return models.ChartBar, false
}

// ForChartType returns the policy for a chart type name. Unknown names get
// the bar chart policy: an unrecognized chart is never rendered raw.
func ForChartType(name string) Policy {
	ct, _ := ParseChartType(name)
	return For(ct)
}

// For returns the policy of a known chart type.
func For(ct models.ChartType) Policy {
	switch ct {
	case models.ChartBar:
		return Policy{ChartType: ct, MaxPoints: 500, RequiresAggregation: true, MaxBins: 500}
	case models.ChartLine:
		return Policy{ChartType: ct, MaxPoints: 500, RequiresAggregation: true, MaxBins: 1000}
	case models.ChartArea:
		return Policy{ChartType: ct, MaxPoints: 500, RequiresAggregation: true, MaxBins: 500}
	case models.ChartPie:
		return Policy{ChartType: ct, MaxPoints: 20, RequiresAggregation: true, MaxBins: 20}
	case models.ChartScatter:
		return Policy{ChartType: ct, MaxPoints: ScatterMaxPoints, AllowsSampling: true}
	case models.ChartHeatmap:
		return Policy{ChartType: ct, MaxPoints: 10_000, RequiresAggregation: true, MaxBins: 100}
	case models.ChartTable:
		return Policy{ChartType: ct, MaxPoints: DefaultTablePageSize, SupportsPagination: true}
	}
	return For(models.ChartBar)
}

// Policies lists the policy of every known chart type.
func Policies() []Policy {
	types := []models.ChartType{
		models.ChartBar, models.ChartLine, models.ChartArea, models.ChartPie,
		models.ChartScatter, models.ChartHeatmap, models.ChartTable,
	}
	out := make([]Policy, 0, len(types))
	for _, ct := range types {
		out = append(out, For(ct))
	}
	return out
}

// ClampPageSize applies the table page cap. Non-positive sizes get the default.
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultTablePageSize
	}
	return min(size, MaxTablePageSize)
}
