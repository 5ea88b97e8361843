// Package models defines the core data types for vizguard,
// a query safety and planning engine that turns declarative chart
// requests into bounded, explainable DuckDB queries.
package models

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ChartType names the kind of chart requested. Unknown values are allowed on
// the wire; the safety policy maps them to the bar chart policy.
type ChartType string

const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartArea    ChartType = "area"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
	ChartHeatmap ChartType = "heatmap"
	ChartTable   ChartType = "table"
)

// AggregationType is the aggregate applied to the Y field per X group.
type AggregationType string

const (
	AggSum    AggregationType = "sum"
	AggAvg    AggregationType = "avg"
	AggCount  AggregationType = "count"
	AggMin    AggregationType = "min"
	AggMax    AggregationType = "max"
	AggMedian AggregationType = "median"
)

// Valid reports whether a is one of the known aggregations.
func (a AggregationType) Valid() bool {
	switch a {
	case AggSum, AggAvg, AggCount, AggMin, AggMax, AggMedian:
		return true
	}
	return false
}

// RequiresNumeric reports whether the aggregation only makes sense on
// numeric measures. Count works on any column.
func (a AggregationType) RequiresNumeric() bool {
	return a != AggCount
}

// Label builds the series label shown in the chart legend, e.g. "Sum of revenue".
func (a AggregationType) Label(field string) string {
	switch a {
	case AggSum:
		return "Sum of " + field
	case AggAvg:
		return "Average of " + field
	case AggCount:
		return "Count of " + field
	case AggMin:
		return "Min of " + field
	case AggMax:
		return "Max of " + field
	case AggMedian:
		return "Median of " + field
	}
	return field
}

// SortField selects which axis the result is sorted by.
type SortField string

const (
	SortByX    SortField = "x"
	SortByY    SortField = "y"
	SortByNone SortField = "none"
)

// SortOrder is the direction of the requested sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
	SortNone SortOrder = "none"
)

// VisualizationSpec is the declared intent for one chart, produced by the UI
// or by a language model. It is immutable once constructed; planners and
// services take it by value.
type VisualizationSpec struct {
	// ChartType selects the safety policy (bar, line, area, pie, scatter, ...).
	ChartType ChartType `json:"chartType" yaml:"chartType"`

	// XField is the category or domain axis column.
	XField string `json:"xField" yaml:"xField"`

	// YField is the measure column.
	YField string `json:"yField" yaml:"yField"`

	// Aggregation is applied to YField per XField group.
	Aggregation AggregationType `json:"aggregation" yaml:"aggregation"`

	// GroupBy is an optional secondary column. Scatter sampling stratifies by it.
	GroupBy string `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`

	// XBin and YBin optionally force a date-binning granularity per axis.
	// They only apply to datetime columns.
	XBin *DateGranularity `json:"xBin,omitempty" yaml:"xBin,omitempty"`
	YBin *DateGranularity `json:"yBin,omitempty" yaml:"yBin,omitempty"`

	SortBy    SortField `json:"sortBy" yaml:"sortBy"`
	SortOrder SortOrder `json:"sortOrder" yaml:"sortOrder"`

	Title string `json:"title" yaml:"title"`

	// Filters are applied in order before any other transformation.
	Filters []FilterSpec `json:"filters" yaml:"filters"`

	// ChartConfig is an opaque rendering blob passed through to the client.
	ChartConfig map[string]any `json:"chartConfig,omitempty" yaml:"chartConfig,omitempty"`
}

// WithDefaults fills the optional enum fields left empty by lenient producers.
func (s VisualizationSpec) WithDefaults() VisualizationSpec {
	if s.ChartType == "" {
		s.ChartType = ChartBar
	}
	if s.Aggregation == "" {
		s.Aggregation = AggSum
	}
	if s.SortBy == "" {
		s.SortBy = SortByNone
	}
	if s.SortOrder == "" {
		s.SortOrder = SortNone
	}
	return s
}

// Validate checks the spec on its own, without a dataset. Every problem is
// reported, not only the first one.
func (s VisualizationSpec) Validate() error {
	var errs *multierror.Error

	if strings.TrimSpace(s.XField) == "" {
		errs = multierror.Append(errs, fmt.Errorf("xField is required"))
	}
	if strings.TrimSpace(s.YField) == "" {
		errs = multierror.Append(errs, fmt.Errorf("yField is required"))
	}
	if !s.Aggregation.Valid() {
		errs = multierror.Append(errs, fmt.Errorf("unknown aggregation %q", s.Aggregation))
	}
	switch s.SortBy {
	case SortByX, SortByY, SortByNone:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown sortBy %q", s.SortBy))
	}
	switch s.SortOrder {
	case SortAsc, SortDesc, SortNone:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown sortOrder %q", s.SortOrder))
	}
	for _, g := range []*DateGranularity{s.XBin, s.YBin} {
		if g != nil && !g.Valid() {
			errs = multierror.Append(errs, fmt.Errorf("unknown date granularity %q", *g))
		}
	}
	for i, f := range s.Filters {
		if err := f.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("filter %d: %w", i, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// ReferencedColumns lists every column the spec touches, in a stable order.
func (s VisualizationSpec) ReferencedColumns() []string {
	cols := []string{s.XField, s.YField}
	if s.GroupBy != "" {
		cols = append(cols, s.GroupBy)
	}
	for _, f := range s.Filters {
		cols = append(cols, f.Column)
	}
	return cols
}
