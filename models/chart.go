package models

// ChartData is the response for chart queries: ordered labels and one or more
// numeric series aligned with them.
type ChartData struct {
	Labels   []string       `json:"labels"`
	Datasets []ChartDataset `json:"datasets"`
	Metadata ChartMetadata  `json:"metadata"`
}

// ChartDataset is one series of a chart.
type ChartDataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
	Color string    `json:"color,omitempty"`
}

// ChartMetadata describes the chart and, when data was reduced, how.
type ChartMetadata struct {
	Title  string `json:"title"`
	XLabel string `json:"x_label"`
	YLabel string `json:"y_label"`

	// TotalRecords is the number of rows the chart was computed from.
	TotalRecords int `json:"total_records"`

	Reduced             bool            `json:"reduced"`
	ReductionReason     ReductionReason `json:"reduction_reason"`
	OriginalRowEstimate int             `json:"original_row_estimate"`
	ReturnedPoints      int             `json:"returned_points"`
	SampleRatio         *float64        `json:"sample_ratio,omitempty"`
	TopNValue           *int            `json:"top_n_value,omitempty"`
	WarningMessage      string          `json:"warning_message,omitempty"`

	// ReductionSteps repeats the audit trail for clients that render it.
	ReductionSteps []ReductionStep `json:"reduction_steps,omitempty"`
}

// TableRequest asks for one page of raw rows.
type TableRequest struct {
	// Columns selects and orders the returned columns. Empty means all.
	Columns []string `json:"columns,omitempty"`

	// Page is zero-based.
	Page int `json:"page"`

	// PageSize is clamped to the table page cap; 0 means the default size.
	PageSize int `json:"page_size"`

	SortColumn string       `json:"sort_column,omitempty"`
	SortDesc   bool         `json:"sort_desc,omitempty"`
	Filters    []FilterSpec `json:"filters,omitempty"`
}

// TableData is one page of a table query.
type TableData struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	TotalRows  int      `json:"total_rows"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
	Warning    string   `json:"warning,omitempty"`
}
