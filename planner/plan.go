package planner

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/orian/vizguard/cardinality"
	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/safety"
)

// Dataset is the data a plan is built for and executed against.
type Dataset interface {
	// Frame returns a fresh pipeline over the whole table.
	Frame() *frame.Frame

	// RowCount returns the number of rows in the table.
	RowCount() int
}

// ExecutionPlan is the planner's output: the ordered transformations that
// bring a dataset within the chart's safety budget, and the reduction
// metadata they are expected to produce.
//
// An unsafe plan has no transformations and is refused by the executor.
type ExecutionPlan struct {
	ChartType    models.ChartType `json:"chart_type"`
	OriginalRows int              `json:"original_rows"`
	Policy       safety.Policy    `json:"policy"`

	// PointBudget is the policy cap, scaled by zoom for progressive queries.
	PointBudget int `json:"point_budget"`

	Transformations []Transformation         `json:"transformations"`
	Metadata        models.ReductionMetadata `json:"reduction_metadata"`

	Safe           bool   `json:"is_safe"`
	BlockingReason string `json:"blocking_reason,omitempty"`

	// Cardinality holds the estimates for the X and Y fields.
	Cardinality map[string]cardinality.Info `json:"cardinality"`

	Memory safety.MemoryCheck `json:"memory"`

	// Output lists the columns the executor collects: the X field and
	// either the aggregated value or the raw Y field.
	Output []string `json:"output_columns"`

	// Fingerprint identifies the plan's shape: equal plans have equal
	// fingerprints across processes.
	Fingerprint string `json:"fingerprint"`
}

// Aggregated reports whether the plan groups rows.
func (p *ExecutionPlan) Aggregated() bool {
	for _, t := range p.Transformations {
		if _, ok := t.(Aggregate); ok {
			return true
		}
	}
	return false
}

// HasTopN reports whether the plan ranks groups with Top-N.
func (p *ExecutionPlan) HasTopN() bool {
	for _, t := range p.Transformations {
		if _, ok := t.(TopN); ok {
			return true
		}
	}
	return false
}

// Granularity returns the date binning granularity of the plan, if any.
func (p *ExecutionPlan) Granularity() *models.DateGranularity {
	for _, t := range p.Transformations {
		if b, ok := t.(DateBin); ok {
			g := b.Granularity
			return &g
		}
	}
	return nil
}

// FinalLimit returns the row cap of the trailing Limit.
func (p *ExecutionPlan) FinalLimit() int {
	for i := len(p.Transformations) - 1; i >= 0; i-- {
		if l, ok := p.Transformations[i].(Limit); ok {
			return l.N
		}
	}
	return safety.MaxVisualPoints
}

func blocked(chart models.ChartType, policy safety.Policy, rows int, reason string) *ExecutionPlan {
	p := &ExecutionPlan{
		ChartType:       chart,
		OriginalRows:    rows,
		Policy:          policy,
		PointBudget:     policy.MaxPoints,
		Transformations: []Transformation{},
		Metadata:        models.NoReduction(rows),
		Safe:            false,
		BlockingReason:  reason,
		Cardinality:     map[string]cardinality.Info{},
	}
	p.Fingerprint = fingerprint(p)
	return p
}

// fingerprint hashes what determines the plan's result.
func fingerprint(p *ExecutionPlan) string {
	b, err := json.Marshal(struct {
		Chart           models.ChartType `json:"c"`
		Rows            int              `json:"r"`
		Budget          int              `json:"b"`
		Safe            bool             `json:"s"`
		Transformations []Transformation `json:"t"`
	}{p.ChartType, p.OriginalRows, p.PointBudget, p.Safe, p.Transformations})
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
