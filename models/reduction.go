package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ReductionReason is the dominant reason the returned data differs from the
// raw data.
type ReductionReason string

const (
	ReasonNone            ReductionReason = "none"
	ReasonAutoAggregation ReductionReason = "auto-aggregation"
	ReasonSampling        ReductionReason = "sampling"
	ReasonTopN            ReductionReason = "top-n"
	ReasonDateBinning     ReductionReason = "date-binning"
	ReasonNumericBinning  ReductionReason = "numeric-binning"
	ReasonCombined        ReductionReason = "combined"
)

// DateGranularity is the bucket width used when binning datetime columns.
type DateGranularity string

const (
	GranularityYear    DateGranularity = "year"
	GranularityQuarter DateGranularity = "quarter"
	GranularityMonth   DateGranularity = "month"
	GranularityWeek    DateGranularity = "week"
	GranularityDay     DateGranularity = "day"
	GranularityHour    DateGranularity = "hour"
)

// Valid reports whether g is a known granularity.
func (g DateGranularity) Valid() bool {
	switch g {
	case GranularityYear, GranularityQuarter, GranularityMonth,
		GranularityWeek, GranularityDay, GranularityHour:
		return true
	}
	return false
}

// BinsBetween estimates how many buckets of width g cover [from, to].
func (g DateGranularity) BinsBetween(from, to time.Time) int {
	if to.Before(from) {
		from, to = to, from
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	switch g {
	case GranularityYear:
		return to.Year() - from.Year() + 1
	case GranularityQuarter:
		return months/3 + 1
	case GranularityMonth:
		return months + 1
	case GranularityWeek:
		return int(to.Sub(from).Hours()/(24*7)) + 1
	case GranularityDay:
		return int(to.Sub(from).Hours()/24) + 1
	case GranularityHour:
		return int(to.Sub(from).Hours()) + 1
	}
	return 1
}

// ReductionStep is one entry of the replayable reduction history.
type ReductionStep struct {
	Type        ReductionReason `json:"step_type"`
	InputRows   int             `json:"input_rows"`
	OutputRows  int             `json:"output_rows"`
	Description string          `json:"description"`
}

// ReductionMetadata is the audit trail attached to every chart response.
//
// The planner fills it with estimates; the executor corrects the counts after
// collection. It is read-only once the response is built.
type ReductionMetadata struct {
	// Reduced is true when any reduction step was recorded.
	Reduced bool `json:"reduced"`

	// Reason is the single step type, or ReasonCombined when several apply.
	Reason ReductionReason `json:"reduction_reason"`

	// OriginalRows is the dataset row count before any transformation.
	OriginalRows int `json:"original_rows"`

	// ReturnedPoints is the number of rows actually returned.
	ReturnedPoints int `json:"returned_points"`

	SampleRatio    *float64         `json:"sample_ratio,omitempty"`
	TopNValue      *int             `json:"top_n_value,omitempty"`
	BinGranularity *DateGranularity `json:"bin_granularity,omitempty"`
	NumericBins    *int             `json:"numeric_bins,omitempty"`

	// DistributionPreserved is false once Top-N or hash sampling altered
	// the shape of the data.
	DistributionPreserved bool `json:"distribution_preserved"`

	WarningMessage string `json:"warning_message,omitempty"`

	Steps []ReductionStep `json:"reduction_steps"`
}

// NoReduction returns metadata for data returned as-is.
func NoReduction(rows int) ReductionMetadata {
	return ReductionMetadata{
		Reason:                ReasonNone,
		OriginalRows:          rows,
		ReturnedPoints:        rows,
		DistributionPreserved: true,
		Steps:                 []ReductionStep{},
	}
}

// AddStep appends a step and updates the dominant reason.
func (m *ReductionMetadata) AddStep(step ReductionStep) {
	m.Steps = append(m.Steps, step)
	m.Reduced = true
	if len(m.Steps) == 1 {
		m.Reason = step.Type
	} else {
		m.Reason = ReasonCombined
	}
	m.ReturnedPoints = step.OutputRows
}

// DropStep removes the steps of type t and recomputes the reason.
func (m *ReductionMetadata) DropStep(t ReductionReason) {
	kept := make([]ReductionStep, 0, len(m.Steps))
	for _, s := range m.Steps {
		if s.Type != t {
			kept = append(kept, s)
		}
	}
	m.Steps = kept
	m.Reduced = len(kept) > 0
	switch len(kept) {
	case 0:
		m.Reason = ReasonNone
	case 1:
		m.Reason = kept[0].Type
	default:
		m.Reason = ReasonCombined
	}
}

// Clone returns a copy that shares nothing mutable with m.
func (m ReductionMetadata) Clone() ReductionMetadata {
	m.Steps = append([]ReductionStep{}, m.Steps...)
	if m.SampleRatio != nil {
		v := *m.SampleRatio
		m.SampleRatio = &v
	}
	if m.TopNValue != nil {
		v := *m.TopNValue
		m.TopNValue = &v
	}
	if m.BinGranularity != nil {
		v := *m.BinGranularity
		m.BinGranularity = &v
	}
	if m.NumericBins != nil {
		v := *m.NumericBins
		m.NumericBins = &v
	}
	return m
}

// Step returns the first recorded step of type t, or nil.
func (m *ReductionMetadata) Step(t ReductionReason) *ReductionStep {
	for i := range m.Steps {
		if m.Steps[i].Type == t {
			return &m.Steps[i]
		}
	}
	return nil
}

// RefreshWarning rebuilds WarningMessage from the recorded steps.
func (m *ReductionMetadata) RefreshWarning() {
	if !m.Reduced {
		m.WarningMessage = ""
		return
	}

	var parts []string
	for _, s := range m.Steps {
		switch s.Type {
		case ReasonAutoAggregation:
			parts = append(parts, fmt.Sprintf("aggregated from %s to %s groups",
				FormatCount(s.InputRows), FormatCount(s.OutputRows)))
		case ReasonSampling:
			ratio := 0.0
			if m.SampleRatio != nil {
				ratio = *m.SampleRatio
			}
			parts = append(parts, fmt.Sprintf("sampled %.1f%% (%s points)",
				ratio*100, FormatCount(s.OutputRows)))
		case ReasonTopN:
			n := s.OutputRows
			if m.TopNValue != nil {
				n = *m.TopNValue
			}
			parts = append(parts, fmt.Sprintf("showing top %d categories", n))
		case ReasonDateBinning:
			if m.BinGranularity != nil {
				parts = append(parts, fmt.Sprintf("dates binned by %s", *m.BinGranularity))
			}
		case ReasonNumericBinning:
			if m.NumericBins != nil {
				parts = append(parts, fmt.Sprintf("values binned into %d ranges", *m.NumericBins))
			}
		}
	}

	if len(parts) == 0 {
		m.WarningMessage = "Data was reduced for performance"
		return
	}
	m.WarningMessage = "Data was " + strings.Join(parts, ", ")
}

// FormatCount renders n with thousands separators, e.g. 1,000,000.
func FormatCount(n int) string {
	return humanize.Comma(int64(n))
}
