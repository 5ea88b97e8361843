package safety

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	// EstimatedBytesPerCell is the flat per-cell cost used for estimates.
	EstimatedBytesPerCell = 256

	// MaxMemoryBudget is the advisory per-query memory budget.
	MaxMemoryBudget = 100 * 1024 * 1024
)

// MemoryCheck is an advisory estimate of a query's footprint. Planning never
// blocks on it unless strict memory mode is enabled.
type MemoryCheck struct {
	EstimatedBytes uint64  `json:"estimated_bytes"`
	EstimatedMB    float64 `json:"estimated_mb"`
	WithinBudget   bool    `json:"within_budget"`
	Recommendation string  `json:"recommendation"`
}

// CheckMemory estimates rows * columns * EstimatedBytesPerCell.
func CheckMemory(rows, columns int) MemoryCheck {
	est := uint64(max(rows, 0)) * uint64(max(columns, 0)) * EstimatedBytesPerCell
	check := MemoryCheck{
		EstimatedBytes: est,
		EstimatedMB:    float64(est) / (1024 * 1024),
		WithinBudget:   est < MaxMemoryBudget,
	}
	if check.WithinBudget {
		check.Recommendation = "Query is within memory budget"
	} else {
		check.Recommendation = fmt.Sprintf("Query would use ~%s, exceeding %s budget. Apply aggregation or sampling.",
			humanize.IBytes(est), humanize.IBytes(MaxMemoryBudget))
	}
	return check
}

// BudgetMB is MaxMemoryBudget in mebibytes.
func BudgetMB() float64 {
	return float64(MaxMemoryBudget) / (1024 * 1024)
}
