// Package sampling reduces a frame to a target number of rows with
// deterministic strategies.
//
// Every strategy numbers the rows of the input in the frame's order and
// selects by index arithmetic in SQL, so the same input, target and seed
// always select the same rows in the same order. Sampled frames stay lazy.
package sampling

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/safety"
)

// Method names a sampling strategy.
type Method string

const (
	MethodReservoir  Method = "reservoir"
	MethodStratified Method = "stratified"
	MethodSystematic Method = "systematic"
	MethodHash       Method = "hash"
)

const (
	// Prime is the modulus of reservoir scores.
	Prime = 1_000_000_007

	// HashPrime is Knuth's multiplicative hash constant.
	HashPrime = 2_654_435_761

	DefaultTargetSize    = 10_000
	DefaultMinPerStratum = 10

	indexColumn = "__idx"
)

// Config selects and parameterizes a strategy.
type Config struct {
	TargetSize     int    `json:"target_size"`
	Seed           uint64 `json:"seed"`
	MinPerStratum  int    `json:"min_per_stratum"`
	StratifyColumn string `json:"stratify_by,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		TargetSize:    DefaultTargetSize,
		Seed:          safety.SamplingSeed,
		MinPerStratum: DefaultMinPerStratum,
	}
}

// Sampler is one sampling strategy.
type Sampler interface {
	// Sample reduces f, which holds totalRows rows, to about target rows.
	// When totalRows <= target it returns f unchanged with ratio 1.
	Sample(ctx context.Context, f *frame.Frame, totalRows, target int, seed uint64) (*Result, error)

	Method() Method
}

// StratumStats reports how one stratum was sampled.
type StratumStats struct {
	Value         string  `json:"stratum_value"`
	OriginalCount int     `json:"original_count"`
	SampledCount  int     `json:"sampled_count"`
	Ratio         float64 `json:"sample_ratio"`
}

// Result is a sampled frame and how it was obtained.
type Result struct {
	Frame                 *frame.Frame
	OriginalRows          int
	SampledRows           int
	Ratio                 float64
	Method                Method
	DistributionPreserved bool
	Strata                []StratumStats
}

// Auto picks stratified sampling when a stratify column is configured and
// reservoir sampling otherwise.
func Auto(cfg Config) Sampler {
	if cfg.StratifyColumn != "" {
		return &Stratified{Column: cfg.StratifyColumn, MinPerStratum: cfg.MinPerStratum}
	}
	return &Reservoir{}
}

// ForScatter returns the strategy used for scatter plots. Systematic
// sampling covers the whole index range evenly without ranking rows.
func ForScatter() Sampler { return &Systematic{} }

// New returns the strategy for method. Unknown methods fall back to Auto.
func New(method Method, cfg Config, keyColumns ...string) Sampler {
	switch method {
	case MethodReservoir:
		return &Reservoir{}
	case MethodStratified:
		return &Stratified{Column: cfg.StratifyColumn, MinPerStratum: cfg.MinPerStratum}
	case MethodSystematic:
		return &Systematic{}
	case MethodHash:
		return &HashModulo{KeyColumns: keyColumns}
	}
	return Auto(cfg)
}

// Run samples f with cfg using s.
func Run(ctx context.Context, s Sampler, f *frame.Frame, totalRows int, cfg Config) (*Result, error) {
	return s.Sample(ctx, f, totalRows, cfg.TargetSize, cfg.Seed)
}

// Multiplier derives the reservoir score multiplier from a seed. It lies in
// [1, Prime).
func Multiplier(seed uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	m := xxhash.Sum64(b[:]) % Prime
	if m == 0 {
		return 1
	}
	return m
}

func unchanged(f *frame.Frame, totalRows int, method Method) *Result {
	return &Result{
		Frame:                 f,
		OriginalRows:          totalRows,
		SampledRows:           totalRows,
		Ratio:                 1.0,
		Method:                method,
		DistributionPreserved: true,
	}
}

// Ratio is sampled/total, or 1 for an empty input.
func Ratio(sampled, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	return float64(sampled) / float64(total)
}

// indexed numbers the rows of f in its order, 0-based, as __idx.
func indexed(f *frame.Frame) (string, []any) {
	rel, args := f.Relation()
	return fmt.Sprintf("SELECT *, row_number() OVER (ORDER BY %s) - 1 AS %s FROM (%s) AS t",
		f.OrderSQL(), indexColumn, rel), args
}

// score ranks a 0-based index with multiplier m. The arithmetic is done in
// HUGEINT so large indexes cannot overflow.
func score(col string, m uint64) string {
	return fmt.Sprintf("((CAST(%s AS HUGEINT) + 1) * %d) %% %d", col, m, uint64(Prime))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
