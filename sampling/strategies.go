package sampling

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
)

// MaxStrata bounds the number of strata sampled independently. Above it the
// stratify column is effectively a key and stratified sampling falls back to
// reservoir sampling.
const MaxStrata = 10_000

// Reservoir ranks every row by a seeded score and keeps the lowest target
// scores, in original order.
type Reservoir struct{}

func (*Reservoir) Method() Method { return MethodReservoir }

func (*Reservoir) Sample(ctx context.Context, f *frame.Frame, totalRows, target int, seed uint64) (*Result, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if totalRows <= target {
		return unchanged(f, totalRows, MethodReservoir), nil
	}

	idx, args := indexed(f)
	query := fmt.Sprintf("SELECT %s FROM (%s) AS r ORDER BY %s, %s LIMIT %d",
		f.SelectList("r"), idx, score(indexColumn, Multiplier(seed)), indexColumn, target)

	logctx.FromContext(ctx).Debug("Reservoir sampling",
		slog.Int("rows", totalRows), slog.Int("target", target), slog.Uint64("seed", seed))

	return &Result{
		Frame:                 f.Derive(query, args),
		OriginalRows:          totalRows,
		SampledRows:           target,
		Ratio:                 Ratio(target, totalRows),
		Method:                MethodReservoir,
		DistributionPreserved: true,
	}, nil
}

// Stratified samples each value of Column in proportion to its share of the
// rows, with at least MinPerStratum rows per stratum when the stratum has
// them and the target allows it. The sample never exceeds the target.
// Strata are ranked independently with seed+stratum index.
type Stratified struct {
	Column        string
	MinPerStratum int
}

func (*Stratified) Method() Method { return MethodStratified }

func (s *Stratified) Sample(ctx context.Context, f *frame.Frame, totalRows, target int, seed uint64) (*Result, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if totalRows <= target {
		return unchanged(f, totalRows, MethodStratified), nil
	}
	logger := logctx.FromContext(ctx)
	if s.Column == "" {
		return (&Reservoir{}).Sample(ctx, f, totalRows, target, seed)
	}
	if _, ok := f.Schema().Lookup(s.Column); !ok {
		return nil, fmt.Errorf("stratify column %q is not in the frame", s.Column)
	}

	strata, err := s.strata(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(strata) > MaxStrata {
		logger.Warn("Too many strata, falling back to reservoir sampling",
			slog.String("column", s.Column), slog.Int("strata", len(strata)))
		return (&Reservoir{}).Sample(ctx, f, totalRows, target, seed)
	}

	minPer := s.MinPerStratum
	if minPer <= 0 {
		minPer = DefaultMinPerStratum
	}
	overall := float64(target) / float64(totalRows)

	quotas := allocate(strata, totalRows, target, minPer)
	tuples := make([]string, len(strata))
	var quotaArgs []any
	sampled := 0
	for i := range strata {
		st := &strata[i]
		quota := quotas[i]
		st.SampledCount = quota
		st.Ratio = Ratio(quota, st.OriginalCount)
		sampled += quota

		tuples[i] = "(CAST(? AS BIGINT), CAST(? AS BIGINT), CAST(? AS BIGINT))"
		quotaArgs = append(quotaArgs, int64(i), int64(quota), int64(Multiplier(seed+uint64(i))))
	}

	rel, args := f.Relation()
	col := frame.Ident(s.Column)
	inner := fmt.Sprintf(
		"SELECT t.*, dense_rank() OVER (ORDER BY %[1]s ASC NULLS LAST) - 1 AS __stratum, "+
			"row_number() OVER (PARTITION BY %[1]s ORDER BY %[2]s) - 1 AS __sidx FROM (%[3]s) AS t",
		col, f.OrderSQL(), rel)
	ranked := fmt.Sprintf(
		"SELECT b.*, q.__quota, row_number() OVER (PARTITION BY b.__stratum "+
			"ORDER BY ((CAST(b.__sidx AS HUGEINT) + 1) * q.__mult) %% %d, b.__sidx) AS __pick "+
			"FROM (%s) AS b JOIN (VALUES %s) AS q(__stratum, __quota, __mult) ON b.__stratum = q.__stratum",
		uint64(Prime), inner, strings.Join(tuples, ", "))
	query := fmt.Sprintf("SELECT %s FROM (%s) AS r WHERE r.__pick <= r.__quota", f.SelectList("r"), ranked)

	logger.Debug("Stratified sampling",
		slog.String("column", s.Column),
		slog.Int("strata", len(strata)),
		slog.Int("rows", totalRows),
		slog.Int("sampled", sampled),
		slog.Float64("overall_ratio", overall))

	return &Result{
		Frame:                 f.Derive(query, append(append([]any{}, args...), quotaArgs...)),
		OriginalRows:          totalRows,
		SampledRows:           sampled,
		Ratio:                 Ratio(sampled, totalRows),
		Method:                MethodStratified,
		DistributionPreserved: true,
		Strata:                strata,
	}, nil
}

// allocate returns the per-stratum quotas: ceil(share of target), at least
// minPer, at most the stratum size. When those quotas overshoot target the
// floor shrinks to target/len(strata) and the rest of target is shared in
// proportion to the rows above the floor, largest remainders first. The sum
// never exceeds target.
func allocate(strata []StratumStats, totalRows, target, minPer int) []int {
	quotas := make([]int, len(strata))
	sum := 0
	for i, st := range strata {
		quotas[i] = min(max(ceilDiv(st.OriginalCount*target, totalRows), minPer), st.OriginalCount)
		sum += quotas[i]
	}
	if sum <= target || len(strata) == 0 {
		return quotas
	}

	floor := min(minPer, target/len(strata))
	rest, pool := target, 0
	for i, st := range strata {
		quotas[i] = min(st.OriginalCount, floor)
		rest -= quotas[i]
		pool += st.OriginalCount - quotas[i]
	}
	if pool == 0 {
		return quotas
	}

	type remainder struct{ stratum, frac int }
	remainders := make([]remainder, len(strata))
	given := 0
	for i, st := range strata {
		w := (st.OriginalCount - quotas[i]) * rest
		quotas[i] += w / pool
		given += w / pool
		remainders[i] = remainder{stratum: i, frac: w % pool}
	}
	slices.SortStableFunc(remainders, func(a, b remainder) int { return cmp.Compare(b.frac, a.frac) })
	for _, r := range remainders[:rest-given] {
		quotas[r.stratum]++
	}
	return quotas
}

// strata lists the stratum values with their row counts, ordered by value
// with nulls last.
func (s *Stratified) strata(ctx context.Context, f *frame.Frame) ([]StratumStats, error) {
	rel, args := f.Relation()
	col := frame.Ident(s.Column)
	query := fmt.Sprintf("SELECT %[1]s, count(*) FROM (%[2]s) AS t GROUP BY %[1]s ORDER BY %[1]s ASC NULLS LAST", col, rel)

	rows, err := f.Querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count strata of %s: %w", s.Column, err)
	}
	defer rows.Close()

	var out []StratumStats
	for rows.Next() {
		var (
			value any
			n     int64
		)
		if err := rows.Scan(&value, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stratum: %w", err)
		}
		label := "NULL"
		if v := frame.Normalize(value); v != nil {
			label = fmt.Sprint(v)
		}
		out = append(out, StratumStats{Value: label, OriginalCount: int(n)})
	}
	return out, rows.Err()
}

// Systematic keeps every k-th row, k = ceil(total/target), starting at
// seed mod k.
type Systematic struct{}

func (*Systematic) Method() Method { return MethodSystematic }

func (*Systematic) Sample(ctx context.Context, f *frame.Frame, totalRows, target int, seed uint64) (*Result, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if totalRows <= target {
		return unchanged(f, totalRows, MethodSystematic), nil
	}
	if target <= 0 {
		return nil, fmt.Errorf("sample target must be positive, got %d", target)
	}

	k := ceilDiv(totalRows, target)
	start := int(seed % uint64(k))

	idx, args := indexed(f)
	query := fmt.Sprintf("SELECT %[1]s FROM (%[2]s) AS r WHERE %[3]s >= %[4]d AND (%[3]s - %[4]d) %% %[5]d = 0 ORDER BY %[3]s LIMIT %[6]d",
		f.SelectList("r"), idx, indexColumn, start, k, target)
	sampled := min(target, ceilDiv(totalRows-start, k))

	logctx.FromContext(ctx).Debug("Systematic sampling",
		slog.Int("rows", totalRows), slog.Int("interval", k), slog.Int("start", start))

	return &Result{
		Frame:                 f.Derive(query, args),
		OriginalRows:          totalRows,
		SampledRows:           sampled,
		Ratio:                 Ratio(sampled, totalRows),
		Method:                MethodSystematic,
		DistributionPreserved: true,
	}, nil
}

// HashModulo keeps rows whose (key * HashPrime + seed) mod ceil(total/target)
// is zero. The key is the row index, or a hash of KeyColumns when given, so
// the same key values are selected regardless of row position. It gives no
// guarantee on the achieved size or on the distribution.
type HashModulo struct {
	KeyColumns []string
}

func (*HashModulo) Method() Method { return MethodHash }

func (h *HashModulo) Sample(ctx context.Context, f *frame.Frame, totalRows, target int, seed uint64) (*Result, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if totalRows <= target {
		return unchanged(f, totalRows, MethodHash), nil
	}
	if target <= 0 {
		return nil, fmt.Errorf("sample target must be positive, got %d", target)
	}

	key := fmt.Sprintf("CAST(%s AS HUGEINT)", indexColumn)
	if len(h.KeyColumns) > 0 {
		cols := make([]string, len(h.KeyColumns))
		for i, c := range h.KeyColumns {
			if _, ok := f.Schema().Lookup(c); !ok {
				return nil, fmt.Errorf("key column %q is not in the frame", c)
			}
			cols[i] = frame.Ident(c)
		}
		key = fmt.Sprintf("CAST(hash(%s) AS HUGEINT)", strings.Join(cols, ", "))
	}

	modulo := ceilDiv(totalRows, target)
	idx, args := indexed(f)
	query := fmt.Sprintf("SELECT %s FROM (%s) AS r WHERE (%s * %d + CAST('%d' AS HUGEINT)) %% %d = 0 ORDER BY %s LIMIT %d",
		f.SelectList("r"), idx, key, uint64(HashPrime), seed, modulo, indexColumn, target)
	sampledFrame := f.Derive(query, args)

	sampled, err := sampledFrame.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count hash sample: %w", err)
	}

	logctx.FromContext(ctx).Debug("Hash-modulo sampling",
		slog.Int("rows", totalRows), slog.Int("modulo", modulo), slog.Int("sampled", sampled))

	return &Result{
		Frame:                 sampledFrame,
		OriginalRows:          totalRows,
		SampledRows:           sampled,
		Ratio:                 Ratio(sampled, totalRows),
		Method:                MethodHash,
		DistributionPreserved: false,
	}, nil
}
