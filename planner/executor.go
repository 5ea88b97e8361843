package planner

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/safety"
	"github.com/orian/vizguard/sampling"
)

// Executor runs execution plans against a dataset.
type Executor struct {
	minPerStratum int
}

// NewExecutor returns an executor. Stratified sampling keeps at least
// minPerStratum rows per stratum; zero means the sampling default.
func NewExecutor(minPerStratum int) *Executor {
	if minPerStratum <= 0 {
		minPerStratum = sampling.DefaultMinPerStratum
	}
	return &Executor{minPerStratum: minPerStratum}
}

// Result is the materialized output of a plan.
type Result struct {
	// Table holds the plan's output columns in plan order.
	Table *frame.Table

	// Metadata is the plan's metadata with actual counts.
	Metadata models.ReductionMetadata

	// Granularity is the date binning applied to X, if any.
	Granularity *models.DateGranularity

	// Sampling describes the sample, when one was taken.
	Sampling *sampling.Result
}

// Execute runs plan over ds. Unsafe plans are refused with a
// SafetyBlockError. The plan is not modified.
func (e *Executor) Execute(ctx context.Context, plan *ExecutionPlan, ds Dataset) (*Result, error) {
	if !plan.Safe {
		return nil, &models.SafetyBlockError{
			Reason:       plan.BlockingReason,
			OriginalRows: plan.OriginalRows,
			MaxAllowed:   plan.PointBudget,
		}
	}
	logger := logctx.FromContext(ctx)
	start := time.Now()

	res := &Result{
		Metadata:    plan.Metadata.Clone(),
		Granularity: plan.Granularity(),
	}
	meta := &res.Metadata

	f := ds.Frame()
	filtered := false
	topN := false
	planned := plan.HasTopN()
	// orderBy redirects a sort on the Top-N column to its typed key.
	orderBy := map[string]string{}

	for _, t := range plan.Transformations {
		switch t := t.(type) {
		case Filter:
			pred, err := CompileFilters(f.Schema(), t.Filters)
			if err != nil {
				return nil, err
			}
			if pred != nil {
				f = f.Filter(*pred)
				filtered = true
			}

		case DateBin:
			f = f.DateTrunc(t.Column, string(t.Granularity))

		case NumericBin:
			f = f.EqualWidthBins(t.Column, t.Bins)

		case Aggregate:
			f = f.Aggregate(t.GroupBy, t.Measure, string(t.Aggregation))
			if planned {
				break
			}
			var err error
			f, topN, err = e.capGroups(ctx, f, t.GroupBy, plan.FinalLimit(), res.Granularity, meta)
			if err != nil {
				return nil, err
			}
			if topN {
				orderBy[t.GroupBy] = LabelOrderColumn
			}

		case TopN:
			var err error
			f, err = e.topN(ctx, f, t, res.Granularity, meta)
			if err != nil {
				return nil, err
			}
			topN = true
			orderBy[t.Column] = LabelOrderColumn

		case Sample:
			total := plan.OriginalRows
			if filtered {
				n, err := f.Count(ctx)
				if err != nil {
					return nil, models.WrapEngineError(ctx, "count", err)
				}
				total = n
			}
			s, err := e.sample(ctx, f, total, t)
			if err != nil {
				return nil, err
			}
			f = s.Frame
			res.Sampling = s
			if s.Ratio >= 1 {
				meta.DropStep(models.ReasonSampling)
				meta.SampleRatio = nil
			} else {
				r := s.Ratio
				meta.SampleRatio = &r
				if step := meta.Step(models.ReasonSampling); step != nil {
					step.InputRows = total
					step.OutputRows = s.SampledRows
					step.Description = fmt.Sprintf("Deterministic %s sampling at %.1f%% ratio", s.Method, r*100)
				}
			}
			meta.DistributionPreserved = meta.DistributionPreserved && s.DistributionPreserved

		case Sort:
			col := t.Column
			if key, ok := orderBy[col]; ok {
				col = key
			}
			f = f.Sort(col, t.Descending)

		case Limit:
			f = f.Limit(t.N)

		default:
			return nil, fmt.Errorf("unknown transformation %T", t)
		}
	}

	table, err := f.Collect(ctx, plan.Output...)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "collect", err)
	}

	ceiling := min(plan.FinalLimit(), safety.MaxVisualPoints)
	if table.Len() > ceiling {
		return nil, &models.TooManyPointsError{EstimatedPoints: table.Len(), MaxPoints: ceiling}
	}

	meta.ReturnedPoints = table.Len()
	if !topN {
		if step := meta.Step(models.ReasonAutoAggregation); step != nil {
			step.OutputRows = table.Len()
		}
	}
	if res.Sampling != nil && meta.SampleRatio != nil {
		// The final Limit may have cut the sample further.
		if step := meta.Step(models.ReasonSampling); step != nil && table.Len() < step.OutputRows {
			r := sampling.Ratio(table.Len(), step.InputRows)
			meta.SampleRatio = &r
			step.OutputRows = table.Len()
			step.Description = fmt.Sprintf("Deterministic %s sampling at %.1f%% ratio", res.Sampling.Method, r*100)
		}
	}
	meta.RefreshWarning()
	res.Table = table

	logger.Info("Executed plan",
		slog.String("chart_type", string(plan.ChartType)),
		slog.Int("original_rows", plan.OriginalRows),
		slog.Int("returned_points", table.Len()),
		slog.String("reason", string(meta.Reason)),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// capGroups counts the groups of an aggregated frame and falls back to
// Top-N with Others when they exceed limit. Cardinality estimates can
// undercount, so the final Limit alone would drop groups by key order.
func (e *Executor) capGroups(ctx context.Context, f *frame.Frame, column string, limit int, g *models.DateGranularity, meta *models.ReductionMetadata) (*frame.Frame, bool, error) {
	groups, err := f.Count(ctx)
	if err != nil {
		return nil, false, models.WrapEngineError(ctx, "count groups", err)
	}
	if groups <= limit {
		return f, false, nil
	}

	n := max(limit-1, 1)
	logctx.FromContext(ctx).Warn("Group count exceeds the point budget, applying Top-N",
		slog.String("column", column), slog.Int("groups", groups), slog.Int("top_n", n))

	meta.TopNValue = &n
	meta.DistributionPreserved = false
	meta.AddStep(models.ReductionStep{
		Type:        models.ReasonTopN,
		InputRows:   groups,
		OutputRows:  n + 1,
		Description: fmt.Sprintf("Top-%d with Others bucket", n),
	})
	f, err = e.topN(ctx, f, TopN{Column: column, N: n, IncludeOthers: true}, g, meta)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// topN materializes the grouped frame and keeps the n largest groups.
// Groups past n are summed into an Others row, so the total is conserved.
// Null aggregates rank last and are left out of Others. The rebuilt frame
// carries the original group keys in LabelOrderColumn, with Others last.
func (e *Executor) topN(ctx context.Context, f *frame.Frame, t TopN, g *models.DateGranularity, meta *models.ReductionMetadata) (*frame.Frame, error) {
	keyType := "VARCHAR"
	if col, ok := f.Schema().Lookup(t.Column); ok && (col.IsNumeric() || col.IsTemporal() || col.IsText()) {
		keyType = col.Type
	}

	table, err := f.Collect(ctx, t.Column, frame.ValueColumn)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "top-n", err)
	}

	type group struct {
		key   any
		label string
		value float64
		null  bool
	}
	groups := make([]group, len(table.Rows))
	for i, row := range table.Rows {
		v, ok := frame.ToFloat64(row[1])
		key := row[0]
		if keyType == "VARCHAR" && key != nil {
			key = FormatLabel(key, g)
		}
		groups[i] = group{key: key, label: FormatLabel(row[0], g), value: v, null: !ok}
	}
	slices.SortStableFunc(groups, func(a, b group) int {
		if a.null != b.null {
			if a.null {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(b.value, a.value); c != 0 {
			return c
		}
		return cmp.Compare(a.label, b.label)
	})

	n := min(t.N, len(groups))
	rows := make([][]any, 0, n+1)
	for _, gr := range groups[:n] {
		var v any = gr.value
		if gr.null {
			v = nil
		}
		rows = append(rows, []any{gr.label, v, gr.key})
	}
	if t.IncludeOthers && len(groups) > n {
		var others float64
		for _, gr := range groups[n:] {
			if !gr.null {
				others += gr.value
			}
		}
		rows = append(rows, []any{OthersLabel, others, nil})
	}

	if step := meta.Step(models.ReasonAutoAggregation); step != nil {
		step.OutputRows = len(groups)
	}
	if step := meta.Step(models.ReasonTopN); step != nil {
		step.InputRows = len(groups)
		step.OutputRows = len(rows)
	}

	schema := frame.Schema{
		{Name: t.Column, Type: "VARCHAR"},
		{Name: frame.ValueColumn, Type: "DOUBLE"},
		{Name: LabelOrderColumn, Type: keyType},
	}
	return frame.FromRows(f.Querier(), schema, rows), nil
}

func (e *Executor) sample(ctx context.Context, f *frame.Frame, total int, t Sample) (*sampling.Result, error) {
	cfg := sampling.Config{
		TargetSize:     t.TargetRows,
		Seed:           t.Seed,
		MinPerStratum:  e.minPerStratum,
		StratifyColumn: t.StratifyBy,
	}
	s, err := sampling.Run(ctx, sampling.New(t.Method, cfg), f, total, cfg)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "sampling", err)
	}
	return s, nil
}
