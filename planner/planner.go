// Package planner turns a visualization spec into a safe execution plan and
// runs plans against a dataset.
//
// Planning reads only the dataset's shape: row count, schema and column
// cardinalities. It decides the transformations that bring the result
// within the chart's point budget and records every reduction in the plan's
// metadata. Execution interprets the plan lazily and corrects the metadata
// with actual counts.
package planner

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/orian/vizguard/cardinality"
	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/safety"
	"github.com/orian/vizguard/sampling"
)

// Planner builds execution plans. It keeps no state between calls.
type Planner struct {
	estimator    *cardinality.Estimator
	zoom         *models.ZoomContext
	seed         uint64
	strictMemory bool
}

// Option configures a Planner.
type Option func(*Planner)

// WithZoom scales the point budget by the zoom level. Without it the budget
// is the policy cap and sampling targets the zoomed-out point limit.
func WithZoom(z models.ZoomContext) Option {
	return func(p *Planner) {
		z.Level = models.ClampZoom(z.Level)
		p.zoom = &z
	}
}

// WithSeed sets the sampling seed.
func WithSeed(seed uint64) Option {
	return func(p *Planner) { p.seed = seed }
}

// WithEstimator sets the cardinality estimator.
func WithEstimator(e *cardinality.Estimator) Option {
	return func(p *Planner) { p.estimator = e }
}

// WithStrictMemory makes plans over the memory budget fail instead of
// logging a warning.
func WithStrictMemory(strict bool) Option {
	return func(p *Planner) { p.strictMemory = strict }
}

// New returns a planner with the default estimator and seed.
func New(opts ...Option) *Planner {
	p := &Planner{
		estimator: cardinality.NewEstimator(cardinality.ModeHead),
		seed:      safety.SamplingSeed,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan inspects ds and builds the plan for spec. It does not read rows
// beyond what cardinality estimation needs.
func (p *Planner) Plan(ctx context.Context, ds Dataset, spec models.VisualizationSpec) (*ExecutionPlan, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := logctx.FromContext(ctx)

	rows := ds.RowCount()
	base := ds.Frame()
	if err := base.Err(); err != nil {
		return nil, models.WrapEngineError(ctx, "scan", err)
	}
	schema := base.Schema()

	chartType, known := safety.ParseChartType(string(spec.ChartType))
	if !known {
		logger.Warn("Unknown chart type, using bar chart policy", slog.String("chart_type", string(spec.ChartType)))
	}
	policy := safety.For(chartType)

	// Step 1: columns and types.
	for _, name := range spec.ReferencedColumns() {
		if _, ok := schema.Lookup(name); !ok {
			return nil, &models.ColumnNotFoundError{Column: name, Available: schema.Names()}
		}
	}
	yCol, _ := schema.Lookup(spec.YField)
	if spec.Aggregation.RequiresNumeric() && !yCol.IsNumeric() {
		return nil, &models.TypeMismatchError{Column: spec.YField, Actual: yCol.Type, Expected: "numeric column for " + string(spec.Aggregation)}
	}
	if _, err := CompileFilters(schema, spec.Filters); err != nil {
		return nil, err
	}

	// Step 2: memory, advisory unless strict.
	mem := safety.CheckMemory(rows, len(schema))
	if !mem.WithinBudget {
		if p.strictMemory {
			return nil, &models.MemoryBudgetExceededError{EstimatedMB: mem.EstimatedMB, BudgetMB: safety.BudgetMB()}
		}
		logger.Warn("Query exceeds memory budget", slog.Float64("estimated_mb", mem.EstimatedMB), slog.String("recommendation", mem.Recommendation))
	}

	// Step 3: cardinality of X and Y.
	var xInfo, yInfo cardinality.Info
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		xInfo, err = p.estimator.Estimate(gctx, base, spec.XField, rows)
		return err
	})
	g.Go(func() error {
		var err error
		yInfo, err = p.estimator.Estimate(gctx, base, spec.YField, rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, models.WrapEngineError(ctx, "cardinality estimation", err)
	}

	if b, ok := xInfo.Action.(cardinality.Block); ok {
		logger.Info("Plan blocked", slog.String("column", spec.XField), slog.String("reason", b.Reason))
		plan := blocked(chartType, policy, rows, fmt.Sprintf("column '%s': %s", spec.XField, b.Reason))
		plan.Cardinality[spec.XField] = xInfo
		plan.Cardinality[spec.YField] = yInfo
		plan.Memory = mem
		return plan, nil
	}

	budget := policy.MaxPoints
	if p.zoom != nil {
		budget = p.zoom.PointLimit(policy.MaxPoints)
	}

	plan := &ExecutionPlan{
		ChartType:    chartType,
		OriginalRows: rows,
		Policy:       policy,
		PointBudget:  budget,
		Metadata:     models.NoReduction(rows),
		Safe:         true,
		Cardinality: map[string]cardinality.Info{
			spec.XField: xInfo,
			spec.YField: yInfo,
		},
		Memory: mem,
	}
	meta := &plan.Metadata
	add := func(t Transformation) { plan.Transformations = append(plan.Transformations, t) }

	aggregate := policy.RequiresAggregation || xInfo.UniqueCount > budget
	groups := xInfo.UniqueCount

	// Step 4: filters first.
	if len(spec.Filters) > 0 {
		add(Filter{Filters: spec.Filters})
	}

	// Step 5: binning of X.
	if xInfo.IsDatetime {
		var gran *models.DateGranularity
		if spec.XBin != nil {
			gran = spec.XBin
		} else if a, ok := xInfo.Action.(cardinality.DateBin); ok {
			gran = &a.Granularity
		}
		if gran != nil {
			gr := *gran
			add(DateBin{Column: spec.XField, Granularity: gr})
			meta.BinGranularity = &gr
			meta.AddStep(models.ReductionStep{
				Type:        models.ReasonDateBinning,
				InputRows:   rows,
				OutputRows:  rows,
				Description: fmt.Sprintf("Date binned to %s", gr),
			})
			groups = xInfo.DateBins(gr)
		}
	} else if a, ok := xInfo.Action.(cardinality.NumericBin); ok && aggregate {
		bins := a.Bins
		if policy.MaxBins > 0 {
			bins = min(bins, policy.MaxBins)
		}
		add(NumericBin{Column: spec.XField, Bins: bins})
		meta.NumericBins = &bins
		meta.AddStep(models.ReductionStep{
			Type:        models.ReasonNumericBinning,
			InputRows:   rows,
			OutputRows:  rows,
			Description: fmt.Sprintf("Values binned into %d equal-width ranges", bins),
		})
		groups = bins
	}

	// Step 6: aggregation.
	effective := rows
	returned := rows
	if aggregate {
		add(Aggregate{GroupBy: spec.XField, Measure: spec.YField, Aggregation: spec.Aggregation})
		groups = min(groups, rows)
		effective = groups
		returned = groups
		if rows > budget {
			meta.AddStep(models.ReductionStep{
				Type:        models.ReasonAutoAggregation,
				InputRows:   rows,
				OutputRows:  groups,
				Description: "Auto-aggregation applied",
			})
		}
	}

	// Step 7: Top-N on the groups.
	if aggregate && effective > budget {
		n := safety.DefaultTopN
		if a, ok := xInfo.Action.(cardinality.TopN); ok && a.N > 0 {
			n = a.N
		}
		n = max(min(n, budget-1), 1)
		add(TopN{Column: spec.XField, N: n, IncludeOthers: true})
		meta.TopNValue = &n
		returned = n + 1
		meta.DistributionPreserved = false
		meta.AddStep(models.ReductionStep{
			Type:        models.ReasonTopN,
			InputRows:   effective,
			OutputRows:  n + 1,
			Description: fmt.Sprintf("Top-%d with Others bucket", n),
		})
	}

	// Step 8: sampling of raw rows.
	if policy.AllowsSampling && !aggregate && rows > budget {
		zoom := models.DefaultView()
		if p.zoom != nil {
			zoom = *p.zoom
		}
		target := min(zoom.PointLimit(policy.MaxPoints), budget)
		method := sampling.MethodSystematic
		if spec.GroupBy != "" {
			method = sampling.MethodStratified
		}
		add(Sample{TargetRows: target, Seed: p.seed, Method: method, StratifyBy: spec.GroupBy})
		ratio := float64(target) / float64(rows)
		returned = target
		meta.SampleRatio = &ratio
		meta.AddStep(models.ReductionStep{
			Type:        models.ReasonSampling,
			InputRows:   rows,
			OutputRows:  target,
			Description: fmt.Sprintf("Deterministic sampling at %.1f%% ratio", ratio*100),
		})
	}

	// Step 9: sort.
	desc := spec.SortOrder == models.SortDesc
	switch spec.SortBy {
	case models.SortByX:
		add(Sort{Column: spec.XField, Descending: desc})
	case models.SortByY:
		col := spec.YField
		if aggregate {
			col = frame.ValueColumn
		}
		add(Sort{Column: col, Descending: desc})
	}

	// Step 10: the hard cap, always last.
	limit := min(budget, safety.MaxVisualPoints)
	add(Limit{N: limit})

	if aggregate {
		plan.Output = []string{spec.XField, frame.ValueColumn}
	} else {
		plan.Output = []string{spec.XField, spec.YField}
	}

	// Step 11: summary.
	meta.ReturnedPoints = min(returned, limit)
	meta.RefreshWarning()
	plan.Fingerprint = fingerprint(plan)

	logger.Debug("Built execution plan",
		slog.String("chart_type", string(chartType)),
		slog.Int("rows", rows),
		slog.Int("budget", budget),
		slog.Int("steps", len(plan.Transformations)),
		slog.String("reason", string(meta.Reason)),
		slog.String("fingerprint", plan.Fingerprint))
	return plan, nil
}
