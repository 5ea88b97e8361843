// Package query serves chart and table requests over the active dataset.
//
// Chart requests go through the planner and executor, so every response
// stays within its chart's point budget and carries the reduction metadata
// describing how the data was reduced.
package query

import (
	"context"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/orian/vizguard/cardinality"
	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/planner"
	"github.com/orian/vizguard/safety"
	"github.com/orian/vizguard/sampling"
)

// Source hands out the dataset queries run against.
type Source interface {
	// Active returns a snapshot of the active dataset, or models.ErrNoData.
	Active(ctx context.Context) (planner.Dataset, error)
}

// Service runs visualization queries. It is safe for concurrent use.
type Service struct {
	source        Source
	estimator     *cardinality.Estimator
	seed          uint64
	strictMemory  bool
	minPerStratum int
}

// Option configures a Service.
type Option func(*Service)

// WithSeed sets the sampling seed.
func WithSeed(seed uint64) Option {
	return func(s *Service) { s.seed = seed }
}

// WithCardinalityMode selects the cardinality estimator.
func WithCardinalityMode(mode cardinality.Mode) Option {
	return func(s *Service) { s.estimator = cardinality.NewEstimator(mode) }
}

// WithStrictMemory rejects queries over the memory budget.
func WithStrictMemory(strict bool) Option {
	return func(s *Service) { s.strictMemory = strict }
}

// WithMinPerStratum sets the per-stratum floor of stratified sampling.
func WithMinPerStratum(n int) Option {
	return func(s *Service) { s.minPerStratum = n }
}

// NewService returns a service reading from source.
func NewService(source Source, opts ...Option) *Service {
	s := &Service{
		source:        source,
		estimator:     cardinality.NewEstimator(cardinality.ModeHead),
		seed:          safety.SamplingSeed,
		minPerStratum: sampling.DefaultMinPerStratum,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) newPlanner(zoom *models.ZoomContext) *planner.Planner {
	opts := []planner.Option{
		planner.WithEstimator(s.estimator),
		planner.WithSeed(s.seed),
		planner.WithStrictMemory(s.strictMemory),
	}
	if zoom != nil {
		opts = append(opts, planner.WithZoom(*zoom))
	}
	return planner.New(opts...)
}

// Visualize plans and executes an aggregated chart query.
func (s *Service) Visualize(ctx context.Context, spec models.VisualizationSpec) (*models.ChartData, error) {
	return s.visualize(ctx, spec, nil)
}

// Progressive runs an aggregated query whose point budget scales with the
// zoom level. A complete visible range restricts X to [start, end] and
// selected categories restrict X to those values.
func (s *Service) Progressive(ctx context.Context, spec models.VisualizationSpec, zoom models.ZoomContext) (*models.ChartData, error) {
	zoom.Level = models.ClampZoom(zoom.Level)
	spec = withZoomFilters(spec, zoom)

	logctx.FromContext(ctx).Debug("Progressive query",
		slog.Float64("zoom", zoom.Level),
		slog.Bool("range", zoom.HasRange()),
		slog.Int("categories", len(zoom.SelectedCategories)))
	return s.visualize(ctx, spec, &zoom)
}

// Explain returns the plan for spec without executing it.
func (s *Service) Explain(ctx context.Context, spec models.VisualizationSpec, zoom *models.ZoomContext) (*planner.ExecutionPlan, error) {
	ds, err := s.source.Active(ctx)
	if err != nil {
		return nil, err
	}
	if zoom != nil {
		z := *zoom
		z.Level = models.ClampZoom(z.Level)
		spec = withZoomFilters(spec, z)
		zoom = &z
	}
	return s.newPlanner(zoom).Plan(ctx, ds, spec)
}

func (s *Service) visualize(ctx context.Context, spec models.VisualizationSpec, zoom *models.ZoomContext) (*models.ChartData, error) {
	ds, err := s.source.Active(ctx)
	if err != nil {
		return nil, err
	}
	spec = spec.WithDefaults()

	plan, err := s.newPlanner(zoom).Plan(ctx, ds, spec)
	if err != nil {
		return nil, err
	}
	res, err := planner.NewExecutor(s.minPerStratum).Execute(ctx, plan, ds)
	if err != nil {
		return nil, err
	}

	data, err := chartData(spec, plan, res, ds.RowCount())
	if err != nil {
		return nil, err
	}
	logctx.FromContext(ctx).Info("Visualization query",
		slog.String("chart_type", string(spec.ChartType)),
		slog.String("x", spec.XField),
		slog.String("y", spec.YField),
		slog.Int("rows", ds.RowCount()),
		slog.Int("points", res.Metadata.ReturnedPoints),
		slog.String("reduction", string(res.Metadata.Reason)))
	return data, nil
}

// withZoomFilters appends the visible range and category selection as
// filters on X.
func withZoomFilters(spec models.VisualizationSpec, zoom models.ZoomContext) models.VisualizationSpec {
	filters := append([]models.FilterSpec(nil), spec.Filters...)
	if zoom.HasRange() {
		filters = append(filters,
			models.FilterSpec{Column: spec.XField, Operator: models.OpGte, Value: *zoom.RangeStart},
			models.FilterSpec{Column: spec.XField, Operator: models.OpLte, Value: *zoom.RangeEnd},
		)
	}
	if len(zoom.SelectedCategories) > 0 {
		seen := mapset.NewThreadUnsafeSet[string]()
		values := make([]any, 0, len(zoom.SelectedCategories))
		for _, c := range zoom.SelectedCategories {
			if seen.Add(c) {
				values = append(values, c)
			}
		}
		filters = append(filters, models.FilterSpec{Column: spec.XField, Operator: models.OpIn, Value: values})
	}
	spec.Filters = filters
	return spec
}

func chartData(spec models.VisualizationSpec, plan *planner.ExecutionPlan, res *planner.Result, total int) (*models.ChartData, error) {
	xs, err := res.Table.Column(plan.Output[0])
	if err != nil {
		return nil, &models.ExecutionError{Op: "chart data", Err: err}
	}
	ys, err := res.Table.Float64s(plan.Output[1])
	if err != nil {
		return nil, &models.ExecutionError{Op: "chart data", Err: err}
	}

	labels := make([]string, len(xs))
	for i, x := range xs {
		labels[i] = planner.FormatLabel(x, res.Granularity)
	}

	series := spec.YField
	if plan.Aggregated() {
		series = spec.Aggregation.Label(spec.YField)
	}
	return &models.ChartData{
		Labels:   labels,
		Datasets: []models.ChartDataset{{Label: series, Data: ys}},
		Metadata: chartMetadata(spec, series, total, res.Metadata),
	}, nil
}

func chartMetadata(spec models.VisualizationSpec, yLabel string, total int, meta models.ReductionMetadata) models.ChartMetadata {
	return models.ChartMetadata{
		Title:               spec.Title,
		XLabel:              spec.XField,
		YLabel:              yLabel,
		TotalRecords:        total,
		Reduced:             meta.Reduced,
		ReductionReason:     meta.Reason,
		OriginalRowEstimate: meta.OriginalRows,
		ReturnedPoints:      meta.ReturnedPoints,
		SampleRatio:         meta.SampleRatio,
		TopNValue:           meta.TopNValue,
		WarningMessage:      meta.WarningMessage,
		ReductionSteps:      meta.Steps,
	}
}

// requireColumns checks that every name is in schema.
func requireColumns(schema frame.Schema, names ...string) error {
	available := mapset.NewThreadUnsafeSet(schema.Names()...)
	for _, name := range names {
		if !available.Contains(name) {
			return &models.ColumnNotFoundError{Column: name, Available: schema.Names()}
		}
	}
	return nil
}
