package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/planner"
	"github.com/orian/vizguard/safety"
	"github.com/orian/vizguard/sampling"
)

// Scatter returns raw (x, y) points. Rows with a null Y are dropped. When
// more than safety.ScatterMaxPoints rows remain they are sampled
// systematically, or stratified by the spec's group-by column.
func (s *Service) Scatter(ctx context.Context, spec models.VisualizationSpec) (*models.ChartData, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ds, err := s.source.Active(ctx)
	if err != nil {
		return nil, err
	}
	logger := logctx.FromContext(ctx)

	f := ds.Frame()
	if err := f.Err(); err != nil {
		return nil, models.WrapEngineError(ctx, "scan", err)
	}
	schema := f.Schema()
	if err := requireColumns(schema, spec.ReferencedColumns()...); err != nil {
		return nil, err
	}
	if y, _ := schema.Lookup(spec.YField); !y.IsNumeric() {
		return nil, &models.TypeMismatchError{Column: spec.YField, Actual: y.Type, Expected: "numeric column for scatter plot"}
	}

	pred, err := planner.CompileFilters(schema, spec.Filters)
	if err != nil {
		return nil, err
	}
	if pred != nil {
		f = f.Filter(*pred)
	}
	f = f.Filter(frame.Predicate{SQL: frame.Ident(spec.YField) + " IS NOT NULL"})

	count, err := f.Count(ctx)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "count", err)
	}

	meta := models.NoReduction(ds.RowCount())
	var sample *sampling.Result
	if count > safety.ScatterMaxPoints {
		sampler := sampling.ForScatter()
		if spec.GroupBy != "" {
			sampler = &sampling.Stratified{Column: spec.GroupBy, MinPerStratum: s.minPerStratum}
		}
		sample, err = sampler.Sample(ctx, f, count, safety.ScatterMaxPoints, s.seed)
		if err != nil {
			return nil, models.WrapEngineError(ctx, "sampling", err)
		}
		f = sample.Frame
	}
	f = f.Limit(safety.ScatterMaxPoints)

	table, err := f.Collect(ctx, spec.XField, spec.YField)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "collect", err)
	}
	xs, _ := table.Column(spec.XField)
	ys, err := table.Float64s(spec.YField)
	if err != nil {
		return nil, &models.ExecutionError{Op: "scatter data", Err: err}
	}
	labels := make([]string, len(xs))
	for i, x := range xs {
		labels[i] = planner.FormatLabel(x, nil)
	}
	if sample != nil {
		// Counts come from the returned rows, after the hard cap.
		r := sampling.Ratio(table.Len(), count)
		meta.SampleRatio = &r
		meta.DistributionPreserved = sample.DistributionPreserved
		meta.AddStep(models.ReductionStep{
			Type:        models.ReasonSampling,
			InputRows:   count,
			OutputRows:  table.Len(),
			Description: fmt.Sprintf("Deterministic %s sampling at %.1f%% ratio", sample.Method, r*100),
		})
		meta.WarningMessage = fmt.Sprintf("Showing %.1f%% sample (%s of %s points) for performance",
			r*100, models.FormatCount(table.Len()), models.FormatCount(count))
	}
	meta.ReturnedPoints = table.Len()

	logger.Info("Scatter query",
		slog.String("x", spec.XField),
		slog.String("y", spec.YField),
		slog.Int("rows", count),
		slog.Int("points", table.Len()))

	return &models.ChartData{
		Labels:   labels,
		Datasets: []models.ChartDataset{{Label: spec.YField, Data: ys}},
		Metadata: chartMetadata(spec, spec.YField, ds.RowCount(), meta),
	}, nil
}
