package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/planner"
	"github.com/orian/vizguard/safety"
)

// Table returns one page of raw rows. Filters apply before sorting; rows
// with equal sort keys keep their dataset order, so pages never overlap.
func (s *Service) Table(ctx context.Context, req models.TableRequest) (*models.TableData, error) {
	if req.Page < 0 {
		return nil, &models.ValidationError{Err: fmt.Errorf("page must not be negative, got %d", req.Page)}
	}
	for i, f := range req.Filters {
		if err := f.Validate(); err != nil {
			return nil, &models.ValidationError{Err: fmt.Errorf("filter %d: %w", i, err)}
		}
	}
	ds, err := s.source.Active(ctx)
	if err != nil {
		return nil, err
	}

	f := ds.Frame()
	if err := f.Err(); err != nil {
		return nil, models.WrapEngineError(ctx, "scan", err)
	}
	schema := f.Schema()

	columns := req.Columns
	if len(columns) == 0 {
		columns = schema.Names()
	}
	check := append([]string(nil), columns...)
	if req.SortColumn != "" {
		check = append(check, req.SortColumn)
	}
	if err := requireColumns(schema, check...); err != nil {
		return nil, err
	}

	pred, err := planner.CompileFilters(schema, req.Filters)
	if err != nil {
		return nil, err
	}
	if pred != nil {
		f = f.Filter(*pred)
	}
	if req.SortColumn != "" {
		f = f.Sort(req.SortColumn, req.SortDesc)
	}

	total, err := f.Count(ctx)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "count", err)
	}

	size := safety.ClampPageSize(req.PageSize)
	table, err := f.Slice(req.Page*size, size).Collect(ctx, columns...)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "collect", err)
	}

	rows := table.Rows
	if rows == nil {
		rows = [][]any{}
	}
	data := &models.TableData{
		Columns:    columns,
		Rows:       rows,
		TotalRows:  total,
		Page:       req.Page,
		PageSize:   size,
		TotalPages: (total + size - 1) / size,
	}
	if ds.RowCount() > safety.LargeDatasetWarningRows {
		data.Warning = fmt.Sprintf("Large dataset (%s rows). Using pagination for performance.",
			models.FormatCount(ds.RowCount()))
	}

	logctx.FromContext(ctx).Debug("Table query",
		slog.Int("page", req.Page),
		slog.Int("page_size", size),
		slog.Int("total", total))
	return data, nil
}
