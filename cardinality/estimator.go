package cardinality

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/axiomhq/hyperloglog"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
)

// Mode selects how large columns are estimated.
type Mode string

const (
	// ModeHead counts distinct values in the first SampleSize rows and
	// extrapolates.
	ModeHead Mode = "head"

	// ModeSketch streams the whole column through a HyperLogLog sketch.
	ModeSketch Mode = "sketch"
)

// ParseMode maps a config value to a Mode. Empty means ModeHead.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeHead:
		return ModeHead, nil
	case ModeSketch:
		return ModeSketch, nil
	}
	return "", fmt.Errorf("unknown cardinality mode %q (want head or sketch)", s)
}

// Estimator profiles columns of a frame. It holds no state between calls and
// is safe for concurrent use.
type Estimator struct {
	mode       Mode
	sampleSize int
}

// NewEstimator returns an estimator using mode.
func NewEstimator(mode Mode) *Estimator {
	if mode == "" {
		mode = ModeHead
	}
	return &Estimator{mode: mode, sampleSize: SampleSize}
}

// Mode returns the estimation mode.
func (e *Estimator) Mode() Mode { return e.mode }

// Estimate profiles column of f, which holds totalRows rows.
func (e *Estimator) Estimate(ctx context.Context, f *frame.Frame, column string, totalRows int) (Info, error) {
	if err := f.Err(); err != nil {
		return Info{}, err
	}
	col, ok := f.Schema().Lookup(column)
	if !ok {
		return Info{}, fmt.Errorf("column %q is not in the frame", column)
	}

	stats, err := e.scan(ctx, f, col, totalRows)
	if err != nil {
		return Info{}, err
	}

	unique := stats.unique
	exact := totalRows <= e.sampleSize
	if !exact && e.mode == ModeHead {
		unique = Extrapolate(stats.unique, e.sampleSize, totalRows)
	}
	if !exact && e.mode == ModeSketch {
		unique, err = e.sketch(ctx, f, col)
		if err != nil {
			return Info{}, err
		}
	}

	info := NewInfo(column, min(unique, totalRows), totalRows, col.IsNumeric(), col.IsTemporal())
	info.NullCount = stats.nulls
	info.Exact = exact
	if stats.minTime.Valid && stats.maxTime.Valid {
		lo, hi := stats.minTime.Time, stats.maxTime.Time
		info.MinTime, info.MaxTime = &lo, &hi
	}

	logctx.FromContext(ctx).Debug("Estimated column cardinality",
		slog.String("column", column),
		slog.Int("unique", info.UniqueCount),
		slog.String("tier", string(info.Tier)),
		slog.String("action", info.Action.Kind()),
		slog.Bool("exact", exact),
		slog.String("mode", string(e.mode)))
	return info, nil
}

type columnStats struct {
	unique  int
	nulls   int
	minTime sql.NullTime
	maxTime sql.NullTime
}

// scan counts distinct values over the head sample (the whole column when it
// fits), nulls over the whole column and, for datetimes, the observed range.
func (e *Estimator) scan(ctx context.Context, f *frame.Frame, col frame.Column, totalRows int) (columnStats, error) {
	rel, args := f.Relation()
	c := frame.Ident(col.Name)

	distinct := fmt.Sprintf("count(DISTINCT %s)", c)
	var distinctArgs []any
	if totalRows > e.sampleSize {
		order := ""
		if f.HasRowID() {
			order = " ORDER BY " + frame.Ident(frame.RowIDColumn)
		}
		distinct = fmt.Sprintf("(SELECT count(DISTINCT %[1]s) FROM (SELECT %[1]s FROM (%[2]s) AS s%[3]s LIMIT %[4]d) AS h)",
			c, rel, order, e.sampleSize)
		distinctArgs = args
	}

	timeRange := "CAST(NULL AS TIMESTAMP), CAST(NULL AS TIMESTAMP)"
	if col.IsTemporal() {
		timeRange = fmt.Sprintf("CAST(min(%[1]s) AS TIMESTAMP), CAST(max(%[1]s) AS TIMESTAMP)", c)
	}

	query := fmt.Sprintf("SELECT %s, count(*) - count(%s), %s FROM (%s) AS t", distinct, c, timeRange, rel)
	queryArgs := append(append([]any{}, distinctArgs...), args...)

	var (
		st            columnStats
		unique, nulls int64
	)
	err := f.Querier().QueryRowContext(ctx, query, queryArgs...).Scan(&unique, &nulls, &st.minTime, &st.maxTime)
	if err != nil {
		return columnStats{}, fmt.Errorf("failed to profile column %s: %w", col.Name, err)
	}
	st.unique, st.nulls = int(unique), int(nulls)
	return st, nil
}

// sketch estimates the distinct count of the whole column with HyperLogLog.
func (e *Estimator) sketch(ctx context.Context, f *frame.Frame, col frame.Column) (int, error) {
	rel, args := f.Relation()
	c := frame.Ident(col.Name)
	query := fmt.Sprintf("SELECT CAST(%[1]s AS VARCHAR) FROM (%[2]s) AS t WHERE %[1]s IS NOT NULL", c, rel)

	rows, err := f.Querier().QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to stream column %s: %w", col.Name, err)
	}
	defer rows.Close()

	sk := hyperloglog.New14()
	var buf sql.RawBytes
	for rows.Next() {
		if err := rows.Scan(&buf); err != nil {
			return 0, fmt.Errorf("failed to scan column %s: %w", col.Name, err)
		}
		sk.Insert(buf)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return int(sk.Estimate()), nil
}
