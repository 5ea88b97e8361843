// Package dataset keeps loaded datasets in DuckDB.
//
// Every dataset is a DuckDB table plus a row in the datasets catalog table.
// Exactly one dataset is active at a time; queries run against a snapshot of
// it taken under the store lock.
package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/planner"
)

// Source kinds recorded in the catalog.
const (
	SourceFile       = "file"
	SourceClickHouse = "clickhouse"
)

// Dataset is an immutable handle on one loaded dataset.
type Dataset struct {
	Info  models.DatasetInfo
	frame *frame.Frame
}

// Frame returns a pipeline over the whole dataset table.
func (d *Dataset) Frame() *frame.Frame { return d.frame }

// RowCount returns the row count recorded when the dataset was loaded.
func (d *Dataset) RowCount() int { return d.Info.RowCount }

// Store is a DuckDB-backed dataset catalog. It is safe for concurrent use.
//
// A panic while the store lock is held poisons the store; every later call
// returns models.ErrStorePoisoned.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	poisoned bool
}

var (
	_ models.DatasetCatalog = (*Store)(nil)
	_ planner.Dataset       = (*Dataset)(nil)
)

// Open opens the DuckDB database at path ("" for in-memory) and migrates the
// catalog. threads > 0 caps DuckDB's worker threads.
func Open(ctx context.Context, path string, threads int) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads TO %d", threads)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set duckdb threads: %w", err)
		}
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		result = multierror.Append(result, fmt.Errorf("checkpoint: %w", err))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close: %w", err))
	}
	return result.ErrorOrNil()
}

// locked runs fn under the store lock.
func (s *Store) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return models.ErrStorePoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			panic(r)
		}
	}()
	return fn()
}

// Snapshot returns the active dataset, or models.ErrNoData.
func (s *Store) Snapshot(ctx context.Context) (*Dataset, error) {
	var ds *Dataset
	err := s.locked(func() error {
		info, err := s.queryOne(ctx, "WHERE active")
		if errors.Is(err, models.ErrDatasetNotFound) {
			return models.ErrNoData
		}
		if err != nil {
			return err
		}
		ds = &Dataset{Info: *info, frame: frame.Scan(s.db, info.TableName, schemaOf(info))}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// Active returns the active dataset as a planner input.
func (s *Store) Active(ctx context.Context) (planner.Dataset, error) {
	ds, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// HasData reports whether a dataset is active.
func (s *Store) HasData() bool {
	_, err := s.Snapshot(context.Background())
	return err == nil
}

// Get returns the catalog entry of one dataset.
func (s *Store) Get(ctx context.Context, id string) (*models.DatasetInfo, error) {
	var info *models.DatasetInfo
	err := s.locked(func() error {
		var err error
		info, err = s.queryOne(ctx, "WHERE id = ?", id)
		return err
	})
	return info, err
}

// List returns every dataset in load order.
func (s *Store) List(ctx context.Context) ([]*models.DatasetInfo, error) {
	var out []*models.DatasetInfo
	err := s.locked(func() error {
		var err error
		out, err = s.query(ctx, "")
		return err
	})
	return out, err
}

// LoadFile reads a CSV, TSV, JSON, NDJSON or Parquet file into a new active
// dataset. name defaults to the file's base name.
func (s *Store) LoadFile(ctx context.Context, path, name string) (*models.DatasetInfo, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, path)
		}
		return nil, &models.ReadError{Source: path, Err: err}
	}
	reader, err := readerFor(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(path)
	}

	var info *models.DatasetInfo
	err = s.locked(func() error {
		var err error
		info, err = s.create(ctx, name, SourceFile, path, func(table string) error {
			_, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", frame.Ident(table), reader))
			if err != nil {
				return &models.ReadError{Source: path, Err: err}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	logctx.FromContext(ctx).Info("Loaded dataset",
		slog.String("id", info.ID),
		slog.String("path", path),
		slog.Int("rows", info.RowCount),
		slog.Int("columns", len(info.Columns)))
	return info, nil
}

// readerFor returns the DuckDB table function reading path.
func readerFor(path string) (string, error) {
	lit := frame.Literal(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return "read_csv_auto(" + lit + ")", nil
	case ".json", ".ndjson", ".jsonl":
		return "read_json_auto(" + lit + ")", nil
	case ".parquet":
		return "read_parquet(" + lit + ")", nil
	}
	return "", fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, filepath.Ext(path))
}

// Activate makes the dataset with the given ID the query target.
func (s *Store) Activate(ctx context.Context, id string) error {
	return s.locked(func() error {
		if _, err := s.queryOne(ctx, "WHERE id = ?", id); err != nil {
			return err
		}
		return s.activate(ctx, id)
	})
}

// Remove drops a dataset. When it was active the most recently loaded
// remaining dataset takes over.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.locked(func() error {
		info, err := s.queryOne(ctx, "WHERE id = ?", id)
		if err != nil {
			return err
		}
		if err := s.drop(ctx, info); err != nil {
			return err
		}
		if !info.Active {
			return nil
		}
		var next string
		err = s.db.QueryRowContext(ctx, "SELECT id FROM datasets ORDER BY seq DESC LIMIT 1").Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return &models.WriteError{Err: err}
		}
		return s.activate(ctx, next)
	})
}

// Clear drops every dataset.
func (s *Store) Clear(ctx context.Context) error {
	return s.locked(func() error {
		all, err := s.query(ctx, "")
		if err != nil {
			return err
		}
		for _, info := range all {
			if err := s.drop(ctx, info); err != nil {
				return err
			}
		}
		logctx.FromContext(ctx).Info("Cleared datasets", slog.Int("count", len(all)))
		return nil
	})
}

// create builds a new table with build, records it in the catalog and makes
// it active. The caller holds the lock.
func (s *Store) create(ctx context.Context, name, source, origin string, build func(table string) error) (*models.DatasetInfo, error) {
	id := uuid.New().String()
	table := "ds_" + strings.ReplaceAll(id, "-", "")
	if err := build(table); err != nil {
		return nil, err
	}

	info, err := s.register(ctx, id, name, source, origin, table)
	if err != nil {
		if _, dropErr := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+frame.Ident(table)); dropErr != nil {
			err = multierror.Append(err, dropErr)
		}
		return nil, err
	}
	return info, nil
}

func (s *Store) register(ctx context.Context, id, name, source, origin, table string) (*models.DatasetInfo, error) {
	schema, err := frame.Describe(ctx, s.db, table)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "describe", err)
	}
	var rows int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+frame.Ident(table)).Scan(&rows); err != nil {
		return nil, models.WrapEngineError(ctx, "count", err)
	}

	info := &models.DatasetInfo{
		ID:        id,
		Name:      name,
		Source:    source,
		FilePath:  origin,
		TableName: table,
		RowCount:  rows,
		LoadedAt:  time.Now().UTC(),
		Active:    true,
	}
	for _, c := range schema {
		info.Columns = append(info.Columns, models.ColumnInfo{Name: c.Name, Type: c.Type})
	}
	columnsJSON, err := json.Marshal(info.Columns)
	if err != nil {
		return nil, &models.WriteError{Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.WriteError{Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE datasets SET active = false"); err != nil {
		return nil, &models.WriteError{Err: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO datasets (id, name, source, file_path, table_name, row_count, columns_json, loaded_at, seq, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM datasets), true)
	`, info.ID, info.Name, info.Source, info.FilePath, info.TableName, info.RowCount, string(columnsJSON), info.LoadedAt)
	if err != nil {
		return nil, &models.WriteError{Err: fmt.Errorf("failed to insert dataset: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.WriteError{Err: err}
	}
	return info, nil
}

func (s *Store) activate(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE datasets SET active = (id = ?)", id); err != nil {
		return &models.WriteError{Err: fmt.Errorf("failed to activate dataset: %w", err)}
	}
	logctx.FromContext(ctx).Debug("Activated dataset", slog.String("id", id))
	return nil
}

func (s *Store) drop(ctx context.Context, info *models.DatasetInfo) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+frame.Ident(info.TableName)); err != nil {
		return &models.WriteError{Err: fmt.Errorf("failed to drop table %s: %w", info.TableName, err)}
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM datasets WHERE id = ?", info.ID); err != nil {
		return &models.WriteError{Err: fmt.Errorf("failed to delete dataset: %w", err)}
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, where string, args ...any) (*models.DatasetInfo, error) {
	all, err := s.query(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, models.ErrDatasetNotFound
	}
	return all[0], nil
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]*models.DatasetInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source, COALESCE(file_path, ''), table_name, row_count,
			columns_json, loaded_at, COALESCE(active, false)
		FROM datasets `+where+`
		ORDER BY seq
	`, args...)
	if err != nil {
		return nil, models.WrapEngineError(ctx, "catalog", err)
	}
	defer rows.Close()

	var out []*models.DatasetInfo
	for rows.Next() {
		var (
			info        models.DatasetInfo
			columnsJSON string
		)
		err := rows.Scan(&info.ID, &info.Name, &info.Source, &info.FilePath, &info.TableName,
			&info.RowCount, &columnsJSON, &info.LoadedAt, &info.Active)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		if err := json.Unmarshal([]byte(columnsJSON), &info.Columns); err != nil {
			return nil, &models.ParseError{Err: fmt.Errorf("columns of dataset %s: %w", info.ID, err)}
		}
		out = append(out, &info)
	}
	return out, rows.Err()
}

func schemaOf(info *models.DatasetInfo) frame.Schema {
	schema := make(frame.Schema, len(info.Columns))
	for i, c := range info.Columns {
		schema[i] = frame.Column{Name: c.Name, Type: c.Type}
	}
	return schema
}
