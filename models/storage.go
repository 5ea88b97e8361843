package models

import (
	"context"
	"time"
)

// ColumnInfo describes one column of a loaded dataset.
type ColumnInfo struct {
	// Name is the column name as it appears in the source.
	Name string `json:"name"`

	// Type is the DuckDB logical type name, e.g. BIGINT, VARCHAR, TIMESTAMP.
	Type string `json:"type"`
}

// DatasetInfo is the catalog entry of a loaded dataset.
type DatasetInfo struct {
	// ID is the unique identifier of the dataset (UUID).
	ID string `json:"id"`

	// Name is the human-readable name, usually the file's base name.
	Name string `json:"name"`

	// Source is how the dataset was loaded: "file", "clickhouse" or "query".
	Source string `json:"source"`

	// FilePath is the originating file path, or the ClickHouse query text.
	FilePath string `json:"filePath,omitempty"`

	// TableName is the DuckDB table holding the rows.
	TableName string `json:"tableName"`

	RowCount int          `json:"rowCount"`
	Columns  []ColumnInfo `json:"columns"`
	LoadedAt time.Time    `json:"loadedAt"`

	// Active marks the dataset queries run against.
	Active bool `json:"active"`
}

// DatasetCatalog manages the loaded datasets and which one is active.
//
// The primary implementation is dataset.Store which keeps rows and the
// catalog in DuckDB.
//
// The interface is organized into two categories:
//   - Loading: LoadFile
//   - Catalog management: List, Activate, Remove, Clear, HasData
//
// Thread Safety: Implementations must be safe for concurrent use. Loading
// and catalog changes serialize on the store lock; queries only hold it long
// enough to take a snapshot.
type DatasetCatalog interface {
	// LoadFile reads a CSV, JSON, NDJSON or Parquet file into a new
	// dataset and makes it active.
	//
	// Returns ErrFileNotFound if the path does not exist and
	// ErrUnsupportedFormat for unknown extensions.
	LoadFile(ctx context.Context, path, name string) (*DatasetInfo, error)

	// List returns all datasets in load order.
	List(ctx context.Context) ([]*DatasetInfo, error)

	// Activate makes the dataset with the given ID the query target.
	//
	// Returns ErrDatasetNotFound if no such dataset exists.
	Activate(ctx context.Context, id string) error

	// Remove drops a dataset. If it was active, the most recently loaded
	// remaining dataset becomes active.
	Remove(ctx context.Context, id string) error

	// Clear drops every dataset.
	Clear(ctx context.Context) error

	// HasData reports whether an active dataset exists.
	HasData() bool
}
