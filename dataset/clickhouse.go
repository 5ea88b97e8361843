package dataset

import (
	"context"
	"crypto/tls"
	sqldriver "database/sql/driver"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/duckdb/duckdb-go/v2"

	"github.com/orian/vizguard/frame"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/models"
)

// ClickHouseConfig holds the connection settings of a ClickHouse server.
type ClickHouseConfig struct {
	Host     string
	Database string
	User     string
	Password string
	Secure   bool
}

// DialClickHouse connects to ClickHouse and pings it.
func DialClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "vizguard", Version: "0.1"},
			},
		},
		Debug: false,
		Settings: clickhouse.Settings{
			"send_logs_level": "none",
		},
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// ClickHouseQuerier runs a ClickHouse query. driver.Conn satisfies it.
type ClickHouseQuerier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// ImportClickHouse copies the result of query into a new active dataset.
// name defaults to "clickhouse".
func (s *Store) ImportClickHouse(ctx context.Context, ch ClickHouseQuerier, query, name string) (*models.DatasetInfo, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &models.ValidationError{Err: fmt.Errorf("query must not be empty")}
	}
	if name == "" {
		name = "clickhouse"
	}

	var info *models.DatasetInfo
	err := s.locked(func() error {
		var err error
		info, err = s.create(ctx, name, SourceClickHouse, query, func(table string) error {
			return s.copyRows(ctx, ch, query, table)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	logctx.FromContext(ctx).Info("Imported ClickHouse dataset",
		slog.String("id", info.ID),
		slog.Int("rows", info.RowCount),
		slog.Int("columns", len(info.Columns)))
	return info, nil
}

func (s *Store) copyRows(ctx context.Context, ch ClickHouseQuerier, query, table string) error {
	rows, err := ch.Query(ctx, query)
	if err != nil {
		return &models.ReadError{Source: "clickhouse", Err: err}
	}
	defer rows.Close()

	colTypes := rows.ColumnTypes()
	schema := make(frame.Schema, len(colTypes))
	defs := make([]string, len(colTypes))
	for i, ct := range colTypes {
		schema[i] = frame.Column{Name: ct.Name(), Type: duckType(ct.DatabaseTypeName())}
		defs[i] = frame.Ident(schema[i].Name) + " " + schema[i].Type
	}
	if len(schema) == 0 {
		return &models.ReadError{Source: "clickhouse", Err: fmt.Errorf("query returned no columns")}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", frame.Ident(table), strings.Join(defs, ", "))); err != nil {
		return &models.WriteError{Err: fmt.Errorf("failed to create table %s: %w", table, err)}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return &models.WriteError{Err: err}
	}
	defer conn.Close()

	err = conn.Raw(func(raw any) error {
		dc, ok := raw.(sqldriver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", raw)
		}
		app, err := duckdb.NewAppenderFromConn(dc, "", table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		dest := make([]any, len(colTypes))
		values := make([]sqldriver.Value, len(colTypes))
		for rows.Next() {
			for i, ct := range colTypes {
				dest[i] = reflect.New(ct.ScanType()).Interface()
			}
			if err := rows.Scan(dest...); err != nil {
				_ = app.Close()
				return &models.ReadError{Source: "clickhouse", Err: err}
			}
			for i := range dest {
				v, err := convertValue(reflect.ValueOf(dest[i]).Elem(), schema[i].Type)
				if err != nil {
					_ = app.Close()
					return fmt.Errorf("column %s: %w", schema[i].Name, err)
				}
				values[i] = v
			}
			if err := app.AppendRow(values...); err != nil {
				_ = app.Close()
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
		if err := rows.Err(); err != nil {
			_ = app.Close()
			return &models.ReadError{Source: "clickhouse", Err: err}
		}
		return app.Close()
	})
	if err != nil {
		if _, dropErr := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+frame.Ident(table)); dropErr != nil {
			logctx.FromContext(ctx).Warn("Failed to drop partial import", slog.String("table", table), slog.Any("error", dropErr))
		}
		return err
	}
	return nil
}

// duckType maps a ClickHouse type name to the DuckDB column type holding it.
func duckType(chType string) string {
	t := unwrapType(chType)
	base := t
	if i := strings.IndexByte(t, '('); i >= 0 {
		base = t[:i]
	}
	switch base {
	case "Int8", "Int16", "Int32", "Int64", "UInt8", "UInt16", "UInt32":
		return "BIGINT"
	case "UInt64":
		return "UBIGINT"
	case "Float32", "Float64", "Decimal", "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		return "DOUBLE"
	case "Date", "Date32", "DateTime", "DateTime64":
		return "TIMESTAMP"
	case "Bool":
		return "BOOLEAN"
	}
	return "VARCHAR"
}

// unwrapType strips Nullable(...) and LowCardinality(...) wrappers.
func unwrapType(t string) string {
	t = strings.TrimSpace(t)
	for {
		switch {
		case strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")"):
			t = t[len("Nullable(") : len(t)-1]
		case strings.HasPrefix(t, "LowCardinality(") && strings.HasSuffix(t, ")"):
			t = t[len("LowCardinality(") : len(t)-1]
		default:
			return t
		}
	}
}

// convertValue turns a scanned ClickHouse value into the Go value the DuckDB
// appender expects for typ. Nil pointers become NULL.
func convertValue(v reflect.Value, typ string) (sqldriver.Value, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	switch typ {
	case "BIGINT":
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return v.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(v.Uint()), nil
		}
	case "UBIGINT":
		switch v.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return v.Uint(), nil
		}
	case "DOUBLE":
		switch v.Kind() {
		case reflect.Float32, reflect.Float64:
			return v.Float(), nil
		}
		if s, ok := v.Interface().(fmt.Stringer); ok {
			f, err := strconv.ParseFloat(s.String(), 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	case "TIMESTAMP":
		if t, ok := v.Interface().(time.Time); ok {
			return t, nil
		}
	case "BOOLEAN":
		if v.Kind() == reflect.Bool {
			return v.Bool(), nil
		}
	case "VARCHAR":
		if v.Kind() == reflect.String {
			return v.String(), nil
		}
		return fmt.Sprint(v.Interface()), nil
	}
	return nil, fmt.Errorf("cannot store %s as %s", v.Type(), typ)
}

var _ ClickHouseQuerier = (driver.Conn)(nil)
