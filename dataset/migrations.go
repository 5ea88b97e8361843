package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/orian/vizguard/logctx"
)

// Migration is one versioned change to the catalog schema.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all catalog migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create datasets catalog",
			SQL: `
				CREATE TABLE IF NOT EXISTS datasets (
					id VARCHAR PRIMARY KEY,
					name VARCHAR NOT NULL,
					source VARCHAR NOT NULL,
					file_path VARCHAR,
					table_name VARCHAR NOT NULL,
					row_count BIGINT NOT NULL,
					columns_json VARCHAR NOT NULL,
					loaded_at TIMESTAMP NOT NULL,
					seq BIGINT NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Add active flag to datasets",
			SQL: `
				ALTER TABLE datasets ADD COLUMN IF NOT EXISTS active BOOLEAN DEFAULT false;
			`,
		},
	}
}

// RunMigrations applies every pending migration, each in its own
// transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	logger := logctx.FromContext(ctx)

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	logger.Debug("Catalog schema version", slog.Int("version", current))

	applied := 0
	for _, m := range Migrations() {
		if m.Version <= current {
			continue
		}
		logger.Info("Applying migration", slog.Int("version", m.Version), slog.String("description", m.Description))
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		logger.Info("Applied catalog migrations", slog.Int("count", applied))
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
