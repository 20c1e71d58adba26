package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

const benchmarkRunsTable = `
CREATE TABLE IF NOT EXISTS benchmark_runs (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
	data_path TEXT NOT NULL,
	row_count BIGINT NOT NULL,
	results JSONB NOT NULL,
	peak_memory_mb JSONB NOT NULL,
	environment JSONB NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
)`

const generationRunsTable = `
CREATE TABLE IF NOT EXISTS generation_runs (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
	base_url TEXT NOT NULL,
	model TEXT NOT NULL,
	requests INTEGER NOT NULL,
	summary JSONB NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
)`

const runIndices = `
CREATE INDEX IF NOT EXISTS idx_benchmark_runs_timestamp ON benchmark_runs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_generation_runs_timestamp ON generation_runs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_generation_runs_model ON generation_runs(model);
`

// Migrations lists the schema changes in application order
var Migrations = []Migration{
	{Version: 1, Description: "benchmark_runs", SQL: benchmarkRunsTable},
	{Version: 2, Description: "generation_runs", SQL: generationRunsTable},
	{Version: 3, Description: "run indices", SQL: runIndices},
}

// RunMigrations applies every migration not yet recorded in schema_migrations
func RunMigrations(ctx context.Context, db *sql.DB, log logrus.FieldLogger) error {
	log = log.WithField("component", "migration")

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for _, m := range Migrations {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if applied {
			log.WithField("version", m.Version).Debug("Migration already applied")
			continue
		}

		log.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applying migration")
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
