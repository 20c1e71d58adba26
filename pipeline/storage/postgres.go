package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/config"
	"github.com/fleet-telemetry/pipeline/types"
)

// ErrRunNotFound is returned when a run ID does not exist
var ErrRunNotFound = errors.New("run not found")

// ResultsStore persists benchmark and generation runs in PostgreSQL
type ResultsStore struct {
	db  *sql.DB
	cfg *config.PostgreSQLConfig
	log logrus.FieldLogger
}

// NewResultsStore creates a store; call Connect before use
func NewResultsStore(cfg *config.PostgreSQLConfig, log logrus.FieldLogger) *ResultsStore {
	return &ResultsStore{
		cfg: cfg,
		log: log.WithField("component", "postgres"),
	}
}

// Connect opens the connection pool and verifies it with a ping
func (s *ResultsStore) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.log.WithFields(logrus.Fields{
		"host":     s.cfg.Host,
		"database": s.cfg.Database,
	}).Info("Connected to PostgreSQL database")
	return nil
}

// DB returns the underlying connection pool
func (s *ResultsStore) DB() *sql.DB { return s.db }

// EnsureSchema creates the benchmark_runs and generation_runs tables
func (s *ResultsStore) EnsureSchema(ctx context.Context) error {
	return RunMigrations(ctx, s.db, s.log)
}

// InsertBenchmarkRun stores a dataframe benchmark run, assigning an ID and
// timestamp when unset
func (s *ResultsStore) InsertBenchmarkRun(ctx context.Context, run *types.BenchmarkRun) error {
	prepareRun(&run.ID, &run.Timestamp)

	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	peak, err := json.Marshal(run.PeakMemory)
	if err != nil {
		return fmt.Errorf("failed to encode peak memory: %w", err)
	}
	env, err := json.Marshal(run.Environment)
	if err != nil {
		return fmt.Errorf("failed to encode environment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO benchmark_runs (id, timestamp, data_path, row_count, results, peak_memory_mb, environment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Timestamp, run.DataPath, run.Rows, results, peak, env,
	)
	if err != nil {
		return fmt.Errorf("failed to insert benchmark run: %w", err)
	}

	s.log.WithField("run_id", run.ID).Debug("Inserted benchmark run")
	return nil
}

// GetBenchmarkRun retrieves a benchmark run by ID
func (s *ResultsStore) GetBenchmarkRun(ctx context.Context, id string) (*types.BenchmarkRun, error) {
	var (
		run                    types.BenchmarkRun
		results, peak, envJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, data_path, row_count, results, peak_memory_mb, environment
		FROM benchmark_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Timestamp, &run.DataPath, &run.Rows, &results, &peak, &envJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to get benchmark run: %w", err)
	}

	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	if err := json.Unmarshal(peak, &run.PeakMemory); err != nil {
		return nil, fmt.Errorf("failed to decode peak memory: %w", err)
	}
	if err := json.Unmarshal(envJSON, &run.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &run, nil
}

// InsertGenerationRun stores a generation benchmark summary
func (s *ResultsStore) InsertGenerationRun(ctx context.Context, run *types.GenerationRun) error {
	prepareRun(&run.ID, &run.Timestamp)

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_runs (id, timestamp, base_url, model, requests, summary)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Timestamp, run.BaseURL, run.Model, run.Requests, summary,
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"model":  run.Model,
	}).Debug("Inserted generation run")
	return nil
}

// ListGenerationRuns returns the most recent generation runs, newest first.
// A non-positive limit returns every run.
func (s *ResultsStore) ListGenerationRuns(ctx context.Context, limit int) ([]*types.GenerationRun, error) {
	query := `SELECT id, timestamp, base_url, model, requests, summary
		FROM generation_runs ORDER BY timestamp DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.GenerationRun
	for rows.Next() {
		run := &types.GenerationRun{}
		var summary []byte
		if err := rows.Scan(&run.ID, &run.Timestamp, &run.BaseURL, &run.Model, &run.Requests, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan generation run: %w", err)
		}
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the connection pool
func (s *ResultsStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func prepareRun(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}
