//go:build integration

package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fleet-telemetry/pipeline/config"
	"github.com/fleet-telemetry/pipeline/types"
)

// ResultsStoreSuite runs the store against a real PostgreSQL container
type ResultsStoreSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	store     *ResultsStore
}

func (suite *ResultsStoreSuite) SetupSuite() {
	suite.ctx = context.Background()

	ctx, cancel := context.WithTimeout(suite.ctx, 120*time.Second)
	defer cancel()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("fleet"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		suite.T().Skipf("Docker not available for testcontainers: %v", err)
	}
	suite.container = container

	host, err := container.Host(ctx)
	require.NoError(suite.T(), err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(suite.T(), err)

	cfg := config.DefaultConfig().PostgreSQL
	cfg.Enabled = true
	cfg.Host = host
	cfg.Port = port.Int()
	cfg.Database = "fleet"
	cfg.User = "fleet"
	cfg.Password = "fleet"

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	suite.store = NewResultsStore(&cfg, log)
	require.NoError(suite.T(), suite.store.Connect(ctx))
	require.NoError(suite.T(), suite.store.EnsureSchema(ctx))
}

func (suite *ResultsStoreSuite) TearDownSuite() {
	if suite.store != nil {
		suite.store.Close()
	}
	if suite.container != nil {
		suite.container.Terminate(suite.ctx)
	}
}

func (suite *ResultsStoreSuite) TestEnsureSchemaIdempotent() {
	require.NoError(suite.T(), suite.store.EnsureSchema(suite.ctx))

	var count int
	require.NoError(suite.T(), suite.store.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(suite.T(), len(Migrations), count)
}

func (suite *ResultsStoreSuite) TestBenchmarkRunRoundTrip() {
	t := suite.T()
	run := &types.BenchmarkRun{
		DataPath: "s3://fleet/day1.parquet",
		Rows:     10000,
		Results: []types.BenchmarkRow{
			{Backend: "standard", Operation: types.OpLoad, Seconds: 0.25},
			{Backend: "standard", Operation: types.OpSort, Seconds: 0.04},
		},
		PeakMemory:  map[string]float64{"standard": 312.5},
		Environment: types.EnvironmentInfo{OS: "linux", CPUCores: 8},
	}
	require.NoError(t, suite.store.InsertBenchmarkRun(suite.ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := suite.store.GetBenchmarkRun(suite.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Results, got.Results)
	assert.Equal(t, run.PeakMemory, got.PeakMemory)
	assert.Equal(t, run.Environment, got.Environment)
	assert.Equal(t, int64(10000), got.Rows)

	_, err = suite.store.GetBenchmarkRun(suite.ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func (suite *ResultsStoreSuite) TestGenerationRuns() {
	t := suite.T()
	base := time.Now().UTC().Truncate(time.Second)

	for i, model := range []string{"meta/llama3-8b-instruct", "meta/llama3-70b-instruct"} {
		require.NoError(t, suite.store.InsertGenerationRun(suite.ctx, &types.GenerationRun{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			BaseURL:   "http://localhost:8000",
			Model:     model,
			Requests:  5,
			Summary: types.MetricsSummary{
				types.MetricP50Latency:          1.2,
				types.MetricP99TTFT:             math.NaN(),
				types.MetricSustainedThroughput: 41.6,
			},
		}))
	}

	runs, err := suite.store.ListGenerationRuns(suite.ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "meta/llama3-70b-instruct", runs[0].Model)
	assert.Equal(t, 1.2, runs[0].Summary[types.MetricP50Latency])
	assert.True(t, math.IsNaN(runs[0].Summary[types.MetricP99TTFT]))

	all, err := suite.store.ListGenerationRuns(suite.ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)
}

func TestResultsStoreSuite(t *testing.T) {
	suite.Run(t, new(ResultsStoreSuite))
}
