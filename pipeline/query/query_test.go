package query

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/schema"
)

// MockAsker is a mock implementation of Asker
type MockAsker struct {
	mock.Mock
}

func (m *MockAsker) Ask(ctx context.Context, user, system string) (string, error) {
	args := m.Called(ctx, user, system)
	return args.String(0), args.Error(1)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

// writeFixture writes five CAN/GPS rows across three vehicles
func writeFixture(t *testing.T) string {
	t.Helper()
	tbl, err := ingest.FromRows(schema.TelemetrySchema, []ingest.Row{
		{"timestamp_ns": int64(100), "vehicle_id": "V1", "sensor_type": "can", "brake_pressure_pct": 20.0, "vehicle_speed_kmh": 50.0},
		{"timestamp_ns": int64(200), "vehicle_id": "V2", "sensor_type": "can", "brake_pressure_pct": 75.0, "vehicle_speed_kmh": 30.0},
		{"timestamp_ns": int64(300), "vehicle_id": "V1", "sensor_type": "gps", "latitude": 37.77, "longitude": -122.41},
		{"timestamp_ns": int64(400), "vehicle_id": "V3", "sensor_type": "can", "brake_pressure_pct": 90.0, "vehicle_speed_kmh": 10.0},
		{"timestamp_ns": int64(500), "vehicle_id": "V1", "sensor_type": "can", "brake_pressure_pct": 65.0, "vehicle_speed_kmh": 5.0},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fleet.parquet")
	require.NoError(t, ingest.WriteParquet(path, tbl))
	return path
}

func newTestEngine(t *testing.T, asker Asker, maxRows int) *Engine {
	return NewEngine(EngineConfig{
		DataPath:       writeFixture(t),
		MaxContextRows: maxRows,
		Backend:        ingest.BackendStandard,
	}, WithAsker(asker), WithEngineLogger(quietLogger()))
}

func timestamps(t *testing.T, tbl *ingest.Table) []int64 {
	t.Helper()
	out := make([]int64, tbl.NumRows())
	for i := range out {
		v, ok := tbl.Int64At(schema.ColTimestampNs, i)
		require.True(t, ok)
		out[i] = v
	}
	return out
}

func TestSystemPrompt(t *testing.T) {
	assert.Contains(t, strings.ToLower(SystemPrompt), "telemetry")
	assert.Contains(t, SystemPrompt, "ROS2")
	assert.Contains(t, SystemPrompt, "NVIDIA DRIVE")
}

func TestFormatUserQuery(t *testing.T) {
	ctx := "col1,col2\n1,2\n3,4"
	out := FormatUserQuery("What is the max of col2?", ctx, 1000)
	assert.Contains(t, out, ctx)
	assert.Contains(t, out, "What is the max of col2?")
	assert.NotContains(t, out, "truncated")
}

func TestFormatUserQueryTruncation(t *testing.T) {
	overhead := len(FormatUserQuery("q", "", 100))

	out := FormatUserQuery("q", strings.Repeat("x", 10000), 100)
	assert.Contains(t, out, "[truncated 9900 characters]")
	assert.Contains(t, out, strings.Repeat("x", 100))
	assert.NotContains(t, out, strings.Repeat("x", 101))
	assert.LessOrEqual(t, len(out), overhead+100+64)

	// Budget and marker count characters, not bytes
	out = FormatUserQuery("q", strings.Repeat("é", 100), 51)
	assert.Contains(t, out, strings.Repeat("é", 51)+"\n... [truncated 49 characters]")
	assert.NotContains(t, out, strings.Repeat("é", 52))
	assert.True(t, utf8.ValidString(out))

	out = FormatUserQuery("q", "héllo wörld", 5)
	assert.Contains(t, out, "héllo\n... [truncated 6 characters]")
	assert.NotContains(t, FormatUserQuery("q", strings.Repeat("é", 50), 50), "truncated")

	// Non-positive budget uses the default
	long := strings.Repeat("y", DefaultMaxContextChars+1)
	assert.Contains(t, FormatUserQuery("q", long, 0), "[truncated 1 characters]")
}

func TestRetrieve(t *testing.T) {
	engine := newTestEngine(t, &MockAsker{}, 0)
	ctx := context.Background()
	assert.False(t, engine.Loaded())

	all, err := engine.Retrieve(ctx, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, all.NumRows())
	assert.True(t, engine.Loaded())

	byVehicle, err := engine.Retrieve(ctx, RetrieveOptions{VehicleIDs: []string{"V1", "V3"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"V1", "V3"}, byVehicle.UniqueStrings(schema.ColVehicleID))
	assert.Equal(t, 4, byVehicle.NumRows())

	byTime, err := engine.Retrieve(ctx, RetrieveOptions{StartNs: int64p(200), EndNs: int64p(400)})
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 300, 400}, timestamps(t, byTime))

	openEnded, err := engine.Retrieve(ctx, RetrieveOptions{StartNs: int64p(400)})
	require.NoError(t, err)
	assert.Equal(t, []int64{400, 500}, timestamps(t, openEnded))

	combined, err := engine.Retrieve(ctx, RetrieveOptions{
		VehicleIDs:     []string{"V1"},
		SensorType:     "can",
		BrakeThreshold: float64p(50),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{500}, timestamps(t, combined))

	none, err := engine.Retrieve(ctx, RetrieveOptions{VehicleIDs: []string{"V9"}})
	require.NoError(t, err)
	assert.Equal(t, 0, none.NumRows())

	// Retrieval never narrows the cached table
	again, err := engine.Retrieve(ctx, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, again.NumRows())
}

func TestRetrieveGeneratedFleet(t *testing.T) {
	opts := ingest.DefaultGenerateOptions()
	opts.Rows = 200
	opts.Vehicles = 3
	tbl, err := ingest.GenerateTelemetry(opts)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gen.parquet")
	require.NoError(t, ingest.WriteParquet(path, tbl))

	engine := NewEngine(EngineConfig{DataPath: path, MaxContextRows: 50}, WithAsker(&MockAsker{}), WithEngineLogger(quietLogger()))
	retrieved, err := engine.Retrieve(context.Background(), RetrieveOptions{VehicleIDs: []string{"V000", "V001"}})
	require.NoError(t, err)

	assert.LessOrEqual(t, retrieved.NumRows(), 200)
	assert.Subset(t, []string{"V000", "V001"}, retrieved.UniqueStrings(schema.ColVehicleID))
}

func TestLoadFailureIsRetryable(t *testing.T) {
	engine := NewEngine(EngineConfig{
		DataPath: filepath.Join(t.TempDir(), "missing.parquet"),
		Backend:  ingest.BackendStandard,
	}, WithAsker(&MockAsker{}), WithEngineLogger(quietLogger()))

	_, err := engine.Retrieve(context.Background(), RetrieveOptions{})
	assert.Error(t, err)
	assert.False(t, engine.Loaded())
}

func TestConcurrentFirstLoad(t *testing.T) {
	engine := newTestEngine(t, &MockAsker{}, 0)

	var wg sync.WaitGroup
	tables := make([]*ingest.Table, 8)
	for i := range tables {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tbl, err := engine.Table(context.Background())
			assert.NoError(t, err)
			tables[i] = tbl
		}(i)
	}
	wg.Wait()

	for _, tbl := range tables[1:] {
		assert.Same(t, tables[0], tbl)
	}
}

func TestQuery(t *testing.T) {
	asker := &MockAsker{}
	engine := newTestEngine(t, asker, 2)

	asker.On("Ask", mock.Anything, mock.MatchedBy(func(user string) bool {
		return strings.Contains(user, "Question: Which vehicle braked hardest?") &&
			strings.Contains(user, "brake_pressure_pct") &&
			strings.Contains(user, "90") &&
			!strings.Contains(user, "latitude")
	}), SystemPrompt).Return("V3 at 90%.", nil).Once()

	answer, err := engine.Query(context.Background(), "Which vehicle braked hardest?", RetrieveOptions{
		SensorType:     "can",
		BrakeThreshold: float64p(70),
	})
	require.NoError(t, err)
	assert.Equal(t, "V3 at 90%.", answer)
	asker.AssertExpectations(t)
}

func TestQueryPropagatesInferenceError(t *testing.T) {
	asker := &MockAsker{}
	engine := newTestEngine(t, asker, 0)

	unavailable := errors.New("connection refused")
	asker.On("Ask", mock.Anything, mock.Anything, mock.Anything).Return("", unavailable)

	_, err := engine.Query(context.Background(), "anything?", RetrieveOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, unavailable))
	assert.True(t, errors.Is(err, ErrInference))
}

func TestEngineDefaults(t *testing.T) {
	engine := NewEngine(EngineConfig{DataPath: "x.parquet"})
	cfg := engine.Config()
	assert.Equal(t, "http://localhost:8000", cfg.NIMBaseURL)
	assert.Equal(t, "meta/llama3-8b-instruct", cfg.NIMModel)
	assert.Equal(t, 1000, cfg.MaxContextRows)
	assert.Equal(t, DefaultMaxContextChars, cfg.MaxContextChars)
}

func TestRenderTable(t *testing.T) {
	tbl, err := ingest.FromRows(schema.TelemetrySchema, []ingest.Row{
		{"timestamp_ns": int64(100), "vehicle_id": "V1", "sensor_type": "can", "brake_pressure_pct": 20.5},
		{"timestamp_ns": int64(200), "vehicle_id": "V2", "sensor_type": "can"},
		{"timestamp_ns": int64(300), "vehicle_id": "V3", "sensor_type": "gps", "latitude": 1.5},
	})
	require.NoError(t, err)

	out := RenderTable(tbl, 2)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)

	header := strings.Fields(lines[0])
	assert.Equal(t, []string{"timestamp_ns", "vehicle_id", "sensor_type", "brake_pressure_pct"}, header)
	assert.Equal(t, []string{"0", "100", "V1", "can", "20.5"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"1", "200", "V2", "can", "NaN"}, strings.Fields(lines[2]))
	assert.Equal(t, "[3 rows total, showing first 2]", lines[3])

	assert.NotContains(t, RenderTable(tbl, 0), "rows total")
	assert.Contains(t, RenderTable(tbl, 0), "latitude")
	assert.Contains(t, RenderTable(ingest.EmptyTable(schema.CANSchema), 10), "Empty table")
}
