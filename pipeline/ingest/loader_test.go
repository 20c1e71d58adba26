package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-telemetry/pipeline/schema"
	"github.com/fleet-telemetry/pipeline/types"
)

// copyStore serves objects from a local directory laid out as bucket/key
type copyStore struct {
	root    string
	fetched []string
}

func (s *copyStore) Fetch(_ context.Context, bucket, key, dst string) error {
	s.fetched = append(s.fetched, bucket+"/"+key)
	data, err := os.ReadFile(filepath.Join(s.root, bucket, key))
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func writeGenerated(t *testing.T, dir string, rows, vehicles int) (string, *Table) {
	t.Helper()
	opts := DefaultGenerateOptions()
	opts.Rows = rows
	opts.Vehicles = vehicles
	tbl, err := GenerateTelemetry(opts)
	require.NoError(t, err)

	path := filepath.Join(dir, "telemetry.parquet")
	require.NoError(t, WriteParquet(path, tbl))
	return path, tbl
}

func TestParseBackend(t *testing.T) {
	for name, want := range map[string]Backend{
		"":            BackendAccelerated,
		"auto":        BackendAccelerated,
		"Accelerated": BackendAccelerated,
		"standard":    BackendStandard,
	} {
		got, err := ParseBackend(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseBackend("cudf")
	assert.Error(t, err)

	assert.Equal(t, "accelerated", BackendAccelerated.String())
	assert.Equal(t, "standard", BackendStandard.String())
}

func TestResolveBackend(t *testing.T) {
	assert.Equal(t, BackendStandard, ResolveBackend(BackendStandard))
	if AcceleratedAvailable() {
		assert.Equal(t, BackendAccelerated, ResolveBackend(BackendAccelerated))
	} else {
		assert.Equal(t, BackendStandard, ResolveBackend(BackendAccelerated))
	}
	assert.Equal(t, ResolveBackend(BackendAccelerated), NewLoader(BackendAccelerated).Backend())
}

func TestLoadRoundTrip(t *testing.T) {
	path, original := writeGenerated(t, t.TempDir(), 500, 2)

	for _, b := range []Backend{BackendStandard, BackendAccelerated} {
		for _, spill := range []bool{false, true} {
			loader := NewLoader(b, WithSpill(spill))
			loaded, err := loader.Load(context.Background(), path)
			require.NoError(t, err, "%s spill=%v", b, spill)

			assert.Equal(t, 500, loaded.NumRows())
			assert.ElementsMatch(t, original.ColumnNames(), loaded.ColumnNames())
			assert.True(t, schema.ValidateSchema(loaded, schema.TelemetrySchema))

			for _, row := range []int{0, 137, 499} {
				for _, col := range []string{"timestamp_ns", "vehicle_id", "sensor_type", "brake_pressure_pct"} {
					assert.Equal(t, original.ValueString(col, row), loaded.ValueString(col, row), "%s[%d]", col, row)
				}
			}
		}
	}
}

func TestLoadAddsMissingUnifiedColumns(t *testing.T) {
	dir := t.TempDir()
	narrow, err := FromRows(schema.CANSchema, []Row{
		{"timestamp_ns": int64(10), "vehicle_id": "V001", "sensor_type": "can", "brake_pressure_pct": 42.0},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "can.parquet")
	require.NoError(t, WriteParquet(path, narrow))

	loaded, err := NewLoader(BackendStandard).Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, schema.TelemetrySchema.Names(), loaded.ColumnNames())
	v, ok := loaded.Float64At("brake_pressure_pct", 0)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	_, ok = loaded.Float64At("latitude", 0)
	assert.False(t, ok)
}

func TestLoadErrors(t *testing.T) {
	loader := NewLoader(BackendStandard)

	_, err := loader.Load(context.Background(), filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Error(t, err)

	_, err = loader.Load(context.Background(), "s3://bucket/telemetry.parquet")
	assert.ErrorContains(t, err, "no object store")

	_, err = loader.Load(context.Background(), "s3://bucket-only")
	assert.ErrorContains(t, err, "invalid object URL")
}

func TestLoadFromObjectStore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "fleet", "2024"), 0755))
	src, _ := writeGenerated(t, t.TempDir(), 120, 3)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "fleet", "2024", "day1.parquet"), data, 0644))

	store := &copyStore{root: root}
	loader := NewLoader(BackendStandard, WithObjectStore(store, t.TempDir()))

	loaded, err := loader.Load(context.Background(), "s3://fleet/2024/day1.parquet")
	require.NoError(t, err)
	assert.Equal(t, 120, loaded.NumRows())

	// No caching across loads
	_, err = loader.Load(context.Background(), "s3://fleet/2024/day1.parquet")
	require.NoError(t, err)
	assert.Len(t, store.fetched, 2)

	_, err = loader.Load(context.Background(), "s3://fleet/2024/missing.parquet")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseObjectURL(t *testing.T) {
	bucket, key, ok := ParseObjectURL("s3://fleet/logs/day1.parquet")
	require.True(t, ok)
	assert.Equal(t, "fleet", bucket)
	assert.Equal(t, "logs/day1.parquet", key)

	for _, bad := range []string{"/tmp/x.parquet", "s3://", "s3://fleet", "s3:///key"} {
		_, _, ok := ParseObjectURL(bad)
		assert.False(t, ok, bad)
	}
}

func TestGenerateTelemetry(t *testing.T) {
	tbl, err := GenerateTelemetry(GenerateOptions{Rows: 1000, Vehicles: 3, Seed: 42})
	require.NoError(t, err)

	assert.Equal(t, 1000, tbl.NumRows())
	assert.True(t, schema.ValidateSchema(tbl, schema.TelemetrySchema))
	for _, s := range tbl.UniqueStrings("sensor_type") {
		assert.Contains(t, schema.SensorTypes, s)
	}
	assert.Subset(t, []string{"V000", "V001", "V002"}, tbl.UniqueStrings("vehicle_id"))

	ts := timestamps(tbl)
	for i := 1; i < len(ts); i++ {
		require.Less(t, ts[i-1], ts[i])
	}

	again, err := GenerateTelemetry(GenerateOptions{Rows: 1000, Vehicles: 3, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, tbl.ValueString("accel_x", 10), again.ValueString("accel_x", 10))
	assert.Equal(t, tbl.ValueString("vehicle_id", 999), again.ValueString("vehicle_id", 999))

	_, err = GenerateTelemetry(GenerateOptions{Rows: 10})
	assert.Error(t, err)
}

func TestRunBenchmark(t *testing.T) {
	path, _ := writeGenerated(t, t.TempDir(), 1000, 3)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	report, err := RunBenchmark(context.Background(), path, log)
	require.NoError(t, err)

	require.Contains(t, report.Results, "standard")
	for _, op := range types.BenchmarkOperations {
		assert.Contains(t, report.Results["standard"], op)
	}
	assert.Equal(t, int64(1000), report.Rows)
	assert.Greater(t, report.PeakMemory["standard"], 0.0)

	rows := report.Results.Rows()
	var standard int
	for _, r := range rows {
		if r.Backend == "standard" {
			standard++
		}
	}
	assert.Equal(t, 4, standard)
}

// writeForeignParquet writes telemetry the way other writers lay it out:
// large strings, dictionary-encoded sensor types and narrow numeric types,
// with the Arrow schema stored in the file metadata.
func writeForeignParquet(t *testing.T, path string) {
	t.Helper()
	mem := memory.NewGoAllocator()

	ts := array.NewInt32Builder(mem)
	defer ts.Release()
	ts.AppendValues([]int32{100, 200, 300, 400, 500}, nil)

	vehicles := array.NewLargeStringBuilder(mem)
	defer vehicles.Release()
	vehicles.AppendValues([]string{"V1", "V2", "V3", "V1", "V3"}, nil)

	dictType := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	sensors := array.NewDictionaryBuilder(mem, dictType).(*array.BinaryDictionaryBuilder)
	defer sensors.Release()
	for _, s := range []string{"can", "gps", "can", "can", "imu"} {
		require.NoError(t, sensors.AppendString(s))
	}

	brake := array.NewFloat32Builder(mem)
	defer brake.Release()
	brake.AppendValues([]float32{20, 0, 90, 65, 0}, []bool{true, false, true, true, false})

	notes := array.NewStringBuilder(mem)
	defer notes.Release()
	notes.AppendValues([]string{"a", "b", "c", "d", "e"}, nil)

	cols := []arrow.Array{ts.NewArray(), vehicles.NewArray(), sensors.NewArray(), brake.NewArray(), notes.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "timestamp_ns", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "vehicle_id", Type: arrow.BinaryTypes.LargeString, Nullable: true},
		{Name: "sensor_type", Type: dictType, Nullable: true},
		{Name: "brake_pressure_pct", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
		{Name: "driver_note", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	rec := array.NewRecord(sc, cols, 5)
	defer rec.Release()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	fw, err := pqarrow.NewFileWriter(sc, f, parquet.NewWriterProperties(), pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	require.NoError(t, err)
	require.NoError(t, fw.Write(rec))
	require.NoError(t, fw.Close())
}

func TestLoadConformsColumnTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.parquet")
	writeForeignParquet(t, path)

	for _, b := range []Backend{BackendStandard, BackendAccelerated} {
		loaded, err := NewLoader(b).Load(context.Background(), path)
		require.NoError(t, err, b.String())
		require.Equal(t, 5, loaded.NumRows())

		for _, c := range schema.TelemetrySchema {
			col, ok := loaded.Column(c.Name)
			require.True(t, ok, c.Name)
			assert.True(t, arrow.TypeEqual(schema.ArrowType(c.Type), col.DataType()), "%s is %s", c.Name, col.DataType())
		}
		assert.True(t, loaded.HasColumn("driver_note"))

		ts, ok := loaded.Int64At("timestamp_ns", 2)
		require.True(t, ok)
		assert.Equal(t, int64(300), ts)

		byVehicle, err := FilterByVehicle(loaded, []string{"V1", "V3"})
		require.NoError(t, err)
		assert.Equal(t, 4, byVehicle.NumRows())

		can, err := FilterBySensorType(loaded, "can")
		require.NoError(t, err)
		assert.Equal(t, 3, can.NumRows())

		hard, err := FilterByThreshold(can, "brake_pressure_pct", 50)
		require.NoError(t, err)
		assert.Equal(t, 2, hard.NumRows())

		_, ok = loaded.Float64At("brake_pressure_pct", 1)
		assert.False(t, ok)
	}
}

func TestConformRejectsUnconvertibleColumns(t *testing.T) {
	mem := memory.NewGoAllocator()
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.AppendValues([]string{"yesterday"}, nil)
	col := b.NewArray()
	defer col.Release()

	sc := arrow.NewSchema([]arrow.Field{{Name: "timestamp_ns", Type: arrow.BinaryTypes.String, Nullable: true}}, nil)
	rec := array.NewRecord(sc, []arrow.Array{col}, 1)

	_, err := conformToUnified(context.Background(), mem, rec)
	assert.ErrorContains(t, err, "timestamp_ns")
}

func TestNilTableColumnNames(t *testing.T) {
	var tbl *Table
	assert.Nil(t, tbl.ColumnNames())
	assert.False(t, schema.ValidateSchema(tbl, schema.CANSchema))
}
