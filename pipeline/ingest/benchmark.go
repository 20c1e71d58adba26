package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/metrics"
	"github.com/fleet-telemetry/pipeline/schema"
	"github.com/fleet-telemetry/pipeline/types"
)

// benchmarkBrakeThreshold is the brake_pressure_pct cut used by the filter operation
const benchmarkBrakeThreshold = 50.0

// BenchmarkReport holds per-backend timings and resource usage
type BenchmarkReport struct {
	Results     types.BenchmarkResult
	PeakMemory  map[string]float64
	Rows        int64
	Environment types.EnvironmentInfo
}

// RunBenchmark times load, groupby, filter and sort for each requested backend.
// Backends that are unavailable on this host are skipped, so the standard
// backend is always present when requested. With no backends given, both are tried.
func RunBenchmark(ctx context.Context, path string, log logrus.FieldLogger, backends ...Backend) (*BenchmarkReport, error) {
	log = log.WithField("component", "benchmark")
	if len(backends) == 0 {
		backends = []Backend{BackendStandard, BackendAccelerated}
	}

	report := &BenchmarkReport{
		Results:     make(types.BenchmarkResult),
		PeakMemory:  make(map[string]float64),
		Environment: metrics.GetEnvironmentInfo(),
	}

	for _, b := range backends {
		if ResolveBackend(b) != b {
			log.WithField("backend", b.String()).Info("Backend unavailable, skipping")
			continue
		}
		if _, done := report.Results[b.String()]; done {
			continue
		}

		timings, rows, peak, err := benchmarkBackend(ctx, path, b, log)
		if err != nil {
			return nil, fmt.Errorf("benchmark %s: %w", b, err)
		}

		report.Results[b.String()] = timings
		report.PeakMemory[b.String()] = peak
		report.Rows = rows

		log.WithFields(logrus.Fields{
			"backend":        b.String(),
			"rows":           rows,
			"peak_memory_mb": peak,
		}).Info("Backend benchmark complete")
	}

	return report, nil
}

func benchmarkBackend(ctx context.Context, path string, b Backend, log logrus.FieldLogger) (map[string]time.Duration, int64, float64, error) {
	collector, err := metrics.NewSystemCollector(20 * time.Millisecond)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create system collector: %w", err)
	}
	collector.Start()
	defer collector.Stop()

	timings := make(map[string]time.Duration, len(types.BenchmarkOperations))
	loader := NewLoader(b, WithSpill(true), WithLogger(log))

	start := time.Now()
	t, err := loader.Load(ctx, path)
	if err != nil {
		return nil, 0, 0, err
	}
	timings[types.OpLoad] = time.Since(start)

	start = time.Now()
	if _, err := GroupMean(t, schema.ColVehicleID, schema.ColVehicleSpeedKmh); err != nil {
		return nil, 0, 0, err
	}
	timings[types.OpGroupBy] = time.Since(start)

	start = time.Now()
	if _, err := FilterByThreshold(t, schema.ColBrakePressurePct, benchmarkBrakeThreshold); err != nil {
		return nil, 0, 0, err
	}
	timings[types.OpFilter] = time.Since(start)

	start = time.Now()
	if _, err := SortBy(t, schema.ColTimestampNs); err != nil {
		return nil, 0, 0, err
	}
	timings[types.OpSort] = time.Since(start)

	collector.Stop()
	return timings, int64(t.NumRows()), collector.PeakMemoryMB(), nil
}
