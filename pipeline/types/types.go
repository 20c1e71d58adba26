package types

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Benchmark operation names
const (
	OpLoad    = "load"
	OpGroupBy = "groupby"
	OpFilter  = "filter"
	OpSort    = "sort"
)

// BenchmarkOperations lists the operations timed per backend, in execution order
var BenchmarkOperations = []string{OpLoad, OpGroupBy, OpFilter, OpSort}

// BenchmarkResult maps backend name to operation name to elapsed time
type BenchmarkResult map[string]map[string]time.Duration

// BenchmarkRow is one flattened (backend, operation) timing
type BenchmarkRow struct {
	Backend   string  `json:"backend"`
	Operation string  `json:"operation"`
	Seconds   float64 `json:"seconds"`
}

// Rows flattens the result into rows sorted by backend, then operation order
func (r BenchmarkResult) Rows() []BenchmarkRow {
	backends := make([]string, 0, len(r))
	for b := range r {
		backends = append(backends, b)
	}
	sort.Strings(backends)

	var rows []BenchmarkRow
	for _, b := range backends {
		ops := r[b]
		for _, op := range BenchmarkOperations {
			d, ok := ops[op]
			if !ok {
				continue
			}
			rows = append(rows, BenchmarkRow{Backend: b, Operation: op, Seconds: d.Seconds()})
		}
	}
	return rows
}

// SystemMetrics represents process resource usage sampled during a benchmark
type SystemMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUUsage       float64   `json:"cpu_usage_percent"`
	MemoryUsage    float64   `json:"memory_usage_mb"`
	MemoryPercent  float64   `json:"memory_percent"`
	GoroutineCount int       `json:"goroutine_count"`
}

// EnvironmentInfo describes the host a benchmark ran on
type EnvironmentInfo struct {
	OS            string  `json:"os"`
	Architecture  string  `json:"architecture"`
	GoVersion     string  `json:"go_version"`
	CPUModel      string  `json:"cpu_model"`
	CPUCores      int     `json:"cpu_cores"`
	TotalMemoryGB float64 `json:"total_memory_gb"`
}

// GenerationSample is the timing of a single text generation request
type GenerationSample struct {
	TotalLatency      time.Duration `json:"total_latency"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
	Tokens            int           `json:"tokens"`
}

// Metric keys produced by the generation metrics summary
const (
	MetricP50Latency          = "p50_latency_s"
	MetricP90Latency          = "p90_latency_s"
	MetricP99Latency          = "p99_latency_s"
	MetricMeanLatency         = "mean_latency_s"
	MetricP50TTFT             = "p50_ttft_s"
	MetricP90TTFT             = "p90_ttft_s"
	MetricP99TTFT             = "p99_ttft_s"
	MetricSustainedThroughput = "throughput_sustained_tok_s"
	MetricTotalTokens         = "total_tokens"
	MetricSamples             = "samples"
)

// MetricsSummary maps named percentile/throughput statistics to their values
type MetricsSummary map[string]float64

// MarshalJSON encodes NaN and infinite statistics as null
func (m MetricsSummary) MarshalJSON() ([]byte, error) {
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = nil
			continue
		}
		v := v
		out[k] = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null statistics back to NaN
func (m *MetricsSummary) UnmarshalJSON(data []byte) error {
	var in map[string]*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = make(MetricsSummary, len(in))
	for k, v := range in {
		if v == nil {
			(*m)[k] = math.NaN()
			continue
		}
		(*m)[k] = *v
	}
	return nil
}

// FormatDecision is a recommended model serialization format and why
type FormatDecision struct {
	Format    string `json:"format"`
	Rationale string `json:"rationale"`
}

// BenchmarkRun is a persisted dataframe backend benchmark
type BenchmarkRun struct {
	ID          string             `json:"id" db:"id"`
	Timestamp   time.Time          `json:"timestamp" db:"timestamp"`
	DataPath    string             `json:"data_path" db:"data_path"`
	Rows        int64              `json:"rows" db:"row_count"`
	Results     []BenchmarkRow     `json:"results" db:"results"`
	PeakMemory  map[string]float64 `json:"peak_memory_mb" db:"peak_memory_mb"`
	Environment EnvironmentInfo    `json:"environment" db:"environment"`
}

// GenerationRun is a persisted text generation benchmark summary
type GenerationRun struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	BaseURL   string         `json:"base_url" db:"base_url"`
	Model     string         `json:"model" db:"model"`
	Requests  int            `json:"requests" db:"requests"`
	Summary   MetricsSummary `json:"summary" db:"summary"`
}
