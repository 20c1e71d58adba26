package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSummaryJSON(t *testing.T) {
	summary := MetricsSummary{
		MetricP50Latency:          math.NaN(),
		MetricSustainedThroughput: 41.5,
		MetricSamples:             0,
	}

	data, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.JSONEq(t, `{"p50_latency_s": null, "throughput_sustained_tok_s": 41.5, "samples": 0}`, string(data))

	var decoded MetricsSummary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, math.IsNaN(decoded[MetricP50Latency]))
	assert.Equal(t, 41.5, decoded[MetricSustainedThroughput])
	assert.Equal(t, 0.0, decoded[MetricSamples])
}

func TestBenchmarkResultRows(t *testing.T) {
	result := BenchmarkResult{
		"standard": {
			OpSort:    400 * time.Millisecond,
			OpLoad:    100 * time.Millisecond,
			OpFilter:  300 * time.Millisecond,
			OpGroupBy: 200 * time.Millisecond,
		},
		"accelerated": {
			OpLoad: 50 * time.Millisecond,
		},
	}

	rows := result.Rows()
	require.Len(t, rows, 5)
	assert.Equal(t, BenchmarkRow{Backend: "accelerated", Operation: OpLoad, Seconds: 0.05}, rows[0])

	var ops []string
	for _, r := range rows[1:] {
		assert.Equal(t, "standard", r.Backend)
		ops = append(ops, r.Operation)
	}
	assert.Equal(t, BenchmarkOperations, ops)
}
