package inference

import (
	"errors"
	"fmt"

	"github.com/fleet-telemetry/pipeline/metrics"
	"github.com/fleet-telemetry/pipeline/types"
)

// ErrLengthMismatch is returned when the sample sequences differ in length
var ErrLengthMismatch = errors.New("sample sequences must have equal length")

var calc = metrics.NewCalculator()

// Pct returns the p-th percentile of samples using linear interpolation
// between order statistics. An empty sequence yields NaN.
func Pct(samples []float64, p float64) float64 {
	return calc.Percentile(samples, p)
}

// ComputeMetrics summarizes a generation benchmark. total and ttft are in
// seconds; tokens is the completion token count per request. Sustained
// throughput is the total token count divided by the total elapsed time.
func ComputeMetrics(total, ttft []float64, tokens []int) (types.MetricsSummary, error) {
	if len(total) != len(ttft) || len(total) != len(tokens) {
		return nil, fmt.Errorf("%w: total=%d ttft=%d tokens=%d", ErrLengthMismatch, len(total), len(ttft), len(tokens))
	}

	var tokenSum int
	for _, n := range tokens {
		tokenSum += n
	}
	elapsed := calc.Sum(total)

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(tokenSum) / elapsed
	}

	return types.MetricsSummary{
		types.MetricP50Latency:          Pct(total, 50),
		types.MetricP90Latency:          Pct(total, 90),
		types.MetricP99Latency:          Pct(total, 99),
		types.MetricMeanLatency:         calc.Mean(total),
		types.MetricP50TTFT:             Pct(ttft, 50),
		types.MetricP90TTFT:             Pct(ttft, 90),
		types.MetricP99TTFT:             Pct(ttft, 99),
		types.MetricSustainedThroughput: throughput,
		types.MetricTotalTokens:         float64(tokenSum),
		types.MetricSamples:             float64(len(total)),
	}, nil
}

// SummarizeSamples computes the metrics summary for timed generations
func SummarizeSamples(samples []types.GenerationSample) types.MetricsSummary {
	total := make([]float64, len(samples))
	ttft := make([]float64, len(samples))
	tokens := make([]int, len(samples))
	for i, s := range samples {
		total[i] = s.TotalLatency.Seconds()
		ttft[i] = s.FirstTokenLatency.Seconds()
		tokens[i] = s.Tokens
	}
	summary, _ := ComputeMetrics(total, ttft, tokens)
	return summary
}
