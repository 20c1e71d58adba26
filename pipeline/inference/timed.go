package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fleet-telemetry/pipeline/types"
)

// TimedGenerate streams a completion for prompt and records total latency,
// time to first token and the completion token count. When no text arrives the
// first token latency equals the total latency.
func TimedGenerate(ctx context.Context, s Streamer, prompt string) (types.GenerationSample, error) {
	start := time.Now()
	var (
		first time.Duration
		seen  bool
	)

	result, err := s.Stream(ctx, prompt, "", func(string) {
		if !seen {
			first = time.Since(start)
			seen = true
		}
	})
	if err != nil {
		return types.GenerationSample{}, err
	}

	total := time.Since(start)
	if !seen {
		first = total
	}
	return types.GenerationSample{
		TotalLatency:      total,
		FirstTokenLatency: first,
		Tokens:            result.CompletionTokens,
	}, nil
}

// BenchmarkOptions controls a generation benchmark
type BenchmarkOptions struct {
	// Requests is the number of generations; zero means one per prompt.
	Requests int
	// RPS caps the request rate; zero or negative means unpaced.
	RPS float64
	Log logrus.FieldLogger
}

// GenerationReport holds the samples and summary of a generation benchmark
type GenerationReport struct {
	Samples []types.GenerationSample
	Summary types.MetricsSummary
}

// RunGenerationBenchmark issues sequential timed generations cycling through
// prompts, paced to at most opts.RPS requests per second.
func RunGenerationBenchmark(ctx context.Context, s Streamer, prompts []string, opts BenchmarkOptions) (*GenerationReport, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("at least one prompt is required")
	}

	requests := opts.Requests
	if requests <= 0 {
		requests = len(prompts)
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "generation-benchmark")

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	samples := make([]types.GenerationSample, 0, requests)
	for i := 0; i < requests; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("benchmark interrupted after %d requests: %w", i, err)
		}

		sample, err := TimedGenerate(ctx, s, prompts[i%len(prompts)])
		if err != nil {
			return nil, fmt.Errorf("request %d failed: %w", i, err)
		}
		samples = append(samples, sample)

		log.WithFields(logrus.Fields{
			"request": i,
			"latency": sample.TotalLatency,
			"ttft":    sample.FirstTokenLatency,
			"tokens":  sample.Tokens,
		}).Debug("Generation complete")
	}

	report := &GenerationReport{Samples: samples, Summary: SummarizeSamples(samples)}
	log.WithFields(logrus.Fields{
		"requests":   requests,
		"p50":        report.Summary[types.MetricP50Latency],
		"throughput": report.Summary[types.MetricSustainedThroughput],
	}).Info("Generation benchmark finished")
	return report, nil
}
