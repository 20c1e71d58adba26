package metrics

import (
	"math"
	"sort"
)

// Calculator provides the statistics used for generation latency summaries
type Calculator struct{}

// NewCalculator creates a new calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Percentile returns the p-th percentile (0-100) of values, interpolating
// linearly between the closest order statistics. An empty input yields NaN.
func (c *Calculator) Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	p = math.Max(0, math.Min(100, p))
	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Sum returns the sum of values
func (c *Calculator) Sum(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean, NaN when empty
func (c *Calculator) Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return c.Sum(values) / float64(len(values))
}

// StdDev returns the sample standard deviation
func (c *Calculator) StdDev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}

	mean := c.Mean(values)
	var sum float64
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
