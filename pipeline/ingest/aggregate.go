package ingest

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
)

// GroupMean returns the mean of valueCol for each distinct non-null key in keyCol.
// Null values are skipped; keys with only null values are omitted.
func GroupMean(t *Table, keyCol, valueCol string) (map[string]float64, error) {
	if !t.HasColumn(keyCol) {
		return nil, fmt.Errorf("table has no %s column", keyCol)
	}
	if !t.HasColumn(valueCol) {
		return nil, fmt.Errorf("table has no %s column", valueCol)
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i := 0; i < t.NumRows(); i++ {
		k, ok := t.StringAt(keyCol, i)
		if !ok {
			continue
		}
		v, ok := t.Float64At(valueCol, i)
		if !ok {
			continue
		}
		sums[k] += v
		counts[k]++
	}

	means := make(map[string]float64, len(sums))
	for k, s := range sums {
		means[k] = s / float64(counts[k])
	}
	return means, nil
}

// SortBy returns a new table ordered ascending by col; nulls sort last and ties
// keep their input order
func SortBy(t *Table, col string) (*Table, error) {
	arr, ok := t.Column(col)
	if !ok {
		return nil, fmt.Errorf("table has no %s column", col)
	}

	indices := make([]int, t.NumRows())
	for i := range indices {
		indices[i] = i
	}

	var less func(a, b int) bool
	switch arr.DataType().ID() {
	case arrow.INT64:
		less = func(a, b int) bool {
			va, okA := t.Int64At(col, a)
			vb, okB := t.Int64At(col, b)
			if !okA || !okB {
				return okA && !okB
			}
			return va < vb
		}
	case arrow.FLOAT64:
		less = func(a, b int) bool {
			va, okA := t.Float64At(col, a)
			vb, okB := t.Float64At(col, b)
			if !okA || !okB {
				return okA && !okB
			}
			return va < vb
		}
	case arrow.STRING:
		less = func(a, b int) bool {
			va, okA := t.StringAt(col, a)
			vb, okB := t.StringAt(col, b)
			if !okA || !okB {
				return okA && !okB
			}
			return va < vb
		}
	default:
		return nil, fmt.Errorf("cannot sort by column %s of type %s", col, arr.DataType())
	}

	sort.SliceStable(indices, func(i, j int) bool { return less(indices[i], indices[j]) })
	return t.Take(indices)
}
