package ingest

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fleet-telemetry/pipeline/schema"
)

// Predicate selects the matching row indices of a table
type Predicate func(t *Table) (*roaring.Bitmap, error)

// Where returns a new table holding the rows that match every predicate.
// Each predicate produces an independent row mask and the masks are
// intersected, so the result does not depend on predicate order.
func Where(t *Table, preds ...Predicate) (*Table, error) {
	selection := allRows(t)
	for _, p := range preds {
		mask, err := p(t)
		if err != nil {
			return nil, err
		}
		selection.And(mask)
		if selection.IsEmpty() {
			break
		}
	}
	return t.Take(bitmapIndices(selection))
}

// TimeRange keeps rows with start <= timestamp_ns <= end. A nil bound is open.
func TimeRange(start, end *int64) Predicate {
	return func(t *Table) (*roaring.Bitmap, error) {
		if !t.HasColumn(schema.ColTimestampNs) {
			return nil, fmt.Errorf("table has no %s column", schema.ColTimestampNs)
		}
		mask := roaring.New()
		for i := 0; i < t.NumRows(); i++ {
			ts, ok := t.Int64At(schema.ColTimestampNs, i)
			if !ok {
				continue
			}
			if start != nil && ts < *start {
				continue
			}
			if end != nil && ts > *end {
				continue
			}
			mask.Add(uint32(i))
		}
		return mask, nil
	}
}

// VehicleIn keeps rows whose vehicle_id is one of ids
func VehicleIn(ids []string) Predicate {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(t *Table) (*roaring.Bitmap, error) {
		if !t.HasColumn(schema.ColVehicleID) {
			return nil, fmt.Errorf("table has no %s column", schema.ColVehicleID)
		}
		mask := roaring.New()
		for i := 0; i < t.NumRows(); i++ {
			if v, ok := t.StringAt(schema.ColVehicleID, i); ok {
				if _, hit := set[v]; hit {
					mask.Add(uint32(i))
				}
			}
		}
		return mask, nil
	}
}

// StringEquals keeps rows where col equals value. Tables without col are not filtered.
func StringEquals(col, value string) Predicate {
	return func(t *Table) (*roaring.Bitmap, error) {
		if !t.HasColumn(col) {
			return allRows(t), nil
		}
		mask := roaring.New()
		for i := 0; i < t.NumRows(); i++ {
			if v, ok := t.StringAt(col, i); ok && v == value {
				mask.Add(uint32(i))
			}
		}
		return mask, nil
	}
}

// GreaterThan keeps rows where col is non-null and strictly greater than
// threshold. Tables without col are not filtered.
func GreaterThan(col string, threshold float64) Predicate {
	return func(t *Table) (*roaring.Bitmap, error) {
		if !t.HasColumn(col) {
			return allRows(t), nil
		}
		mask := roaring.New()
		for i := 0; i < t.NumRows(); i++ {
			if v, ok := t.Float64At(col, i); ok && v > threshold {
				mask.Add(uint32(i))
			}
		}
		return mask, nil
	}
}

// FilterByTimeRange keeps rows with start <= timestamp_ns <= end
func FilterByTimeRange(t *Table, start, end *int64) (*Table, error) {
	return Where(t, TimeRange(start, end))
}

// FilterByVehicle keeps rows whose vehicle_id is in ids. An empty id set
// applies no filtering.
func FilterByVehicle(t *Table, ids []string) (*Table, error) {
	if len(ids) == 0 {
		return t, nil
	}
	return Where(t, VehicleIn(ids))
}

// FilterBySensorType keeps rows of one sensor type when the table has a
// sensor_type column
func FilterBySensorType(t *Table, sensorType string) (*Table, error) {
	return Where(t, StringEquals(schema.ColSensorType, sensorType))
}

// FilterByThreshold keeps rows where col > threshold when the table has col
func FilterByThreshold(t *Table, col string, threshold float64) (*Table, error) {
	return Where(t, GreaterThan(col, threshold))
}

func allRows(t *Table) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(0, uint64(t.NumRows()))
	return bm
}

func bitmapIndices(bm *roaring.Bitmap) []int {
	indices := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		indices = append(indices, int(it.Next()))
	}
	return indices
}
