package ingest

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/fleet-telemetry/pipeline/schema"
)

// Row is one telemetry record keyed by unified column name. Missing keys and nil
// values are stored as nulls.
type Row map[string]interface{}

// FromRows builds a table with schema s from rows
func FromRows(s schema.Schema, rows []Row) (*Table, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema.ArrowSchema(s))
	defer b.Release()

	for i, c := range s {
		fb := b.Field(i)
		fb.Reserve(len(rows))
		for r, row := range rows {
			if err := appendValue(fb, c, row[c.Name]); err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
		}
	}

	return NewTable(b.NewRecord()), nil
}

func appendValue(fb array.Builder, c schema.Column, v interface{}) error {
	v, err := convertValue(c, v)
	if err != nil {
		return err
	}
	if v == nil {
		fb.AppendNull()
		return nil
	}

	switch c.Type {
	case schema.TypeInt64:
		fb.(*array.Int64Builder).Append(v.(int64))
	case schema.TypeFloat64:
		fb.(*array.Float64Builder).Append(v.(float64))
	default:
		fb.(*array.StringBuilder).Append(v.(string))
	}
	return nil
}

// normalizeRow converts every value of row to the Go type of its column in s.
// Keys outside s are dropped.
func normalizeRow(s schema.Schema, row Row) (Row, error) {
	out := make(Row, len(s))
	for _, c := range s {
		v, err := convertValue(c, row[c.Name])
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[c.Name] = v
		}
	}
	return out, nil
}

func convertValue(c schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch c.Type {
	case schema.TypeInt64:
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		return n, nil
	case schema.TypeFloat64:
		f, err := toFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		return f, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %s: expected string, got %T", c.Name, v)
		}
		return s, nil
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return integralFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return integralFloat(f)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// integralFloat accepts floats with no fractional part, such as 3.0 or 1e3
func integralFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	return int64(f), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
