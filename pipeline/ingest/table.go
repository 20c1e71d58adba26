package ingest

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/fleet-telemetry/pipeline/schema"
)

// Table is an immutable in-memory telemetry table backed by a single Arrow record.
// Operations never modify a table; they return new tables.
//
// Tables are allocated with the Go allocator, so Release is optional and only
// returns buffers early.
type Table struct {
	rec   arrow.Record
	index map[string]int
}

// NewTable wraps rec. The table takes ownership of the caller's reference.
func NewTable(rec arrow.Record) *Table {
	index := make(map[string]int, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		if _, dup := index[f.Name]; !dup {
			index[f.Name] = i
		}
	}
	return &Table{rec: rec, index: index}
}

// EmptyTable returns a zero-row table with the given schema
func EmptyTable(s schema.Schema) *Table {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema.ArrowSchema(s))
	defer b.Release()
	return NewTable(b.NewRecord())
}

// Record exposes the underlying Arrow record
func (t *Table) Record() arrow.Record { return t.rec }

// Schema returns the Arrow schema
func (t *Table) Schema() *arrow.Schema { return t.rec.Schema() }

// NumRows returns the number of rows
func (t *Table) NumRows() int { return int(t.rec.NumRows()) }

// ColumnNames returns the column names in schema order; nil for a nil table
func (t *Table) ColumnNames() []string {
	if t == nil || t.rec == nil {
		return nil
	}
	fields := t.rec.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// HasColumn reports whether the table has a column named name
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the Arrow array of a column
func (t *Table) Column(name string) (arrow.Array, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.rec.Column(i), true
}

// Int64At returns the value at row of an int64 column. ok is false for nulls,
// missing columns and type mismatches.
func (t *Table) Int64At(col string, row int) (int64, bool) {
	arr, ok := t.Column(col)
	if !ok {
		return 0, false
	}
	a, ok := arr.(*array.Int64)
	if !ok || a.IsNull(row) {
		return 0, false
	}
	return a.Value(row), true
}

// Float64At returns the value at row of a float64 column
func (t *Table) Float64At(col string, row int) (float64, bool) {
	arr, ok := t.Column(col)
	if !ok {
		return 0, false
	}
	switch a := arr.(type) {
	case *array.Float64:
		if a.IsNull(row) {
			return 0, false
		}
		return a.Value(row), true
	case *array.Int64:
		if a.IsNull(row) {
			return 0, false
		}
		return float64(a.Value(row)), true
	}
	return 0, false
}

// StringAt returns the value at row of a string column
func (t *Table) StringAt(col string, row int) (string, bool) {
	arr, ok := t.Column(col)
	if !ok {
		return "", false
	}
	a, ok := arr.(*array.String)
	if !ok || a.IsNull(row) {
		return "", false
	}
	return a.Value(row), true
}

// ValueString renders any cell for display; nulls render as "NaN" for
// numeric columns and "None" otherwise.
func (t *Table) ValueString(col string, row int) string {
	arr, ok := t.Column(col)
	if !ok {
		return ""
	}
	if arr.IsNull(row) {
		switch arr.DataType().ID() {
		case arrow.INT64, arrow.FLOAT64:
			return "NaN"
		default:
			return "None"
		}
	}
	return arr.ValueStr(row)
}

// RowAt returns one row keyed by column name; nulls are nil
func (t *Table) RowAt(row int) Row {
	out := make(Row, t.rec.NumCols())
	for i, f := range t.rec.Schema().Fields() {
		col := t.rec.Column(i)
		if col.IsNull(row) {
			out[f.Name] = nil
			continue
		}
		switch a := col.(type) {
		case *array.Int64:
			out[f.Name] = a.Value(row)
		case *array.Float64:
			out[f.Name] = a.Value(row)
		case *array.String:
			out[f.Name] = a.Value(row)
		default:
			out[f.Name] = col.ValueStr(row)
		}
	}
	return out
}

// UniqueStrings returns the sorted distinct non-null values of a string column
func (t *Table) UniqueStrings(col string) []string {
	seen := make(map[string]struct{})
	for i := 0; i < t.NumRows(); i++ {
		if v, ok := t.StringAt(col, i); ok {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Head returns the first n rows as a new table
func (t *Table) Head(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > t.NumRows() {
		n = t.NumRows()
	}
	return NewTable(t.rec.NewSlice(0, int64(n)))
}

// Take builds a new table from the given row indices, in order
func (t *Table) Take(indices []int) (*Table, error) {
	mem := memory.DefaultAllocator
	cols := make([]arrow.Array, t.rec.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i := range cols {
		col, err := takeColumn(mem, t.rec.Column(i), indices)
		if err != nil {
			return nil, fmt.Errorf("failed to take column %s: %w", t.rec.ColumnName(i), err)
		}
		cols[i] = col
	}

	return NewTable(array.NewRecord(t.rec.Schema(), cols, int64(len(indices)))), nil
}

// Release drops the table's reference to its record
func (t *Table) Release() {
	if t.rec != nil {
		t.rec.Release()
	}
}

func takeColumn(mem memory.Allocator, col arrow.Array, indices []int) (arrow.Array, error) {
	switch a := col.(type) {
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(len(indices))
		for _, i := range indices {
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewArray(), nil
	}

	b := array.NewBuilder(mem, col.DataType())
	defer b.Release()
	for _, i := range indices {
		if col.IsNull(i) {
			b.AppendNull()
			continue
		}
		if err := b.AppendValueFromString(col.ValueStr(i)); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}
