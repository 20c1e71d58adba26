package schema

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// ArrowType maps a column type to its Arrow data type
func ArrowType(t ColumnType) arrow.DataType {
	switch t {
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

// ArrowSchema converts a telemetry schema to an Arrow schema.
// Every field is nullable since sensor-specific columns are null for other sensors.
func ArrowSchema(s Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(s))
	for i, c := range s {
		fields[i] = arrow.Field{Name: c.Name, Type: ArrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// ColumnTypeOf maps an Arrow data type back to a telemetry column type
func ColumnTypeOf(dt arrow.DataType) (ColumnType, bool) {
	switch dt.ID() {
	case arrow.INT64:
		return TypeInt64, true
	case arrow.FLOAT64:
		return TypeFloat64, true
	case arrow.STRING:
		return TypeString, true
	default:
		return "", false
	}
}
