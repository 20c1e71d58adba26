// Package schema holds the telemetry column tables for ROS2 / NVIDIA DRIVE fleet data.
//
// Column sets follow ROS2 message conventions: sensor_msgs/Imu,
// sensor_msgs/PointCloud2, automotive CAN bus signals, nav_msgs/Odometry and
// sensor_msgs/Image metadata. Every sensor schema is flattened into the unified
// TelemetrySchema, where columns that do not apply to a row's sensor are null.
package schema

import (
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
)

// ColumnType is the logical type of a telemetry column
type ColumnType string

const (
	TypeInt64   ColumnType = "int64"
	TypeFloat64 ColumnType = "float64"
	TypeString  ColumnType = "str"
)

// Column is a named, typed telemetry column
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an ordered list of columns
type Schema []Column

// Names returns the column names in order
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the column with the given name
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Sensor types
const (
	SensorIMU    = "imu"
	SensorLidar  = "lidar"
	SensorCAN    = "can"
	SensorGPS    = "gps"
	SensorCamera = "camera"
)

// SensorTypes is the fixed sensor enumeration
var SensorTypes = []string{SensorIMU, SensorLidar, SensorCAN, SensorGPS, SensorCamera}

// Common column names referenced by filters and the query engine
const (
	ColTimestampNs      = "timestamp_ns"
	ColVehicleID        = "vehicle_id"
	ColSensorType       = "sensor_type"
	ColBrakePressurePct = "brake_pressure_pct"
	ColVehicleSpeedKmh  = "vehicle_speed_kmh"
)

var commonColumns = Schema{
	{ColTimestampNs, TypeInt64},
	{ColVehicleID, TypeString},
	{ColSensorType, TypeString},
}

func withCommon(cols ...Column) Schema {
	s := make(Schema, 0, len(commonColumns)+len(cols))
	s = append(s, commonColumns...)
	return append(s, cols...)
}

var (
	// IMUSchema is sensor_msgs/Imu
	IMUSchema = withCommon(
		Column{"accel_x", TypeFloat64},
		Column{"accel_y", TypeFloat64},
		Column{"accel_z", TypeFloat64},
		Column{"gyro_x", TypeFloat64},
		Column{"gyro_y", TypeFloat64},
		Column{"gyro_z", TypeFloat64},
		Column{"orientation_w", TypeFloat64},
		Column{"orientation_x", TypeFloat64},
		Column{"orientation_y", TypeFloat64},
		Column{"orientation_z", TypeFloat64},
	)

	// LidarSchema is sensor_msgs/PointCloud2 summary statistics
	LidarSchema = withCommon(
		Column{"point_count", TypeInt64},
		Column{"min_range", TypeFloat64},
		Column{"max_range", TypeFloat64},
		Column{"mean_intensity", TypeFloat64},
		Column{"frame_id", TypeString},
	)

	// CANSchema holds CAN/Ethernet virtual sensor signals
	CANSchema = withCommon(
		Column{ColVehicleSpeedKmh, TypeFloat64},
		Column{ColBrakePressurePct, TypeFloat64},
		Column{"steering_angle_deg", TypeFloat64},
		Column{"throttle_position_pct", TypeFloat64},
		Column{"engine_rpm", TypeFloat64},
		Column{"gear_position", TypeInt64},
	)

	// GPSSchema is nav_msgs/Odometry or sensor_msgs/NavSatFix
	GPSSchema = withCommon(
		Column{"latitude", TypeFloat64},
		Column{"longitude", TypeFloat64},
		Column{"altitude_m", TypeFloat64},
		Column{"velocity_north", TypeFloat64},
		Column{"velocity_east", TypeFloat64},
	)

	// CameraSchema is sensor_msgs/Image metadata
	CameraSchema = withCommon(
		Column{"frame_id", TypeString},
		Column{"exposure_ms", TypeFloat64},
		Column{"object_count", TypeInt64},
		Column{"resolution_w", TypeInt64},
		Column{"resolution_h", TypeInt64},
	)

	// TelemetrySchema is the unified Parquet layout: every column of every sensor
	TelemetrySchema = withCommon(
		Column{"accel_x", TypeFloat64},
		Column{"accel_y", TypeFloat64},
		Column{"accel_z", TypeFloat64},
		Column{"gyro_x", TypeFloat64},
		Column{"gyro_y", TypeFloat64},
		Column{"gyro_z", TypeFloat64},
		Column{"orientation_w", TypeFloat64},
		Column{"orientation_x", TypeFloat64},
		Column{"orientation_y", TypeFloat64},
		Column{"orientation_z", TypeFloat64},
		Column{"point_count", TypeInt64},
		Column{"min_range", TypeFloat64},
		Column{"max_range", TypeFloat64},
		Column{"mean_intensity", TypeFloat64},
		Column{ColVehicleSpeedKmh, TypeFloat64},
		Column{ColBrakePressurePct, TypeFloat64},
		Column{"steering_angle_deg", TypeFloat64},
		Column{"throttle_position_pct", TypeFloat64},
		Column{"engine_rpm", TypeFloat64},
		Column{"gear_position", TypeInt64},
		Column{"latitude", TypeFloat64},
		Column{"longitude", TypeFloat64},
		Column{"altitude_m", TypeFloat64},
		Column{"velocity_north", TypeFloat64},
		Column{"velocity_east", TypeFloat64},
		Column{"frame_id", TypeString},
		Column{"exposure_ms", TypeFloat64},
		Column{"object_count", TypeInt64},
		Column{"resolution_w", TypeInt64},
		Column{"resolution_h", TypeInt64},
	)
)

var sensorSchemas = map[string]Schema{
	SensorIMU:    IMUSchema,
	SensorLidar:  LidarSchema,
	SensorCAN:    CANSchema,
	SensorGPS:    GPSSchema,
	SensorCamera: CameraSchema,
}

// SchemaForSensor returns the schema of a known sensor type
func SchemaForSensor(sensorType string) (Schema, bool) {
	s, ok := sensorSchemas[sensorType]
	return s, ok
}

// GetColumnsForSensor returns the required columns for a sensor type.
// Unknown sensor types get the full unified column list.
func GetColumnsForSensor(sensorType string) []string {
	if s, ok := sensorSchemas[sensorType]; ok {
		return s.Names()
	}
	return TelemetrySchema.Names()
}

// columnNamer is implemented by tabular values such as ingest.Table
type columnNamer interface {
	ColumnNames() []string
}

// ValidateSchema reports whether data carries every column of expected.
// data may be a table exposing ColumnNames, an *arrow.Schema, a Schema, or any
// map keyed by string. Anything else is invalid.
func ValidateSchema(data any, expected Schema) bool {
	var cols []string
	switch v := data.(type) {
	case nil:
		return false
	case columnNamer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return false
		}
		cols = v.ColumnNames()
	case *arrow.Schema:
		if v == nil {
			return false
		}
		for _, f := range v.Fields() {
			cols = append(cols, f.Name)
		}
	case Schema:
		cols = v.Names()
	default:
		rv := reflect.ValueOf(data)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return false
		}
		for _, k := range rv.MapKeys() {
			cols = append(cols, k.String())
		}
	}

	have := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		have[c] = struct{}{}
	}
	for _, c := range expected {
		if _, ok := have[c.Name]; !ok {
			return false
		}
	}
	return true
}
