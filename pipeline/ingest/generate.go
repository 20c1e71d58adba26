package ingest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/fleet-telemetry/pipeline/schema"
)

// GenerateOptions controls synthetic telemetry generation
type GenerateOptions struct {
	Rows     int
	Vehicles int
	Seed     int64
	// StartNs is the first timestamp; rows are spaced by IntervalNs
	StartNs    int64
	IntervalNs int64
}

// DefaultGenerateOptions returns a small deterministic fleet sample
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Rows:       10000,
		Vehicles:   5,
		Seed:       42,
		StartNs:    1_700_000_000_000_000_000,
		IntervalNs: 10_000_000,
	}
}

// GenerateTelemetry returns time-ordered synthetic telemetry with the unified
// schema. The same options always produce the same table.
func GenerateTelemetry(opts GenerateOptions) (*Table, error) {
	if opts.Rows < 0 {
		return nil, fmt.Errorf("rows must not be negative")
	}
	if opts.Vehicles <= 0 {
		return nil, fmt.Errorf("vehicles must be greater than 0")
	}
	if opts.IntervalNs <= 0 {
		opts.IntervalNs = DefaultGenerateOptions().IntervalNs
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rows := make([]Row, opts.Rows)
	for i := range rows {
		sensor := schema.SensorTypes[rng.Intn(len(schema.SensorTypes))]
		row := Row{
			schema.ColTimestampNs: opts.StartNs + int64(i)*opts.IntervalNs,
			schema.ColVehicleID:   fmt.Sprintf("V%03d", rng.Intn(opts.Vehicles)),
			schema.ColSensorType:  sensor,
		}
		fillSensorFields(rng, sensor, row)
		rows[i] = row
	}

	return FromRows(schema.TelemetrySchema, rows)
}

func fillSensorFields(rng *rand.Rand, sensor string, row Row) {
	switch sensor {
	case schema.SensorIMU:
		row["accel_x"] = rng.NormFloat64() * 0.5
		row["accel_y"] = rng.NormFloat64() * 0.5
		row["accel_z"] = 9.81 + rng.NormFloat64()*0.1
		row["gyro_x"] = rng.NormFloat64() * 0.02
		row["gyro_y"] = rng.NormFloat64() * 0.02
		row["gyro_z"] = rng.NormFloat64() * 0.05
		yaw := rng.Float64() * 2 * math.Pi
		row["orientation_w"] = math.Cos(yaw / 2)
		row["orientation_x"] = 0.0
		row["orientation_y"] = 0.0
		row["orientation_z"] = math.Sin(yaw / 2)
	case schema.SensorLidar:
		row["point_count"] = int64(90000 + rng.Intn(30000))
		row["min_range"] = 0.5 + rng.Float64()
		row["max_range"] = 80 + rng.Float64()*120
		row["mean_intensity"] = 20 + rng.Float64()*60
		row["frame_id"] = "lidar_top"
	case schema.SensorCAN:
		speed := math.Max(0, 50+rng.NormFloat64()*20)
		row[schema.ColVehicleSpeedKmh] = speed
		row[schema.ColBrakePressurePct] = math.Min(100, math.Abs(rng.NormFloat64()*25))
		row["steering_angle_deg"] = rng.NormFloat64() * 15
		row["throttle_position_pct"] = rng.Float64() * 60
		row["engine_rpm"] = 800 + speed*40
		row["gear_position"] = int64(1 + rng.Intn(6))
	case schema.SensorGPS:
		row["latitude"] = 37.7749 + rng.NormFloat64()*0.01
		row["longitude"] = -122.4194 + rng.NormFloat64()*0.01
		row["altitude_m"] = 15 + rng.NormFloat64()*2
		row["velocity_north"] = rng.NormFloat64() * 10
		row["velocity_east"] = rng.NormFloat64() * 10
	case schema.SensorCamera:
		row["frame_id"] = "camera_front"
		row["exposure_ms"] = 5 + rng.Float64()*20
		row["object_count"] = int64(rng.Intn(25))
		row["resolution_w"] = int64(1920)
		row["resolution_h"] = int64(1080)
	}
}
