package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema builds a JSON Schema document describing one telemetry row of s.
// The common columns are required and sensor_type is limited to SensorTypes.
func JSONSchema(s Schema) map[string]interface{} {
	properties := make(map[string]interface{}, len(s))
	for _, c := range s {
		var prop map[string]interface{}
		switch c.Type {
		case TypeInt64:
			prop = map[string]interface{}{"type": []string{"integer", "null"}}
		case TypeFloat64:
			prop = map[string]interface{}{"type": []string{"number", "null"}}
		default:
			prop = map[string]interface{}{"type": []string{"string", "null"}}
		}
		properties[c.Name] = prop
	}

	properties[ColTimestampNs] = map[string]interface{}{"type": "integer", "minimum": 0}
	properties[ColVehicleID] = map[string]interface{}{"type": "string", "minLength": 1}
	properties[ColSensorType] = map[string]interface{}{"type": "string", "enum": SensorTypes}

	return map[string]interface{}{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
		"required":   []string{ColTimestampNs, ColVehicleID, ColSensorType},
	}
}

// RowValidator validates raw JSON telemetry rows against a compiled schema
type RowValidator struct {
	schema *gojsonschema.Schema
}

// NewRowValidator compiles the JSON Schema for s
func NewRowValidator(s Schema) (*RowValidator, error) {
	doc, err := json.Marshal(JSONSchema(s))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row schema: %w", err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to compile row schema: %w", err)
	}

	return &RowValidator{schema: compiled}, nil
}

// Validate checks one JSON-encoded row. It returns the list of violations,
// empty when the row is valid.
func (v *RowValidator) Validate(row []byte) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(row))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, len(result.Errors()))
	for i, e := range result.Errors() {
		violations[i] = e.String()
	}
	return violations, nil
}
