package claw

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
)

// DefaultForceReadingKey is the sensor reading that carries the grip force.
const DefaultForceReadingKey = "force_newtons"

// ForceSensor reports the force currently applied by the jaws.
type ForceSensor interface {
	ReadForceNewtons(ctx context.Context) (float64, error)
}

// SensorForce reads the grip force from a numeric reading of an rdk sensor.
type SensorForce struct {
	sensor sensor.Sensor
	key    string
}

// NewSensorForce wraps s. An empty key selects DefaultForceReadingKey.
func NewSensorForce(s sensor.Sensor, key string) *SensorForce {
	if key == "" {
		key = DefaultForceReadingKey
	}
	return &SensorForce{sensor: s, key: key}
}

func (f *SensorForce) ReadForceNewtons(ctx context.Context) (float64, error) {
	readings, err := f.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read force sensor")
	}

	raw, ok := readings[f.key]
	if !ok {
		return 0, errors.Errorf("force sensor reading %q missing", f.key)
	}
	force, ok := toFloat64(raw)
	if !ok {
		return 0, errors.Errorf("force sensor reading %q is %T, not a number", f.key, raw)
	}
	return force, nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
