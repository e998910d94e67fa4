package claw

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/testutils/inject"
)

func TestSensorForce(t *testing.T) {
	ctx := context.Background()

	readings := map[string]interface{}{}
	var readErr error
	s := inject.NewSensor("fsr")
	s.ReadingsFunc = func(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
		return readings, readErr
	}

	t.Run("default key", func(t *testing.T) {
		readings = map[string]interface{}{"force_newtons": 4.25}
		f, err := NewSensorForce(s, "").ReadForceNewtons(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4.25, f)
	})

	t.Run("custom key and integer reading", func(t *testing.T) {
		readings = map[string]interface{}{"grip": int64(7)}
		f, err := NewSensorForce(s, "grip").ReadForceNewtons(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7.0, f)
	})

	t.Run("missing or non-numeric reading", func(t *testing.T) {
		readings = map[string]interface{}{"force_newtons": "high"}
		_, err := NewSensorForce(s, "").ReadForceNewtons(ctx)
		assert.Error(t, err)

		readings = map[string]interface{}{}
		_, err = NewSensorForce(s, "").ReadForceNewtons(ctx)
		assert.Error(t, err)
	})

	t.Run("sensor error", func(t *testing.T) {
		readErr = errors.New("i2c nack")
		defer func() { readErr = nil }()
		_, err := NewSensorForce(s, "").ReadForceNewtons(ctx)
		assert.ErrorContains(t, err, "i2c nack")
	})
}

func TestViamTooltip(t *testing.T) {
	ctx := context.Background()

	var moves []uint32
	s := inject.NewServo("tip")
	s.MoveFunc = func(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error {
		moves = append(moves, angleDeg)
		return nil
	}

	tip := NewViamTooltip(s)
	require.NoError(t, tip.SetPosition(ctx, 90))
	require.NoError(t, tip.SetPosition(ctx, 44.6))
	assert.Error(t, tip.SetPosition(ctx, 181))
	assert.Error(t, tip.SetPosition(ctx, -1))
	assert.Equal(t, []uint32{90, 45}, moves)
}

type fakeBusServo struct {
	position int
	enabled  bool
}

func (f *fakeBusServo) SetPosition(ctx context.Context, position int) error {
	f.position = position
	return nil
}

func (f *fakeBusServo) Position(ctx context.Context) (int, error) { return f.position, nil }
func (f *fakeBusServo) Enable(ctx context.Context) error         { f.enabled = true; return nil }
func (f *fakeBusServo) Disable(ctx context.Context) error        { f.enabled = false; return nil }

func TestCalibratedServo(t *testing.T) {
	ctx := context.Background()

	t.Run("degrees round trip around the range centre", func(t *testing.T) {
		bus := &fakeBusServo{}
		cal := DefaultTooltipCalibration
		cs := NewCalibratedServo(bus, &cal)

		require.NoError(t, cs.SetPositionDegrees(ctx, 90))
		assert.Equal(t, 3072, bus.position)

		deg, err := cs.PositionDegrees(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 90, deg, 0.1)
	})

	t.Run("drive mode inverts", func(t *testing.T) {
		bus := &fakeBusServo{}
		cal := MotorCalibration{ID: 3, DriveMode: 1, RangeMin: 1000, RangeMax: 3000}
		cs := NewCalibratedServo(bus, &cal)

		require.NoError(t, cs.SetPositionDegrees(ctx, 45))
		assert.Equal(t, 2000-512, bus.position)

		deg, err := cs.PositionDegrees(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 45, deg, 0.1)
	})

	t.Run("targets outside the range are rejected", func(t *testing.T) {
		cal := MotorCalibration{ID: 3, RangeMin: 1500, RangeMax: 2500}
		cs := NewCalibratedServo(&fakeBusServo{}, &cal)
		assert.Error(t, cs.SetPositionDegrees(ctx, 170))
	})

	t.Run("torque", func(t *testing.T) {
		bus := &fakeBusServo{}
		cs := NewCalibratedServo(bus, &DefaultTooltipCalibration)
		require.NoError(t, cs.Enable(ctx))
		assert.True(t, bus.enabled)
		require.NoError(t, cs.Disable(ctx))
		assert.False(t, bus.enabled)
	})
}

func TestMotorCalibrationValidate(t *testing.T) {
	require.NoError(t, DefaultTooltipCalibration.Validate())

	bad := []MotorCalibration{
		{ID: 300, RangeMin: 0, RangeMax: 100},
		{ID: 1, RangeMin: 100, RangeMax: 100},
		{ID: 1, RangeMin: -1, RangeMax: 100},
		{ID: 1, RangeMin: 0, RangeMax: 5000},
	}
	for _, cal := range bad {
		assert.Error(t, cal.Validate(), "%+v", cal)
	}
}
