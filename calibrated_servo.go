package claw

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// stsResolution is the number of raw steps per turn of an STS bus servo.
const stsResolution = 4096

// MotorCalibration maps the raw position of a bus servo to degrees.
// RangeMin..RangeMax bounds the reachable raw positions; the centre of the
// range is 0 degrees plus HomingOffset raw steps.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// DefaultTooltipCalibration assumes an STS3215 with its full mechanical range usable.
var DefaultTooltipCalibration = MotorCalibration{
	ID:       1,
	RangeMin: 0,
	RangeMax: stsResolution - 1,
}

func (c *MotorCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax)/2.0 + float64(c.HomingOffset)
}

// Degrees converts a raw servo position to degrees from the centre of the range.
func (c *MotorCalibration) Degrees(raw int) float64 {
	deg := (float64(raw) - c.center()) * 360 / stsResolution
	if c.DriveMode != 0 {
		deg = -deg
	}
	return deg
}

// Raw converts degrees to a raw servo position. Targets outside the range are an error.
func (c *MotorCalibration) Raw(deg float64) (int, error) {
	if c.DriveMode != 0 {
		deg = -deg
	}
	raw := int(math.Round(deg*stsResolution/360 + c.center()))
	if raw < c.RangeMin || raw > c.RangeMax {
		return 0, fmt.Errorf("%.1f deg maps to raw %d outside %d..%d", deg, raw, c.RangeMin, c.RangeMax)
	}
	return raw, nil
}

// Validate checks if the calibration parameters are valid
func (c *MotorCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ID)
	}

	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}

	if c.RangeMin < 0 || c.RangeMax > stsResolution-1 {
		return fmt.Errorf("range values must be between 0-%d, got min=%d max=%d", stsResolution-1, c.RangeMin, c.RangeMax)
	}

	return nil
}

// busServo is the part of feetech.Servo the tooltip needs.
type busServo interface {
	SetPosition(ctx context.Context, position int) error
	Position(ctx context.Context) (int, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// CalibratedServo wraps a bus servo with degree calibration
type CalibratedServo struct {
	servo       busServo
	calibration *MotorCalibration
	mu          sync.RWMutex
}

// NewCalibratedServo creates a new calibrated servo wrapper
func NewCalibratedServo(servo busServo, calibration *MotorCalibration) *CalibratedServo {
	return &CalibratedServo{
		servo:       servo,
		calibration: calibration,
	}
}

// newFeetechCalibratedServo addresses an STS3215 on bus.
func newFeetechCalibratedServo(bus *feetech.Bus, calibration *MotorCalibration) *CalibratedServo {
	return NewCalibratedServo(feetech.NewServo(bus, calibration.ID, &feetech.ModelSTS3215), calibration)
}

// PositionDegrees reads the current position in degrees
func (cs *CalibratedServo) PositionDegrees(ctx context.Context) (float64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	return cs.calibration.Degrees(raw), nil
}

// SetPositionDegrees moves the servo to deg
func (cs *CalibratedServo) SetPositionDegrees(ctx context.Context, deg float64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	raw, err := cs.calibration.Raw(deg)
	if err != nil {
		return err
	}

	if err := cs.servo.SetPosition(ctx, raw); err != nil {
		return fmt.Errorf("failed to set position: %w", err)
	}
	return nil
}

// Enable enables the servo torque
func (cs *CalibratedServo) Enable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.servo.Enable(ctx)
}

// Disable disables the servo torque
func (cs *CalibratedServo) Disable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.servo.Disable(ctx)
}
