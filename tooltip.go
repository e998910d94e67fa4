package claw

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/servo"
)

// TooltipServo positions the hinged tool tip on the end of the claw.
type TooltipServo interface {
	SetPosition(ctx context.Context, angleDeg float64) error
}

// ViamTooltip drives the tool tip through an rdk servo, which accepts 0..180 degrees.
type ViamTooltip struct {
	servo servo.Servo
}

func NewViamTooltip(s servo.Servo) *ViamTooltip {
	return &ViamTooltip{servo: s}
}

func (t *ViamTooltip) SetPosition(ctx context.Context, angleDeg float64) error {
	if angleDeg < 0 || angleDeg > 180 {
		return errors.Errorf("servo angle %.1f outside 0..180", angleDeg)
	}
	return t.servo.Move(ctx, uint32(angleDeg+0.5), nil)
}

// FeetechTooltip drives the tool tip through a feetech bus servo.
type FeetechTooltip struct {
	servo *CalibratedServo
	port  string
}

// NewFeetechTooltip acquires the shared bus for cfg and enables torque on the tip servo.
func NewFeetechTooltip(ctx context.Context, cfg BusConfig, calibration MotorCalibration) (*FeetechTooltip, error) {
	if err := calibration.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tooltip calibration")
	}

	bus, err := AcquireSharedBus(cfg)
	if err != nil {
		return nil, err
	}

	cs := newFeetechCalibratedServo(bus, &calibration)
	if err := cs.Enable(ctx); err != nil {
		ReleaseSharedBus(cfg.Port)
		return nil, errors.Wrapf(err, "failed to enable tooltip servo %d", calibration.ID)
	}
	return &FeetechTooltip{servo: cs, port: cfg.Port}, nil
}

func (t *FeetechTooltip) SetPosition(ctx context.Context, angleDeg float64) error {
	return t.servo.SetPositionDegrees(ctx, angleDeg)
}

// Close disables torque and releases the bus.
func (t *FeetechTooltip) Close(ctx context.Context) error {
	defer ReleaseSharedBus(t.port)
	return t.servo.Disable(ctx)
}
