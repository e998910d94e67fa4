package claw

import (
	"fmt"
)

// MotionCommand is a motion request whose unit is carried by its type.
// Implementations are PowerCommand, VelocityCommand and PositionCommand.
type MotionCommand interface {
	Mode() ControlMode
	fmt.Stringer
	isMotionCommand()
}

// PowerCommand is a fraction of full motor power; positive closes.
type PowerCommand struct {
	Power float64
}

// VelocityCommand is a jaw gap velocity in cm/s; negative closes.
type VelocityCommand struct {
	CmPerSec float64
}

// PositionCommand is a target jaw gap in cm.
type PositionCommand struct {
	GapCm float64
}

func (PowerCommand) Mode() ControlMode    { return ControlModeMotorPower }
func (VelocityCommand) Mode() ControlMode { return ControlModeVelocity }
func (PositionCommand) Mode() ControlMode { return ControlModePosition }

func (c PowerCommand) String() string    { return fmt.Sprintf("power %.2f", c.Power) }
func (c VelocityCommand) String() string { return fmt.Sprintf("gap velocity %.2f cm/s", c.CmPerSec) }
func (c PositionCommand) String() string { return fmt.Sprintf("gap %.2f cm", c.GapCm) }

func (PowerCommand) isMotionCommand()    {}
func (VelocityCommand) isMotionCommand() {}
func (PositionCommand) isMotionCommand() {}

// NewMotionCommand interprets value in the unit of mode.
func NewMotionCommand(mode ControlMode, value float64) (MotionCommand, error) {
	switch mode {
	case ControlModeMotorPower:
		return PowerCommand{Power: value}, nil
	case ControlModeVelocity:
		return VelocityCommand{CmPerSec: value}, nil
	case ControlModePosition:
		return PositionCommand{GapCm: value}, nil
	default:
		return nil, fmt.Errorf("%w: unknown control mode %d", ErrInvalidArgument, int(mode))
	}
}
