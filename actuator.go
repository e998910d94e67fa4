package claw

import (
	"context"
	"fmt"
	"strings"
)

// ControlMode selects which physical quantity a numeric motion command represents.
type ControlMode int

const (
	ControlModeMotorPower ControlMode = iota
	ControlModeVelocity
	ControlModePosition
)

func (cm ControlMode) String() string {
	switch cm {
	case ControlModeMotorPower:
		return "motor_power"
	case ControlModeVelocity:
		return "velocity"
	case ControlModePosition:
		return "position"
	default:
		return fmt.Sprintf("unknown(%d)", int(cm))
	}
}

// Valid reports whether cm is one of the known modes.
func (cm ControlMode) Valid() bool {
	return cm >= ControlModeMotorPower && cm <= ControlModePosition
}

// ParseControlMode accepts the String() form of a mode, plus a few short aliases.
func ParseControlMode(s string) (ControlMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "motor_power", "power":
		return ControlModeMotorPower, nil
	case "velocity", "vel":
		return ControlModeVelocity, nil
	case "position", "pos":
		return ControlModePosition, nil
	default:
		return 0, fmt.Errorf("%w: unknown control mode %q", ErrInvalidArgument, s)
	}
}

// ActuatorConfig is the static configuration of the single-axis actuator.
// Positive shaft motion closes the jaws.
type ActuatorConfig struct {
	// Motor revolutions per shaft revolution
	GearRatio float64 `json:"gear_ratio,omitempty"`

	// Power is a fraction of full power in [-MaxPower, MaxPower]
	MaxPower float64 `json:"max_power,omitempty"`

	MaxVelocityDegsPerSec float64 `json:"max_velocity_degs_per_sec,omitempty"`

	// Soft travel limits of the shaft after homing
	MinAngleDeg float64 `json:"min_angle_deg,omitempty"`
	MaxAngleDeg float64 `json:"max_angle_deg,omitempty"`

	// The homing switch sits at the open end of travel
	LimitSwitchActiveHigh bool `json:"-"`
}

// DefaultActuatorConfig matches the reference claw.
var DefaultActuatorConfig = ActuatorConfig{
	GearRatio:             1,
	MaxPower:              1,
	MaxVelocityDegsPerSec: 720,
	MinAngleDeg:           0,
	MaxAngleDeg:           1965,
	LimitSwitchActiveHigh: true,
}

// Validate ensures the actuator limits are consistent
func (cfg ActuatorConfig) Validate() error {
	if cfg.GearRatio <= 0 {
		return fmt.Errorf("gear_ratio must be positive, got %.3f", cfg.GearRatio)
	}
	if cfg.MaxPower <= 0 || cfg.MaxPower > 1 {
		return fmt.Errorf("max_power must be in (0, 1], got %.3f", cfg.MaxPower)
	}
	if cfg.MaxVelocityDegsPerSec <= 0 {
		return fmt.Errorf("max_velocity_degs_per_sec must be positive, got %.1f", cfg.MaxVelocityDegsPerSec)
	}
	if cfg.MinAngleDeg >= cfg.MaxAngleDeg {
		return fmt.Errorf("min_angle_deg (%.1f) must be less than max_angle_deg (%.1f)", cfg.MinAngleDeg, cfg.MaxAngleDeg)
	}
	return nil
}

// Actuator is the single-axis control primitive the claw is built on.
// It owns the motor, the encoder and the homing limit switch, performs closed-loop
// regulation for the active mode in Update, and must be safe for concurrent use.
type Actuator interface {
	SetMotorPower(ctx context.Context, power float64) error
	SetVelocity(ctx context.Context, degPerSec float64) error
	SetAngle(ctx context.Context, deg float64) error

	// Last commanded values
	CommandedPower() float64
	CommandedVelocity() float64
	CommandedAngle() float64

	// Measured values
	Velocity(ctx context.Context) (float64, error)
	Angle(ctx context.Context) (float64, error)

	ControlMode() ControlMode
	SetControlMode(ctx context.Context, mode ControlMode) error

	Update(ctx context.Context) error

	LimitSwitchTriggered(ctx context.Context) (bool, error)
	ResetEncoder(ctx context.Context) error
	Stop(ctx context.Context) error
}
