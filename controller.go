package claw

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	defaultCommandLockTimeout     = 200 * time.Millisecond
	defaultCalibrationLockTimeout = 1000 * time.Millisecond
	defaultCalibrationTick        = 2 * time.Millisecond
	defaultCalibrationSettle      = 750 * time.Millisecond
	defaultCalibrationTimeout     = 10 * time.Second

	// Negative power opens the jaws, driving toward the homing switch at the open end.
	defaultCalibrationPower = -0.5
)

// ControllerConfig holds the fixed parameters of a Controller.
type ControllerConfig struct {
	MaxForceNewtons float64

	TooltipExtendedDeg  float64
	TooltipRetractedDeg float64

	// Power used to drive toward the homing switch; defaults to -0.5 (half power, opening).
	CalibrationPower   float64
	CalibrationTimeout time.Duration
	CalibrationTick    time.Duration
	CalibrationSettle  time.Duration

	// When set, a homing run that never reaches the switch returns ErrCalibrationTimedOut
	// and leaves the encoder untouched instead of reporting success.
	FailOnCalibrationTimeout bool

	CommandLockTimeout     time.Duration
	CalibrationLockTimeout time.Duration

	Gap GapCalibration
}

func (cfg *ControllerConfig) applyDefaults() {
	if cfg.CalibrationPower == 0 {
		cfg.CalibrationPower = defaultCalibrationPower
	}
	if cfg.CalibrationTimeout == 0 {
		cfg.CalibrationTimeout = defaultCalibrationTimeout
	}
	if cfg.CalibrationTick == 0 {
		cfg.CalibrationTick = defaultCalibrationTick
	}
	if cfg.CalibrationSettle == 0 {
		cfg.CalibrationSettle = defaultCalibrationSettle
	}
	if cfg.CommandLockTimeout == 0 {
		cfg.CommandLockTimeout = defaultCommandLockTimeout
	}
	if cfg.CalibrationLockTimeout == 0 {
		cfg.CalibrationLockTimeout = defaultCalibrationLockTimeout
	}
	if cfg.Gap == (GapCalibration{}) {
		cfg.Gap = DefaultGapCalibration
	}
}

func (cfg *ControllerConfig) validate() error {
	if cfg.MaxForceNewtons <= 0 {
		return errors.Errorf("max force must be positive, got %.2f", cfg.MaxForceNewtons)
	}
	if cfg.CalibrationPower < -1 || cfg.CalibrationPower > 1 {
		return errors.Errorf("calibration power must be in [-1, 1], got %.2f", cfg.CalibrationPower)
	}
	if cfg.CalibrationTimeout < 0 || cfg.CalibrationTick < 0 || cfg.CalibrationSettle < 0 {
		return errors.New("calibration durations must not be negative")
	}
	return cfg.Gap.Validate()
}

// Controller is a force-limited, mode-switchable claw built on an Actuator.
//
// The motion setters, mode changes, Stop and homing are serialized by one
// bounded-wait lock; a caller that cannot get it in time receives
// ErrLockTimeout and nothing is changed. Update never takes the lock.
type Controller struct {
	cfg      ControllerConfig
	actuator Actuator
	force    ForceSensor
	tooltip  TooltipServo
	logger   logging.Logger

	lock *timedMutex

	// raised for the whole homing run; commands issued meanwhile time out
	calibrating      atomic.Bool
	calibrationState atomic.Int32
	lastCalibration  atomic.Pointer[CalibrationResult]

	overrideActive atomic.Bool
}

// NewController composes a controller. tooltip may be nil if the claw has no tool tip.
func NewController(
	cfg ControllerConfig,
	actuator Actuator,
	force ForceSensor,
	tooltip TooltipServo,
	logger logging.Logger,
) (*Controller, error) {
	if actuator == nil {
		return nil, errors.New("controller requires an actuator")
	}
	if force == nil {
		return nil, errors.New("controller requires a force sensor")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid controller config")
	}

	return &Controller{
		cfg:      cfg,
		actuator: actuator,
		force:    force,
		tooltip:  tooltip,
		logger:   logger,
		lock:     newTimedMutex(),
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Controller) Config() ControllerConfig {
	return c.cfg
}

func (c *Controller) withCommandLock(ctx context.Context, op string, fn func() error) error {
	if !c.lock.TryLockFor(ctx, c.cfg.CommandLockTimeout) {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s cancelled waiting for lock", op)
		}
		if c.calibrating.Load() {
			return errors.Wrapf(ErrLockTimeout, "%s rejected while calibrating", op)
		}
		return errors.Wrapf(ErrLockTimeout, "%s: lock not acquired within %v", op, c.cfg.CommandLockTimeout)
	}
	defer c.lock.Unlock()
	return fn()
}

// commandInMode runs fn under the command lock after switching the actuator to
// mode, so the commanded value is always the one the active mode reads.
func (c *Controller) commandInMode(ctx context.Context, op string, mode ControlMode, fn func() error) error {
	return c.withCommandLock(ctx, op, func() error {
		if c.actuator.ControlMode() != mode {
			if err := c.actuator.SetControlMode(ctx, mode); err != nil {
				return errors.Wrapf(err, "%s: failed to enter %s mode", op, mode)
			}
		}
		return fn()
	})
}

// SetMotorPower switches to motor power mode and commands a fraction of full power; positive closes.
func (c *Controller) SetMotorPower(ctx context.Context, power float64) error {
	return c.commandInMode(ctx, "set motor power", ControlModeMotorPower, func() error {
		return c.actuator.SetMotorPower(ctx, power)
	})
}

// SetGapVelocityCmPerSec switches to velocity mode and commands the rate of
// change of the jaw gap; negative closes.
func (c *Controller) SetGapVelocityCmPerSec(ctx context.Context, cmPerSec float64) error {
	gapCm, err := c.GapDistanceCm(ctx)
	if err != nil {
		return err
	}
	degPerSec := c.cfg.Gap.ShaftVelocityFromGapVelocity(c.cfg.Gap.ClampGap(gapCm), cmPerSec)

	return c.commandInMode(ctx, "set gap velocity", ControlModeVelocity, func() error {
		return c.actuator.SetVelocity(ctx, degPerSec)
	})
}

// SetGapDistanceCm switches to position mode and commands a target jaw gap.
func (c *Controller) SetGapDistanceCm(ctx context.Context, gapCm float64) error {
	deg := c.cfg.Gap.ShaftDegreesFromGapCm(gapCm)

	return c.commandInMode(ctx, "set gap distance", ControlModePosition, func() error {
		return c.actuator.SetAngle(ctx, deg)
	})
}

// SetMotionData interprets value in the unit of the active control mode.
func (c *Controller) SetMotionData(ctx context.Context, value float64) error {
	cmd, err := NewMotionCommand(c.actuator.ControlMode(), value)
	if err != nil {
		return err
	}
	return c.Execute(ctx, cmd)
}

// Execute runs a typed motion command, switching to the mode the command belongs to.
func (c *Controller) Execute(ctx context.Context, cmd MotionCommand) error {
	switch cmd := cmd.(type) {
	case PowerCommand:
		return c.SetMotorPower(ctx, cmd.Power)
	case VelocityCommand:
		return c.SetGapVelocityCmPerSec(ctx, cmd.CmPerSec)
	case PositionCommand:
		return c.SetGapDistanceCm(ctx, cmd.GapCm)
	default:
		return fmt.Errorf("%w: unsupported motion command %T", ErrInvalidArgument, cmd)
	}
}

// ControlMode returns the active control mode of the actuator.
func (c *Controller) ControlMode() ControlMode {
	return c.actuator.ControlMode()
}

// SetControlMode switches the active control mode.
func (c *Controller) SetControlMode(ctx context.Context, mode ControlMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown control mode %d", ErrInvalidArgument, int(mode))
	}
	return c.withCommandLock(ctx, "set control mode", func() error {
		return c.actuator.SetControlMode(ctx, mode)
	})
}

// ExtendToolTip moves the tool tip to its extended angle. It does not take the command lock.
func (c *Controller) ExtendToolTip(ctx context.Context) error {
	return c.setToolTip(ctx, c.cfg.TooltipExtendedDeg)
}

// RetractToolTip moves the tool tip to its retracted angle. It does not take the command lock.
func (c *Controller) RetractToolTip(ctx context.Context) error {
	return c.setToolTip(ctx, c.cfg.TooltipRetractedDeg)
}

func (c *Controller) setToolTip(ctx context.Context, angleDeg float64) error {
	if c.tooltip == nil {
		return errors.Wrap(ErrInvalidOperation, "no tool tip servo configured")
	}
	if err := c.tooltip.SetPosition(ctx, angleDeg); err != nil {
		return fmt.Errorf("%w: tool tip servo rejected %.1f deg: %v", ErrInvalidOperation, angleDeg, err)
	}
	return nil
}

// GapVelocityCmPerSec derives the jaw gap velocity from the measured shaft motion.
func (c *Controller) GapVelocityCmPerSec(ctx context.Context) (float64, error) {
	angle, err := c.actuator.Angle(ctx)
	if err != nil {
		return 0, err
	}
	velocity, err := c.actuator.Velocity(ctx)
	if err != nil {
		return 0, err
	}
	return c.cfg.Gap.GapVelocityFromShaftVelocity(angle, velocity), nil
}

// GapDistanceCm derives the jaw gap from the measured shaft angle.
func (c *Controller) GapDistanceCm(ctx context.Context) (float64, error) {
	angle, err := c.actuator.Angle(ctx)
	if err != nil {
		return 0, err
	}
	return c.cfg.Gap.GapCmFromShaftDegrees(angle), nil
}

// GripForceNewtons reads the force sensor.
func (c *Controller) GripForceNewtons(ctx context.Context) (float64, error) {
	return c.force.ReadForceNewtons(ctx)
}

// Update runs one control cycle. If the grip force is above the limit while
// the active mode is commanding the jaws closed, the closing command is
// replaced with a stationary one and the actuator's own update is skipped
// for this cycle. Otherwise the actuator update runs as normal.
//
// A failed force read is treated as an over-limit reading. When nothing is
// closing, the actuator update still runs and the read error is returned.
func (c *Controller) Update(ctx context.Context) error {
	force, forceErr := c.force.ReadForceNewtons(ctx)
	if forceErr == nil && force <= c.cfg.MaxForceNewtons {
		if c.overrideActive.CompareAndSwap(true, false) {
			c.logger.Infof("Grip force %.2f N back within %.2f N", force, c.cfg.MaxForceNewtons)
		}
		return c.actuator.Update(ctx)
	}

	handled, err := c.applySafetyOverride(ctx, force, forceErr)
	if forceErr != nil {
		readErr := errors.Wrap(forceErr, "failed to read grip force")
		if handled {
			if err != nil {
				c.logger.Warnf("Safety override failed: %v", err)
			}
			return readErr
		}
		// not closing: the actuator's own limit switch and soft limit stops still apply
		return stderrors.Join(readErr, c.actuator.Update(ctx))
	}
	if handled {
		return err
	}
	return c.actuator.Update(ctx)
}

// applySafetyOverride stops closing motion in the active mode. It reports whether it acted.
func (c *Controller) applySafetyOverride(ctx context.Context, force float64, forceErr error) (bool, error) {
	logOverride := func() {
		if !c.overrideActive.CompareAndSwap(false, true) {
			return
		}
		if forceErr != nil {
			c.logger.Warnf("Grip force unavailable (%v), stopping closing motion", forceErr)
			return
		}
		c.logger.Warnf("Grip force %.2f N exceeds %.2f N, stopping closing motion", force, c.cfg.MaxForceNewtons)
	}

	switch mode := c.actuator.ControlMode(); mode {
	case ControlModeMotorPower:
		if c.actuator.CommandedPower() > 0 {
			logOverride()
			return true, c.actuator.SetMotorPower(ctx, 0)
		}
	case ControlModeVelocity:
		if c.actuator.CommandedVelocity() > 0 {
			logOverride()
			return true, c.actuator.SetVelocity(ctx, 0)
		}
	case ControlModePosition:
		angle, err := c.actuator.Angle(ctx)
		if err != nil {
			logOverride()
			return true, c.actuator.Stop(ctx)
		}
		if c.actuator.CommandedAngle() > angle+positionToleranceDeg {
			logOverride()
			if err := c.actuator.SetAngle(ctx, angle); err != nil {
				// measured angle is outside the soft limits; stopping is the only hold left
				return true, c.actuator.Stop(ctx)
			}
			return true, nil
		}
	default:
		return true, fmt.Errorf("%w: safety override has no policy for control mode %s", ErrInvalidArgument, mode)
	}
	return false, nil
}

// Stop halts all motion.
func (c *Controller) Stop(ctx context.Context) error {
	return c.withCommandLock(ctx, "stop", func() error {
		return c.actuator.Stop(ctx)
	})
}

// Calibrating reports whether a homing run currently owns the controller.
func (c *Controller) Calibrating() bool {
	return c.calibrating.Load()
}

// ClawState is a point-in-time view of the controller.
type ClawState struct {
	ControlMode       ControlMode
	GapCm             float64
	GapVelocityCmPerS float64
	ForceNewtons      float64
	CommandedPower    float64
	CommandedVelocity float64
	CommandedAngleDeg float64
	Calibrating       bool
	CalibrationState  CalibrationState
	OverrideActive    bool
	LastCalibration   *CalibrationResult
}

// State samples the controller without taking the command lock.
func (c *Controller) State(ctx context.Context) (ClawState, error) {
	state := ClawState{
		ControlMode:       c.actuator.ControlMode(),
		CommandedPower:    c.actuator.CommandedPower(),
		CommandedVelocity: c.actuator.CommandedVelocity(),
		CommandedAngleDeg: c.actuator.CommandedAngle(),
		Calibrating:       c.calibrating.Load(),
		CalibrationState:  CalibrationState(c.calibrationState.Load()),
		OverrideActive:    c.overrideActive.Load(),
		LastCalibration:   c.lastCalibration.Load(),
	}

	var err error
	if state.GapCm, err = c.GapDistanceCm(ctx); err != nil {
		return state, err
	}
	if state.GapVelocityCmPerS, err = c.GapVelocityCmPerSec(ctx); err != nil {
		return state, err
	}
	if state.ForceNewtons, err = c.GripForceNewtons(ctx); err != nil {
		return state, err
	}
	return state, nil
}

// ToMap renders the state for DoCommand and sensor readings.
func (s ClawState) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"control_mode":          s.ControlMode.String(),
		"gap_cm":                s.GapCm,
		"gap_velocity_cm_per_s": s.GapVelocityCmPerS,
		"force_newtons":         s.ForceNewtons,
		"commanded_power":       s.CommandedPower,
		"commanded_velocity":    s.CommandedVelocity,
		"commanded_angle_deg":   s.CommandedAngleDeg,
		"calibrating":           s.Calibrating,
		"calibration_state":     s.CalibrationState.String(),
		"force_override_active": s.OverrideActive,
	}
	if s.LastCalibration != nil {
		m["last_calibration_outcome"] = s.LastCalibration.Outcome.String()
		m["last_calibration_elapsed_ms"] = s.LastCalibration.Elapsed.Milliseconds()
	}
	return m
}
