package claw

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// positionToleranceDeg is how close the shaft must be to a position target to count as stationary.
const positionToleranceDeg = 1.0

// MotorActuator implements Actuator on top of an encoded motor and an optional homing limit switch.
type MotorActuator struct {
	cfg         ActuatorConfig
	motor       motor.Motor
	limitSwitch board.GPIOPin // nil when no switch is wired
	logger      logging.Logger

	mu          sync.Mutex
	mode        ControlMode
	power       float64
	velocity    float64
	angleTarget float64

	// soft limits only apply once the encoder has been zeroed at the switch
	homed bool

	lastAngle        float64
	lastSample       time.Time
	measuredVelocity float64

	moveCancel context.CancelFunc
	moveWG     sync.WaitGroup
}

// NewMotorActuator creates an actuator for m. limitSwitch may be nil.
func NewMotorActuator(cfg ActuatorConfig, m motor.Motor, limitSwitch board.GPIOPin, logger logging.Logger) (*MotorActuator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid actuator config")
	}
	if m == nil {
		return nil, errors.New("actuator requires a motor")
	}

	return &MotorActuator{
		cfg:         cfg,
		motor:       m,
		limitSwitch: limitSwitch,
		logger:      logger,
		mode:        ControlModeMotorPower,
	}, nil
}

// SetMotorPower commands a fraction of full power; positive closes the jaws.
func (a *MotorActuator) SetMotorPower(ctx context.Context, power float64) error {
	if math.Abs(power) > a.cfg.MaxPower {
		return errors.Wrapf(ErrInvalidOperation, "power %.2f exceeds limit %.2f", power, a.cfg.MaxPower)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelMoveLocked()
	if err := a.motor.SetPower(ctx, power, nil); err != nil {
		return errors.Wrap(err, "failed to set motor power")
	}
	a.power = power
	a.velocity = 0
	return nil
}

// SetVelocity commands a shaft velocity in degrees per second.
func (a *MotorActuator) SetVelocity(ctx context.Context, degPerSec float64) error {
	if math.Abs(degPerSec) > a.cfg.MaxVelocityDegsPerSec {
		return errors.Wrapf(ErrInvalidOperation, "velocity %.1f deg/s exceeds limit %.1f deg/s",
			degPerSec, a.cfg.MaxVelocityDegsPerSec)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelMoveLocked()
	var err error
	if degPerSec == 0 {
		err = a.motor.Stop(ctx, nil)
	} else {
		err = a.motor.SetRPM(ctx, a.shaftDegsPerSecToMotorRPM(degPerSec), nil)
	}
	if err != nil {
		return errors.Wrap(err, "failed to set motor velocity")
	}
	a.velocity = degPerSec
	a.power = 0
	return nil
}

// SetAngle starts a move of the shaft to deg and returns without waiting for it to finish.
func (a *MotorActuator) SetAngle(ctx context.Context, deg float64) error {
	if deg < a.cfg.MinAngleDeg || deg > a.cfg.MaxAngleDeg {
		return errors.Wrapf(ErrInvalidOperation, "angle %.1f outside travel %.1f..%.1f",
			deg, a.cfg.MinAngleDeg, a.cfg.MaxAngleDeg)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelMoveLocked()
	a.angleTarget = deg
	a.power = 0
	a.velocity = 0

	rpm := a.shaftDegsPerSecToMotorRPM(a.cfg.MaxVelocityDegsPerSec)
	revolutions := deg / 360 * a.cfg.GearRatio

	moveCtx, cancel := context.WithCancel(context.Background())
	a.moveCancel = cancel
	a.moveWG.Add(1)
	goutils.PanicCapturingGo(func() {
		defer a.moveWG.Done()
		if err := a.motor.GoTo(moveCtx, rpm, revolutions, nil); err != nil && moveCtx.Err() == nil {
			a.logger.Warnf("Move to %.1f deg failed: %v", deg, err)
		}
	})
	return nil
}

func (a *MotorActuator) CommandedPower() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *MotorActuator) CommandedVelocity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.velocity
}

func (a *MotorActuator) CommandedAngle() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angleTarget
}

// Velocity returns the shaft velocity estimated from encoder samples taken in Update.
func (a *MotorActuator) Velocity(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.measuredVelocity, nil
}

// Angle reads the shaft angle from the motor encoder.
func (a *MotorActuator) Angle(ctx context.Context) (float64, error) {
	revolutions, err := a.motor.Position(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read motor position")
	}
	return revolutions * 360 / a.cfg.GearRatio, nil
}

func (a *MotorActuator) ControlMode() ControlMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SetControlMode switches the mode. Commanded values are kept; an in-flight position move is abandoned.
func (a *MotorActuator) SetControlMode(ctx context.Context, mode ControlMode) error {
	if !mode.Valid() {
		return errors.Wrapf(ErrInvalidArgument, "unknown control mode %d", int(mode))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if mode != a.mode {
		a.cancelMoveLocked()
		a.logger.Debugf("Actuator control mode %s -> %s", a.mode, mode)
	}
	a.mode = mode
	return nil
}

// Update samples the encoder and halts any motion driving into the homing switch or past the soft limits.
func (a *MotorActuator) Update(ctx context.Context) error {
	angle, err := a.Angle(ctx)
	if err != nil {
		return err
	}
	limitHit, err := a.LimitSwitchTriggered(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if !a.lastSample.IsZero() {
		if dt := now.Sub(a.lastSample).Seconds(); dt > 0 {
			a.measuredVelocity = (angle - a.lastAngle) / dt
		}
	}
	a.lastAngle = angle
	a.lastSample = now

	direction := a.directionLocked(angle)
	switch {
	case limitHit && direction < 0:
		a.logger.Debugf("Limit switch triggered at %.1f deg, stopping", angle)
		return a.haltLocked(ctx, angle)
	case a.homed && direction > 0 && angle >= a.cfg.MaxAngleDeg:
		a.logger.Debugf("Soft limit %.1f deg reached, stopping", a.cfg.MaxAngleDeg)
		return a.haltLocked(ctx, angle)
	case a.homed && direction < 0 && angle <= a.cfg.MinAngleDeg:
		a.logger.Debugf("Soft limit %.1f deg reached, stopping", a.cfg.MinAngleDeg)
		return a.haltLocked(ctx, angle)
	}
	return nil
}

// LimitSwitchTriggered reads the homing switch. Without a switch it never triggers.
func (a *MotorActuator) LimitSwitchTriggered(ctx context.Context) (bool, error) {
	if a.limitSwitch == nil {
		return false, nil
	}
	high, err := a.limitSwitch.Get(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to read limit switch")
	}
	return high == a.cfg.LimitSwitchActiveHigh, nil
}

// ResetEncoder makes the current shaft position the new zero.
func (a *MotorActuator) ResetEncoder(ctx context.Context) error {
	if err := a.motor.ResetZeroPosition(ctx, 0, nil); err != nil {
		return errors.Wrap(err, "failed to reset encoder")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.homed = true
	a.angleTarget = 0
	a.lastAngle = 0
	a.lastSample = time.Time{}
	a.measuredVelocity = 0
	return nil
}

// Stop halts the motor and clears every commanded value.
func (a *MotorActuator) Stop(ctx context.Context) error {
	angle, err := a.Angle(ctx)
	if err != nil {
		a.logger.Debugf("Stopping without a position reading: %v", err)
		angle = a.CommandedAngle()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.haltLocked(ctx, angle)
}

// Close abandons any in-flight move and waits for it to return.
func (a *MotorActuator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.cancelMoveLocked()
	a.mu.Unlock()

	a.moveWG.Wait()
	return a.motor.Stop(ctx, nil)
}

// directionLocked is +1 when the commanded motion closes the jaws, -1 when it opens them.
func (a *MotorActuator) directionLocked(angle float64) int {
	var v float64
	switch a.mode {
	case ControlModeMotorPower:
		v = a.power
	case ControlModeVelocity:
		v = a.velocity
	case ControlModePosition:
		if math.Abs(a.angleTarget-angle) > positionToleranceDeg {
			v = a.angleTarget - angle
		}
	}
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func (a *MotorActuator) haltLocked(ctx context.Context, angle float64) error {
	a.cancelMoveLocked()
	a.power = 0
	a.velocity = 0
	a.angleTarget = angle
	if err := a.motor.Stop(ctx, nil); err != nil {
		return errors.Wrap(err, "failed to stop motor")
	}
	return nil
}

func (a *MotorActuator) cancelMoveLocked() {
	if a.moveCancel != nil {
		a.moveCancel()
		a.moveCancel = nil
	}
}

func (a *MotorActuator) shaftDegsPerSecToMotorRPM(degPerSec float64) float64 {
	return degPerSec / 6 * a.cfg.GearRatio
}
