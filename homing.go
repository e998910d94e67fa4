package claw

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// CalibrationState is the phase of a homing run.
type CalibrationState int

const (
	CalibrationIdle CalibrationState = iota
	CalibrationDriving
	CalibrationLimitHit
	CalibrationTimedOut
	CalibrationSettling
	CalibrationDone
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationIdle:
		return "idle"
	case CalibrationDriving:
		return "driving"
	case CalibrationLimitHit:
		return "limit_hit"
	case CalibrationTimedOut:
		return "timed_out"
	case CalibrationSettling:
		return "settling"
	case CalibrationDone:
		return "done"
	default:
		return "unknown"
	}
}

// CalibrationResult describes how a homing run ended.
type CalibrationResult struct {
	// CalibrationLimitHit or CalibrationTimedOut; CalibrationIdle if the run was cancelled
	Outcome CalibrationState
	Elapsed time.Duration
}

func (c *Controller) setCalibrationState(s CalibrationState) {
	c.calibrationState.Store(int32(s))
	c.logger.Debugf("Calibration state: %s", s)
}

// RunPositionCalibration homes the claw against the limit switch and zeroes the encoder there.
//
// It drives the jaws open at CalibrationPower until the switch triggers or
// CalibrationTimeout elapses, stops, waits CalibrationSettle, resets the
// encoder and restores the previous control mode. The command lock is held
// for the whole run, so other commands fail with ErrLockTimeout until it
// returns.
//
// Every tick runs Update, but the force limit only cuts closing motion. The
// default CalibrationPower of -0.5 opens the jaws toward the switch at the
// open end, so the override never fires during a default run. Only a
// positive calibration_power drives closed and can be cut short by it.
//
// Reaching the timeout is not an error unless FailOnCalibrationTimeout is set.
// Cancelling ctx ends the run early; the motor is still stopped and the mode
// restored, but the encoder is left untouched.
func (c *Controller) RunPositionCalibration(ctx context.Context) (CalibrationResult, error) {
	prevMode := c.actuator.ControlMode()

	if !c.lock.TryLockFor(ctx, c.cfg.CalibrationLockTimeout) {
		if err := ctx.Err(); err != nil {
			return CalibrationResult{}, errors.Wrap(err, "calibration cancelled waiting for lock")
		}
		return CalibrationResult{}, errors.Wrapf(ErrLockTimeout,
			"calibration: lock not acquired within %v", c.cfg.CalibrationLockTimeout)
	}
	defer c.lock.Unlock()

	c.calibrating.Store(true)
	defer c.calibrating.Store(false)
	defer c.setCalibrationState(CalibrationIdle)

	// cleanup must still reach the hardware after ctx is cancelled
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := c.actuator.SetControlMode(cleanupCtx, prevMode); err != nil {
			c.logger.Warnf("Failed to restore control mode %s after calibration: %v", prevMode, err)
		}
	}()

	c.logger.Infof("Starting position calibration (power %.2f, timeout %v)", c.cfg.CalibrationPower, c.cfg.CalibrationTimeout)
	start := time.Now()
	result := CalibrationResult{}

	if err := c.actuator.SetControlMode(ctx, ControlModeMotorPower); err != nil {
		return result, errors.Wrap(err, "calibration: failed to enter motor power mode")
	}
	c.setCalibrationState(CalibrationDriving)
	if err := c.actuator.SetMotorPower(ctx, c.cfg.CalibrationPower); err != nil {
		return result, errors.Wrap(err, "calibration: failed to drive toward limit switch")
	}

	outcome, loopErr := c.driveToLimit(ctx, start)
	result.Outcome = outcome

	if err := c.actuator.SetMotorPower(cleanupCtx, 0); err != nil {
		c.logger.Warnf("Failed to stop motor after calibration drive: %v", err)
	}
	if loopErr != nil {
		result.Elapsed = time.Since(start)
		return result, loopErr
	}
	c.setCalibrationState(outcome)

	if outcome == CalibrationTimedOut {
		c.logger.Warnf("Calibration timed out after %v without reaching the limit switch", c.cfg.CalibrationTimeout)
		if c.cfg.FailOnCalibrationTimeout {
			result.Elapsed = time.Since(start)
			c.lastCalibration.Store(&result)
			return result, errors.Wrapf(ErrCalibrationTimedOut, "after %v", c.cfg.CalibrationTimeout)
		}
	}

	c.setCalibrationState(CalibrationSettling)
	if !goutils.SelectContextOrWait(ctx, c.cfg.CalibrationSettle) {
		result.Outcome = CalibrationIdle
		result.Elapsed = time.Since(start)
		return result, errors.Wrap(ctx.Err(), "calibration cancelled while settling")
	}

	if err := c.actuator.ResetEncoder(ctx); err != nil {
		result.Elapsed = time.Since(start)
		return result, errors.Wrap(err, "calibration: failed to reset encoder")
	}

	c.setCalibrationState(CalibrationDone)
	result.Elapsed = time.Since(start)
	c.lastCalibration.Store(&result)
	c.logger.Infof("Position calibration finished (%s) in %v", outcome, result.Elapsed)
	return result, nil
}

// driveToLimit runs the control cycle every tick until the switch triggers or the timeout elapses.
func (c *Controller) driveToLimit(ctx context.Context, start time.Time) (CalibrationState, error) {
	for {
		hit, err := c.actuator.LimitSwitchTriggered(ctx)
		if err != nil {
			c.logger.Warnf("Failed to read limit switch during calibration: %v", err)
		} else if hit {
			return CalibrationLimitHit, nil
		}
		if time.Since(start) >= c.cfg.CalibrationTimeout {
			return CalibrationTimedOut, nil
		}

		if err := c.Update(ctx); err != nil {
			c.logger.Debugf("Update during calibration: %v", err)
		}

		if !goutils.SelectContextOrWait(ctx, c.cfg.CalibrationTick) {
			return CalibrationIdle, errors.Wrap(ctx.Err(), "calibration cancelled while driving")
		}
	}
}
