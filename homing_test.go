package claw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func newCalibrationController(t *testing.T, act *fakeActuator, mutate func(*ControllerConfig)) *Controller {
	t.Helper()
	return newCalibrationControllerWithForce(t, act, &fakeForce{}, mutate)
}

func newCalibrationControllerWithForce(t *testing.T, act *fakeActuator, force *fakeForce, mutate func(*ControllerConfig)) *Controller {
	t.Helper()

	cfg := ControllerConfig{
		MaxForceNewtons:        testMaxForce,
		CalibrationTimeout:     500 * time.Millisecond,
		CalibrationTick:        time.Millisecond,
		CalibrationSettle:      5 * time.Millisecond,
		CommandLockTimeout:     10 * time.Millisecond,
		CalibrationLockTimeout: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewController(cfg, act, force, &fakeTooltip{}, logging.NewTestLogger(t))
	require.NoError(t, err)
	return c
}

func TestRunPositionCalibration(t *testing.T) {
	ctx := context.Background()

	t.Run("limit switch after N ticks", func(t *testing.T) {
		act := newFakeActuator(ControlModeVelocity)
		act.limitAfterUpdates = 5
		act.measuredAngle = 321
		c := newCalibrationController(t, act, nil)

		result, err := c.RunPositionCalibration(ctx)
		require.NoError(t, err)
		assert.Equal(t, CalibrationLimitHit, result.Outcome)
		assert.Less(t, result.Elapsed, 500*time.Millisecond)

		s := act.snapshot()
		assert.Equal(t, ControlModeVelocity, s.mode, "mode restored")
		assert.Equal(t, []ControlMode{ControlModeMotorPower, ControlModeVelocity}, s.modeHistory)
		assert.Equal(t, []float64{-0.5, 0}, s.powerHistory)
		assert.Equal(t, 5, s.updateCalls)
		assert.Equal(t, 1, s.resetCalls)
		assert.False(t, c.Calibrating())

		state, err := c.State(ctx)
		require.NoError(t, err)
		require.NotNil(t, state.LastCalibration)
		assert.Equal(t, CalibrationLimitHit, state.LastCalibration.Outcome)
		assert.Equal(t, CalibrationIdle, state.CalibrationState)
	})

	t.Run("timeout still reports success by default", func(t *testing.T) {
		act := newFakeActuator(ControlModePosition)
		c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
			cfg.CalibrationTimeout = 40 * time.Millisecond
		})

		result, err := c.RunPositionCalibration(ctx)
		require.NoError(t, err)
		assert.Equal(t, CalibrationTimedOut, result.Outcome)
		assert.GreaterOrEqual(t, result.Elapsed, 40*time.Millisecond)

		s := act.snapshot()
		assert.Equal(t, 0.0, s.power)
		assert.Equal(t, 1, s.resetCalls)
		assert.Equal(t, ControlModePosition, s.mode)
		assert.Positive(t, s.updateCalls)
	})

	t.Run("strict timeout is an error and keeps the encoder", func(t *testing.T) {
		act := newFakeActuator(ControlModeMotorPower)
		c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
			cfg.CalibrationTimeout = 20 * time.Millisecond
			cfg.FailOnCalibrationTimeout = true
		})

		result, err := c.RunPositionCalibration(ctx)
		assert.True(t, errors.Is(err, ErrCalibrationTimedOut))
		assert.Equal(t, CalibrationTimedOut, result.Outcome)

		s := act.snapshot()
		assert.Equal(t, 0.0, s.power)
		assert.Zero(t, s.resetCalls)
		assert.Equal(t, ControlModeMotorPower, s.mode)
	})

	t.Run("configured power is used", func(t *testing.T) {
		act := newFakeActuator(ControlModeMotorPower)
		act.limitAfterUpdates = 1
		c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
			cfg.CalibrationPower = -0.3
		})

		_, err := c.RunPositionCalibration(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{-0.3, 0}, act.snapshot().powerHistory)
	})

	t.Run("closing toward the switch is cut by the force limit", func(t *testing.T) {
		act := newFakeActuator(ControlModeMotorPower)
		force := &fakeForce{}
		force.set(testMaxForce + 1)
		c := newCalibrationControllerWithForce(t, act, force, func(cfg *ControllerConfig) {
			cfg.CalibrationPower = 0.5
			cfg.CalibrationTimeout = 20 * time.Millisecond
		})

		result, err := c.RunPositionCalibration(ctx)
		require.NoError(t, err)
		assert.Equal(t, CalibrationTimedOut, result.Outcome)

		s := act.snapshot()
		require.Len(t, s.powerHistory, 3, "drive, override, final stop")
		assert.Equal(t, 0.5, s.powerHistory[0])
		assert.Equal(t, 0.0, s.powerHistory[1])
		assert.Equal(t, 0.0, s.powerHistory[2])
		assert.Equal(t, 0.0, s.power)
	})

	t.Run("default opening drive is not touched by the force limit", func(t *testing.T) {
		act := newFakeActuator(ControlModeMotorPower)
		act.limitAfterUpdates = 3
		force := &fakeForce{}
		force.set(testMaxForce + 1)
		c := newCalibrationControllerWithForce(t, act, force, nil)

		result, err := c.RunPositionCalibration(ctx)
		require.NoError(t, err)
		assert.Equal(t, CalibrationLimitHit, result.Outcome)
		assert.Equal(t, []float64{-0.5, 0}, act.snapshot().powerHistory)
	})

	t.Run("lock held elsewhere changes nothing", func(t *testing.T) {
		act := newFakeActuator(ControlModeVelocity)
		c := newCalibrationController(t, act, nil)

		require.True(t, c.lock.TryLockFor(ctx, 0))
		defer c.lock.Unlock()

		_, err := c.RunPositionCalibration(ctx)
		assert.True(t, IsLockTimeout(err))

		s := act.snapshot()
		assert.Equal(t, ControlModeVelocity, s.mode)
		assert.Empty(t, s.modeHistory)
		assert.Empty(t, s.powerHistory)
		assert.Zero(t, s.resetCalls)
	})

	t.Run("cancelled while waiting for the lock", func(t *testing.T) {
		act := newFakeActuator(ControlModeVelocity)
		c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
			cfg.CalibrationLockTimeout = 5 * time.Second
		})

		require.True(t, c.lock.TryLockFor(ctx, 0))
		defer c.lock.Unlock()

		cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := c.RunPositionCalibration(cancelCtx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.False(t, IsLockTimeout(err))
		assert.Less(t, time.Since(start), time.Second)
		assert.Empty(t, act.snapshot().powerHistory)
	})

	t.Run("cancellation stops the motor and restores the mode", func(t *testing.T) {
		act := newFakeActuator(ControlModeVelocity)
		c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
			cfg.CalibrationTimeout = 10 * time.Second
		})

		cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err := c.RunPositionCalibration(cancelCtx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		s := act.snapshot()
		assert.Equal(t, 0.0, s.power)
		assert.Zero(t, s.resetCalls)
		assert.Equal(t, ControlModeVelocity, s.mode)
	})
}

func TestCommandsDuringCalibrationTimeOut(t *testing.T) {
	ctx := context.Background()
	act := newFakeActuator(ControlModeVelocity)
	c := newCalibrationController(t, act, func(cfg *ControllerConfig) {
		cfg.CalibrationTimeout = 300 * time.Millisecond
	})

	done := make(chan error)
	go func() {
		_, err := c.RunPositionCalibration(ctx)
		done <- err
	}()

	require.Eventually(t, c.Calibrating, time.Second, time.Millisecond)

	err := c.SetGapDistanceCm(ctx, 5)
	assert.True(t, IsLockTimeout(err))
	assert.Contains(t, err.Error(), "calibrating")
	assert.Empty(t, act.snapshot().angleHistory)

	// The tool tip is independent of the motor lock.
	require.NoError(t, c.ExtendToolTip(ctx))

	require.NoError(t, <-done)
	assert.False(t, c.Calibrating())
	require.NoError(t, c.SetGapDistanceCm(ctx, 5))
}

func TestCalibrationStateString(t *testing.T) {
	assert.Equal(t, "driving", CalibrationDriving.String())
	assert.Equal(t, "timed_out", CalibrationTimedOut.String())
	assert.Equal(t, "unknown", CalibrationState(99).String())
}
