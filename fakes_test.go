package claw

import (
	"context"
	"errors"
	"sync"
)

// fakeActuator records every command and lets tests script the measurements.
type fakeActuator struct {
	mu sync.Mutex

	mode        ControlMode
	power       float64
	velocity    float64
	angleTarget float64

	measuredAngle    float64
	measuredVelocity float64

	// limit switch triggers once Update has been called this many times; 0 never triggers
	limitAfterUpdates int

	setAngleErr error

	updateCalls   int
	resetCalls    int
	stopCalls     int
	powerHistory  []float64
	velHistory    []float64
	angleHistory  []float64
	modeHistory   []ControlMode
	commandsTotal int
}

func newFakeActuator(mode ControlMode) *fakeActuator {
	return &fakeActuator{mode: mode}
}

func (f *fakeActuator) SetMotorPower(ctx context.Context, power float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = power
	f.powerHistory = append(f.powerHistory, power)
	f.commandsTotal++
	return nil
}

func (f *fakeActuator) SetVelocity(ctx context.Context, degPerSec float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.velocity = degPerSec
	f.velHistory = append(f.velHistory, degPerSec)
	f.commandsTotal++
	return nil
}

func (f *fakeActuator) SetAngle(ctx context.Context, deg float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandsTotal++
	if f.setAngleErr != nil {
		return f.setAngleErr
	}
	f.angleTarget = deg
	f.angleHistory = append(f.angleHistory, deg)
	return nil
}

func (f *fakeActuator) CommandedPower() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power
}

func (f *fakeActuator) CommandedVelocity() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.velocity
}

func (f *fakeActuator) CommandedAngle() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.angleTarget
}

func (f *fakeActuator) Velocity(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measuredVelocity, nil
}

func (f *fakeActuator) Angle(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measuredAngle, nil
}

func (f *fakeActuator) ControlMode() ControlMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeActuator) SetControlMode(ctx context.Context, mode ControlMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	f.modeHistory = append(f.modeHistory, mode)
	return nil
}

func (f *fakeActuator) Update(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return nil
}

func (f *fakeActuator) LimitSwitchTriggered(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limitAfterUpdates > 0 && f.updateCalls >= f.limitAfterUpdates, nil
}

func (f *fakeActuator) ResetEncoder(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	f.measuredAngle = 0
	return nil
}

func (f *fakeActuator) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.power = 0
	f.velocity = 0
	f.angleTarget = f.measuredAngle
	return nil
}

func (f *fakeActuator) snapshot() fakeActuator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeActuator{
		mode:          f.mode,
		power:         f.power,
		velocity:      f.velocity,
		angleTarget:   f.angleTarget,
		updateCalls:   f.updateCalls,
		resetCalls:    f.resetCalls,
		stopCalls:     f.stopCalls,
		powerHistory:  append([]float64(nil), f.powerHistory...),
		velHistory:    append([]float64(nil), f.velHistory...),
		angleHistory:  append([]float64(nil), f.angleHistory...),
		modeHistory:   append([]ControlMode(nil), f.modeHistory...),
		commandsTotal: f.commandsTotal,
	}
}

type fakeForce struct {
	mu    sync.Mutex
	force float64
	err   error
	reads int
}

func (f *fakeForce) set(force float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.force = force
}

func (f *fakeForce) ReadForceNewtons(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.force, f.err
}

type fakeTooltip struct {
	mu     sync.Mutex
	angles []float64
	maxDeg float64
}

func (f *fakeTooltip) SetPosition(ctx context.Context, angleDeg float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxDeg > 0 && angleDeg > f.maxDeg {
		return errors.New("angle outside servo travel")
	}
	f.angles = append(f.angles, angleDeg)
	return nil
}

func (f *fakeTooltip) calls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.angles...)
}
