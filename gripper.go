package claw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/components/servo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
)

var (
	ClawGripperModel = resource.NewModel("devrel", "claw", "gripper")
)

const (
	gripPollInterval = 10 * time.Millisecond

	// How close to a gap target Open and Grab consider the jaws arrived
	gapToleranceCm = 0.2
)

// Jaw body outside the gap, in mm
var jawSize = r3.Vector{X: 40, Y: 30, Z: 120}

func init() {
	resource.RegisterComponent(
		gripper.API,
		ClawGripperModel,
		resource.Registration[gripper.Gripper, *ClawConfig]{
			Constructor: newClawGripper,
		},
	)
}

type clawGripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	cfg        *ClawConfig
	controller *Controller
	actuator   *MotorActuator
	tooltip    TooltipServo
	loop       *ControlLoop

	// startup homing, if configured
	workers *goutils.StoppableWorkers

	mu       sync.Mutex
	isMoving atomic.Bool
}

func newClawGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*ClawConfig](conf)
	if err != nil {
		return nil, err
	}
	return newClawFromConfig(ctx, deps, conf.ResourceName(), cfg, logger)
}

// newClawFromConfig builds the claw from its dependencies and starts its control loop.
func newClawFromConfig(
	ctx context.Context,
	deps resource.Dependencies,
	name resource.Name,
	cfg *ClawConfig,
	logger logging.Logger,
) (*clawGripper, error) {
	m, err := motor.FromDependencies(deps, cfg.Motor)
	if err != nil {
		return nil, fmt.Errorf("failed to get motor %q: %w", cfg.Motor, err)
	}

	var limitSwitch board.GPIOPin
	if cfg.LimitSwitchPin != "" {
		b, err := board.FromDependencies(deps, cfg.Board)
		if err != nil {
			return nil, fmt.Errorf("failed to get board %q: %w", cfg.Board, err)
		}
		if limitSwitch, err = b.GPIOPinByName(cfg.LimitSwitchPin); err != nil {
			return nil, fmt.Errorf("failed to get limit switch pin %q: %w", cfg.LimitSwitchPin, err)
		}
	} else {
		logger.Warn("No limit switch configured; position calibration will always run to its timeout")
	}

	fsr, err := sensor.FromDependencies(deps, cfg.ForceSensor)
	if err != nil {
		return nil, fmt.Errorf("failed to get force sensor %q: %w", cfg.ForceSensor, err)
	}

	actuator, err := NewMotorActuator(cfg.actuatorConfig(), m, limitSwitch, logger)
	if err != nil {
		return nil, err
	}

	var tooltip TooltipServo
	switch {
	case cfg.TooltipServo != "":
		s, err := servo.FromProvider(deps, cfg.TooltipServo)
		if err != nil {
			return nil, fmt.Errorf("failed to get tooltip servo %q: %w", cfg.TooltipServo, err)
		}
		tooltip = NewViamTooltip(s)
	case cfg.TooltipBus != nil:
		busCfg := BusConfig{
			Port:     cfg.TooltipBus.Port,
			Baudrate: cfg.TooltipBus.Baudrate,
			Logger:   logger,
		}
		if tooltip, err = NewFeetechTooltip(ctx, busCfg, *cfg.TooltipBus.Calibration); err != nil {
			return nil, err
		}
	}

	gap, fromFile := loadGapCalibrationOrDefault(cfg.GapCalibrationFile, logger)
	controller, err := NewController(cfg.controllerConfig(gap), actuator, NewSensorForce(fsr, cfg.ForceReadingKey), tooltip, logger)
	if err != nil {
		closeTooltip(ctx, tooltip, logger)
		return nil, err
	}

	g := &clawGripper{
		name:       name,
		logger:     logger,
		cfg:        cfg,
		controller: controller,
		actuator:   actuator,
		tooltip:    tooltip,
	}
	g.loop = StartControlLoop(controller, cfg.ControlLoopHz, logger)

	if cfg.CalibrateOnStart {
		g.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
			if _, err := controller.RunPositionCalibration(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("Startup position calibration failed: %v", err)
			}
		})
	}

	logger.Debugf("Claw gripper initialized: max force %.1f N, grip force %.1f N, gap fit from file: %t, loop %.0f Hz",
		cfg.MaxForceNewtons, cfg.GripForceNewtons, fromFile, cfg.ControlLoopHz)
	return g, nil
}

func (g *clawGripper) Name() resource.Name {
	return g.name
}

// Controller exposes the underlying claw controller.
func (g *clawGripper) Controller() *Controller {
	return g.controller
}

// Open drives the jaws to the configured open gap in position mode and waits for them to get there.
func (g *clawGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	g.logger.Debug("Opening claw")

	if err := g.controller.SetControlMode(ctx, ControlModePosition); err != nil {
		return fmt.Errorf("failed to open claw: %w", err)
	}
	if err := g.controller.SetGapDistanceCm(ctx, g.cfg.OpenGapCm); err != nil {
		return fmt.Errorf("failed to open claw: %w", err)
	}

	timeout := g.grabTimeout()
	start := time.Now()
	for {
		gap, err := g.controller.GapDistanceCm(ctx)
		if err != nil {
			g.logger.Warnf("Failed to read gap while opening: %v", err)
		} else if gap >= g.cfg.OpenGapCm-gapToleranceCm {
			g.logger.Debugf("Claw opened to %.2f cm", gap)
			return nil
		}

		if time.Since(start) > timeout {
			return fmt.Errorf("claw did not open within %v", timeout)
		}
		if !goutils.SelectContextOrWait(ctx, gripPollInterval) {
			return ctx.Err()
		}
	}
}

// Grab closes the jaws at the grab speed until the grip force is reached or the jaws close fully.
// It reports whether something was grabbed.
func (g *clawGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	speed := g.cfg.GrabSpeedCmPerSec
	if v, ok := extra["speed_cm_per_sec"].(float64); ok && v > 0 {
		speed = v
	}
	g.logger.Debugf("Grabbing at %.2f cm/s until %.2f N", speed, g.cfg.GripForceNewtons)

	if err := g.controller.SetControlMode(ctx, ControlModeVelocity); err != nil {
		return false, fmt.Errorf("failed to start grab: %w", err)
	}
	if err := g.controller.SetGapVelocityCmPerSec(ctx, -speed); err != nil {
		return false, fmt.Errorf("failed to start grab: %w", err)
	}

	timeout := g.grabTimeout()
	start := time.Now()
	for {
		force, err := g.controller.GripForceNewtons(ctx)
		if err != nil {
			g.logger.Warnf("Failed to read grip force: %v", err)
		} else if force >= g.cfg.GripForceNewtons {
			g.stopAfterGrab(ctx)
			g.logger.Debugf("Grabbed object at %.2f N", force)
			return true, nil
		}

		gap, err := g.controller.GapDistanceCm(ctx)
		if err != nil {
			g.logger.Warnf("Failed to read gap: %v", err)
		} else if gap <= g.cfg.ClosedGapCm+gapToleranceCm {
			g.stopAfterGrab(ctx)
			g.logger.Debugf("Claw closed to %.2f cm without reaching grip force - nothing grabbed", gap)
			return false, nil
		}

		if time.Since(start) > timeout {
			g.stopAfterGrab(ctx)
			g.logger.Warnf("Grab timed out after %v", timeout)
			return false, fmt.Errorf("grab timed out after %v", timeout)
		}
		if !goutils.SelectContextOrWait(ctx, gripPollInterval) {
			g.stopAfterGrab(context.WithoutCancel(ctx))
			return false, ctx.Err()
		}
	}
}

// stopAfterGrab holds the jaws where they are without releasing the object.
func (g *clawGripper) stopAfterGrab(ctx context.Context) {
	if err := g.controller.SetGapVelocityCmPerSec(ctx, 0); err != nil {
		g.logger.Warnf("Failed to stop claw after grab: %v", err)
	}
}

func (g *clawGripper) grabTimeout() time.Duration {
	return time.Duration(g.cfg.GrabTimeoutSec * float64(time.Second))
}

func (g *clawGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(false)
	return g.controller.Stop(ctx)
}

func (g *clawGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

// IsHoldingSomething compares the grip force against the configured grip threshold.
func (g *clawGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	force, err := g.controller.GripForceNewtons(ctx)
	if err != nil {
		return gripper.HoldingStatus{}, err
	}
	return gripper.HoldingStatus{
		IsHoldingSomething: force >= g.cfg.GripForceNewtons,
		Meta:               map[string]interface{}{"force_newtons": force},
	}, nil
}

// Geometries returns one box per jaw, placed either side of the current gap.
func (g *clawGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	gapCm, err := g.controller.GapDistanceCm(ctx)
	if err != nil {
		gapCm = g.cfg.OpenGapCm
	}
	halfGapMm := math.Max(gapCm, 0) * 10 / 2

	geometries := make([]spatialmath.Geometry, 0, 2)
	for i, side := range []float64{-1, 1} {
		center := r3.Vector{X: side * (halfGapMm + jawSize.X/2), Y: 0, Z: jawSize.Z / 2}
		jaw, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(center), jawSize, fmt.Sprintf("jaw%d", i))
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, jaw)
	}
	return geometries, nil
}

func (g *clawGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_control_mode":
		name, ok := cmd["mode"].(string)
		if !ok {
			return nil, fmt.Errorf("set_control_mode requires a 'mode' string")
		}
		mode, err := ParseControlMode(name)
		if err != nil {
			return nil, err
		}
		if err := g.controller.SetControlMode(ctx, mode); err != nil {
			return nil, err
		}
		return map[string]interface{}{"control_mode": mode.String()}, nil

	case "get_control_mode":
		return map[string]interface{}{"control_mode": g.controller.ControlMode().String()}, nil

	case "set_motion_data":
		value, ok := cmd["value"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_motion_data requires a numeric 'value'")
		}
		err := g.controller.SetMotionData(ctx, value)
		return map[string]interface{}{"success": err == nil}, err

	case "set_power":
		power, ok := cmd["power"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_power requires a numeric 'power'")
		}
		err := g.controller.Execute(ctx, PowerCommand{Power: power})
		return map[string]interface{}{"success": err == nil}, err

	case "set_gap_velocity":
		v, ok := cmd["cm_per_sec"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_gap_velocity requires a numeric 'cm_per_sec'")
		}
		err := g.controller.Execute(ctx, VelocityCommand{CmPerSec: v})
		return map[string]interface{}{"success": err == nil}, err

	case "set_gap_distance":
		gap, ok := cmd["gap_cm"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_gap_distance requires a numeric 'gap_cm'")
		}
		err := g.controller.Execute(ctx, PositionCommand{GapCm: gap})
		return map[string]interface{}{"success": err == nil}, err

	case "extend_tooltip":
		err := g.controller.ExtendToolTip(ctx)
		return map[string]interface{}{"success": err == nil}, err

	case "retract_tooltip":
		err := g.controller.RetractToolTip(ctx)
		return map[string]interface{}{"success": err == nil}, err

	case "calibrate":
		result, err := g.controller.RunPositionCalibration(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":    true,
			"outcome":    result.Outcome.String(),
			"elapsed_ms": result.Elapsed.Milliseconds(),
		}, nil

	case "get_state":
		state, err := g.controller.State(ctx)
		if err != nil {
			return nil, err
		}
		return state.ToMap(), nil

	case "bus_status":
		if g.cfg.TooltipBus == nil {
			return map[string]interface{}{"has_bus": false}, nil
		}
		refCount, hasBus := SharedBusStatus(g.cfg.TooltipBus.Port)
		return map[string]interface{}{
			"ref_count": refCount,
			"has_bus":   hasBus,
			"port":      g.cfg.TooltipBus.Port,
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *clawGripper) Close(ctx context.Context) error {
	if g.workers != nil {
		g.workers.Stop()
	}
	g.loop.Stop()

	err := g.actuator.Close(ctx)
	closeTooltip(ctx, g.tooltip, g.logger)
	return err
}

func closeTooltip(ctx context.Context, tooltip TooltipServo, logger logging.Logger) {
	if c, ok := tooltip.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			logger.Warnf("Failed to close tooltip servo: %v", err)
		}
	}
}

func (g *clawGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *clawGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *clawGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}
