package claw

import (
	"fmt"
	"math"
	"time"

	"go.viam.com/rdk/resource"
)

// TooltipBusConfig selects a feetech bus servo for the tool tip.
type TooltipBusConfig struct {
	Port     string `json:"port"`
	Baudrate int    `json:"baudrate,omitempty"`

	Calibration *MotorCalibration `json:"calibration,omitempty"`
}

// ClawConfig is the configuration of the claw gripper component.
type ClawConfig struct {
	// Encoded motor driving the jaws; positive power closes them
	Motor string `json:"motor"`

	// Homing switch at the fully open end of travel
	Board                string `json:"board,omitempty"`
	LimitSwitchPin       string `json:"limit_switch_pin,omitempty"`
	LimitSwitchActiveLow bool   `json:"limit_switch_active_low,omitempty"`

	ForceSensor     string  `json:"force_sensor"`
	ForceReadingKey string  `json:"force_reading_key,omitempty"`
	MaxForceNewtons float64 `json:"max_force_newtons,omitempty"`

	// Force at which Grab considers an object held; at most MaxForceNewtons
	GripForceNewtons float64 `json:"grip_force_newtons,omitempty"`

	// Either an rdk servo or a feetech bus servo, not both
	TooltipServo        string            `json:"tooltip_servo,omitempty"`
	TooltipBus          *TooltipBusConfig `json:"tooltip_bus,omitempty"`
	TooltipExtendedDeg  float64           `json:"tooltip_extended_deg,omitempty"`
	TooltipRetractedDeg float64           `json:"tooltip_retracted_deg,omitempty"`

	Actuator *ActuatorConfig `json:"actuator,omitempty"`

	CalibrationTimeoutSec    float64 `json:"calibration_timeout_sec,omitempty"`
	CalibrationPower         float64 `json:"calibration_power,omitempty"`
	FailOnCalibrationTimeout bool    `json:"fail_on_calibration_timeout,omitempty"`
	CalibrateOnStart         bool    `json:"calibrate_on_start,omitempty"`

	ControlLoopHz float64 `json:"control_loop_hz,omitempty"`

	OpenGapCm         float64 `json:"open_gap_cm,omitempty"`
	ClosedGapCm       float64 `json:"closed_gap_cm,omitempty"`
	GrabSpeedCmPerSec float64 `json:"grab_speed_cm_per_sec,omitempty"`
	GrabTimeoutSec    float64 `json:"grab_timeout_sec,omitempty"`

	// Refitted gap curves, relative to VIAM_MODULE_DATA unless absolute
	GapCalibrationFile string `json:"gap_calibration_file,omitempty"`
}

const (
	defaultMaxForceNewtons     = 15.0
	defaultGripForceNewtons    = 5.0
	defaultTooltipExtendedDeg  = 90.0
	defaultGrabSpeedCmPerSec   = 2.0
	defaultGrabTimeoutSec      = 10.0
	defaultCalibrationTimeoutS = 10.0
	defaultFeetechBaudrate     = 1000000
)

// Validate ensures all parts of the config are valid and fills in defaults
func (cfg *ClawConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Motor == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "motor")
	}
	if cfg.ForceSensor == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "force_sensor")
	}
	deps := []string{cfg.Motor, cfg.ForceSensor}

	if cfg.LimitSwitchPin != "" {
		if cfg.Board == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
		}
		deps = append(deps, cfg.Board)
	}

	if cfg.TooltipServo != "" && cfg.TooltipBus != nil {
		return nil, nil, fmt.Errorf("only one of tooltip_servo and tooltip_bus may be set")
	}
	if cfg.TooltipServo != "" {
		deps = append(deps, cfg.TooltipServo)
	}
	if cfg.TooltipBus != nil {
		if cfg.TooltipBus.Port == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "tooltip_bus.port")
		}
		if cfg.TooltipBus.Baudrate == 0 {
			cfg.TooltipBus.Baudrate = defaultFeetechBaudrate
		}
		if cfg.TooltipBus.Calibration == nil {
			cal := DefaultTooltipCalibration
			cfg.TooltipBus.Calibration = &cal
		}
		if err := cfg.TooltipBus.Calibration.Validate(); err != nil {
			return nil, nil, fmt.Errorf("tooltip_bus.calibration: %w", err)
		}
	}
	if cfg.TooltipExtendedDeg == 0 {
		cfg.TooltipExtendedDeg = defaultTooltipExtendedDeg
	}

	if cfg.MaxForceNewtons == 0 {
		cfg.MaxForceNewtons = defaultMaxForceNewtons
	}
	if cfg.GripForceNewtons == 0 {
		cfg.GripForceNewtons = math.Min(defaultGripForceNewtons, cfg.MaxForceNewtons)
	}
	if cfg.MaxForceNewtons < 0 || cfg.GripForceNewtons < 0 {
		return nil, nil, fmt.Errorf("force limits must be positive")
	}
	if cfg.GripForceNewtons > cfg.MaxForceNewtons {
		return nil, nil, fmt.Errorf("grip_force_newtons (%.2f) must not exceed max_force_newtons (%.2f)",
			cfg.GripForceNewtons, cfg.MaxForceNewtons)
	}

	actuator := cfg.actuatorConfig()
	if err := actuator.Validate(); err != nil {
		return nil, nil, fmt.Errorf("actuator: %w", err)
	}

	if cfg.CalibrationTimeoutSec == 0 {
		cfg.CalibrationTimeoutSec = defaultCalibrationTimeoutS
	}
	if cfg.CalibrationTimeoutSec < 0 {
		return nil, nil, fmt.Errorf("calibration_timeout_sec must be positive, got %.2f", cfg.CalibrationTimeoutSec)
	}
	if cfg.CalibrationPower == 0 {
		cfg.CalibrationPower = defaultCalibrationPower
	}
	if math.Abs(cfg.CalibrationPower) > actuator.MaxPower {
		return nil, nil, fmt.Errorf("calibration_power %.2f exceeds actuator max_power %.2f",
			cfg.CalibrationPower, actuator.MaxPower)
	}

	if cfg.ControlLoopHz == 0 {
		cfg.ControlLoopHz = DefaultControlLoopRate
	}
	if cfg.ControlLoopHz < 0 || cfg.ControlLoopHz > 1000 {
		return nil, nil, fmt.Errorf("control_loop_hz must be between 0 and 1000, got %.1f", cfg.ControlLoopHz)
	}

	gap := DefaultGapCalibration
	if cfg.OpenGapCm == 0 {
		cfg.OpenGapCm = gap.MaxGapCm
	}
	if cfg.ClosedGapCm == 0 {
		cfg.ClosedGapCm = gap.MinGapCm
	}
	if cfg.ClosedGapCm >= cfg.OpenGapCm {
		return nil, nil, fmt.Errorf("closed_gap_cm (%.2f) must be less than open_gap_cm (%.2f)", cfg.ClosedGapCm, cfg.OpenGapCm)
	}
	if cfg.GrabSpeedCmPerSec == 0 {
		cfg.GrabSpeedCmPerSec = defaultGrabSpeedCmPerSec
	}
	if cfg.GrabSpeedCmPerSec < 0 {
		return nil, nil, fmt.Errorf("grab_speed_cm_per_sec must be positive, got %.2f", cfg.GrabSpeedCmPerSec)
	}
	if cfg.GrabTimeoutSec == 0 {
		cfg.GrabTimeoutSec = defaultGrabTimeoutSec
	}

	return deps, nil, nil
}

// actuatorConfig merges the configured actuator limits over the defaults.
func (cfg *ClawConfig) actuatorConfig() ActuatorConfig {
	out := DefaultActuatorConfig
	if a := cfg.Actuator; a != nil {
		if a.GearRatio != 0 {
			out.GearRatio = a.GearRatio
		}
		if a.MaxPower != 0 {
			out.MaxPower = a.MaxPower
		}
		if a.MaxVelocityDegsPerSec != 0 {
			out.MaxVelocityDegsPerSec = a.MaxVelocityDegsPerSec
		}
		if a.MinAngleDeg != 0 || a.MaxAngleDeg != 0 {
			out.MinAngleDeg = a.MinAngleDeg
			out.MaxAngleDeg = a.MaxAngleDeg
		}
	}
	out.LimitSwitchActiveHigh = !cfg.LimitSwitchActiveLow
	return out
}

// controllerConfig builds the controller parameters from a validated config.
func (cfg *ClawConfig) controllerConfig(gap GapCalibration) ControllerConfig {
	return ControllerConfig{
		MaxForceNewtons:          cfg.MaxForceNewtons,
		TooltipExtendedDeg:       cfg.TooltipExtendedDeg,
		TooltipRetractedDeg:      cfg.TooltipRetractedDeg,
		CalibrationPower:         cfg.CalibrationPower,
		CalibrationTimeout:       time.Duration(cfg.CalibrationTimeoutSec * float64(time.Second)),
		FailOnCalibrationTimeout: cfg.FailOnCalibrationTimeout,
		Gap:                      gap,
	}
}
