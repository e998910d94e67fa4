// calibration.go - gap calibration sensor component
package claw

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	GapCalibrationSensorModel = resource.NewModel("devrel", "claw", "gap-calibration")
)

func init() {
	resource.RegisterComponent(sensor.API, GapCalibrationSensorModel,
		resource.Registration[sensor.Sensor, *GapCalibrationSensorConfig]{
			Constructor: NewGapCalibrationSensor,
		},
	)
}

// FitState represents the current state of the gap calibration workflow
type FitState int

const (
	FitIdle FitState = iota
	FitSampling
	FitRangeRecording
	FitCompleted
	FitError
)

func (s FitState) String() string {
	switch s {
	case FitIdle:
		return "idle"
	case FitSampling:
		return "sampling"
	case FitRangeRecording:
		return "range_recording"
	case FitCompleted:
		return "completed"
	case FitError:
		return "error"
	default:
		return "unknown"
	}
}

// GapSample pairs a measured jaw gap with the shaft angle it was measured at.
type GapSample struct {
	ShaftDeg float64 `json:"shaft_deg"`
	GapCm    float64 `json:"gap_cm"`
}

const (
	defaultGapCalibrationFile = "claw_gap_calibration.json"
	defaultMinGapSamples      = 5

	rangeRecordingPeriod = 10 * time.Millisecond
)

// GapCalibrationSensorConfig represents the configuration for the gap calibration sensor
type GapCalibrationSensorConfig struct {
	// Encoded motor of the claw; read only, never driven
	Motor     string  `json:"motor"`
	GearRatio float64 `json:"gear_ratio,omitempty"`

	CalibrationFile string `json:"calibration_file,omitempty"`
	MinSamples      int    `json:"min_samples,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *GapCalibrationSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Motor == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "motor")
	}
	if cfg.GearRatio == 0 {
		cfg.GearRatio = DefaultActuatorConfig.GearRatio
	}
	if cfg.GearRatio < 0 {
		return nil, nil, fmt.Errorf("gear_ratio must be positive, got %.3f", cfg.GearRatio)
	}
	if cfg.CalibrationFile == "" {
		cfg.CalibrationFile = defaultGapCalibrationFile
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = defaultMinGapSamples
	}
	if cfg.MinSamples < 3 {
		return nil, nil, fmt.Errorf("min_samples must be at least 3 to fit a quadratic, got %d", cfg.MinSamples)
	}
	return []string{cfg.Motor}, nil, nil
}

// gapCalibrationSensor walks an operator through measuring the jaw gap at
// several shaft angles and fits the two conversion curves from the samples.
type gapCalibrationSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *GapCalibrationSensorConfig
	motor  motor.Motor

	mu              sync.RWMutex
	state           FitState
	errorMsg        string
	lastInstruction string
	samples         []GapSample
	fitted          *GapCalibration
	residuals       fitResiduals

	// Range recording state
	recorder      *goutils.StoppableWorkers
	recordedMin   float64
	recordedMax   float64
	rangeStarted  time.Time
	rangeSamples  int
	currentDegree float64
}

type fitResiduals struct {
	gapRMSCm     float64
	shaftRMSDeg  float64
	maxGapErrCm  float64
	maxShaftErrD float64
}

// NewGapCalibrationSensor creates a new gap calibration sensor
func NewGapCalibrationSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*GapCalibrationSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	m, err := motor.FromDependencies(deps, conf.Motor)
	if err != nil {
		return nil, fmt.Errorf("failed to get motor %q: %w", conf.Motor, err)
	}

	cs := &gapCalibrationSensor{
		name:            rawConf.ResourceName(),
		logger:          logger,
		cfg:             conf,
		motor:           m,
		state:           FitIdle,
		lastInstruction: "Ready to start gap calibration. Use DoCommand with 'start' to begin.",
	}

	logger.Infof("Gap calibration sensor initialized for motor %s, saving to %s", conf.Motor, resolveDataPath(conf.CalibrationFile))
	return cs, nil
}

// Name returns the sensor's name
func (cs *gapCalibrationSensor) Name() resource.Name {
	return cs.name
}

// Readings returns the current calibration status and instructions
func (cs *gapCalibrationSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	readings := map[string]any{
		"calibration_state": cs.state.String(),
		"instruction":       cs.lastInstruction,
		"sample_count":      len(cs.samples),
		"min_samples":       cs.cfg.MinSamples,
	}

	if cs.state == FitError {
		readings["error"] = cs.errorMsg
	}

	if cs.state == FitRangeRecording {
		readings["recording_time_seconds"] = time.Since(cs.rangeStarted).Seconds()
		readings["range_samples"] = cs.rangeSamples
		readings["current_shaft_deg"] = cs.currentDegree
	}
	if cs.rangeSamples > 0 && cs.recordedMin <= cs.recordedMax {
		readings["recorded_min_deg"] = cs.recordedMin
		readings["recorded_max_deg"] = cs.recordedMax
	}

	if cs.fitted != nil {
		readings["gap_from_shaft"] = coefficientsToAny(cs.fitted.GapFromShaft)
		readings["shaft_from_gap"] = coefficientsToAny(cs.fitted.ShaftFromGap)
		readings["min_gap_cm"] = cs.fitted.MinGapCm
		readings["max_gap_cm"] = cs.fitted.MaxGapCm
		readings["gap_rms_cm"] = cs.residuals.gapRMSCm
		readings["shaft_rms_deg"] = cs.residuals.shaftRMSDeg
		readings["max_gap_error_cm"] = cs.residuals.maxGapErrCm
		readings["max_shaft_error_deg"] = cs.residuals.maxShaftErrD
	}

	availableCommands := []any{}
	switch cs.state {
	case FitIdle:
		availableCommands = []any{"start", "start_range_recording"}
	case FitSampling:
		availableCommands = []any{"record_sample", "fit", "abort"}
	case FitRangeRecording:
		availableCommands = []any{"stop_range_recording", "abort"}
	case FitCompleted:
		availableCommands = []any{"save_calibration", "start"}
	case FitError:
		availableCommands = []any{"reset", "start"}
	}
	readings["available_commands"] = availableCommands

	return readings, nil
}

// DoCommand handles calibration workflow commands
func (cs *gapCalibrationSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch command {
	case "start":
		return cs.startSampling(ctx)

	case "record_sample":
		return cs.recordSample(ctx, cmd)

	case "fit":
		return cs.fit(ctx)

	case "save_calibration":
		return cs.saveCalibration(ctx)

	case "start_range_recording":
		return cs.startRangeRecording(ctx)

	case "stop_range_recording":
		return cs.stopRangeRecording(ctx)

	case "abort":
		return cs.abort(ctx)

	case "reset":
		return cs.reset(ctx)

	case "get_current_position":
		deg, err := cs.shaftDegrees(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":       true,
			"shaft_deg":     deg,
			"default_gap":   GapCmFromShaftDegrees(deg),
			"shaft_revs":    deg / 360 * cs.cfg.GearRatio,
			"sample_count":  len(cs.samples),
			"current_state": cs.state.String(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// startSampling begins collecting gap samples
func (cs *gapCalibrationSensor) startSampling(_ context.Context) (map[string]any, error) {
	if cs.state != FitIdle && cs.state != FitCompleted && cs.state != FitError {
		return map[string]any{"success": false},
			fmt.Errorf("calibration already in progress (state: %s)", cs.state.String())
	}

	cs.samples = nil
	cs.fitted = nil
	cs.residuals = fitResiduals{}

	cs.setState(FitSampling, fmt.Sprintf(
		"Sampling started. Move the jaws, measure the gap, then use 'record_sample' with 'gap_cm'. At least %d samples spread over the full travel are needed.",
		cs.cfg.MinSamples))

	return map[string]any{
		"success": true,
		"state":   cs.state.String(),
		"message": cs.lastInstruction,
	}, nil
}

// recordSample pairs the operator's gap measurement with the current shaft angle
func (cs *gapCalibrationSensor) recordSample(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	if cs.state != FitSampling {
		return map[string]any{"success": false},
			fmt.Errorf("must start calibration first (current state: %s)", cs.state.String())
	}

	gap, ok := cmd["gap_cm"].(float64)
	if !ok || gap <= 0 {
		return map[string]any{"success": false}, fmt.Errorf("record_sample requires a positive 'gap_cm'")
	}

	deg, err := cs.shaftDegrees(ctx)
	if err != nil {
		return map[string]any{"success": false}, err
	}

	cs.samples = append(cs.samples, GapSample{ShaftDeg: deg, GapCm: gap})
	cs.logger.Infof("Gap sample %d: %.2f cm at %.1f deg", len(cs.samples), gap, deg)

	return map[string]any{
		"success":      true,
		"shaft_deg":    deg,
		"gap_cm":       gap,
		"sample_count": len(cs.samples),
	}, nil
}

// fit computes both curves from the collected samples
func (cs *gapCalibrationSensor) fit(_ context.Context) (map[string]any, error) {
	if cs.state != FitSampling {
		return map[string]any{"success": false},
			fmt.Errorf("no samples being collected (current state: %s)", cs.state.String())
	}
	if len(cs.samples) < cs.cfg.MinSamples {
		return map[string]any{"success": false},
			fmt.Errorf("need at least %d samples, have %d", cs.cfg.MinSamples, len(cs.samples))
	}

	cal, err := FitGapCalibration(cs.samples)
	if err != nil {
		cs.setState(FitError, fmt.Sprintf("Fit failed: %v", err))
		return map[string]any{"success": false}, err
	}

	cs.fitted = &cal
	cs.residuals = computeResiduals(cal, cs.samples)
	cs.logger.Infof("Gap fit: gap rms %.3f cm (max %.3f), shaft rms %.2f deg (max %.2f)",
		cs.residuals.gapRMSCm, cs.residuals.maxGapErrCm, cs.residuals.shaftRMSDeg, cs.residuals.maxShaftErrD)

	cs.setState(FitCompleted, "Fit completed. Use 'save_calibration' to write the curves to the calibration file.")

	return map[string]any{
		"success":        true,
		"state":          cs.state.String(),
		"gap_from_shaft": coefficientsToAny(cal.GapFromShaft),
		"shaft_from_gap": coefficientsToAny(cal.ShaftFromGap),
		"gap_rms_cm":     cs.residuals.gapRMSCm,
		"shaft_rms_deg":  cs.residuals.shaftRMSDeg,
		"message":        cs.lastInstruction,
	}, nil
}

// saveCalibration writes the fitted curves to the calibration file
func (cs *gapCalibrationSensor) saveCalibration(_ context.Context) (map[string]any, error) {
	if cs.state != FitCompleted || cs.fitted == nil {
		return map[string]any{"success": false},
			fmt.Errorf("calibration not completed (current state: %s)", cs.state.String())
	}

	if err := SaveGapCalibration(cs.cfg.CalibrationFile, *cs.fitted); err != nil {
		cs.setState(FitError, fmt.Sprintf("Failed to save calibration file: %v", err))
		return map[string]any{"success": false}, err
	}

	cs.setState(FitIdle, "Gap calibration saved. Reconfigure the gripper with this file to use it.")

	return map[string]any{
		"success":          true,
		"state":            cs.state.String(),
		"calibration_file": resolveDataPath(cs.cfg.CalibrationFile),
		"message":          cs.lastInstruction,
	}, nil
}

// startRangeRecording tracks the shaft travel while the operator moves the jaws end to end
func (cs *gapCalibrationSensor) startRangeRecording(_ context.Context) (map[string]any, error) {
	if cs.state != FitIdle && cs.state != FitCompleted {
		return map[string]any{"success": false},
			fmt.Errorf("cannot record range now (current state: %s)", cs.state.String())
	}

	cs.recordedMin = math.Inf(1)
	cs.recordedMax = math.Inf(-1)
	cs.rangeSamples = 0
	cs.rangeStarted = time.Now()
	cs.recorder = goutils.NewBackgroundStoppableWorkers(cs.recordRange)

	cs.setState(FitRangeRecording,
		"Recording shaft travel. Move the jaws fully open and fully closed, then use 'stop_range_recording'.")

	return map[string]any{
		"success": true,
		"state":   cs.state.String(),
		"message": cs.lastInstruction,
	}, nil
}

// recordRange continuously records the shaft angle in the background
func (cs *gapCalibrationSensor) recordRange(ctx context.Context) {
	ticker := time.NewTicker(rangeRecordingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		deg, err := cs.shaftDegrees(ctx)
		if err != nil {
			if ctx.Err() == nil {
				cs.logger.Errorf("Failed to read shaft angle during range recording: %v", err)
			}
			continue
		}

		cs.mu.Lock()
		cs.currentDegree = deg
		cs.rangeSamples++
		cs.recordedMin = math.Min(cs.recordedMin, deg)
		cs.recordedMax = math.Max(cs.recordedMax, deg)
		cs.mu.Unlock()
	}
}

// stopRangeRecording ends range recording and reports the travel
func (cs *gapCalibrationSensor) stopRangeRecording(_ context.Context) (map[string]any, error) {
	if cs.state != FitRangeRecording {
		return map[string]any{"success": false},
			fmt.Errorf("range recording not active (current state: %s)", cs.state.String())
	}

	cs.stopRecorderLocked()
	duration := time.Since(cs.rangeStarted)

	if cs.recordedMin >= cs.recordedMax {
		cs.setState(FitError, "No shaft travel recorded. The jaws may not have been moved.")
		return map[string]any{"success": false}, fmt.Errorf("invalid range recorded")
	}

	cs.logger.Infof("Range recording stopped after %.1f seconds: %.1f..%.1f deg (%d samples)",
		duration.Seconds(), cs.recordedMin, cs.recordedMax, cs.rangeSamples)
	cs.setState(FitIdle, "Range recorded. Use the travel as the actuator min_angle_deg/max_angle_deg, or 'start' sampling.")

	return map[string]any{
		"success":            true,
		"state":              cs.state.String(),
		"recording_duration": duration.Seconds(),
		"min_deg":            cs.recordedMin,
		"max_deg":            cs.recordedMax,
		"travel_deg":         cs.recordedMax - cs.recordedMin,
		"message":            cs.lastInstruction,
	}, nil
}

// stopRecorderLocked must be called with cs.mu held; it releases it while the recorder drains.
func (cs *gapCalibrationSensor) stopRecorderLocked() {
	if cs.recorder == nil {
		return
	}
	recorder := cs.recorder
	cs.recorder = nil

	cs.mu.Unlock()
	recorder.Stop()
	cs.mu.Lock()
}

// abort cancels the current calibration process, keeping nothing
func (cs *gapCalibrationSensor) abort(_ context.Context) (map[string]any, error) {
	cs.logger.Info("Aborting gap calibration...")
	cs.stopRecorderLocked()
	cs.samples = nil

	cs.setState(FitIdle, "Calibration aborted. Ready to start new calibration.")

	return map[string]any{
		"success": true,
		"state":   cs.state.String(),
		"message": cs.lastInstruction,
	}, nil
}

// reset returns the sensor to its initial state
func (cs *gapCalibrationSensor) reset(_ context.Context) (map[string]any, error) {
	cs.stopRecorderLocked()
	cs.samples = nil
	cs.fitted = nil
	cs.residuals = fitResiduals{}
	cs.rangeSamples = 0

	cs.setState(FitIdle, "Gap calibration sensor reset. Ready to start calibration.")

	return map[string]any{
		"success": true,
		"state":   cs.state.String(),
		"message": cs.lastInstruction,
	}, nil
}

func (cs *gapCalibrationSensor) shaftDegrees(ctx context.Context) (float64, error) {
	revolutions, err := cs.motor.Position(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read motor position: %w", err)
	}
	return revolutions * 360 / cs.cfg.GearRatio, nil
}

// setState updates the calibration state and instruction message
func (cs *gapCalibrationSensor) setState(state FitState, instruction string) {
	cs.state = state
	cs.lastInstruction = instruction

	if state == FitError {
		cs.errorMsg = instruction
		cs.logger.Errorf("Gap calibration error: %s", instruction)
	} else {
		cs.errorMsg = ""
		cs.logger.Infof("Gap calibration state: %s - %s", state.String(), instruction)
	}
}

// Close cleans up the sensor
func (cs *gapCalibrationSensor) Close(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.stopRecorderLocked()
	return nil
}

// FitGapCalibration fits both conversion curves to the samples by least squares.
// The travel range is taken from the smallest and largest measured gap.
func FitGapCalibration(samples []GapSample) (GapCalibration, error) {
	if len(samples) < 3 {
		return GapCalibration{}, fmt.Errorf("need at least 3 samples, have %d", len(samples))
	}

	shaft := make([]float64, len(samples))
	gap := make([]float64, len(samples))
	for i, s := range samples {
		shaft[i] = s.ShaftDeg
		gap[i] = s.GapCm
	}

	gapFromShaft, err := FitQuadratic(shaft, gap)
	if err != nil {
		return GapCalibration{}, fmt.Errorf("gap_from_shaft: %w", err)
	}
	shaftFromGap, err := FitQuadratic(gap, shaft)
	if err != nil {
		return GapCalibration{}, fmt.Errorf("shaft_from_gap: %w", err)
	}

	sorted := append([]float64(nil), gap...)
	sort.Float64s(sorted)

	cal := GapCalibration{
		GapFromShaft: gapFromShaft,
		ShaftFromGap: shaftFromGap,
		MinGapCm:     sorted[0],
		MaxGapCm:     sorted[len(sorted)-1],
	}
	if err := cal.Validate(); err != nil {
		return GapCalibration{}, err
	}
	return cal, nil
}

// FitQuadratic returns {a, b, c} minimising the squared error of a*x^2 + b*x + c against ys.
func FitQuadratic(xs, ys []float64) ([3]float64, error) {
	if len(xs) != len(ys) {
		return [3]float64{}, fmt.Errorf("mismatched sample lengths %d and %d", len(xs), len(ys))
	}
	distinct := map[float64]struct{}{}
	for _, x := range xs {
		distinct[x] = struct{}{}
	}
	if len(distinct) < 3 {
		return [3]float64{}, fmt.Errorf("samples do not determine a quadratic (need 3 distinct x values, have %d)", len(distinct))
	}

	// Work in t = (x - mean) / scale so the design matrix stays well conditioned.
	n := len(xs)
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	var scale float64
	for _, x := range xs {
		scale = math.Max(scale, math.Abs(x-mean))
	}

	design := mat.NewDense(n, 3, nil)
	for i, x := range xs {
		t := (x - mean) / scale
		design.SetRow(i, []float64{t * t, t, 1})
	}

	var sol mat.VecDense
	if err := sol.SolveVec(design, mat.NewVecDense(n, append([]float64(nil), ys...))); err != nil {
		return [3]float64{}, fmt.Errorf("least squares fit failed: %w", err)
	}

	A, B, C := sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)
	s2 := scale * scale
	return [3]float64{
		A / s2,
		B/scale - 2*A*mean/s2,
		A*mean*mean/s2 - B*mean/scale + C,
	}, nil
}

func computeResiduals(cal GapCalibration, samples []GapSample) fitResiduals {
	var res fitResiduals
	for _, s := range samples {
		gapErr := math.Abs(cal.GapCmFromShaftDegrees(s.ShaftDeg) - s.GapCm)
		shaftErr := math.Abs(cal.ShaftDegreesFromGapCm(s.GapCm) - s.ShaftDeg)
		res.gapRMSCm += gapErr * gapErr
		res.shaftRMSDeg += shaftErr * shaftErr
		res.maxGapErrCm = math.Max(res.maxGapErrCm, gapErr)
		res.maxShaftErrD = math.Max(res.maxShaftErrD, shaftErr)
	}
	n := float64(len(samples))
	res.gapRMSCm = math.Sqrt(res.gapRMSCm / n)
	res.shaftRMSDeg = math.Sqrt(res.shaftRMSDeg / n)
	return res
}

func coefficientsToAny(k [3]float64) []any {
	return []any{k[0], k[1], k[2]}
}
