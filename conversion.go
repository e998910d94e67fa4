package claw

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
)

// GapCalibration holds the two independently fitted curves relating the jaw gap to the shaft angle.
// Coefficients are ordered {a, b, c} for a*x^2 + b*x + c.
type GapCalibration struct {
	// Shaft angle (degrees) -> gap (cm)
	GapFromShaft [3]float64 `json:"gap_from_shaft"`
	// Gap (cm) -> shaft angle (degrees)
	ShaftFromGap [3]float64 `json:"shaft_from_gap"`

	// Physically meaningful travel of the jaws
	MinGapCm float64 `json:"min_gap_cm"`
	MaxGapCm float64 `json:"max_gap_cm"`
}

// DefaultGapCalibration is the least-squares fit measured on the reference claw.
var DefaultGapCalibration = GapCalibration{
	GapFromShaft: [3]float64{6.363885761e-7, -8.793434733e-3, 15.80749897},
	ShaftFromGap: [3]float64{1.573564198, -158.4968661, 2119.701587},
	MinGapCm:     1.0,
	MaxGapCm:     15.5,
}

// GapCmFromShaftDegrees converts a shaft angle to a jaw gap.
func (cal GapCalibration) GapCmFromShaftDegrees(angleDeg float64) float64 {
	return quadratic(cal.GapFromShaft, angleDeg)
}

// ShaftDegreesFromGapCm converts a jaw gap to a shaft angle.
func (cal GapCalibration) ShaftDegreesFromGapCm(gapCm float64) float64 {
	return quadratic(cal.ShaftFromGap, gapCm)
}

// GapVelocityFromShaftVelocity converts a shaft velocity measured at angleDeg to a gap velocity.
func (cal GapCalibration) GapVelocityFromShaftVelocity(angleDeg, degPerSec float64) float64 {
	return derivative(cal.GapFromShaft, angleDeg) * degPerSec
}

// ShaftVelocityFromGapVelocity converts a gap velocity commanded at gapCm to a shaft velocity.
func (cal GapCalibration) ShaftVelocityFromGapVelocity(gapCm, cmPerSec float64) float64 {
	return derivative(cal.ShaftFromGap, gapCm) * cmPerSec
}

// ClampGap limits a gap to the calibrated travel range.
func (cal GapCalibration) ClampGap(gapCm float64) float64 {
	if gapCm < cal.MinGapCm {
		return cal.MinGapCm
	}
	if gapCm > cal.MaxGapCm {
		return cal.MaxGapCm
	}
	return gapCm
}

// Validate checks that the curves are usable over the travel range.
func (cal GapCalibration) Validate() error {
	if cal.MinGapCm >= cal.MaxGapCm {
		return fmt.Errorf("invalid gap range: min (%.2f) must be less than max (%.2f)", cal.MinGapCm, cal.MaxGapCm)
	}
	if cal.GapFromShaft == ([3]float64{}) || cal.ShaftFromGap == ([3]float64{}) {
		return fmt.Errorf("gap calibration curves must not be empty")
	}

	// Both fits have to be monotonic over the travel, otherwise a gap maps to two angles.
	lo := derivative(cal.ShaftFromGap, cal.MinGapCm)
	hi := derivative(cal.ShaftFromGap, cal.MaxGapCm)
	if lo == 0 || hi == 0 || (lo < 0) != (hi < 0) {
		return fmt.Errorf("shaft_from_gap is not monotonic over %.2f..%.2f cm", cal.MinGapCm, cal.MaxGapCm)
	}
	return nil
}

// GapCmFromShaftDegrees converts using the default fit.
func GapCmFromShaftDegrees(angleDeg float64) float64 {
	return DefaultGapCalibration.GapCmFromShaftDegrees(angleDeg)
}

// ShaftDegreesFromGapCm converts using the default fit.
func ShaftDegreesFromGapCm(gapCm float64) float64 {
	return DefaultGapCalibration.ShaftDegreesFromGapCm(gapCm)
}

// GapVelocityFromShaftVelocity converts using the default fit.
func GapVelocityFromShaftVelocity(angleDeg, degPerSec float64) float64 {
	return DefaultGapCalibration.GapVelocityFromShaftVelocity(angleDeg, degPerSec)
}

// ShaftVelocityFromGapVelocity converts using the default fit.
func ShaftVelocityFromGapVelocity(gapCm, cmPerSec float64) float64 {
	return DefaultGapCalibration.ShaftVelocityFromGapVelocity(gapCm, cmPerSec)
}

func quadratic(k [3]float64, x float64) float64 {
	return k[0]*x*x + k[1]*x + k[2]
}

func derivative(k [3]float64, x float64) float64 {
	return 2*k[0]*x + k[1]
}

// resolveDataPath makes relative calibration paths live under VIAM_MODULE_DATA.
func resolveDataPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

// LoadGapCalibration loads and validates a gap calibration from a JSON file
func LoadGapCalibration(path string) (GapCalibration, error) {
	data, err := os.ReadFile(resolveDataPath(path))
	if err != nil {
		return GapCalibration{}, fmt.Errorf("failed to read gap calibration file: %w", err)
	}

	var cal GapCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return GapCalibration{}, fmt.Errorf("failed to parse gap calibration JSON: %w", err)
	}

	if err := cal.Validate(); err != nil {
		return GapCalibration{}, fmt.Errorf("gap calibration validation failed: %w", err)
	}
	return cal, nil
}

// SaveGapCalibration saves a gap calibration to a JSON file
func SaveGapCalibration(path string, cal GapCalibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal gap calibration: %w", err)
	}

	if err := os.WriteFile(resolveDataPath(path), data, 0644); err != nil {
		return fmt.Errorf("failed to write gap calibration file: %w", err)
	}
	return nil
}

// loadGapCalibrationOrDefault returns (calibration, fromFile), falling back to the default fit.
func loadGapCalibrationOrDefault(path string, logger logging.Logger) (GapCalibration, bool) {
	if path == "" {
		logger.Debug("No gap calibration file specified, using default fit")
		return DefaultGapCalibration, false
	}

	cal, err := LoadGapCalibration(path)
	if err != nil {
		logger.Warnf("Failed to load gap calibration from %s: %v, using default fit", path, err)
		return DefaultGapCalibration, false
	}

	logger.Infof("Loaded gap calibration from %s", path)
	return cal, true
}
