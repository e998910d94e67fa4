package main

import (
	"errors"
	"fmt"

	"claw"
)

type ConvertCommand struct {
	Degrees     *float64 `long:"deg" description:"Shaft angle in degrees to convert to a gap"`
	Centimeters *float64 `long:"cm" description:"Jaw gap in cm to convert to a shaft angle"`
	Calibration string   `long:"calibration" description:"Gap calibration file; the built-in fit is used when empty"`
}

func (c *ConvertCommand) Execute(args []string) error {
	if (c.Degrees == nil) == (c.Centimeters == nil) {
		return errors.New("give exactly one of --deg or --cm")
	}

	cal := claw.DefaultGapCalibration
	if c.Calibration != "" {
		loaded, err := claw.LoadGapCalibration(c.Calibration)
		if err != nil {
			return err
		}
		cal = loaded
	}

	if c.Degrees != nil {
		fmt.Printf("%.2f deg -> %.3f cm\n", *c.Degrees, cal.GapCmFromShaftDegrees(*c.Degrees))
		return nil
	}
	gap := cal.ClampGap(*c.Centimeters)
	if gap != *c.Centimeters {
		fmt.Printf("%.3f cm is outside %.3f..%.3f, clamped\n", *c.Centimeters, cal.MinGapCm, cal.MaxGapCm)
	}
	fmt.Printf("%.3f cm -> %.2f deg\n", gap, cal.ShaftDegreesFromGapCm(gap))
	return nil
}
