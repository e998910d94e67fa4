package main

import (
	"claw"
	"claw/indicator"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: gripper.API, Model: claw.ClawGripperModel},
		resource.APIModel{API: sensor.API, Model: claw.GapCalibrationSensorModel},
		resource.APIModel{API: generic.API, Model: indicator.Model},
		resource.APIModel{API: discovery.API, Model: claw.ClawDiscoveryModel},
	)
}
