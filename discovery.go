package claw

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"claw/indicator"
)

var ClawDiscoveryModel = resource.NewModel("devrel", "claw", "discovery")

const (
	defaultDiscoveryMotor       = "claw-motor"
	defaultDiscoveryForceSensor = "claw-force"
	defaultDiscoveryBoard       = "board"

	tooltipPingTimeout = 500 * time.Millisecond
)

func init() {
	resource.RegisterService(
		discovery.API,
		ClawDiscoveryModel,
		resource.Registration[discovery.Service, *ClawDiscoveryConfig]{
			Constructor: newClawDiscovery,
		})
}

// ClawDiscoveryConfig names the components generated configs should depend on.
// The claw motor and force sensor cannot be found by probing a serial port.
type ClawDiscoveryConfig struct {
	Motor       string `json:"motor,omitempty"`
	ForceSensor string `json:"force_sensor,omitempty"`
	Board       string `json:"board,omitempty"`
}

func (cfg *ClawDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Motor == "" {
		cfg.Motor = defaultDiscoveryMotor
	}
	if cfg.ForceSensor == "" {
		cfg.ForceSensor = defaultDiscoveryForceSensor
	}
	if cfg.Board == "" {
		cfg.Board = defaultDiscoveryBoard
	}
	return nil, nil, nil
}

type clawDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *ClawDiscoveryConfig

	listPorts    func() []string
	detectTooltip func(port string) bool
	detectCAN     func(port string) bool
}

func newClawDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*ClawDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	dis := &clawDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		cfg:       cfg,
		listPorts: enumerateSerialPorts,
		detectCAN: func(port string) bool {
			return indicator.DetectSLCAN(port, indicator.DefaultSerialBaudrate)
		},
	}
	dis.detectTooltip = dis.pingTooltip
	return dis, nil
}

// DiscoverResources checks candidate serial ports for a tool tip servo bus and
// an SLCAN adapter, and returns configs for what answered.
func (dis *clawDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting claw discovery")

	allPorts := dis.listPorts()
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverPort(portPath)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No claw hardware discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *clawDiscovery) discoverPort(portPath string) []resource.Config {
	portSuffix := extractPortSuffix(portPath)
	dis.logger.Debugf("Checking port %s", portPath)

	// A servo bus and an SLCAN adapter never share a port, so stop at the first match.
	if dis.detectTooltip(portPath) {
		dis.logger.Infof("Discovered tool tip servo on %s", portPath)
		moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
		if moduleDataDir == "" {
			moduleDataDir = "/tmp"
		}
		calibrationFile := findCalibrationFile(moduleDataDir, portSuffix, dis.logger)
		return dis.generateConfigs(portPath, portSuffix, true, false, calibrationFile)
	}
	if dis.detectCAN(portPath) {
		dis.logger.Infof("Discovered SLCAN adapter on %s", portPath)
		return dis.generateConfigs(portPath, portSuffix, false, true, "")
	}

	dis.logger.Debugf("Nothing answered on %s", portPath)
	return nil
}

// pingTooltip reports whether the default tool tip servo answers on portPath.
// A port already held by a running claw is reported without reopening it.
func (dis *clawDiscovery) pingTooltip(portPath string) bool {
	if _, open := SharedBusStatus(portPath); open {
		return true
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: defaultFeetechBaudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  tooltipPingTimeout,
	})
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer bus.Close()

	servo := feetech.NewServo(bus, DefaultTooltipCalibration.ID, &feetech.ModelSTS3215)
	_, err = servo.Ping(context.Background())
	return err == nil
}

// generateConfigs creates a gripper and gap calibration sensor for a tool tip
// bus, or a light for an SLCAN adapter.
func (dis *clawDiscovery) generateConfigs(
	portPath, portSuffix string,
	hasTooltip, hasCAN bool,
	calibrationFile string,
) []resource.Config {
	var configs []resource.Config

	if hasTooltip {
		attrs := map[string]interface{}{
			"motor":        dis.cfg.Motor,
			"force_sensor": dis.cfg.ForceSensor,
			"tooltip_bus": map[string]interface{}{
				"port": portPath,
			},
		}
		if calibrationFile != "" {
			attrs["gap_calibration_file"] = calibrationFile
		}

		configs = append(configs,
			resource.Config{
				Name:       "claw-gripper-" + portSuffix,
				API:        gripper.API,
				Model:      ClawGripperModel,
				Attributes: attrs,
			},
			resource.Config{
				Name:  "claw-gap-calibration-" + portSuffix,
				API:   sensor.API,
				Model: GapCalibrationSensorModel,
				Attributes: map[string]interface{}{
					"motor":            dis.cfg.Motor,
					"calibration_file": calibrationFileOrDefault(calibrationFile),
				},
			},
		)
	}

	// LED pins cannot be detected and are left for the user to fill in
	if hasCAN {
		configs = append(configs, resource.Config{
			Name:  "claw-light-" + portSuffix,
			API:   generic.API,
			Model: indicator.Model,
			Attributes: map[string]interface{}{
				"board":     dis.cfg.Board,
				"red_pin":   "",
				"blue_pin":  "",
				"green_pin": "",
				"can_port":  portPath,
			},
		})
	}

	return configs
}

func calibrationFileOrDefault(file string) string {
	if file == "" {
		return defaultGapCalibrationFile
	}
	return file
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile looks for a gap calibration in moduleDataDir, port-specific
// first. It returns the file name, or "" when there is none.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	portSpecific := portSuffix + "_" + defaultGapCalibrationFile
	for _, name := range []string{portSpecific, defaultGapCalibrationFile} {
		if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
			logger.Debugf("Found gap calibration file: %s", name)
			return name
		}
	}

	logger.Debug("No gap calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
