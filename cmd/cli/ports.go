package main

import (
	"fmt"

	"go.bug.st/serial/enumerator"

	"claw/indicator"
)

type PortsCommand struct {
	Detect bool `long:"detect" description:"Ask each USB port for an SLCAN version reply"`
}

func (c *PortsCommand) Execute(args []string) error {
	logger := newLogger()

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		logger.Info("No serial ports found")
		return nil
	}

	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  usb %s:%s", p.VID, p.PID)
			if p.SerialNumber != "" {
				line += " serial " + p.SerialNumber
			}
			if c.Detect && indicator.DetectSLCAN(p.Name, indicator.DefaultSerialBaudrate) {
				line += "  [slcan]"
			}
		}
		fmt.Println(line)
	}
	return nil
}
