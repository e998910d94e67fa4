package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"go.viam.com/rdk/logging"
)

type Options struct {
	Verbose bool `short:"v" long:"verbose" description:"Log at debug level"`

	Convert ConvertCommand `command:"convert" description:"Convert between jaw gap and shaft angle"`
	Ports   PortsCommand   `command:"ports" description:"List serial ports a tool tip bus or CAN adapter may be on"`
	Light   LightCommand   `command:"light" description:"Send a light command over an SLCAN adapter and wait for its ack"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func newLogger() logging.Logger {
	logger := logging.NewLogger("claw-cli")
	if opts.Verbose {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

func main() {
	parser.LongDescription = "Bench tools for the force-limited claw"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
