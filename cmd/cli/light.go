package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"claw/indicator"
)

type LightCommand struct {
	Port     string        `long:"port" required:"true" description:"Serial port of the SLCAN adapter"`
	Mode     string        `long:"mode" required:"true" description:"red, blue, flash_green, off or a raw mode byte"`
	Baudrate int           `long:"baudrate" default:"115200" description:"Serial baudrate of the adapter"`
	Bitrate  int           `long:"bitrate" default:"500" description:"CAN bitrate in kbit/s"`
	Timeout  time.Duration `long:"timeout" default:"1s" description:"How long to wait for the ack"`
}

func parseMode(s string) (indicator.Mode, error) {
	for m := indicator.ModeRed; m <= indicator.ModeOff; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("unknown mode %q", s)
	}
	return indicator.Mode(n), nil
}

func (c *LightCommand) Execute(args []string) error {
	logger := newLogger()

	mode, err := parseMode(c.Mode)
	if err != nil {
		return err
	}

	link, err := indicator.OpenSLCAN(c.Port, c.Baudrate, c.Bitrate)
	if err != nil {
		return err
	}
	defer link.Close()

	cmd := indicator.CommandFrame(mode)
	logger.Debugf("Sending %s", cmd)
	if err := link.WriteFrame(cmd); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	for {
		f, err := link.ReadFrame(ctx)
		if err != nil {
			return errors.Wrap(err, "no ack received")
		}
		if f.ID != indicator.AckID {
			logger.Debugf("Skipping %s", f)
			continue
		}
		fmt.Printf("ack %s (mode %s)\n", f, mode)
		return nil
	}
}
