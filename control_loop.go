package claw

import (
	"context"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// DefaultControlLoopRate is the frequency of Update calls made by a ControlLoop.
const DefaultControlLoopRate = 100.0

// updater is the part of Controller the control loop drives.
type updater interface {
	Update(ctx context.Context) error
}

// ControlLoop calls Update on a fixed tick from a background goroutine.
type ControlLoop struct {
	workers *goutils.StoppableWorkers
}

// StartControlLoop begins calling c.Update at rateHz until Stop is called.
// A persistent error is logged once when it first appears and once when it clears.
func StartControlLoop(c updater, rateHz float64, logger logging.Logger) *ControlLoop {
	if rateHz <= 0 {
		rateHz = DefaultControlLoopRate
	}
	period := time.Duration(float64(time.Second) / rateHz)

	loop := &ControlLoop{}
	loop.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		var lastErr string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := c.Update(ctx)
			switch {
			case err != nil && err.Error() != lastErr:
				if ctx.Err() != nil {
					return
				}
				logger.Warnf("Control loop update failed: %v", err)
				lastErr = err.Error()
			case err == nil && lastErr != "":
				logger.Infof("Control loop update recovered")
				lastErr = ""
			}
		}
	})
	return loop
}

// Stop ends the loop and waits for the last Update to return.
func (l *ControlLoop) Stop() {
	l.workers.Stop()
}
