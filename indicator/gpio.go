package indicator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	// Ten flashes spread over two seconds
	DefaultFlashCount  = 10
	DefaultFlashPeriod = 2 * time.Second
)

// GPIOIndicator drives separate red, blue and green LEDs from board pins.
type GPIOIndicator struct {
	red, blue, green board.GPIOPin
	flashCount       int
	flashPeriod      time.Duration
	logger           logging.Logger

	mu      sync.Mutex
	mode    Mode
	flasher *goutils.StoppableWorkers
}

// NewGPIOIndicator starts with every LED off. Zero flash settings select the defaults.
func NewGPIOIndicator(
	ctx context.Context,
	red, blue, green board.GPIOPin,
	flashCount int,
	flashPeriod time.Duration,
	logger logging.Logger,
) (*GPIOIndicator, error) {
	if red == nil || blue == nil || green == nil {
		return nil, errors.New("indicator needs red, blue and green pins")
	}
	if flashCount <= 0 {
		flashCount = DefaultFlashCount
	}
	if flashPeriod <= 0 {
		flashPeriod = DefaultFlashPeriod
	}

	g := &GPIOIndicator{
		red:         red,
		blue:        blue,
		green:       green,
		flashCount:  flashCount,
		flashPeriod: flashPeriod,
		logger:      logger,
	}
	if err := g.SetMode(ctx, ModeOff); err != nil {
		return nil, err
	}
	return g, nil
}

// SetMode shows mode, cancelling any flash still running.
func (g *GPIOIndicator) SetMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return errors.Errorf("unknown light mode %d", byte(mode))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopFlashLocked()
	g.mode = mode

	switch mode {
	case ModeRed:
		return g.show(ctx, true, false, false)
	case ModeBlue:
		return g.show(ctx, false, true, false)
	case ModeFlashGreen:
		if err := g.show(ctx, false, false, false); err != nil {
			return err
		}
		g.flasher = goutils.NewBackgroundStoppableWorkers(g.flash)
		return nil
	default:
		return g.show(ctx, false, false, false)
	}
}

// Mode returns the last mode set.
func (g *GPIOIndicator) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

func (g *GPIOIndicator) show(ctx context.Context, red, blue, green bool) error {
	if err := g.red.Set(ctx, red, nil); err != nil {
		return errors.Wrap(err, "failed to set red LED")
	}
	if err := g.blue.Set(ctx, blue, nil); err != nil {
		return errors.Wrap(err, "failed to set blue LED")
	}
	if err := g.green.Set(ctx, green, nil); err != nil {
		return errors.Wrap(err, "failed to set green LED")
	}
	return nil
}

// flash toggles the green LED flashCount times and leaves it off.
func (g *GPIOIndicator) flash(ctx context.Context) {
	half := g.flashPeriod / time.Duration(2*g.flashCount)
	defer func() {
		if err := g.green.Set(context.WithoutCancel(ctx), false, nil); err != nil {
			g.logger.Warnf("Failed to turn green LED off: %v", err)
		}
	}()

	for i := 0; i < g.flashCount; i++ {
		for _, on := range []bool{true, false} {
			if err := g.green.Set(ctx, on, nil); err != nil {
				if ctx.Err() == nil {
					g.logger.Warnf("Failed to flash green LED: %v", err)
				}
				return
			}
			if !goutils.SelectContextOrWait(ctx, half) {
				return
			}
		}
	}
}

func (g *GPIOIndicator) stopFlashLocked() {
	if g.flasher != nil {
		g.flasher.Stop()
		g.flasher = nil
	}
}

// Close stops any flash and turns every LED off.
func (g *GPIOIndicator) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopFlashLocked()
	return g.show(ctx, false, false, false)
}
