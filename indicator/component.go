package indicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	goutils "go.viam.com/utils"
)

var Model = resource.NewModel("devrel", "claw", "indicator")

func init() {
	resource.RegisterComponent(
		generic.API,
		Model,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newIndicator,
		},
	)
}

// Config wires the light to three board pins and, optionally, to an SLCAN adapter.
type Config struct {
	Board    string `json:"board"`
	RedPin   string `json:"red_pin"`
	BluePin  string `json:"blue_pin"`
	GreenPin string `json:"green_pin"`

	FlashCount     int     `json:"flash_count,omitempty"`
	FlashPeriodSec float64 `json:"flash_period_sec,omitempty"`

	CANPort        string `json:"can_port,omitempty"`
	CANBaudrate    int    `json:"can_baudrate,omitempty"`
	CANBitrateKbps int    `json:"can_bitrate_kbps,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Board == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	for field, pin := range map[string]string{"red_pin": cfg.RedPin, "blue_pin": cfg.BluePin, "green_pin": cfg.GreenPin} {
		if pin == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, field)
		}
	}
	if cfg.FlashCount < 0 || cfg.FlashPeriodSec < 0 {
		return nil, nil, fmt.Errorf("%s: flash_count and flash_period_sec cannot be negative", path)
	}
	if cfg.CANPort != "" {
		if cfg.CANBitrateKbps == 0 {
			cfg.CANBitrateKbps = DefaultBitrateKbps
		}
		if _, ok := slcanBitrates[cfg.CANBitrateKbps]; !ok {
			return nil, nil, fmt.Errorf("%s: unsupported can_bitrate_kbps %d", path, cfg.CANBitrateKbps)
		}
		if cfg.CANBaudrate == 0 {
			cfg.CANBaudrate = DefaultSerialBaudrate
		}
	}
	return []string{cfg.Board}, nil, nil
}

// CANLink is the frame transport the indicator listens on.
type CANLink interface {
	FrameWriter
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

type indicator struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	light   *GPIOIndicator
	link    CANLink
	workers *goutils.StoppableWorkers
	closing atomic.Bool
}

func newIndicator(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, cfg.Board)
	if err != nil {
		return nil, fmt.Errorf("failed to get board %q: %w", cfg.Board, err)
	}
	pins := make([]board.GPIOPin, 3)
	for i, name := range []string{cfg.RedPin, cfg.BluePin, cfg.GreenPin} {
		if pins[i], err = b.GPIOPinByName(name); err != nil {
			return nil, fmt.Errorf("failed to get pin %q: %w", name, err)
		}
	}

	var link CANLink
	if cfg.CANPort != "" {
		if link, err = OpenSLCAN(cfg.CANPort, cfg.CANBaudrate, cfg.CANBitrateKbps); err != nil {
			return nil, err
		}
		logger.Infof("Listening for light commands on %s at %d kbit/s", cfg.CANPort, cfg.CANBitrateKbps)
	}

	return NewIndicator(ctx, conf.ResourceName(), pins[0], pins[1], pins[2], link, cfg, logger)
}

// NewIndicator builds the component from already resolved pins. link may be nil,
// in which case the light only answers DoCommand.
func NewIndicator(
	ctx context.Context,
	name resource.Name,
	red, blue, green board.GPIOPin,
	link CANLink,
	cfg *Config,
	logger logging.Logger,
) (resource.Resource, error) {
	period := time.Duration(cfg.FlashPeriodSec * float64(time.Second))
	light, err := NewGPIOIndicator(ctx, red, blue, green, cfg.FlashCount, period, logger)
	if err != nil {
		if link != nil {
			_ = link.Close()
		}
		return nil, err
	}

	ind := &indicator{name: name, logger: logger, light: light, link: link}
	if link != nil {
		handler := NewHandler(light, link, logger)
		ind.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
			ind.listen(ctx, handler)
		})
	}
	return ind, nil
}

func (ind *indicator) listen(ctx context.Context, handler *Handler) {
	for {
		f, err := ind.link.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || ind.closing.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			ind.logger.Warnf("CAN read failed: %v", err)
			if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		if err := handler.HandleFrame(ctx, f); err != nil {
			ind.logger.Warnf("Failed to handle frame %s: %v", f, err)
		}
	}
}

func (ind *indicator) Name() resource.Name {
	return ind.name
}

func (ind *indicator) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if _, ok := cmd["get_mode"]; ok {
		return map[string]interface{}{"mode": int(ind.light.Mode()), "name": ind.light.Mode().String()}, nil
	}

	raw, ok := cmd["mode"]
	if !ok {
		return nil, fmt.Errorf("unknown command, expected \"mode\" or \"get_mode\"")
	}
	var mode Mode
	switch v := raw.(type) {
	case float64:
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("unknown light mode %v", v)
		}
		mode = Mode(v)
	case int:
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("unknown light mode %d", v)
		}
		mode = Mode(v)
	case string:
		found := false
		for m := ModeRed; m <= ModeOff; m++ {
			if m.String() == v {
				mode, found = m, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown light mode %q", v)
		}
	default:
		return nil, fmt.Errorf("mode must be a number or name, got %T", raw)
	}

	if err := ind.light.SetMode(ctx, mode); err != nil {
		return nil, err
	}
	return map[string]interface{}{"mode": int(mode), "name": mode.String()}, nil
}

func (ind *indicator) Close(ctx context.Context) error {
	var errs []error
	ind.closing.Store(true)
	if ind.link != nil {
		// closing the link unblocks a reader waiting on the stream
		if err := ind.link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ind.workers != nil {
		ind.workers.Stop()
	}
	if err := ind.light.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
