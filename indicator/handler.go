package indicator

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Light shows one of the indicator patterns.
type Light interface {
	SetMode(ctx context.Context, mode Mode) error
}

// FrameWriter sends frames back onto the bus.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// Handler applies light commands received as CAN frames.
type Handler struct {
	light  Light
	acks   FrameWriter
	logger logging.Logger
}

// NewHandler returns a handler that acknowledges on acks and drives light.
func NewHandler(light Light, acks FrameWriter, logger logging.Logger) *Handler {
	return &Handler{light: light, acks: acks, logger: logger}
}

// HandleFrame acknowledges a command frame and then applies its mode.
// Frames with other IDs and unknown modes are logged and ignored.
func (h *Handler) HandleFrame(ctx context.Context, f Frame) error {
	if f.ID != CommandID {
		h.logger.Debugf("Ignoring unimplemented frame %s", f)
		return nil
	}
	if len(f.Data) == 0 {
		h.logger.Warnf("Light command frame carries no mode byte")
		return nil
	}

	mode := Mode(f.Data[0])
	if err := h.acks.WriteFrame(AckFrame(mode)); err != nil {
		return errors.Wrap(err, "failed to acknowledge light command")
	}

	if !mode.Valid() {
		h.logger.Warnf("Light command for unknown mode %d", byte(mode))
		return nil
	}

	h.logger.Debugf("Setting light to %s", mode)
	return h.light.SetMode(ctx, mode)
}
